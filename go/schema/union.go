package schema

import "fmt"

const kindUnionSet = "union.set"

// Union is the Union(discriminator, variants) primitive. Its state is the
// active variant's StructState, including the discriminator field. Child
// operations are routed directly into the active variant's fields (no
// routing token is consumed for the variant itself — a union is
// transparent to its active struct).
type Union struct {
	discriminator string
	variants      map[string]*Struct // tag -> variant struct
}

func NewUnion(discriminator string, variants map[string]*Struct) *Union {
	return &Union{discriminator: discriminator, variants: variants}
}

func (p *Union) InitialState() any { return nil }

func (p *Union) activeVariant(state any) (*Struct, string, error) {
	var st, ok = state.(StructState)
	if !ok || st == nil {
		return nil, "", NewValidationError(nil, kindUnionSet, "union has not been set")
	}
	var tagValue, present = st[p.discriminator]
	if !present {
		return nil, "", NewValidationError(nil, kindUnionSet, "union state missing discriminator")
	}
	var tagV, isV = tagValue.(Value)
	if !isV {
		return nil, "", fmt.Errorf("schema: union discriminator state is not a Value (got %T)", tagValue)
	}
	var tag, isStr = tagV.AsString()
	if !isStr {
		return nil, "", NewValidationError(nil, kindUnionSet, "union discriminator is not a string")
	}
	var variant, known = p.variants[tag]
	if !known {
		return nil, "", NewValidationError(nil, kindUnionSet, "unknown variant tag: "+tag)
	}
	return variant, tag, nil
}

func (p *Union) Apply(state any, op Operation) (any, error) {
	if op.Path.IsEmpty() {
		if op.Kind != kindUnionSet {
			return nil, NewValidationError(op.Path, op.Kind, "expected union.set at own path")
		}
		return p.decodeSet(op.Payload)
	}
	var variant, _, err = p.activeVariant(state)
	if err != nil {
		return nil, err
	}
	return variant.Apply(state, op)
}

func (p *Union) decodeSet(payload Value) (any, error) {
	var tag, ok = payload.Field(p.discriminator).AsString()
	if !ok {
		return nil, NewValidationError(nil, kindUnionSet, "payload missing discriminator field")
	}
	var variant, known = p.variants[tag]
	if !known {
		return nil, NewValidationError(nil, kindUnionSet, "unknown variant tag: "+tag)
	}
	return variant.FromSnapshot(payload)
}

func (p *Union) Transform(clientOp, serverOp Operation) (TransformResult, error) {
	if clientOp.Path.IsEmpty() {
		return transformed(clientOp), nil
	}
	if serverOp.Path.IsEmpty() {
		return transformed(clientOp), nil
	}

	var c0, crest = clientOp.Path.Head()
	var s0, srest = serverOp.Path.Head()
	if c0 != s0 {
		return transformed(clientOp), nil
	}

	var childPrim, ok = p.fieldPrimitive(c0)
	if !ok {
		return TransformResult{}, NewValidationError(clientOp.Path, clientOp.Kind, "unknown union field: "+c0)
	}

	var childResult, err = childPrim.Transform(
		Operation{Kind: clientOp.Kind, Path: crest, Payload: clientOp.Payload},
		Operation{Kind: serverOp.Kind, Path: srest, Payload: serverOp.Payload},
	)
	if err != nil {
		return TransformResult{}, err
	}
	if childResult.Outcome == Noop {
		return noop(), nil
	}
	var out = childResult.Op
	out.Path = append(Path{c0}, out.Path...)
	return transformed(out), nil
}

// fieldPrimitive looks a field name up across all variants. Schemas are
// expected to give a field of a given name the same type in every variant
// that declares it, so the first match is authoritative for OT routing
// purposes; Apply still validates against the actually-active variant.
func (p *Union) fieldPrimitive(name string) (Primitive, bool) {
	for _, variant := range p.variants {
		if cp, ok := variant.fields[name]; ok {
			return cp, true
		}
	}
	return nil, false
}

func (p *Union) CreateProxy(env *ProxyEnv, path Path) any {
	return &UnionProxy{env: env, path: path, def: p}
}

func (p *Union) ToSnapshot(state any) (Value, error) {
	var variant, _, err = p.activeVariant(state)
	if err != nil {
		return Null(), err
	}
	return variant.ToSnapshot(state)
}

func (p *Union) FromSnapshot(v Value) (any, error) { return p.decodeSet(v) }

// UnionProxy exposes whole-union replace and pass-through field access into
// the active variant.
type UnionProxy struct {
	env  *ProxyEnv
	path Path
	def  *Union
}

// Set replaces the union with a new variant. fields must include the
// discriminator field set to a known variant tag.
func (p *UnionProxy) Set(fields map[string]Value) {
	p.env.Emit(Operation{Kind: kindUnionSet, Path: p.path, Payload: VObject(fields)})
}

// Field returns the proxy for a field of the (assumed) active variant. The
// caller is responsible for only accessing fields valid for the variant
// currently in effect; an invalid access fails at Apply time on submit.
func (p *UnionProxy) Field(name string) any {
	var childPrim, ok = p.def.fieldPrimitive(name)
	if !ok {
		panic("schema: no variant declares union field: " + name)
	}
	return childPrim.CreateProxy(p.env, p.path.Child(name))
}
