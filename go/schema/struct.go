package schema

import "fmt"

// StructState is a Struct primitive's state: a mapping from field name to
// that field's child state. Only fields that have been set appear.
type StructState map[string]any

const kindStructSet = "struct.set"

// Struct is the Struct(fields) primitive.
type Struct struct {
	fields map[string]Primitive
	// order preserves declaration order for deterministic snapshot field
	// iteration in tests and diagnostics; it does not affect wire output,
	// which is sorted by Value.MarshalJSON.
	order []string
}

// NewStruct builds a Struct primitive over the given fields, in the
// iteration order they're passed (used only for diagnostics).
func NewStruct(fields map[string]Primitive, order []string) *Struct {
	if order == nil {
		for k := range fields {
			order = append(order, k)
		}
	}
	return &Struct{fields: fields, order: order}
}

func (p *Struct) InitialState() any { return StructState{} }

func (p *Struct) Apply(state any, op Operation) (any, error) {
	var st, ok = state.(StructState)
	if !ok {
		return nil, fmt.Errorf("schema: struct state is not StructState (got %T)", state)
	}

	if op.Path.IsEmpty() {
		if op.Kind != kindStructSet {
			return nil, NewValidationError(op.Path, op.Kind, "expected struct.set at own path")
		}
		var obj, isObj = op.Payload.AsObject()
		if !isObj {
			return nil, NewValidationError(op.Path, op.Kind, "payload is not an object")
		}
		var next = StructState{}
		for field, fv := range obj {
			var childPrim, known = p.fields[field]
			if !known {
				return nil, NewValidationError(op.Path, op.Kind, "unknown field: "+field)
			}
			var childState, err = childPrim.FromSnapshot(fv)
			if err != nil {
				return nil, err
			}
			next[field] = childState
		}
		return next, nil
	}

	var field, rest = op.Path.Head()
	var childPrim, known = p.fields[field]
	if !known {
		return nil, NewValidationError(op.Path, op.Kind, "unknown field: "+field)
	}
	var childState = st[field]
	if childState == nil {
		childState = childPrim.InitialState()
	}
	var newChildState, err = childPrim.Apply(childState, Operation{Kind: op.Kind, Path: rest, Payload: op.Payload})
	if err != nil {
		return nil, err
	}
	var next = cloneStructState(st)
	next[field] = newChildState
	return next, nil
}

func (p *Struct) Transform(clientOp, serverOp Operation) (TransformResult, error) {
	if clientOp.Path.IsEmpty() {
		// rules 2 & 3: a full struct.set by the client proceeds regardless
		// of what the server did underneath it.
		return transformed(clientOp), nil
	}
	if serverOp.Path.IsEmpty() {
		// rule 3: server replaced the ancestor struct; client's child op
		// still proceeds (the server will validate on apply).
		return transformed(clientOp), nil
	}

	var c0, crest = clientOp.Path.Head()
	var s0, srest = serverOp.Path.Head()
	if c0 != s0 {
		return transformed(clientOp), nil // rule 1: disjoint paths
	}

	var childPrim, known = p.fields[c0]
	if !known {
		return TransformResult{}, NewValidationError(clientOp.Path, clientOp.Kind, "unknown field: "+c0)
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

func (p *Struct) CreateProxy(env *ProxyEnv, path Path) any {
	return &StructProxy{env: env, path: path, def: p}
}

func (p *Struct) ToSnapshot(state any) (Value, error) {
	var st, ok = state.(StructState)
	if !ok {
		return Null(), fmt.Errorf("schema: struct state is not StructState (got %T)", state)
	}
	var obj = map[string]Value{}
	for field, childState := range st {
		var childPrim, known = p.fields[field]
		if !known {
			return Null(), fmt.Errorf("schema: struct snapshot has unknown field %q", field)
		}
		var v, err = childPrim.ToSnapshot(childState)
		if err != nil {
			return Null(), err
		}
		obj[field] = v
	}
	return VObject(obj), nil
}

func (p *Struct) FromSnapshot(v Value) (any, error) {
	var obj, ok = v.AsObject()
	if !ok {
		return nil, NewValidationError(nil, kindStructSet, "value is not an object")
	}
	var next = StructState{}
	for field, fv := range obj {
		var childPrim, known = p.fields[field]
		if !known {
			return nil, NewValidationError(nil, kindStructSet, "unknown field: "+field)
		}
		var childState, err = childPrim.FromSnapshot(fv)
		if err != nil {
			return nil, err
		}
		next[field] = childState
	}
	return next, nil
}

func cloneStructState(s StructState) StructState {
	var out = make(StructState, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

// StructProxy exposes field access and whole-struct replace over a Struct
// primitive's current path.
type StructProxy struct {
	env  *ProxyEnv
	path Path
	def  *Struct
}

// Set replaces the entire struct state. fields maps field name to wire
// Value; every key must be a declared field.
func (p *StructProxy) Set(fields map[string]Value) {
	p.env.Emit(Operation{Kind: kindStructSet, Path: p.path, Payload: VObject(fields)})
}

// Field returns the proxy for a named field, built by that field's own
// primitive. Callers type-assert to the concrete proxy type (*StringProxy,
// *StructProxy, *ArrayProxy, ...).
func (p *StructProxy) Field(name string) any {
	var childPrim, ok = p.def.fields[name]
	if !ok {
		panic("schema: no such struct field: " + name)
	}
	return childPrim.CreateProxy(p.env, p.path.Child(name))
}
