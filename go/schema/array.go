package schema

import (
	"fmt"
	"sort"

	"github.com/docsync/engine/go/fracindex"
)

const (
	kindArraySet    = "array.set"
	kindArrayInsert = "array.insert"
	kindArrayRemove = "array.remove"
	kindArrayMove   = "array.move"
)

// ArrayEntry is one materialized element of an Array primitive's state.
type ArrayEntry struct {
	ID    string
	Pos   string
	Value any
}

// ArrayState is an Array primitive's state: entries sorted ascending by
// Pos. Positions are unique within one array.
type ArrayState []ArrayEntry

// Array is the Array(element) primitive.
type Array struct {
	element Primitive
}

func NewArray(element Primitive) *Array { return &Array{element: element} }

func (p *Array) InitialState() any { return ArrayState{} }

func (p *Array) Apply(state any, op Operation) (any, error) {
	var st, ok = state.(ArrayState)
	if !ok {
		return nil, fmt.Errorf("schema: array state is not ArrayState (got %T)", state)
	}

	if op.Path.IsEmpty() {
		switch op.Kind {
		case kindArraySet:
			var arr, isArr = op.Payload.AsArray()
			if !isArr {
				return nil, NewValidationError(op.Path, op.Kind, "payload is not an array")
			}
			var next = make(ArrayState, 0, len(arr))
			for _, ev := range arr {
				var entry, err = p.decodeEntry(ev)
				if err != nil {
					return nil, err
				}
				next = append(next, entry)
			}
			sortEntries(next)
			if err := checkUniquePos(next); err != nil {
				return nil, err
			}
			return next, nil

		case kindArrayInsert:
			var entry, err = p.decodeEntry(op.Payload)
			if err != nil {
				return nil, err
			}
			for _, e := range st {
				if e.ID == entry.ID {
					return nil, NewValidationError(op.Path, op.Kind, "duplicate entry id: "+entry.ID)
				}
				if e.Pos == entry.Pos {
					return nil, NewValidationError(op.Path, op.Kind, "duplicate position: "+entry.Pos)
				}
			}
			var next = append(cloneEntries(st), entry)
			sortEntries(next)
			return next, nil

		case kindArrayRemove:
			var id, err = payloadID(op)
			if err != nil {
				return nil, err
			}
			var next = make(ArrayState, 0, len(st))
			var found bool
			for _, e := range st {
				if e.ID == id {
					found = true
					continue
				}
				next = append(next, e)
			}
			if !found {
				return nil, NewValidationError(op.Path, op.Kind, "unknown entry id: "+id)
			}
			return next, nil

		case kindArrayMove:
			var id, err = payloadID(op)
			if err != nil {
				return nil, err
			}
			var pos, hasPos = op.Payload.Field("pos").AsString()
			if !hasPos {
				return nil, NewValidationError(op.Path, op.Kind, "payload missing pos")
			}
			var next = cloneEntries(st)
			var idx = -1
			for i, e := range next {
				if e.ID == id {
					idx = i
					continue
				}
				if e.Pos == pos {
					return nil, NewValidationError(op.Path, op.Kind, "duplicate position: "+pos)
				}
			}
			if idx < 0 {
				return nil, NewValidationError(op.Path, op.Kind, "unknown entry id: "+id)
			}
			next[idx].Pos = pos
			sortEntries(next)
			return next, nil

		default:
			return nil, NewValidationError(op.Path, op.Kind, "unknown array op kind")
		}
	}

	var id, rest = op.Path.Head()
	var idx = -1
	for i, e := range st {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, NewValidationError(op.Path, op.Kind, "unknown entry id: "+id)
	}
	var newValue, err = p.element.Apply(st[idx].Value, Operation{Kind: op.Kind, Path: rest, Payload: op.Payload})
	if err != nil {
		return nil, err
	}
	var next = cloneEntries(st)
	next[idx].Value = newValue
	return next, nil
}

func (p *Array) Transform(clientOp, serverOp Operation) (TransformResult, error) {
	if clientOp.Path.IsEmpty() {
		// rules 5 & 6: client's own-level insert/move/set/remove proceeds
		// unchanged regardless of the server op.
		return transformed(clientOp), nil
	}

	var cid, crest = clientOp.Path.Head()

	if serverOp.Path.IsEmpty() {
		if serverOp.Kind == kindArrayRemove {
			var removedID, err = payloadID(serverOp)
			if err != nil {
				return TransformResult{}, err
			}
			if removedID == cid {
				return noop(), nil // rule 4
			}
		}
		return transformed(clientOp), nil
	}

	var sid, srest = serverOp.Path.Head()
	if cid != sid {
		return transformed(clientOp), nil // rule 1: different entries
	}

	var childResult, err = p.element.Transform(
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
	out.Path = append(Path{cid}, out.Path...)
	return transformed(out), nil
}

func (p *Array) CreateProxy(env *ProxyEnv, path Path) any {
	return &ArrayProxy{env: env, path: path, def: p}
}

func (p *Array) ToSnapshot(state any) (Value, error) {
	var st, ok = state.(ArrayState)
	if !ok {
		return Null(), fmt.Errorf("schema: array state is not ArrayState (got %T)", state)
	}
	var out = make([]Value, len(st))
	for i, e := range st {
		var v, err = p.element.ToSnapshot(e.Value)
		if err != nil {
			return Null(), err
		}
		out[i] = VObject(map[string]Value{
			"id":    VString(e.ID),
			"pos":   VString(e.Pos),
			"value": v,
		})
	}
	return VArray(out...), nil
}

func (p *Array) FromSnapshot(v Value) (any, error) {
	var arr, ok = v.AsArray()
	if !ok {
		return nil, NewValidationError(nil, kindArraySet, "value is not an array")
	}
	var next = make(ArrayState, 0, len(arr))
	for _, ev := range arr {
		var entry, err = p.decodeEntry(ev)
		if err != nil {
			return nil, err
		}
		next = append(next, entry)
	}
	sortEntries(next)
	if err := checkUniquePos(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (p *Array) decodeEntry(v Value) (ArrayEntry, error) {
	var id, hasID = v.Field("id").AsString()
	if !hasID {
		return ArrayEntry{}, NewValidationError(nil, kindArrayInsert, "entry missing id")
	}
	var pos, hasPos = v.Field("pos").AsString()
	if !hasPos {
		return ArrayEntry{}, NewValidationError(nil, kindArrayInsert, "entry missing pos")
	}
	var value, err = p.element.FromSnapshot(v.Field("value"))
	if err != nil {
		return ArrayEntry{}, err
	}
	return ArrayEntry{ID: id, Pos: pos, Value: value}, nil
}

func payloadID(op Operation) (string, error) {
	var id, ok = op.Payload.Field("id").AsString()
	if !ok {
		return "", NewValidationError(op.Path, op.Kind, "payload missing id")
	}
	return id, nil
}

func sortEntries(es ArrayState) {
	sort.SliceStable(es, func(i, j int) bool { return fracindex.Less(es[i].Pos, es[j].Pos) })
}

func checkUniquePos(es ArrayState) error {
	for i := 1; i < len(es); i++ {
		if es[i-1].Pos == es[i].Pos {
			return NewValidationError(nil, kindArraySet, "duplicate position: "+es[i].Pos)
		}
	}
	return nil
}

func cloneEntries(es ArrayState) ArrayState {
	var out = make(ArrayState, len(es))
	copy(out, es)
	return out
}

// ArrayProxy exposes array-level mutators (insert, remove, move, set) and
// per-entry access over an Array primitive's current path.
type ArrayProxy struct {
	env  *ProxyEnv
	path Path
	def  *Array
}

// currentEntries reads the array's live state for position computation, if
// the environment was given read access; otherwise it returns nil and the
// mutators compute positions as for an empty array.
func (p *ArrayProxy) currentEntries() ArrayState {
	if st, ok := p.env.Current(p.path).(ArrayState); ok {
		return st
	}
	return nil
}

// Push appends value after the array's current last entry.
func (p *ArrayProxy) Push(value Value) string {
	var id = p.env.NewID()
	var entries = p.currentEntries()
	var pos string
	if len(entries) == 0 {
		pos = fracindex.First()
	} else {
		pos = fracindex.After(entries[len(entries)-1].Pos)
	}
	p.env.Emit(Operation{Kind: kindArrayInsert, Path: p.path, Payload: VObject(map[string]Value{
		"id": VString(id), "pos": VString(pos), "value": value,
	})})
	return id
}

// InsertAt inserts value at logical index idx (0 = first).
func (p *ArrayProxy) InsertAt(idx int, value Value) string {
	var id = p.env.NewID()
	var entries = p.currentEntries()
	var pos string
	switch {
	case len(entries) == 0:
		pos = fracindex.First()
	case idx <= 0:
		pos = fracindex.Before(entries[0].Pos)
	case idx >= len(entries):
		pos = fracindex.After(entries[len(entries)-1].Pos)
	default:
		pos = fracindex.Between(entries[idx-1].Pos, entries[idx].Pos)
	}
	p.env.Emit(Operation{Kind: kindArrayInsert, Path: p.path, Payload: VObject(map[string]Value{
		"id": VString(id), "pos": VString(pos), "value": value,
	})})
	return id
}

func (p *ArrayProxy) Remove(id string) {
	p.env.Emit(Operation{Kind: kindArrayRemove, Path: p.path, Payload: VObject(map[string]Value{
		"id": VString(id),
	})})
}

// MoveToEnd repositions id after the array's current last entry.
func (p *ArrayProxy) MoveToEnd(id string) {
	var entries = p.currentEntries()
	var pos string
	if len(entries) == 0 {
		pos = fracindex.First()
	} else {
		pos = fracindex.After(entries[len(entries)-1].Pos)
	}
	p.env.Emit(Operation{Kind: kindArrayMove, Path: p.path, Payload: VObject(map[string]Value{
		"id": VString(id), "pos": VString(pos),
	})})
}

// At returns the proxy for entry id's value, built by the element
// primitive.
func (p *ArrayProxy) At(id string) any {
	return p.def.element.CreateProxy(p.env, p.path.Child(id))
}

// Set replaces the entire array contents. entries must each contain
// id/pos/value keys.
func (p *ArrayProxy) Set(entries []Value) {
	p.env.Emit(Operation{Kind: kindArraySet, Path: p.path, Payload: VArray(entries...)})
}
