package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged JSON-shaped value. Operation payloads and primitive
// snapshots are expressed in terms of Value so that dynamic wire content
// never leaks past the per-primitive decode boundary as a bare `any`.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value             { return Value{kind: KindNull} }
func VBool(b bool) Value      { return Value{kind: KindBool, b: b} }
func VNumber(n float64) Value { return Value{kind: KindNumber, n: n} }
func VString(s string) Value  { return Value{kind: KindString, s: s} }
func VArray(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }
func VObject(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool)  { return v.n, v.kind == KindNumber }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsArray() ([]Value, bool)   { return v.arr, v.kind == KindArray }
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Field looks up a key on an object Value; returns Null() if absent or if
// v is not an object.
func (v Value) Field(key string) Value {
	if v.kind != KindObject {
		return Null()
	}
	if child, ok := v.obj[key]; ok {
		return child
	}
	return Null()
}

// Equal reports deep structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, ov := range v.obj {
			vv, ok := o.obj[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		var out = make([]json.RawMessage, len(v.arr))
		for i, e := range v.arr {
			var raw, err = e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			out[i] = raw
		}
		return json.Marshal(out)
	case KindObject:
		// Sort keys for deterministic wire output.
		var keys = make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf = []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			var kb, _ = json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			var vb, err = v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	default:
		return nil, fmt.Errorf("schema: unknown Value kind %d", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts the result of a standard json.Unmarshal-into-`any` call
// into a Value. It is the one place dynamic `any` is allowed to exist, per
// the decode-boundary rule: every primitive's Apply receives a Value, never
// a raw interface{}.
func FromAny(raw interface{}) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case bool:
		return VBool(x)
	case float64:
		return VNumber(x)
	case string:
		return VString(x)
	case []interface{}:
		var vs = make([]Value, len(x))
		for i, e := range x {
			vs[i] = FromAny(e)
		}
		return VArray(vs...)
	case map[string]interface{}:
		var m = make(map[string]Value, len(x))
		for k, e := range x {
			m[k] = FromAny(e)
		}
		return VObject(m)
	default:
		return Null()
	}
}
