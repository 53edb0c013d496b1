package schema

import "fmt"

const (
	kindTreeSet    = "tree.set"
	kindTreeInsert = "tree.insert"
	kindTreeRemove = "tree.remove"
	kindTreeMove   = "tree.move"
)

// TreeNodeDef declares one node kind: its type tag, its data struct, and
// the node kinds allowed as its children. AllowedChildren may reference
// the declaring def itself (a recursive schema): build the def first,
// then assign AllowedChildren through its pointer.
type TreeNodeDef struct {
	Type            string
	Data            *Struct
	AllowedChildren []*TreeNodeDef
}

// TreeNodeRecord is one flat entry of a Tree primitive's state.
type TreeNodeRecord struct {
	ID       string
	Type     string
	ParentID *string // nil denotes the root node
	Pos      string
	Data     StructState
}

// TreeState is a Tree primitive's state: the flat node list.
type TreeState []TreeNodeRecord

// Tree is the Tree(root) primitive.
type Tree struct {
	root  *TreeNodeDef
	types map[string]*TreeNodeDef
}

func NewTree(root *TreeNodeDef) *Tree {
	var t = &Tree{root: root, types: map[string]*TreeNodeDef{}}
	t.collectTypes(root, map[*TreeNodeDef]bool{})
	return t
}

func (t *Tree) collectTypes(def *TreeNodeDef, seen map[*TreeNodeDef]bool) {
	if seen[def] {
		return
	}
	seen[def] = true
	t.types[def.Type] = def
	for _, child := range def.AllowedChildren {
		t.collectTypes(child, seen)
	}
}

func (t *Tree) InitialState() any { return TreeState{} }

func (t *Tree) findIndex(st TreeState, id string) int {
	for i, n := range st {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// descendants returns the set of ids transitively parented under id
// (exclusive of id itself).
func (t *Tree) descendants(st TreeState, id string) map[string]bool {
	var out = map[string]bool{}
	var frontier = []string{id}
	for len(frontier) > 0 {
		var cur = frontier[0]
		frontier = frontier[1:]
		for _, n := range st {
			if n.ParentID != nil && *n.ParentID == cur && !out[n.ID] {
				out[n.ID] = true
				frontier = append(frontier, n.ID)
			}
		}
	}
	return out
}

// CascadeRemovedIDs returns id plus every transitive descendant of id in
// st, for use by a document-level rebase that needs to drop client ops
// targeting any node a tree.remove cascaded over, not just its direct
// target.
func (t *Tree) CascadeRemovedIDs(state any, id string) map[string]bool {
	var st, _ = state.(TreeState)
	var out = t.descendants(st, id)
	out[id] = true
	return out
}

// isDescendant reports whether candidate is id itself or a transitive
// descendant of id.
func (t *Tree) isDescendant(st TreeState, id, candidate string) bool {
	if id == candidate {
		return true
	}
	return t.descendants(st, id)[candidate]
}

func (t *Tree) decodeNode(v Value) (TreeNodeRecord, error) {
	var id, hasID = v.Field("id").AsString()
	if !hasID {
		return TreeNodeRecord{}, NewValidationError(nil, kindTreeInsert, "node missing id")
	}
	var typ, hasType = v.Field("type").AsString()
	if !hasType {
		return TreeNodeRecord{}, NewValidationError(nil, kindTreeInsert, "node missing type")
	}
	var pos, hasPos = v.Field("pos").AsString()
	if !hasPos {
		return TreeNodeRecord{}, NewValidationError(nil, kindTreeInsert, "node missing pos")
	}
	var def, known = t.types[typ]
	if !known {
		return TreeNodeRecord{}, NewValidationError(nil, kindTreeInsert, "unknown node type: "+typ)
	}
	var dataState, err = def.Data.FromSnapshot(v.Field("data"))
	if err != nil {
		return TreeNodeRecord{}, err
	}

	var parentID *string
	var parentField = v.Field("parentId")
	if !parentField.IsNull() {
		var pid, ok = parentField.AsString()
		if !ok {
			return TreeNodeRecord{}, NewValidationError(nil, kindTreeInsert, "parentId is not a string or null")
		}
		parentID = &pid
	}

	return TreeNodeRecord{ID: id, Type: typ, ParentID: parentID, Pos: pos, Data: dataState.(StructState)}, nil
}

func (t *Tree) validateInsert(st TreeState, n TreeNodeRecord) error {
	if t.findIndex(st, n.ID) >= 0 {
		return NewValidationError(nil, kindTreeInsert, "duplicate node id: "+n.ID)
	}
	if n.ParentID == nil {
		return NewValidationError(nil, kindTreeInsert, "only tree.set may introduce a root node")
	}
	var parentIdx = t.findIndex(st, *n.ParentID)
	if parentIdx < 0 {
		return NewValidationError(nil, kindTreeInsert, "unknown parent id: "+*n.ParentID)
	}
	var parentDef, known = t.types[st[parentIdx].Type]
	if !known {
		return fmt.Errorf("schema: tree state has unknown type %q", st[parentIdx].Type)
	}
	if !allowedChild(parentDef, n.Type) {
		return NewValidationError(nil, kindTreeInsert, "type "+n.Type+" not allowed under "+parentDef.Type)
	}
	return nil
}

func allowedChild(parent *TreeNodeDef, childType string) bool {
	for _, c := range parent.AllowedChildren {
		if c.Type == childType {
			return true
		}
	}
	return false
}

func (t *Tree) Apply(state any, op Operation) (any, error) {
	var st, ok = state.(TreeState)
	if !ok {
		return nil, fmt.Errorf("schema: tree state is not TreeState (got %T)", state)
	}

	if op.Path.IsEmpty() {
		switch op.Kind {
		case kindTreeSet:
			var arr, isArr = op.Payload.AsArray()
			if !isArr {
				return nil, NewValidationError(op.Path, op.Kind, "payload is not an array")
			}
			var next = make(TreeState, 0, len(arr))
			var rootCount int
			for _, nv := range arr {
				var n, err = t.decodeNode(nv)
				if err != nil {
					return nil, err
				}
				if n.ParentID == nil {
					rootCount++
					if n.Type != t.root.Type {
						return nil, NewValidationError(op.Path, op.Kind, "root node type must be "+t.root.Type)
					}
				}
				next = append(next, n)
			}
			if rootCount != 1 {
				return nil, NewValidationError(op.Path, op.Kind, "tree must have exactly one root node")
			}
			return next, nil

		case kindTreeInsert:
			var n, err = t.decodeNode(op.Payload)
			if err != nil {
				return nil, err
			}
			if err := t.validateInsert(st, n); err != nil {
				return nil, err
			}
			return append(cloneNodes(st), n), nil

		case kindTreeRemove:
			var id, err = payloadID(op)
			if err != nil {
				return nil, err
			}
			if t.findIndex(st, id) < 0 {
				return nil, NewValidationError(op.Path, op.Kind, "unknown node id: "+id)
			}
			var removed = t.descendants(st, id)
			removed[id] = true
			var next = make(TreeState, 0, len(st))
			for _, n := range st {
				if !removed[n.ID] {
					next = append(next, n)
				}
			}
			return next, nil

		case kindTreeMove:
			var id, err = payloadID(op)
			if err != nil {
				return nil, err
			}
			var newParent, hasParent = op.Payload.Field("parentId").AsString()
			if !hasParent {
				return nil, NewValidationError(op.Path, op.Kind, "payload missing parentId")
			}
			var pos, hasPos = op.Payload.Field("pos").AsString()
			if !hasPos {
				return nil, NewValidationError(op.Path, op.Kind, "payload missing pos")
			}
			var idx = t.findIndex(st, id)
			if idx < 0 {
				return nil, NewValidationError(op.Path, op.Kind, "unknown node id: "+id)
			}
			if t.isDescendant(st, id, newParent) {
				return nil, NewValidationError(op.Path, op.Kind, "move would create a cycle")
			}
			var parentIdx = t.findIndex(st, newParent)
			if parentIdx < 0 {
				return nil, NewValidationError(op.Path, op.Kind, "unknown parent id: "+newParent)
			}
			var parentDef, known = t.types[st[parentIdx].Type]
			if !known {
				return nil, fmt.Errorf("schema: tree state has unknown type %q", st[parentIdx].Type)
			}
			if !allowedChild(parentDef, st[idx].Type) {
				return nil, NewValidationError(op.Path, op.Kind, "type "+st[idx].Type+" not allowed under "+parentDef.Type)
			}
			var next = cloneNodes(st)
			next[idx].ParentID = &newParent
			next[idx].Pos = pos
			return next, nil

		default:
			return nil, NewValidationError(op.Path, op.Kind, "unknown tree op kind")
		}
	}

	var id, rest = op.Path.Head()
	var idx = t.findIndex(st, id)
	if idx < 0 {
		return nil, NewValidationError(op.Path, op.Kind, "unknown node id: "+id)
	}
	var def, known = t.types[st[idx].Type]
	if !known {
		return nil, fmt.Errorf("schema: tree state has unknown type %q", st[idx].Type)
	}
	var newData, err = def.Data.Apply(st[idx].Data, Operation{Kind: op.Kind, Path: rest, Payload: op.Payload})
	if err != nil {
		return nil, err
	}
	var next = cloneNodes(st)
	next[idx].Data = newData.(StructState)
	return next, nil
}

func (t *Tree) Transform(clientOp, serverOp Operation) (TransformResult, error) {
	if clientOp.Path.IsEmpty() {
		return transformed(clientOp), nil
	}

	var cid, crest = clientOp.Path.Head()

	if serverOp.Path.IsEmpty() {
		if serverOp.Kind == kindTreeRemove {
			var removedID, err = payloadID(serverOp)
			if err != nil {
				return TransformResult{}, err
			}
			if removedID == cid {
				return noop(), nil // rule 7 (direct target)
			}
		}
		return transformed(clientOp), nil
	}

	var sid, srest = serverOp.Path.Head()
	if cid != sid {
		return transformed(clientOp), nil
	}

	// Same node id: recurse into that node's data struct. We don't know
	// the node's declared type here (Transform has no state access), but
	// every TreeNodeDef's Data struct shares routing semantics for a
	// given field name in well-formed schemas, so route through whichever
	// def declares crest's head field; if ambiguous, prefer the first
	// match across registered types.
	var childPrim, ok = t.fieldPrimitiveAcrossTypes(crest)
	if !ok {
		return transformed(clientOp), nil
	}
	if srest.IsEmpty() || srest[0] != crest[0] {
		// Server set the node's whole data struct (rule 8) or touched a
		// different field (rule 1): the client op proceeds.
		return transformed(clientOp), nil
	}
	var childResult, err = childPrim.Transform(
		Operation{Kind: clientOp.Kind, Path: crest[1:], Payload: clientOp.Payload},
		Operation{Kind: serverOp.Kind, Path: srest[1:], Payload: serverOp.Payload},
	)
	if err != nil {
		return TransformResult{}, err
	}
	if childResult.Outcome == Noop {
		return noop(), nil
	}
	var out = childResult.Op
	out.Path = append(Path{cid, crest[0]}, out.Path...)
	return transformed(out), nil
}

func (t *Tree) fieldPrimitiveAcrossTypes(path Path) (Primitive, bool) {
	if path.IsEmpty() {
		return nil, false
	}
	var field = path[0]
	for _, def := range t.types {
		if cp, ok := def.Data.fields[field]; ok {
			return cp, true
		}
	}
	return nil, false
}

func (t *Tree) CreateProxy(env *ProxyEnv, path Path) any {
	return &TreeProxy{env: env, path: path, def: t}
}

func (t *Tree) ToSnapshot(state any) (Value, error) {
	var st, ok = state.(TreeState)
	if !ok {
		return Null(), fmt.Errorf("schema: tree state is not TreeState (got %T)", state)
	}
	var out = make([]Value, len(st))
	for i, n := range st {
		var def, known = t.types[n.Type]
		if !known {
			return Null(), fmt.Errorf("schema: tree snapshot has unknown type %q", n.Type)
		}
		var dataV, err = def.Data.ToSnapshot(n.Data)
		if err != nil {
			return Null(), err
		}
		var parentV = Null()
		if n.ParentID != nil {
			parentV = VString(*n.ParentID)
		}
		out[i] = VObject(map[string]Value{
			"id": VString(n.ID), "type": VString(n.Type),
			"parentId": parentV, "pos": VString(n.Pos), "data": dataV,
		})
	}
	return VArray(out...), nil
}

func (t *Tree) FromSnapshot(v Value) (any, error) {
	var arr, ok = v.AsArray()
	if !ok {
		return nil, NewValidationError(nil, kindTreeSet, "value is not an array")
	}
	var next = make(TreeState, 0, len(arr))
	var rootCount int
	for _, nv := range arr {
		var n, err = t.decodeNode(nv)
		if err != nil {
			return nil, err
		}
		if n.ParentID == nil {
			rootCount++
		}
		next = append(next, n)
	}
	if rootCount != 1 {
		return nil, NewValidationError(nil, kindTreeSet, "tree must have exactly one root node")
	}
	return next, nil
}

func cloneNodes(st TreeState) TreeState {
	var out = make(TreeState, len(st))
	copy(out, st)
	return out
}

// TreeProxy exposes tree-level mutators and per-node data access.
type TreeProxy struct {
	env  *ProxyEnv
	path Path
	def  *Tree
}

func (p *TreeProxy) Insert(id, typ, parentID, pos string, data map[string]Value) {
	p.env.Emit(Operation{Kind: kindTreeInsert, Path: p.path, Payload: VObject(map[string]Value{
		"id": VString(id), "type": VString(typ), "parentId": VString(parentID),
		"pos": VString(pos), "data": VObject(data),
	})})
}

func (p *TreeProxy) Remove(id string) {
	p.env.Emit(Operation{Kind: kindTreeRemove, Path: p.path, Payload: VObject(map[string]Value{
		"id": VString(id),
	})})
}

func (p *TreeProxy) Move(id, newParentID, pos string) {
	p.env.Emit(Operation{Kind: kindTreeMove, Path: p.path, Payload: VObject(map[string]Value{
		"id": VString(id), "parentId": VString(newParentID), "pos": VString(pos),
	})})
}

// At returns a StructProxy bound to node id's data, using typ to resolve
// the node's declared field set.
func (p *TreeProxy) At(id, typ string) *StructProxy {
	var def, ok = p.def.types[typ]
	if !ok {
		panic("schema: no such tree node type: " + typ)
	}
	return &StructProxy{env: p.env, path: p.path.Child(id), def: def.Data}
}
