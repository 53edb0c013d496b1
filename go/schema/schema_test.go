package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSchema() *Struct {
	return NewStruct(map[string]Primitive{
		"title": NewString(),
		"count": NewNumber(),
		"arr":   NewArray(NewString()),
	}, []string{"title", "count", "arr"})
}

func TestScalarTransformDisjointPassesThrough(t *testing.T) {
	var s = sampleSchema()
	var client = Operation{Kind: kindStructSet, Path: Path{"title"}, Payload: VString("client")}
	var server = Operation{Kind: kindStructSet, Path: Path{"count"}, Payload: VNumber(5)}
	var result, err = s.Transform(client, server)
	require.NoError(t, err)
	require.Equal(t, Transformed, result.Outcome)
	require.True(t, result.Op.Path.Equal(Path{"title"}))
}

func TestScalarTransformSamePathClientWins(t *testing.T) {
	var s = sampleSchema()
	var client = Operation{Kind: "string.set", Path: Path{"title"}, Payload: VString("client")}
	var server = Operation{Kind: "string.set", Path: Path{"title"}, Payload: VString("server")}
	var result, err = s.Transform(client, server)
	require.NoError(t, err)
	require.Equal(t, Transformed, result.Outcome)
	var payload, _ = result.Op.Payload.AsString()
	require.Equal(t, "client", payload)
}

func TestStructApplyAndSnapshotRoundTrip(t *testing.T) {
	var s = sampleSchema()
	var state = s.InitialState()

	var next, err = s.Apply(state, Operation{Kind: "string.set", Path: Path{"title"}, Payload: VString("hi")})
	require.NoError(t, err)

	var snap, err2 = s.ToSnapshot(next)
	require.NoError(t, err2)
	var title, ok = snap.Field("title").AsString()
	require.True(t, ok)
	require.Equal(t, "hi", title)
}

func TestArrayInsertRemoveRaceYieldsNoop(t *testing.T) {
	var arr = NewArray(NewString())
	var state = ArrayState{{ID: "a", Pos: "m", Value: VString("x")}}

	// Client: set entry "a"'s value (child op with path ["a"]).
	var clientOp = Operation{Kind: "string.set", Path: Path{"a"}, Payload: VString("x2")}
	// Server: array.remove{id:"a"} at the array's own (empty) path.
	var serverOp = Operation{Kind: kindArrayRemove, Path: Path{}, Payload: VObject(map[string]Value{"id": VString("a")})}

	var result, err = arr.Transform(clientOp, serverOp)
	require.NoError(t, err)
	require.Equal(t, Noop, result.Outcome)

	var next, applyErr = arr.Apply(state, serverOp)
	require.NoError(t, applyErr)
	require.Empty(t, next)
}

func TestArrayTwoInsertsBothPass(t *testing.T) {
	var arr = NewArray(NewString())
	var clientOp = Operation{Kind: kindArrayInsert, Path: Path{}, Payload: VObject(map[string]Value{
		"id": VString("c1"), "pos": VString("n"), "value": VString("client"),
	})}
	var serverOp = Operation{Kind: kindArrayInsert, Path: Path{}, Payload: VObject(map[string]Value{
		"id": VString("s1"), "pos": VString("o"), "value": VString("server"),
	})}
	var result, err = arr.Transform(clientOp, serverOp)
	require.NoError(t, err)
	require.Equal(t, Transformed, result.Outcome)
	require.Equal(t, clientOp.Payload, result.Op.Payload)
}

func TestArrayMoveSamePositionClientWins(t *testing.T) {
	var arr = NewArray(NewString())
	var clientOp = Operation{Kind: kindArrayMove, Path: Path{}, Payload: VObject(map[string]Value{
		"id": VString("a"), "pos": VString("z"),
	})}
	var serverOp = Operation{Kind: kindArrayMove, Path: Path{}, Payload: VObject(map[string]Value{
		"id": VString("a"), "pos": VString("y"),
	})}
	var result, err = arr.Transform(clientOp, serverOp)
	require.NoError(t, err)
	require.Equal(t, Transformed, result.Outcome)
	var pos, _ = result.Op.Payload.Field("pos").AsString()
	require.Equal(t, "z", pos)
}

func TestArrayPositionMonotonicityAndUniqueness(t *testing.T) {
	var arr = NewArray(NewString())
	var state = arr.InitialState()

	var ids = []string{}
	for i := 0; i < 5; i++ {
		var proxy = &ArrayProxy{
			env: NewProxyEnv(func(op Operation) {
				var next, err = arr.Apply(state, op)
				require.NoError(t, err)
				state = next
			}, func() string { return string(rune('a' + i)) }, func(Path) any { return state }),
			path: Path{},
			def:  arr,
		}
		var id = proxy.Push(VString("v"))
		ids = append(ids, id)
	}

	var st = state.(ArrayState)
	require.Len(t, st, 5)
	for i := 1; i < len(st); i++ {
		require.True(t, st[i-1].Pos < st[i].Pos)
	}
}

func buildDocTree() *Tree {
	var paragraph = &TreeNodeDef{Type: "paragraph", Data: NewStruct(map[string]Primitive{
		"text": NewString(),
	}, nil)}
	var doc = &TreeNodeDef{Type: "doc", Data: NewStruct(map[string]Primitive{}, nil)}
	doc.AllowedChildren = []*TreeNodeDef{paragraph}
	return NewTree(doc)
}

func TestTreeRemoveCascadesToDescendants(t *testing.T) {
	var tree = buildDocTree()
	var rootID = "root"
	var state = TreeState{
		{ID: rootID, Type: "doc", ParentID: nil, Pos: rootPos()},
		{ID: "p1", Type: "paragraph", ParentID: &rootID, Pos: "m", Data: StructState{"text": VString("hi")}},
	}

	var removeOp = Operation{Kind: kindTreeRemove, Path: Path{}, Payload: VObject(map[string]Value{"id": VString(rootID)})}
	var next, err = tree.Apply(state, removeOp)
	require.NoError(t, err)
	require.Empty(t, next)
}

func TestTreeMoveCyclePrevention(t *testing.T) {
	var tree = buildDocTree()
	var rootID = "root"
	var state = TreeState{
		{ID: rootID, Type: "doc", ParentID: nil, Pos: rootPos()},
		{ID: "p1", Type: "paragraph", ParentID: &rootID, Pos: "m", Data: StructState{"text": VString("hi")}},
	}
	var moveOp = Operation{Kind: kindTreeMove, Path: Path{}, Payload: VObject(map[string]Value{
		"id": VString(rootID), "parentId": VString("p1"), "pos": VString("n"),
	})}
	var _, err = tree.Apply(state, moveOp)
	require.Error(t, err)
}

func TestTreeRemoveTransformNoopOnDirectTarget(t *testing.T) {
	var tree = buildDocTree()
	var clientOp = Operation{Kind: "string.set", Path: Path{"p1", "text"}, Payload: VString("client edit")}
	var serverOp = Operation{Kind: kindTreeRemove, Path: Path{}, Payload: VObject(map[string]Value{"id": VString("p1")})}
	var result, err = tree.Transform(clientOp, serverOp)
	require.NoError(t, err)
	require.Equal(t, Noop, result.Outcome)
}

// buildSectionedDocTree nests paragraphs two levels under the root (doc ->
// section -> paragraph), so a tree.remove on the section cascades to a
// paragraph that is not serverOp's direct target.
func buildSectionedDocTree() *Tree {
	var paragraph = &TreeNodeDef{Type: "paragraph", Data: NewStruct(map[string]Primitive{
		"text": NewString(),
	}, nil)}
	var section = &TreeNodeDef{Type: "section", Data: NewStruct(map[string]Primitive{}, nil)}
	section.AllowedChildren = []*TreeNodeDef{paragraph}
	var doc = &TreeNodeDef{Type: "doc", Data: NewStruct(map[string]Primitive{}, nil)}
	doc.AllowedChildren = []*TreeNodeDef{section}
	return NewTree(doc)
}

func TestTreeTransformMissesTransitiveDescendant(t *testing.T) {
	var tree = buildSectionedDocTree()
	var clientOp = Operation{Kind: "string.set", Path: Path{"p1", "text"}, Payload: VString("client edit")}
	var serverOp = Operation{Kind: kindTreeRemove, Path: Path{}, Payload: VObject(map[string]Value{"id": VString("s1")})}

	var result, err = tree.Transform(clientOp, serverOp)
	require.NoError(t, err)
	require.Equal(t, Transformed, result.Outcome, "Tree.Transform alone can't see s1's descendants without state")
}

func TestCascadeDroppedCatchesTransitiveDescendant(t *testing.T) {
	var tree = buildSectionedDocTree()
	var rootID = "root"
	var sectionID = "s1"
	var state = TreeState{
		{ID: rootID, Type: "doc", ParentID: nil, Pos: rootPos()},
		{ID: sectionID, Type: "section", ParentID: &rootID, Pos: "m", Data: StructState{}},
		{ID: "p1", Type: "paragraph", ParentID: &sectionID, Pos: "m", Data: StructState{"text": VString("hi")}},
	}

	var clientOp = Operation{Kind: "string.set", Path: Path{"p1", "text"}, Payload: VString("client edit")}
	var serverOp = Operation{Kind: kindTreeRemove, Path: Path{}, Payload: VObject(map[string]Value{"id": VString(sectionID)})}

	require.True(t, CascadeDropped(tree, state, clientOp, serverOp))
}

func TestCascadeDroppedFalseForUnrelatedNode(t *testing.T) {
	var tree = buildSectionedDocTree()
	var rootID = "root"
	var sectionID = "s1"
	var otherSectionID = "s2"
	var state = TreeState{
		{ID: rootID, Type: "doc", ParentID: nil, Pos: rootPos()},
		{ID: sectionID, Type: "section", ParentID: &rootID, Pos: "m", Data: StructState{}},
		{ID: otherSectionID, Type: "section", ParentID: &rootID, Pos: "n", Data: StructState{}},
		{ID: "p1", Type: "paragraph", ParentID: &otherSectionID, Pos: "m", Data: StructState{"text": VString("hi")}},
	}

	var clientOp = Operation{Kind: "string.set", Path: Path{"p1", "text"}, Payload: VString("client edit")}
	var serverOp = Operation{Kind: kindTreeRemove, Path: Path{}, Payload: VObject(map[string]Value{"id": VString(sectionID)})}

	require.False(t, CascadeDropped(tree, state, clientOp, serverOp))
}

func rootPos() string { return "m" }
