package document

import (
	"testing"

	"github.com/docsync/engine/go/schema"
	"github.com/stretchr/testify/require"
)

func testSchema() schema.Primitive {
	return schema.NewStruct(map[string]schema.Primitive{
		"title": schema.NewString(),
		"count": schema.NewNumber(),
	}, []string{"title", "count"})
}

func newTestDoc(t *testing.T) *Document {
	var seq int
	return New(testSchema(), nil, func() string {
		seq++
		return "id" + string(rune('0'+seq))
	}, func() int64 { return 0 })
}

func TestTransactionRecordsAndAppliesOps(t *testing.T) {
	var doc = newTestDoc(t)
	var tx, err = doc.Transaction(func(env *schema.ProxyEnv) {
		var root = doc.Proxy(env).(*schema.StructProxy)
		root.Field("title").(*schema.StringProxy).Set("Hi")
	})
	require.NoError(t, err)
	require.Len(t, tx.Ops, 1)

	var snap, snapErr = doc.ToSnapshot()
	require.NoError(t, snapErr)
	var title, ok = snap.Field("title").AsString()
	require.True(t, ok)
	require.Equal(t, "Hi", title)
}

func TestOptimisticAckScenario(t *testing.T) {
	var root = testSchema()
	var doc = New(root, nil, func() string { return "c1" }, func() int64 { return 0 })

	var tx, err = doc.Transaction(func(env *schema.ProxyEnv) {
		var proxy = root.CreateProxy(env, nil).(*schema.StructProxy)
		proxy.Field("title").(*schema.StringProxy).Set("Hi")
	})
	require.NoError(t, err)
	require.False(t, tx.IsEmpty())

	var snap, _ = doc.ToSnapshot()
	var title, _ = snap.Field("title").AsString()
	require.Equal(t, "Hi", title)
}

func TestForeignRebaseScenario(t *testing.T) {
	var root = testSchema()

	var clientTx = Transaction{ID: "T1", Ops: []schema.Operation{
		{Kind: "string.set", Path: schema.Path{"title"}, Payload: schema.VString("client")},
	}}
	var serverTx = Transaction{ID: "T2", Ops: []schema.Operation{
		{Kind: "number.set", Path: schema.Path{"count"}, Payload: schema.VNumber(100)},
	}}

	var rebased, err = TransformTransaction(root, clientTx, serverTx, nil)
	require.NoError(t, err)
	require.Len(t, rebased.Ops, 1)
	require.Equal(t, clientTx.Ops[0], rebased.Ops[0])
}

// treeDocSchema wraps a sectioned Tree (doc -> section -> paragraph) inside
// a Struct field, matching how a real document composes a rich-text tree
// alongside scalar fields.
func treeDocSchema() schema.Primitive {
	var paragraph = &schema.TreeNodeDef{Type: "paragraph", Data: schema.NewStruct(map[string]schema.Primitive{
		"text": schema.NewString(),
	}, nil)}
	var section = &schema.TreeNodeDef{Type: "section", Data: schema.NewStruct(map[string]schema.Primitive{}, nil)}
	section.AllowedChildren = []*schema.TreeNodeDef{paragraph}
	var doc = &schema.TreeNodeDef{Type: "doc", Data: schema.NewStruct(map[string]schema.Primitive{}, nil)}
	doc.AllowedChildren = []*schema.TreeNodeDef{section}

	return schema.NewStruct(map[string]schema.Primitive{
		"content": schema.NewTree(doc),
	}, []string{"content"})
}

func TestTransformTransactionDropsTransitiveCascadeVictim(t *testing.T) {
	var root = treeDocSchema()
	var rootID, sectionID = "root", "s1"
	var preState = schema.StructState{
		"content": schema.TreeState{
			{ID: rootID, Type: "doc", ParentID: nil, Pos: "m"},
			{ID: sectionID, Type: "section", ParentID: &rootID, Pos: "m", Data: schema.StructState{}},
			{ID: "p1", Type: "paragraph", ParentID: &sectionID, Pos: "m", Data: schema.StructState{"text": schema.VString("hi")}},
		},
	}

	var clientTx = Transaction{ID: "T1", Ops: []schema.Operation{
		{Kind: "string.set", Path: schema.Path{"content", "p1", "text"}, Payload: schema.VString("client edit")},
	}}
	var serverTx = Transaction{ID: "T2", Ops: []schema.Operation{
		{Kind: "tree.remove", Path: schema.Path{"content"}, Payload: schema.VObject(map[string]schema.Value{"id": schema.VString(sectionID)})},
	}}

	var rebased, err = TransformTransaction(root, clientTx, serverTx, preState)
	require.NoError(t, err)
	require.Empty(t, rebased.Ops, "client op against a node cascaded away by the server's section removal must drop")
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	var root = testSchema()
	var doc = New(root, nil, func() string { return "x" }, func() int64 { return 0 })

	var err = doc.Apply([]schema.Operation{
		{Kind: "string.set", Path: schema.Path{"title"}, Payload: schema.VString("ok")},
		{Kind: "string.set", Path: schema.Path{"count"}, Payload: schema.VString("wrong type")},
	})
	require.Error(t, err)

	var snap, _ = doc.ToSnapshot()
	var title, _ = snap.Field("title").AsString()
	require.Equal(t, "", title) // rolled back: neither op took effect
}
