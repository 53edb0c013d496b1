// Package document implements the Document and Transaction types: a
// schema-typed state value plus an operation buffer recorded since the
// last flush, shared by both the client's optimistic document and the
// server's authoritative document.
package document

import (
	"fmt"

	"github.com/docsync/engine/go/schema"
)

// Transaction is an ordered, atomic batch of operations. Its id is
// globally unique; ops are applied left-to-right and never split.
type Transaction struct {
	ID        string
	Ops       []schema.Operation
	Timestamp int64
}

// IsEmpty reports whether the transaction carries no operations. Callers
// (ClientDocument, ServerDocument) should not submit or persist an empty
// transaction.
func (t Transaction) IsEmpty() bool { return len(t.Ops) == 0 }

// Document owns a current state value and a buffer of operations recorded
// since the last flush. It is the shared substrate both ClientDocument's
// optimistic_doc and ServerDocument's authoritative document are built on.
type Document struct {
	root   schema.Primitive
	state  any
	buffer []schema.Operation
	idGen  func() string
	nowFn  func() int64
}

// New builds a Document over root with the given initial state. If
// initial is nil, root.InitialState() is used.
func New(root schema.Primitive, initial any, idGen func() string, nowFn func() int64) *Document {
	var state = initial
	if state == nil {
		state = root.InitialState()
	}
	return &Document{root: root, state: state, idGen: idGen, nowFn: nowFn}
}

// Get returns the document's current state.
func (d *Document) Get() any { return d.state }

// Root returns the schema primitive this document is typed over.
func (d *Document) Root() schema.Primitive { return d.root }

// Proxy builds the root mutation proxy for env, typed per d's own schema.
// Most callers type-assert the result to the expected concrete proxy type
// (commonly *schema.StructProxy for a document-shaped schema).
func (d *Document) Proxy(env *schema.ProxyEnv) any { return d.root.CreateProxy(env, nil) }

// Transaction runs fn against a mutation proxy bound to this document's
// current (buffer-view) state: each mutator produced by fn appends an
// operation to the buffer and immediately applies it to d.state, so a
// subsequent read within fn observes prior writes in the same call. It
// then flushes and returns the resulting Transaction, clearing the
// buffer. The caller decides whether an empty transaction should be
// discarded (see Transaction.IsEmpty).
func (d *Document) Transaction(fn func(env *schema.ProxyEnv)) (Transaction, error) {
	var applyErr error
	var env = schema.NewProxyEnv(
		func(op schema.Operation) {
			if applyErr != nil {
				return
			}
			var next, err = d.root.Apply(d.state, op)
			if err != nil {
				applyErr = err
				return
			}
			d.state = next
			d.buffer = append(d.buffer, op)
		},
		d.idGen,
		func(path schema.Path) any { return navigate(d.state, path) },
	)
	fn(env)
	if applyErr != nil {
		return Transaction{}, applyErr
	}
	return d.flush(), nil
}

func (d *Document) flush() Transaction {
	var ops = d.buffer
	d.buffer = nil
	return Transaction{ID: d.idGen(), Ops: ops, Timestamp: d.nowFn()}
}

// Apply replays ops atomically against the current state: if any op
// fails, state rolls back to exactly what it was before the call.
func (d *Document) Apply(ops []schema.Operation) error {
	var original = d.state
	var cur = d.state
	for _, op := range ops {
		var next, err = d.root.Apply(cur, op)
		if err != nil {
			d.state = original
			return fmt.Errorf("document: apply failed: %w", err)
		}
		cur = next
	}
	d.state = cur
	return nil
}

// ToSnapshot encodes the document's current state as a wire Value.
func (d *Document) ToSnapshot() (schema.Value, error) {
	return d.root.ToSnapshot(d.state)
}

// CurrentAt navigates the document's current state to path, the same way
// a live Transaction's ProxyEnv.Current does. Exposed for callers (such
// as Draft) that build a ProxyEnv outside of Document.Transaction.
func (d *Document) CurrentAt(path schema.Path) any {
	return navigate(d.state, path)
}

// navigate walks state by path, descending through StructState fields,
// ArrayState entries (by id), and TreeState nodes (by id, into Data), the
// three container shapes a schema.Path can route through. It returns nil
// if the path cannot be resolved against the current state shape (e.g. an
// array proxy reading its own container before any entries exist).
func navigate(state any, path schema.Path) any {
	if path.IsEmpty() {
		return state
	}
	var head, rest = path.Head()
	switch s := state.(type) {
	case schema.StructState:
		return navigate(s[head], rest)
	case schema.ArrayState:
		for _, e := range s {
			if e.ID == head {
				return navigate(e.Value, rest)
			}
		}
		return nil
	case schema.TreeState:
		for _, n := range s {
			if n.ID == head {
				return navigate(n.Data, rest)
			}
		}
		return nil
	default:
		return nil
	}
}
