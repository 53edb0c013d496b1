package client

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/schema"
)

var (
	ErrDraftEmpty    = errors.New("client: draft has no operations to commit")
	ErrDraftConsumed = errors.New("client: draft already committed or discarded")
)

// Draft lets a caller stage mutations against a scratch copy of the
// current optimistic state, inspect the result, and either Commit (which
// submits exactly like Transact) or Discard (which leaves the client
// document untouched) without the mutations taking effect until Commit is
// called (spec.md §4.3.6). A draft is tracked by its ClientDocument for
// the lifetime between NewDraft and Commit/Discard, so its accumulated
// ops are rebased the same way a pending transaction is whenever a
// foreign server transaction arrives. Commit and Discard each consume the
// draft; on a consumed draft Commit and Peek return ErrDraftConsumed,
// Discard is a no-op, and mutations made through Proxy are dropped.
type Draft struct {
	c        *ClientDocument
	scratch  *document.Document
	ops      []schema.Operation
	consumed bool
}

// NewDraft opens a draft over the current optimistic state. Only valid
// once Ready.
func (c *ClientDocument) NewDraft() (*Draft, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initState != Ready {
		return nil, ErrInvalidState
	}

	var scratch = document.New(c.cfg.Root, c.optimistic.Get(), c.cfg.IDGen, c.cfg.NowFn)
	var d = &Draft{c: c, scratch: scratch}
	c.drafts = append(c.drafts, d)
	return d, nil
}

// Proxy returns the mutation proxy for this draft's root. Callers type
// assert it to the schema's concrete proxy type. Each mutation applies
// immediately to the draft's scratch state, so subsequent reads through
// the same draft observe it. Mutations attempted after the draft has been
// consumed are dropped (logged), never applied.
func (d *Draft) Proxy() any {
	var env = schema.NewProxyEnv(
		func(op schema.Operation) {
			d.c.mu.Lock()
			defer d.c.mu.Unlock()
			if d.consumed {
				log.Warn("client: mutation attempted on a consumed draft")
				return
			}
			if err := d.scratch.Apply([]schema.Operation{op}); err != nil {
				return
			}
			d.recordOpLocked(op)
		},
		d.c.cfg.IDGen,
		func(path schema.Path) any {
			d.c.mu.Lock()
			defer d.c.mu.Unlock()
			return d.scratch.CurrentAt(path)
		},
	)
	return d.scratch.Root().CreateProxy(env, nil)
}

// recordOpLocked appends op to the draft's recorded ops, replacing any
// existing op at the exact same path rather than accumulating a second
// one (spec.md §4.3.6: "operations on the same exact path within a draft
// replace the prior op at that path; operations on different paths
// accumulate"). Callers must hold d.c.mu.
func (d *Draft) recordOpLocked(op schema.Operation) {
	for i, existing := range d.ops {
		if existing.Path.Equal(op.Path) {
			d.ops[i] = op
			return
		}
	}
	d.ops = append(d.ops, op)
}

// Peek returns a snapshot of the draft's scratch state, including any
// mutations staged so far. Returns ErrDraftConsumed once the draft has
// been committed or discarded.
func (d *Draft) Peek() (schema.Value, error) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if d.consumed {
		return schema.Value{}, ErrDraftConsumed
	}
	return d.scratch.ToSnapshot()
}

// Discard abandons every staged mutation and consumes the draft; the
// client document is left untouched. Safe to call on an already-consumed
// draft (a no-op).
func (d *Draft) Discard() {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if d.consumed {
		return
	}
	d.consumed = true
	d.ops = nil
	d.c.removeDraftLocked(d)
}

// Commit consumes the draft and submits every staged mutation as a single
// transaction, exactly as Transact would for an equivalent inline fn.
// Returns ErrDraftConsumed if already committed or discarded, or
// ErrDraftEmpty if nothing was staged. Consuming happens before Transact
// is called (and before c.mu is released) so a second Commit can never
// re-enqueue the same ops.
func (d *Draft) Commit() error {
	d.c.mu.Lock()
	if d.consumed {
		d.c.mu.Unlock()
		return ErrDraftConsumed
	}
	d.consumed = true
	d.c.removeDraftLocked(d)
	var ops = d.ops
	d.c.mu.Unlock()

	if len(ops) == 0 {
		return ErrDraftEmpty
	}
	return d.c.Transact(func(env *schema.ProxyEnv) {
		for _, op := range ops {
			env.Emit(op)
		}
	})
}

// rebaseForeignLocked transforms the draft's accumulated ops against a
// just-applied foreign server transaction, the same way ClientDocument
// rebases pending entries, then replays the result atop the freshly
// recomputed optimistic base so the draft's scratch state stays
// consistent (spec.md §4.3.6). Callers must hold c.mu. No-op on a
// consumed draft.
func (d *Draft) rebaseForeignLocked(tx document.Transaction, preState any) {
	if d.consumed {
		return
	}
	var draftTx = document.Transaction{ID: "draft", Ops: d.ops}
	var rebased, err = document.TransformTransaction(d.c.cfg.Root, draftTx, tx, preState)
	if err != nil {
		log.WithError(err).Warn("client: draft rebase failed")
		return
	}
	d.ops = rebased.Ops
	d.scratch = document.New(d.c.cfg.Root, d.c.optimistic.Get(), d.c.cfg.IDGen, d.c.cfg.NowFn)
	if err := d.scratch.Apply(d.ops); err != nil {
		log.WithError(err).Warn("client: draft scratch replay failed after rebase; dropping draft ops")
		d.ops = nil
	}
}

// removeDraftLocked detaches d from c.drafts. Callers must hold c.mu.
func (c *ClientDocument) removeDraftLocked(d *Draft) {
	for i, existing := range c.drafts {
		if existing == d {
			c.drafts = append(c.drafts[:i], c.drafts[i+1:]...)
			return
		}
	}
}
