package document

import "github.com/docsync/engine/go/schema"

// HistoryEntry pairs an already-applied transaction with document state as
// it stood immediately before that transaction was applied. The preState
// is needed only to resolve schema.CascadeDropped for a tree.remove op
// (rule 7's transitive-descendant case); nil preState degrades gracefully
// to the exact-target-only case Primitive.Transform already handles.
type HistoryEntry struct {
	Tx       Transaction
	PreState any
}

// TransformTransaction rebases tx atop an already-applied foreign
// transaction other, by folding tx's ops through each of other's ops in
// turn via root.Transform. An op that transforms to Noop, or that
// schema.CascadeDropped reports as targeting a node other's tree.remove
// transitively deleted, is dropped; remaining ops keep left-to-right
// order. preOtherState is document state immediately before other was
// applied (nil if unknown, which only narrows the cascade check to
// other's directly-targeted node). This is the schema-level
// transform_transaction primitive both ClientDocument's foreign-message
// handling (spec.md §4.3.3) and rebase-after-rejection (§4.3.4) are built
// on.
func TransformTransaction(root schema.Primitive, tx Transaction, other Transaction, preOtherState any) (Transaction, error) {
	var ops = tx.Ops
	var state = preOtherState
	for _, serverOp := range other.Ops {
		var next = make([]schema.Operation, 0, len(ops))
		for _, clientOp := range ops {
			if state != nil && schema.CascadeDropped(root, state, clientOp, serverOp) {
				continue
			}
			var result, err = root.Transform(clientOp, serverOp)
			if err != nil {
				return Transaction{}, err
			}
			if result.Outcome == schema.Noop {
				continue
			}
			next = append(next, result.Op)
		}
		ops = next

		if state != nil {
			if advanced, err := root.Apply(state, serverOp); err == nil {
				state = advanced
			}
		}
	}
	return Transaction{ID: tx.ID, Ops: ops, Timestamp: tx.Timestamp}, nil
}

// RebaseAfterRejection re-derives each of originals' current form by
// folding every entry of history through TransformTransaction, in order.
// It implements spec.md §4.3.4 step 2: "starting from each original, fold
// every server_tx_history entry via transform_transaction."
func RebaseAfterRejection(root schema.Primitive, originals []Transaction, history []HistoryEntry) ([]Transaction, error) {
	var out = make([]Transaction, len(originals))
	for i, orig := range originals {
		var cur = orig
		for _, h := range history {
			var next, err = TransformTransaction(root, cur, h.Tx, h.PreState)
			if err != nil {
				return nil, err
			}
			cur = next
		}
		out[i] = cur
	}
	return out, nil
}
