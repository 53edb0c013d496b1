package schema

// Operation is one atomic state change: a kind discriminator, a path
// locating its target, and a JSON-shaped payload.
type Operation struct {
	Kind    string
	Path    Path
	Payload Value
}

// TransformOutcome discriminates the result of transforming a client
// operation against an already-applied server operation.
type TransformOutcome int

const (
	// Transformed means the client op (possibly modified) should still be
	// applied atop the new server state.
	Transformed TransformOutcome = iota
	// Noop means the client op no longer makes sense (its target was
	// removed) and should be dropped without applying anything.
	Noop
	// Conflict is reserved per the transform law; no current rule produces
	// it. It exists so a future rule can signal "let the server decide"
	// without a breaking change to the result shape.
	Conflict
)

// TransformResult is the outcome of transform_operation.
type TransformResult struct {
	Outcome TransformOutcome
	Op      Operation
}

func transformed(op Operation) TransformResult {
	return TransformResult{Outcome: Transformed, Op: op}
}

func noop() TransformResult {
	return TransformResult{Outcome: Noop}
}

// Primitive is the polymorphic capability every schema node implements:
// apply_operation, transform_operation, initial_state, create_proxy, and
// to_snapshot. State values are opaque to callers outside a primitive's own
// package; each primitive documents its concrete Go state type.
type Primitive interface {
	// Apply applies op (already routed to this primitive, i.e. op.Path is
	// relative to this primitive's own root) to state, returning the new
	// state or a *ValidationError.
	Apply(state any, op Operation) (any, error)

	// Transform transforms clientOp against an already-applied serverOp,
	// both relative to this primitive's own root.
	Transform(clientOp, serverOp Operation) (TransformResult, error)

	// InitialState returns the zero state for a primitive of this shape.
	InitialState() any

	// CreateProxy builds a mutation-capturing proxy bound to env and path.
	CreateProxy(env *ProxyEnv, path Path) any

	// ToSnapshot converts state into wire-transmissible Value form.
	ToSnapshot(state any) (Value, error)

	// FromSnapshot is the inverse of ToSnapshot: it decodes a wire Value
	// (e.g. the payload of a `.set` operation, or a stored snapshot) back
	// into this primitive's concrete state representation. It is the one
	// place a `<kind>.set` payload is validated against the full schema,
	// not just its own top-level shape.
	FromSnapshot(v Value) (any, error)
}

// routeChild splits a path's head token off for primitives (Struct, Array,
// Union, Tree) that route by a child key; it panics if path is empty, since
// callers must check IsEmpty (meaning "operate on self") first.
func routeChild(path Path) (string, Path) {
	return path.Head()
}
