package schema

// ProxyEnv is the ambient environment shared by every proxy built for one
// transaction. Proxies are pure views over path + env; they hold no state
// of their own. Emit appends one operation to the transaction's buffer and
// (in Document) immediately applies it to the buffer-view state so a
// subsequent read within the same transaction observes prior writes.
type ProxyEnv struct {
	emit    func(Operation)
	newID   func() string
	current func(path Path) any
}

func NewProxyEnv(emit func(Operation), newID func() string, current func(path Path) any) *ProxyEnv {
	return &ProxyEnv{emit: emit, newID: newID, current: current}
}

func (e *ProxyEnv) Emit(op Operation) { e.emit(op) }
func (e *ProxyEnv) NewID() string     { return e.newID() }
func (e *ProxyEnv) Current(path Path) any {
	if e.current == nil {
		return nil
	}
	return e.current(path)
}

// StringProxy exposes the mutators available over a Scalar(String) field.
type StringProxy struct {
	env  *ProxyEnv
	path Path
}

func (p *StringProxy) Set(v string) {
	p.env.Emit(Operation{Kind: string(kindStringSet), Path: p.path, Payload: VString(v)})
}

// NumberProxy exposes the mutators available over a Scalar(Number) field.
type NumberProxy struct {
	env  *ProxyEnv
	path Path
}

func (p *NumberProxy) Set(v float64) {
	p.env.Emit(Operation{Kind: string(kindNumberSet), Path: p.path, Payload: VNumber(v)})
}

// BooleanProxy exposes the mutators available over a Scalar(Boolean) field.
type BooleanProxy struct {
	env  *ProxyEnv
	path Path
}

func (p *BooleanProxy) Set(v bool) {
	p.env.Emit(Operation{Kind: string(kindBooleanSet), Path: p.path, Payload: VBool(v)})
}

// LiteralProxy exposes the mutator over a Scalar(Literal) field. Set always
// re-asserts the declared literal; callers rarely need this directly since
// a literal cannot meaningfully be changed, but the wire form still allows
// emitting the (idempotent) set operation.
type LiteralProxy struct {
	env   *ProxyEnv
	path  Path
	value Value
}

func (p *LiteralProxy) Set() {
	p.env.Emit(Operation{Kind: string(kindLiteralSet), Path: p.path, Payload: p.value})
}

func (p *LiteralProxy) Value() Value { return p.value }
