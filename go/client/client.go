// Package client implements ClientDocument: the optimistic document a
// client holds, with pending-queue rebase, initialization buffering, and
// an ephemeral presence client (spec.md §4.3, §4.5).
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/wire"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrInvalidState = errors.New("client: transaction attempted before ready")
	ErrInitTimeout  = errors.New("client: init timeout before snapshot arrived")
)

// Transport is the external collaborator ClientDocument sends/receives
// wire messages through (e.g. a WebSocket). Framing and reconnect policy
// are the transport's responsibility; ClientDocument only needs Open,
// Send, and Close.
type Transport interface {
	Open(onMessage func(raw []byte), onClose func()) error
	Send(raw []byte) error
	Close() error
}

// InitState is the client document's initialization lifecycle state.
type InitState int

const (
	Uninitialized InitState = iota
	Initializing
	Ready
)

// PendingEntry is one in-flight client transaction.
type PendingEntry struct {
	Transaction document.Transaction // current (possibly rebased) form
	Original    document.Transaction // untransformed original, for rebase-after-rejection
	SentAt      int64
	timer       *time.Timer
}

// PresenceEntry is another connection's ephemeral presence state.
type PresenceEntry struct {
	Data   schema.Value
	UserID string
}

const defaultHistoryCap = 100

// Config configures a new ClientDocument.
type Config struct {
	Root            schema.Primitive
	PresenceSchema  schema.Primitive // nil disables presence validation (accept as-is)
	Transport       Transport
	IDGen           func() string
	NowFn           func() int64 // unix millis
	TxTimeout       time.Duration
	InitTimeout     time.Duration
	InitialState    any          // non-nil skips the snapshot round trip
	InitialPresence schema.Value // non-null: validated and sent as presence_set once ready (spec.md §4.3.2)

	OnStateChange      func()
	OnRejection        func(original document.Transaction, reason string)
	OnConnectionChange func(connected bool)
	OnReady            func()
	OnPresenceChange   func()
}

// ClientDocument is the optimistic document a client holds: server state,
// an ordered pending queue of locally-submitted transactions not yet
// acknowledged, and a recomputed optimistic view layering pending atop
// server state.
type ClientDocument struct {
	mu sync.Mutex

	cfg Config

	serverState   any
	serverVersion int64

	pending    []*PendingEntry
	history    []document.HistoryEntry
	historyCap int
	drafts     []*Draft

	optimistic *document.Document

	initState    InitState
	initBuffered []wire.Envelope
	initRaw      [][]byte
	initTimer    *time.Timer
	initResultCh chan error

	presenceSelfID   string
	presenceSelfData schema.Value
	presenceOthers   map[string]PresenceEntry

	connected bool
}

func New(cfg Config) *ClientDocument {
	if cfg.TxTimeout == 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	if cfg.IDGen == nil {
		cfg.IDGen = func() string { panic("client: Config.IDGen is required") }
	}
	if cfg.NowFn == nil {
		cfg.NowFn = func() int64 { return time.Now().UnixMilli() }
	}
	return &ClientDocument{
		cfg:            cfg,
		historyCap:     defaultHistoryCap,
		presenceOthers: map[string]PresenceEntry{},
	}
}

// Connect opens the transport and either becomes ready immediately (if
// Config.InitialState was given) or requests a snapshot and buffers
// incoming messages until it arrives. The returned channel receives nil
// on ready, or an error on init timeout / disconnect before ready.
func (c *ClientDocument) Connect() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result = make(chan error, 1)

	if err := c.cfg.Transport.Open(c.handleRaw, c.handleClose); err != nil {
		result <- fmt.Errorf("client: open transport: %w", err)
		return result
	}
	c.connected = true
	if c.cfg.OnConnectionChange != nil {
		c.cfg.OnConnectionChange(true)
	}

	if c.cfg.InitialState != nil {
		c.serverState = c.cfg.InitialState
		c.serverVersion = 0
		c.initState = Ready
		c.recomputeOptimisticLocked()
		c.sendInitialPresenceLocked()
		if c.cfg.OnReady != nil {
			c.cfg.OnReady()
		}
		result <- nil
		return result
	}

	c.initState = Initializing
	c.initBuffered = nil
	c.initRaw = nil
	c.initResultCh = result
	c.initTimer = time.AfterFunc(c.cfg.InitTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.initState != Initializing {
			return
		}
		c.initState = Uninitialized
		if c.initResultCh != nil {
			c.initResultCh <- ErrInitTimeout
			c.initResultCh = nil
		}
	})
	c.sendLocked(wire.RequestSnapshotMessage{Type: wire.TypeRequestSnapshot})
	return result
}

// Disconnect clears all timers, rejects any pending init promise, clears
// presence state and pending-queue timers, and closes the transport.
func (c *ClientDocument) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *ClientDocument) disconnectLocked() {
	if c.initTimer != nil {
		c.initTimer.Stop()
		c.initTimer = nil
	}
	if c.initResultCh != nil {
		c.initResultCh <- ErrNotConnected
		c.initResultCh = nil
	}
	for _, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.presenceOthers = map[string]PresenceEntry{}
	c.connected = false
	_ = c.cfg.Transport.Close()
	if c.cfg.OnConnectionChange != nil {
		c.cfg.OnConnectionChange(false)
	}
}

func (c *ClientDocument) handleClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *ClientDocument) sendLocked(msg any) {
	var raw, err = json.Marshal(msg)
	if err != nil {
		log.WithError(err).Error("client: failed to marshal outgoing message")
		return
	}
	if err := c.cfg.Transport.Send(raw); err != nil {
		log.WithError(err).Warn("client: transport send failed")
	}
}

func (c *ClientDocument) handleRaw(raw []byte) {
	var envType, err = wire.DecodeEnvelope(raw)
	if err != nil {
		log.WithError(err).Warn("client: dropping undecodable message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Presence messages are always processed immediately, even while
	// initializing.
	switch envType {
	case wire.TypePresenceSnapshot, wire.TypePresenceUpdate, wire.TypePresenceRemove:
		c.handlePresenceLocked(envType, raw)
		return
	}

	if c.initState == Initializing {
		if envType == wire.TypeSnapshot {
			c.applySnapshotAndDrainLocked(raw)
			return
		}
		c.initRaw = append(c.initRaw, raw)
		return
	}

	c.dispatchReadyLocked(envType, raw)
}

func (c *ClientDocument) applySnapshotAndDrainLocked(raw []byte) {
	var msg wire.SnapshotMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(err).Error("client: malformed snapshot message")
		return
	}
	var state, err = c.cfg.Root.FromSnapshot(msg.State)
	if err != nil {
		log.WithError(err).Error("client: snapshot failed schema validation")
		return
	}
	c.serverState = state
	c.serverVersion = msg.Version

	var buffered = c.initRaw
	c.initRaw = nil
	for _, b := range buffered {
		var t, terr = wire.DecodeEnvelope(b)
		if terr != nil {
			continue
		}
		if t == wire.TypeTransaction {
			var tm wire.TransactionMessage
			if err := json.Unmarshal(b, &tm); err == nil && tm.Version <= msg.Version {
				continue // already included in the snapshot
			}
		}
		c.dispatchReadyLocked(t, b)
	}

	c.initState = Ready
	c.recomputeOptimisticLocked()
	c.sendInitialPresenceLocked()
	if c.initTimer != nil {
		c.initTimer.Stop()
		c.initTimer = nil
	}
	if c.initResultCh != nil {
		c.initResultCh <- nil
		c.initResultCh = nil
	}
	if c.cfg.OnReady != nil {
		c.cfg.OnReady()
	}
}

// sendInitialPresenceLocked validates Config.InitialPresence (if any)
// against PresenceSchema and sends it as a presence_set, once, right after
// the client becomes ready (spec.md §4.3.2). A null InitialPresence (the
// zero Value) means none was configured.
func (c *ClientDocument) sendInitialPresenceLocked() {
	if c.cfg.InitialPresence.IsNull() {
		return
	}
	if c.cfg.PresenceSchema != nil {
		if _, err := c.cfg.PresenceSchema.FromSnapshot(c.cfg.InitialPresence); err != nil {
			log.WithError(err).Warn("client: configured initial presence failed schema validation; not sent")
			return
		}
	}
	c.presenceSelfData = c.cfg.InitialPresence
	c.sendLocked(wire.PresenceSetMessage{Type: wire.TypePresenceSet, Data: c.cfg.InitialPresence})
}

func (c *ClientDocument) dispatchReadyLocked(envType wire.MessageType, raw []byte) {
	switch envType {
	case wire.TypeTransaction:
		var msg wire.TransactionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Error("client: malformed transaction message")
			return
		}
		c.handleServerTransactionLocked(wire.Decode(msg.Transaction), msg.Version)

	case wire.TypeSnapshot:
		var msg wire.SnapshotMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Error("client: malformed snapshot message")
			return
		}
		c.handleResyncLocked(msg)

	case wire.TypeError:
		var msg wire.ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Error("client: malformed error message")
			return
		}
		c.handleRejectionLocked(msg.TransactionID, msg.Reason)

	case wire.TypePong:
		// transport-scoped heartbeat; nothing to do at this layer.

	default:
		log.WithField("type", envType).Warn("client: unhandled message type")
	}
}

// handleServerTransactionLocked implements spec.md §4.3.3's ACK / Foreign
// paths.
func (c *ClientDocument) handleServerTransactionLocked(tx document.Transaction, version int64) {
	for i, p := range c.pending {
		if p.Transaction.ID == tx.ID {
			if p.timer != nil {
				p.timer.Stop()
			}
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			if err := c.applyToServerStateLocked(tx.Ops); err != nil {
				log.WithError(err).Error("client: ACK apply failed")
			}
			c.serverVersion = version
			c.recomputeOptimisticLocked()
			return
		}
	}

	// Foreign path.
	var preState = c.serverState
	if err := c.applyToServerStateLocked(tx.Ops); err != nil {
		log.WithError(err).Error("client: foreign transaction apply failed")
		return
	}
	c.pushHistoryLocked(tx, preState)
	for _, p := range c.pending {
		var rebased, err = document.TransformTransaction(c.cfg.Root, p.Transaction, tx, preState)
		if err != nil {
			log.WithError(err).Error("client: rebase failed")
			continue
		}
		p.Transaction = rebased
	}
	c.serverVersion = version
	c.recomputeOptimisticLocked()

	// Draft scratch copies are rebased the same way pending transactions
	// are (spec.md §4.3.6): their accumulated ops are transformed against
	// the foreign transaction, then replayed atop the freshly recomputed
	// optimistic base.
	for _, d := range c.drafts {
		d.rebaseForeignLocked(tx, preState)
	}
}

func (c *ClientDocument) applyToServerStateLocked(ops []schema.Operation) error {
	var cur = c.serverState
	for _, op := range ops {
		var next, err = c.cfg.Root.Apply(cur, op)
		if err != nil {
			return err
		}
		cur = next
	}
	c.serverState = cur
	return nil
}

func (c *ClientDocument) pushHistoryLocked(tx document.Transaction, preState any) {
	c.history = append(c.history, document.HistoryEntry{Tx: tx, PreState: preState})
	if len(c.history) > c.historyCap {
		c.history = c.history[len(c.history)-c.historyCap:]
	}
}

// handleResyncLocked implements the `ready` state's snapshot handling: a
// full reset, dropping pending with reason "resync".
func (c *ClientDocument) handleResyncLocked(msg wire.SnapshotMessage) {
	var state, err = c.cfg.Root.FromSnapshot(msg.State)
	if err != nil {
		log.WithError(err).Error("client: resync snapshot failed schema validation")
		return
	}
	for _, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		if c.cfg.OnRejection != nil {
			c.cfg.OnRejection(p.Original, "resync")
		}
	}
	c.pending = nil
	c.history = nil
	c.serverState = state
	c.serverVersion = msg.Version
	c.recomputeOptimisticLocked()
}

// handleRejectionLocked implements spec.md §4.3.4.
func (c *ClientDocument) handleRejectionLocked(txID, reason string) {
	var idx = -1
	for i, p := range c.pending {
		if p.Transaction.ID == txID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	var rejected = c.pending[idx]
	if rejected.timer != nil {
		rejected.timer.Stop()
	}
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)

	var originals = make([]document.Transaction, len(c.pending))
	for i, p := range c.pending {
		originals[i] = p.Original
	}
	var rebased, err = document.RebaseAfterRejection(c.cfg.Root, originals, c.history)
	if err != nil {
		log.WithError(err).Error("client: rebase after rejection failed")
	} else {
		for i, p := range c.pending {
			p.Transaction = rebased[i]
		}
	}

	c.recomputeOptimisticLocked()
	if c.cfg.OnRejection != nil {
		c.cfg.OnRejection(rejected.Original, reason)
	}
}

// recomputeOptimisticLocked rebuilds optimistic state from server_state
// plus every pending entry's ops in order (spec.md §4.3.5). An entry that
// fails to apply is dropped with a synthetic rejection and recomputation
// restarts.
func (c *ClientDocument) recomputeOptimisticLocked() {
	for {
		var doc = document.New(c.cfg.Root, c.serverState, c.cfg.IDGen, c.cfg.NowFn)
		var failedIdx = -1
		for i, p := range c.pending {
			if err := doc.Apply(p.Transaction.Ops); err != nil {
				failedIdx = i
				break
			}
		}
		if failedIdx < 0 {
			c.optimistic = doc
			break
		}
		var dropped = c.pending[failedIdx]
		if dropped.timer != nil {
			dropped.timer.Stop()
		}
		c.pending = append(c.pending[:failedIdx], c.pending[failedIdx+1:]...)
		if c.cfg.OnRejection != nil {
			c.cfg.OnRejection(dropped.Original, "invalid after rebase")
		}
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange()
	}
}

// Transact runs fn against the optimistic document's mutation proxy (only
// valid once Ready) and, if it produced any ops, enqueues and sends it.
func (c *ClientDocument) Transact(fn func(env *schema.ProxyEnv)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initState != Ready {
		return ErrInvalidState
	}

	var tx, err = c.optimistic.Transaction(fn)
	if err != nil {
		return err
	}
	if tx.IsEmpty() {
		return nil
	}

	var entry = &PendingEntry{Transaction: tx, Original: tx, SentAt: c.cfg.NowFn()}
	c.pending = append(c.pending, entry)
	entry.timer = time.AfterFunc(c.cfg.TxTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timeoutPendingLocked(entry)
	})
	c.sendLocked(wire.SubmitMessage{Type: wire.TypeSubmit, Transaction: wire.Encode(tx)})
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange()
	}
	return nil
}

func (c *ClientDocument) timeoutPendingLocked(entry *PendingEntry) {
	var idx = -1
	for i, p := range c.pending {
		if p == entry {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	c.recomputeOptimisticLocked()
	if c.cfg.OnRejection != nil {
		c.cfg.OnRejection(entry.Original, "timeout")
	}
}

// State returns the current optimistic document snapshot.
func (c *ClientDocument) State() (schema.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.optimistic == nil {
		return schema.Null(), ErrInvalidState
	}
	return c.optimistic.ToSnapshot()
}

// PendingCount reports how many transactions are awaiting ACK.
func (c *ClientDocument) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
