// Package server implements ServerDocument and Engine: the authoritative,
// versioned document instance and the document-map runtime that creates,
// idles out, and snapshots them (spec.md §4.4).
package server

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/wire"
)

// SubmitResult is the outcome of ServerDocument.Submit.
type SubmitResult struct {
	Success bool
	Version int64
	Reason  string
}

const defaultSubscriberQueue = 64

// Subscriber is a live subscription to a ServerDocument's broadcast
// stream. Messages is closed when the subscriber is detached, either by
// Unsubscribe or because its queue overflowed.
type Subscriber struct {
	Messages <-chan wire.TransactionMessage
	messages chan wire.TransactionMessage
	id       int
}

// ServerDocument is the authoritative instance of one document: state,
// version, a bounded recent-transaction-id ring (for duplicate-submit
// rejection, spec.md §4.4.1), and a fan-out broadcast to subscribers.
type ServerDocument struct {
	mu sync.Mutex

	root        schema.Primitive
	doc         *document.Document
	version     int64
	recentTxIDs *lru.Cache[string, struct{}]
	idGen       func() string
	nowFn       func() int64

	subscribers map[int]*Subscriber
	nextSubID   int

	// transactionsSinceSnapshot is read by the Engine to decide when to
	// trigger save_snapshot; ServerDocument
	// itself has no notion of cold storage.
	transactionsSinceSnapshot int
}

// New builds a ServerDocument over root, seeded with initial state at the
// given starting version (0 for a brand-new document, or the snapshot's
// version when restored).
func New(root schema.Primitive, initial any, startVersion int64, idGen func() string, nowFn func() int64) *ServerDocument {
	var recentTxIDs, _ = lru.New[string, struct{}](1000)
	return &ServerDocument{
		root:        root,
		doc:         document.New(root, initial, idGen, nowFn),
		version:     startVersion,
		recentTxIDs: recentTxIDs,
		idGen:       idGen,
		nowFn:       nowFn,
		subscribers: map[int]*Subscriber{},
	}
}

// Version returns the document's current version.
func (s *ServerDocument) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// GetSnapshot returns the current state and version.
func (s *ServerDocument) GetSnapshot() (schema.Value, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v, err = s.doc.ToSnapshot()
	return v, s.version, err
}

// Submit applies tx's ops atomically, assigns it the next version, and
// broadcasts it to all subscribers (spec.md §4.4.1).
func (s *ServerDocument) Submit(tx document.Transaction) SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recentTxIDs.Contains(tx.ID) {
		return SubmitResult{Success: false, Reason: "duplicate"}
	}

	if err := s.doc.Apply(tx.Ops); err != nil {
		return SubmitResult{Success: false, Reason: err.Error()}
	}

	s.version++
	s.transactionsSinceSnapshot++
	s.recentTxIDs.Add(tx.ID, struct{}{})
	var msg = wire.TransactionMessage{
		Type:        wire.TypeTransaction,
		Transaction: wire.Encode(tx),
		Version:     s.version,
	}
	s.broadcastLocked(msg)

	return SubmitResult{Success: true, Version: s.version}
}

func (s *ServerDocument) broadcastLocked(msg wire.TransactionMessage) {
	for id, sub := range s.subscribers {
		select {
		case sub.messages <- msg:
		default:
			close(sub.messages)
			delete(s.subscribers, id)
			log.WithField("subscriber", id).Warn("server: detached slow subscriber on broadcast overflow")
		}
	}
}

// Subscribe attaches a new subscriber with a bounded queue. The returned
// Subscriber's Messages channel is closed if the subscriber falls behind
// or is explicitly unsubscribed.
func (s *ServerDocument) Subscribe() *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	var ch = make(chan wire.TransactionMessage, defaultSubscriberQueue)
	var sub = &Subscriber{Messages: ch, messages: ch, id: s.nextSubID}
	s.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe detaches sub, closing its Messages channel.
func (s *ServerDocument) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub.id]; ok {
		delete(s.subscribers, sub.id)
		close(sub.messages)
	}
}

// TransactionsSinceSnapshot reports how many transactions have been
// accepted since the last ResetSnapshotCounter call.
func (s *ServerDocument) TransactionsSinceSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionsSinceSnapshot
}

// ResetSnapshotCounter zeroes the since-snapshot transaction counter; the
// Engine calls this immediately after a successful save_snapshot.
func (s *ServerDocument) ResetSnapshotCounter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactionsSinceSnapshot = 0
}

// SubscriberCount reports the number of live subscribers, for diagnostics.
func (s *ServerDocument) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Close detaches every live subscriber, closing each one's Messages
// channel, and clears the subscriber map. The Engine calls this before
// evicting an idle document (spec.md §4.4.2: "Subscribers of an evicted
// document observe channel close; next access re-creates from cold
// storage"), since an idly-subscribed connection never touches
// last_activity_time and would otherwise see its channel go silently
// dead with no signal to reconnect on.
func (s *ServerDocument) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscribers {
		close(sub.messages)
		delete(s.subscribers, id)
	}
}
