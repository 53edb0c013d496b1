// Package presence implements the server side of the ephemeral presence
// channel (spec.md §4.5): per-connection presence data, broadcast to every
// other connection on a document, with no persistence and a supplemented
// TTL sweep (SPEC_FULL.md §4.9) that evicts a connection's presence if it
// goes quiet without a clean disconnect.
package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/wire"
)

func marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Sink is how the channel delivers an outbound message to one connection.
// The caller (go/server) supplies a Sink per connection, typically
// wrapping a websocket write.
type Sink func(raw []byte) error

// Channel is one document's presence set. Safe for concurrent use.
type Channel struct {
	mu       sync.Mutex
	schema   schema.Primitive // nil disables validation
	ttl      time.Duration
	entries  map[string]entry
	nowFn    func() time.Time
}

type entry struct {
	userID string
	data   schema.Value
	sink   Sink
	timer  *time.Timer
}

// New builds a presence Channel. presenceSchema may be nil to accept any
// payload. ttl is how long a connection's presence survives without a
// fresh presence_set before it is swept; zero disables the sweep.
func New(presenceSchema schema.Primitive, ttl time.Duration) *Channel {
	return &Channel{
		schema:  presenceSchema,
		ttl:     ttl,
		entries: map[string]entry{},
		nowFn:   time.Now,
	}
}

// Join registers connID with an initial empty presence and returns a
// snapshot of every other connection's current presence, for the
// caller to send as a presence_snapshot message.
func (c *Channel) Join(connID, userID string, sink Sink) map[string]wire.PresenceEntryWire {
	c.mu.Lock()
	defer c.mu.Unlock()

	var snapshot = make(map[string]wire.PresenceEntryWire, len(c.entries))
	for id, e := range c.entries {
		snapshot[id] = wire.PresenceEntryWire{Data: e.data, UserID: e.userID}
	}

	c.entries[connID] = entry{userID: userID, data: schema.Null(), sink: sink}
	return snapshot
}

// Set validates data against the configured schema (if any), stores it,
// resets the sweep timer, and broadcasts a presence_update to every other
// connection.
func (c *Channel) Set(connID string, data schema.Value) error {
	if c.schema != nil {
		if _, err := c.schema.FromSnapshot(data); err != nil {
			return fmt.Errorf("presence: payload failed schema validation: %w", err)
		}
	}

	c.mu.Lock()
	var e, ok = c.entries[connID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("presence: connection %q is not joined", connID)
	}
	e.data = data
	c.resetTimerLocked(connID, &e)
	c.entries[connID] = e
	var userID = e.userID
	c.mu.Unlock()

	c.broadcastLocked(connID, wire.PresenceUpdateMessage{
		Type: wire.TypePresenceUpdate, ID: connID, Data: data, UserID: userID,
	})
	return nil
}

// Clear removes connID's presence data (without removing its membership)
// and broadcasts a presence_remove.
func (c *Channel) Clear(connID string) {
	c.mu.Lock()
	var e, ok = c.entries[connID]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.data = schema.Null()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	c.entries[connID] = e
	c.mu.Unlock()

	c.broadcastLocked(connID, wire.PresenceRemoveMessage{Type: wire.TypePresenceRemove, ID: connID})
}

// Leave removes connID entirely (on disconnect) and broadcasts a
// presence_remove to the remaining connections.
func (c *Channel) Leave(connID string) {
	c.mu.Lock()
	var e, ok = c.entries[connID]
	if ok && e.timer != nil {
		e.timer.Stop()
	}
	delete(c.entries, connID)
	c.mu.Unlock()

	if ok {
		c.broadcastLocked(connID, wire.PresenceRemoveMessage{Type: wire.TypePresenceRemove, ID: connID})
	}
}

// resetTimerLocked must be called with c.mu held. It arms (or re-arms) the
// TTL sweep for connID; on fire, the connection is fully evicted as if it
// had disconnected uncleanly.
func (c *Channel) resetTimerLocked(connID string, e *entry) {
	if c.ttl <= 0 {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(c.ttl, func() { c.Leave(connID) })
}

func (c *Channel) broadcastLocked(exceptConnID string, msg any) {
	c.mu.Lock()
	var sinks = make([]Sink, 0, len(c.entries))
	for id, e := range c.entries {
		if id == exceptConnID {
			continue
		}
		sinks = append(sinks, e.sink)
	}
	c.mu.Unlock()

	var raw, err = marshal(msg)
	if err != nil {
		return
	}
	for _, sink := range sinks {
		_ = sink(raw)
	}
}

// Count returns the number of currently joined connections.
func (c *Channel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
