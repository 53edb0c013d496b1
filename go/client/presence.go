package client

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/wire"
)

// handlePresenceLocked dispatches the three presence message kinds. It
// runs regardless of init state, since presence is ephemeral and has no
// ordering dependency on the document snapshot (spec.md §4.5).
func (c *ClientDocument) handlePresenceLocked(envType wire.MessageType, raw []byte) {
	switch envType {
	case wire.TypePresenceSnapshot:
		var msg wire.PresenceSnapshotMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Error("client: malformed presence snapshot")
			return
		}
		c.presenceSelfID = msg.SelfID
		c.presenceOthers = make(map[string]PresenceEntry, len(msg.Presences))
		for id, p := range msg.Presences {
			if id == msg.SelfID {
				continue
			}
			if !c.validInboundPresence(p.Data) {
				log.WithField("presence_id", id).Warn("client: dropping invalid presence snapshot entry")
				continue
			}
			c.presenceOthers[id] = PresenceEntry{Data: p.Data, UserID: p.UserID}
		}

	case wire.TypePresenceUpdate:
		var msg wire.PresenceUpdateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Error("client: malformed presence update")
			return
		}
		if msg.ID == c.presenceSelfID {
			return
		}
		if !c.validInboundPresence(msg.Data) {
			log.WithField("presence_id", msg.ID).Warn("client: dropping invalid presence update")
			return
		}
		c.presenceOthers[msg.ID] = PresenceEntry{Data: msg.Data, UserID: msg.UserID}

	case wire.TypePresenceRemove:
		var msg wire.PresenceRemoveMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Error("client: malformed presence remove")
			return
		}
		delete(c.presenceOthers, msg.ID)
	}

	if c.cfg.OnPresenceChange != nil {
		c.cfg.OnPresenceChange()
	}
}

// validInboundPresence reports whether data passes the configured presence
// schema (always true if no schema is configured). Invalid inbound
// presence data is dropped silently per spec.md §4.5, rather than stored
// as-is or surfaced as an error to the caller.
func (c *ClientDocument) validInboundPresence(data schema.Value) bool {
	if c.cfg.PresenceSchema == nil {
		return true
	}
	var _, err = c.cfg.PresenceSchema.FromSnapshot(data)
	return err == nil
}

// SetPresence validates data against the configured presence schema (if
// any) and sends a presence_set message. The local optimistic copy is
// updated immediately; the server echoes it back as a presence_update to
// every other connection, never to self.
func (c *ClientDocument) SetPresence(data schema.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.PresenceSchema != nil {
		if _, err := c.cfg.PresenceSchema.FromSnapshot(data); err != nil {
			return err
		}
	}
	c.presenceSelfData = data
	c.sendLocked(wire.PresenceSetMessage{Type: wire.TypePresenceSet, Data: data})
	return nil
}

// ClearPresence removes this connection's presence from the channel.
func (c *ClientDocument) ClearPresence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceSelfData = schema.Value{}
	c.sendLocked(wire.PresenceClearMessage{Type: wire.TypePresenceClear})
}

// Presences returns a snapshot of every other connection's current
// presence data, keyed by connection id.
func (c *ClientDocument) Presences() map[string]PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out = make(map[string]PresenceEntry, len(c.presenceOthers))
	for k, v := range c.presenceOthers {
		out[k] = v
	}
	return out
}
