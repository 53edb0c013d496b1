// Package wire defines the JSON wire protocol messages exchanged between
// ClientDocument and ServerDocument (spec.md §6.1), plus the encode/decode
// step between document.Transaction and its wire-transmissible form.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/schema"
)

// EncodedTransaction is a transaction in wire form: paths are plain
// string-token slices and payloads are JSON-shaped values.
type EncodedTransaction struct {
	ID        string          `json:"id"`
	Ops       []EncodedOp     `json:"ops"`
	Timestamp int64           `json:"timestamp"`
}

type EncodedOp struct {
	Kind    string      `json:"kind"`
	Path    []string    `json:"path"`
	Payload schema.Value `json:"payload"`
}

// Encode converts a document.Transaction into its wire form.
func Encode(t document.Transaction) EncodedTransaction {
	var ops = make([]EncodedOp, len(t.Ops))
	for i, op := range t.Ops {
		ops[i] = EncodedOp{Kind: op.Kind, Path: []string(op.Path), Payload: op.Payload}
	}
	return EncodedTransaction{ID: t.ID, Ops: ops, Timestamp: t.Timestamp}
}

// Decode converts a wire transaction back into a document.Transaction.
func Decode(e EncodedTransaction) document.Transaction {
	var ops = make([]schema.Operation, len(e.Ops))
	for i, op := range e.Ops {
		ops[i] = schema.Operation{Kind: op.Kind, Path: schema.Path(op.Path), Payload: op.Payload}
	}
	return document.Transaction{ID: e.ID, Ops: ops, Timestamp: e.Timestamp}
}

// MessageType discriminates a wire message's `type` field.
type MessageType string

const (
	TypeAuth             MessageType = "auth"
	TypeSubmit           MessageType = "submit"
	TypeRequestSnapshot  MessageType = "request_snapshot"
	TypePing             MessageType = "ping"
	TypePresenceSet      MessageType = "presence_set"
	TypePresenceClear    MessageType = "presence_clear"

	TypeAuthResult       MessageType = "auth_result"
	TypeSnapshot         MessageType = "snapshot"
	TypeTransaction      MessageType = "transaction"
	TypeError            MessageType = "error"
	TypePong             MessageType = "pong"
	TypePresenceSnapshot MessageType = "presence_snapshot"
	TypePresenceUpdate   MessageType = "presence_update"
	TypePresenceRemove   MessageType = "presence_remove"
)

// Envelope is the minimal shape every message shares: enough to discover
// its type before decoding the rest.
type Envelope struct {
	Type MessageType `json:"type"`
}

// Client -> Server messages.

type AuthMessage struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

type SubmitMessage struct {
	Type        MessageType        `json:"type"`
	Transaction EncodedTransaction `json:"transaction"`
}

type RequestSnapshotMessage struct {
	Type MessageType `json:"type"`
}

type PingMessage struct {
	Type MessageType `json:"type"`
}

type PresenceSetMessage struct {
	Type MessageType  `json:"type"`
	Data schema.Value `json:"data"`
}

type PresenceClearMessage struct {
	Type MessageType `json:"type"`
}

// Server -> Client messages.

type AuthResultMessage struct {
	Type       MessageType `json:"type"`
	Success    bool        `json:"success"`
	UserID     string      `json:"userId,omitempty"`
	Permission string      `json:"permission,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type SnapshotMessage struct {
	Type    MessageType  `json:"type"`
	State   schema.Value `json:"state"`
	Version int64        `json:"version"`
}

type TransactionMessage struct {
	Type        MessageType        `json:"type"`
	Transaction EncodedTransaction `json:"transaction"`
	Version     int64              `json:"version"`
}

type ErrorMessage struct {
	Type          MessageType `json:"type"`
	TransactionID string      `json:"transactionId"`
	Reason        string      `json:"reason"`
}

type PongMessage struct {
	Type MessageType `json:"type"`
}

type PresenceEntryWire struct {
	Data   schema.Value `json:"data"`
	UserID string       `json:"userId,omitempty"`
}

type PresenceSnapshotMessage struct {
	Type      MessageType                  `json:"type"`
	SelfID    string                       `json:"selfId"`
	Presences map[string]PresenceEntryWire `json:"presences"`
}

type PresenceUpdateMessage struct {
	Type   MessageType  `json:"type"`
	ID     string       `json:"id"`
	Data   schema.Value `json:"data"`
	UserID string       `json:"userId,omitempty"`
}

type PresenceRemoveMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

// DecodeEnvelope reads only the `type` discriminator out of a raw message,
// so callers can then unmarshal into the concrete message struct.
func DecodeEnvelope(raw []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env.Type, nil
}
