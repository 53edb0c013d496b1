package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/docsync/engine/go/auth"
	"github.com/docsync/engine/go/presence"
	"github.com/docsync/engine/go/wire"
)

// wsWriteTimeout bounds every outbound frame; we rely on TCP keep-alive
// rather than websocket ping/pong for dead-peer detection, the same
// tradeoff the teacher's own websocket endpoint makes.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// PresenceRegistry resolves (creating if necessary) the presence.Channel
// for a documentId, so every session on the same document shares one.
type PresenceRegistry func(documentID string) *presence.Channel

// SessionHandler is an http.Handler that upgrades each request to a
// websocket and drives one document's wire protocol session over it
// (spec.md §6.1): auth, initial snapshot + presence snapshot, submit
// dispatch, broadcast relay, and presence relay.
type SessionHandler struct {
	Engine   *Engine
	Auth     auth.Service // nil: every connection is granted write access with no identity
	Presence PresenceRegistry
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var documentID = r.URL.Query().Get("document")
	if documentID == "" {
		http.Error(w, "missing document query parameter", http.StatusBadRequest)
		return
	}

	var conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("server: websocket upgrade failed")
		return
	}

	var session = &wsSession{
		conn:       conn,
		engine:     h.Engine,
		authSvc:    h.Auth,
		presenceFn: h.Presence,
		documentID: documentID,
		connID:     uuid.NewString(),
		permission: auth.PermissionWrite,
	}
	if h.Auth != nil {
		session.permission = auth.PermissionRead // downgraded until a successful auth message
	}
	session.run(r.Context())
}

type wsSession struct {
	conn       *websocket.Conn
	engine     *Engine
	authSvc    auth.Service
	presenceFn PresenceRegistry

	documentID string
	connID     string
	userID     string
	permission auth.Permission
	authed     bool

	writeMu sync.Mutex
}

func (s *wsSession) run(ctx context.Context) {
	defer s.conn.Close()

	var instance, err = s.engine.GetOrCreate(ctx, s.documentID)
	if err != nil {
		s.writeJSON(wire.ErrorMessage{Type: wire.TypeError, Reason: fmt.Sprintf("loading document: %v", err)})
		return
	}

	var sub = instance.Subscribe()
	defer instance.Unsubscribe(sub)

	var presenceCh = s.presenceFn(s.documentID)
	var presenceSnapshot = presenceCh.Join(s.connID, s.userID, s.sendRaw)
	defer presenceCh.Leave(s.connID)

	var state, version, serr = instance.GetSnapshot()
	if serr != nil {
		s.writeJSON(wire.ErrorMessage{Type: wire.TypeError, Reason: fmt.Sprintf("encoding snapshot: %v", serr)})
		return
	}
	s.writeJSON(wire.SnapshotMessage{Type: wire.TypeSnapshot, State: state, Version: version})
	s.writeJSON(wire.PresenceSnapshotMessage{Type: wire.TypePresenceSnapshot, SelfID: s.connID, Presences: presenceSnapshot})

	var rawCh = make(chan []byte, 16)
	var errCh = make(chan error, 1)
	go s.readPump(rawCh, errCh)

	for {
		select {
		case raw, ok := <-rawCh:
			if !ok {
				return
			}
			if herr := s.handleMessage(instance, presenceCh, raw); herr != nil {
				log.WithError(herr).WithField("document", s.documentID).Warn("server: handling websocket message")
			}
		case rerr := <-errCh:
			if rerr != nil && !websocket.IsCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(rerr).WithField("document", s.documentID).Debug("server: websocket read ended")
			}
			return
		case msg, ok := <-sub.Messages:
			if !ok {
				s.writeJSON(wire.ErrorMessage{Type: wire.TypeError, Reason: "resync: subscriber queue overflowed"})
				return
			}
			s.writeJSON(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSession) readPump(out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		var mt, data, err = s.conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		out <- data
	}
}

func (s *wsSession) handleMessage(instance *ServerDocument, presenceCh *presence.Channel, raw []byte) error {
	var envType, err = wire.DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("server: decoding envelope: %w", err)
	}

	if s.authSvc != nil && !s.authed && envType != wire.TypeAuth {
		s.writeJSON(wire.ErrorMessage{Type: wire.TypeError, Reason: "authentication required"})
		return nil
	}

	switch envType {
	case wire.TypeAuth:
		var m wire.AuthMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("server: decoding auth message: %w", err)
		}
		if s.authSvc == nil {
			s.authed = true
			s.writeJSON(wire.AuthResultMessage{Type: wire.TypeAuthResult, Success: true, Permission: string(s.permission)})
			return nil
		}
		var identity, verr = s.authSvc.Verify(m.Token)
		if verr != nil {
			s.writeJSON(wire.AuthResultMessage{Type: wire.TypeAuthResult, Success: false, Error: verr.Error()})
			return nil
		}
		s.authed = true
		s.userID = identity.UserID
		s.permission = identity.Permission
		s.writeJSON(wire.AuthResultMessage{
			Type: wire.TypeAuthResult, Success: true,
			UserID: identity.UserID, Permission: string(identity.Permission),
		})

	case wire.TypeSubmit:
		if !s.permission.CanWrite() {
			s.writeJSON(wire.ErrorMessage{Type: wire.TypeError, Reason: "read-only permission"})
			return nil
		}
		var m wire.SubmitMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("server: decoding submit message: %w", err)
		}
		var tx = wire.Decode(m.Transaction)
		var result, serr = s.engine.Submit(context.Background(), s.documentID, tx)
		if serr != nil {
			return fmt.Errorf("server: submitting transaction: %w", serr)
		}
		if !result.Success {
			s.writeJSON(wire.ErrorMessage{Type: wire.TypeError, TransactionID: tx.ID, Reason: result.Reason})
		}

	case wire.TypeRequestSnapshot:
		var state, version, serr = instance.GetSnapshot()
		if serr != nil {
			return fmt.Errorf("server: encoding snapshot: %w", serr)
		}
		s.writeJSON(wire.SnapshotMessage{Type: wire.TypeSnapshot, State: state, Version: version})

	case wire.TypePing:
		s.writeJSON(wire.PongMessage{Type: wire.TypePong})

	case wire.TypePresenceSet:
		if !s.permission.CanWrite() {
			return nil
		}
		var m wire.PresenceSetMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("server: decoding presence_set message: %w", err)
		}
		if serr := presenceCh.Set(s.connID, m.Data); serr != nil {
			s.writeJSON(wire.ErrorMessage{Type: wire.TypeError, Reason: serr.Error()})
		}

	case wire.TypePresenceClear:
		presenceCh.Clear(s.connID)

	default:
		s.writeJSON(wire.ErrorMessage{Type: wire.TypeError, Reason: fmt.Sprintf("unrecognized message type %q", envType)})
	}
	return nil
}

func (s *wsSession) writeJSON(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		log.WithError(err).WithField("document", s.documentID).Warn("server: websocket write failed")
	}
}

func (s *wsSession) sendRaw(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}
