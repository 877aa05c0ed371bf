package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxInvalidFrames closes a connection that keeps sending garbage.
const maxInvalidFrames = 10

// Hub is what the websocket transport drives. *Relay satisfies it; the
// coordinator wraps it to serialize room changes with session state.
type Hub interface {
	Join(ctx context.Context, sessionID, participantID string, role Role, conn Conn) error
	Relay(ctx context.Context, sessionID, from string, payload json.RawMessage) error
	Leave(ctx context.Context, sessionID, participantID string) error
}

// Presence registers presence connections.
type Presence interface {
	Subscribe(userID string, conn Conn) (unsubscribe func())
}

// WSOptions configures the websocket endpoints.
type WSOptions struct {
	// OriginPatterns are host patterns allowed cross-origin. Empty allows
	// same-origin (and non-browser) clients only.
	OriginPatterns []string
	ReadLimit      int64
	WriteTimeout   time.Duration
}

// =============================================================================
// CONNECTION
// =============================================================================

// wsConn adapts a websocket connection to Conn.
type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
	closeReason  atomic.Pointer[string]
}

func newWSConn(c *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{c: c, writeTimeout: writeTimeout}
}

// Send writes msg as one text frame, stamped with the server time.
func (w *wsConn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data, err = sjson.SetBytes(data, "ts", time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if w.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.writeTimeout)
		defer cancel()
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

// Close starts the close handshake and returns without waiting for the peer.
// The first reason wins.
func (w *wsConn) Close(reason string) error {
	w.closeReason.CompareAndSwap(nil, &reason)
	status := websocket.StatusNormalClosure
	if reason == CloseReplaced {
		status = websocket.StatusPolicyViolation
	}
	go func() { _ = w.c.Close(status, reason) }()
	return nil
}

func (w *wsConn) reason() string {
	if p := w.closeReason.Load(); p != nil {
		return *p
	}
	return ""
}

func (w *wsConn) sendError(ctx context.Context, sessionID, message string) {
	payload, _ := sjson.SetBytes([]byte(`{}`), "message", message)
	_ = w.Send(ctx, Message{Type: TypeError, SessionID: sessionID, Payload: payload})
}

// =============================================================================
// HANDLERS
// =============================================================================

// ServeSignal upgrades GET /ws/signal?session_id=&participant_id=&role= and
// runs the room protocol. Inbound frames:
//
//	{"type":"signal","payload":{...}}  relay payload to the peer
//	{"type":"leave"}                   leave the room and close
func ServeSignal(hub Hub, opts WSOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sessionID := strings.TrimSpace(q.Get("session_id"))
		participantID := strings.TrimSpace(q.Get("participant_id"))
		role := Role(strings.TrimSpace(q.Get("role")))
		if sessionID == "" || participantID == "" {
			http.Error(w, "session_id and participant_id are required", http.StatusBadRequest)
			return
		}
		if !role.Valid() {
			http.Error(w, "role must be client or reader", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			log.Debug().Err(err).Msg("signaling: websocket accept failed")
			return
		}
		if opts.ReadLimit > 0 {
			c.SetReadLimit(opts.ReadLimit)
		}
		conn := newWSConn(c, opts.WriteTimeout)
		ctx := r.Context()

		if err := hub.Join(ctx, sessionID, participantID, role, conn); err != nil {
			conn.sendError(ctx, sessionID, err.Error())
			_ = c.Close(websocket.StatusPolicyViolation, "join rejected")
			return
		}

		left := readSignalFrames(ctx, hub, conn, sessionID, participantID)

		// A replaced connection's seat already belongs to the new one.
		if !left && conn.reason() != CloseReplaced {
			_ = hub.Leave(context.WithoutCancel(ctx), sessionID, participantID)
		}
		_ = c.Close(websocket.StatusNormalClosure, "")
	}
}

// readSignalFrames runs until the socket closes. It reports whether the
// participant left explicitly.
func readSignalFrames(ctx context.Context, hub Hub, conn *wsConn, sessionID, participantID string) bool {
	invalid := 0
	for {
		typ, data, err := conn.c.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("signaling: read ended")
			}
			return false
		}
		if typ != websocket.MessageText || !gjson.ValidBytes(data) {
			invalid++
			conn.sendError(ctx, sessionID, "invalid frame")
			if invalid >= maxInvalidFrames {
				return false
			}
			continue
		}

		switch frameType := gjson.GetBytes(data, "type").String(); frameType {
		case TypeSignal:
			payload := gjson.GetBytes(data, "payload")
			if err := hub.Relay(ctx, sessionID, participantID, json.RawMessage(payload.Raw)); err != nil {
				invalid++
				conn.sendError(ctx, sessionID, err.Error())
				if invalid >= maxInvalidFrames {
					return false
				}
				continue
			}
			invalid = 0
		case "leave":
			_ = hub.Leave(context.WithoutCancel(ctx), sessionID, participantID)
			return true
		default:
			invalid++
			conn.sendError(ctx, sessionID, "unknown frame type: "+frameType)
			if invalid >= maxInvalidFrames {
				return false
			}
		}
	}
}

// ServePresence upgrades GET /ws/presence?user_id= and holds the connection
// open for notifications. The channel is server-to-client only.
func ServePresence(p Presence, opts WSOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			log.Debug().Err(err).Msg("signaling: websocket accept failed")
			return
		}
		conn := newWSConn(c, opts.WriteTimeout)
		unsubscribe := p.Subscribe(userID, conn)
		defer unsubscribe()

		log.Debug().Str("user_id", userID).Msg("signaling: presence connected")
		ctx := c.CloseRead(r.Context())
		<-ctx.Done()
		_ = c.Close(websocket.StatusNormalClosure, "")
	}
}
