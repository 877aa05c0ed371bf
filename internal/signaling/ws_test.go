package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newWSServer(t *testing.T, r *Relay) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	opts := WSOptions{ReadLimit: 1 << 16, WriteTimeout: time.Second}
	mux.HandleFunc("GET /ws/signal", ServeSignal(r, opts))
	mux.HandleFunc("GET /ws/presence", ServePresence(r, opts))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) gjson.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, data))
}

func TestServeSignal_RoundTrip(t *testing.T) {
	r, events := newTestRelay(nil)
	srv := newWSServer(t, r)

	client := dialWS(t, srv, "/ws/signal?session_id=s1&participant_id=client-1&role=client")
	require.Eventually(t, func() bool { return len(r.Members("s1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	reader := dialWS(t, srv, "/ws/signal?session_id=s1&participant_id=reader-1&role=reader")

	joined := readFrame(t, client)
	assert.Equal(t, TypeUserJoined, joined.Get("type").String())
	assert.Equal(t, "reader-1", joined.Get("from").String())
	assert.True(t, joined.Get("ts").Exists())
	assert.Equal(t, TypeUserJoined, readFrame(t, reader).Get("type").String())

	writeFrame(t, client, map[string]any{"type": "signal", "payload": map[string]any{"type": "offer", "sdp": "v=0"}})
	got := readFrame(t, reader)
	assert.Equal(t, TypeSignal, got.Get("type").String())
	assert.Equal(t, "offer", got.Get("payload.type").String())
	assert.Equal(t, "client-1", got.Get("from").String())

	writeFrame(t, reader, map[string]any{"type": "signal", "payload": "not-an-object"})
	errFrame := readFrame(t, reader)
	assert.Equal(t, TypeError, errFrame.Get("type").String())

	writeFrame(t, reader, map[string]any{"type": "leave"})
	left := readFrame(t, client)
	assert.Equal(t, TypeUserLeft, left.Get("type").String())

	require.NoError(t, client.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		for _, k := range events.kinds() {
			if k == EventBothLeft {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeSignal_BadQuery(t *testing.T) {
	r, _ := newTestRelay(nil)
	srv := newWSServer(t, r)

	for _, path := range []string{
		"/ws/signal?participant_id=a&role=client",
		"/ws/signal?session_id=s1&role=client",
		"/ws/signal?session_id=s1&participant_id=a&role=admin",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestServeSignal_JoinRejectedClosesSocket(t *testing.T) {
	r, _ := newTestRelay(GateFunc(func(context.Context, string, string, Role) error {
		return ErrSessionNotFound
	}))
	srv := newWSServer(t, r)

	c := dialWS(t, srv, "/ws/signal?session_id=s1&participant_id=client-1&role=client")
	frame := readFrame(t, c)
	assert.Equal(t, TypeError, frame.Get("type").String())
	assert.Contains(t, frame.Get("payload.message").String(), "not joinable")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestServePresence_ReceivesNotifications(t *testing.T) {
	r, _ := newTestRelay(nil)
	srv := newWSServer(t, r)

	c := dialWS(t, srv, "/ws/presence?user_id=reader-1")
	require.Eventually(t, func() bool {
		return r.Notify(context.Background(), "reader-1", Message{Type: TypeSessionRequest, SessionID: "s1"}) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frame := readFrame(t, c)
	assert.Equal(t, TypeSessionRequest, frame.Get("type").String())
	assert.Equal(t, "s1", frame.Get("session_id").String())
}
