package socket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
	closed bool
}

func (r *recorder) Send(frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full || r.closed {
		return false
	}
	var f Frame
	_ = json.Unmarshal(frame, &f)
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Event)
	}
	return out
}

func TestEmitReachesOnlyDeviceSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a, b := &recorder{}, &recorder{}
	hub.Register("a", a)
	hub.Register("b", b)
	require.NoError(t, hub.Subscribe("a", "dev-1"))
	require.NoError(t, hub.Subscribe("b", "dev-2"))

	n := hub.EmitToSubscribers("dev-1", DeviceStatusEvent("dev-1"), map[string]string{"status": "online"})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"device:dev-1:status"}, a.events())
	assert.Empty(t, b.events())

	assert.Zero(t, hub.EmitToSubscribers("dev-3", EventDeviceStatusChanged, nil))
}

func TestSubscribeRequiresRegistration(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.ErrorIs(t, hub.Subscribe("ghost", "dev-1"), ErrUnknownSubscriber)
	assert.Equal(t, Stats{}, hub.Stats())
}

func TestDisconnectClearsAllIndexes(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a, b := &recorder{}, &recorder{}
	hub.Register("a", a)
	hub.Register("b", b)
	for _, id := range []string{"dev-1", "dev-2", "dev-3"} {
		require.NoError(t, hub.Subscribe("a", id))
	}
	require.NoError(t, hub.Subscribe("b", "dev-1"))
	assert.Equal(t, Stats{Subscribers: 2, Devices: 3, Subscriptions: 4}, hub.Stats())

	hub.Disconnect("a")
	assert.Equal(t, Stats{Subscribers: 1, Devices: 1, Subscriptions: 1}, hub.Stats())
	assert.Empty(t, hub.Subscriptions("a"))
	assert.True(t, a.closed)

	assert.Zero(t, hub.EmitToSubscribers("dev-2", EventDeviceStatusChanged, nil))
	assert.Equal(t, 1, hub.EmitToSubscribers("dev-1", EventDeviceStatusChanged, nil))
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := &recorder{}
	hub.Register("a", a)
	require.NoError(t, hub.Subscribe("a", "dev-1"))
	require.NoError(t, hub.Subscribe("a", "dev-2"))

	hub.Unsubscribe("a", "dev-1")
	assert.Equal(t, []string{"dev-2"}, hub.Subscriptions("a"))
	assert.Zero(t, hub.EmitToSubscribers("dev-1", EventDeviceStatusChanged, nil))
}

func TestFullBufferDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow, fast := &recorder{full: true}, &recorder{}
	hub.Register("slow", slow)
	hub.Register("fast", fast)
	require.NoError(t, hub.Subscribe("slow", "dev-1"))
	require.NoError(t, hub.Subscribe("fast", "dev-1"))

	assert.Equal(t, 1, hub.EmitToSubscribers("dev-1", EventDeviceStatusChanged, nil))
	assert.Len(t, fast.events(), 1)
}

func TestRelayIgnoresOwnFrames(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := &recorder{}
	hub.Register("a", a)
	require.NoError(t, hub.Subscribe("a", "dev-1"))

	r := NewRelay(nil, "test", zerolog.Nop())
	frame, err := Encode(EventDeviceStatusChanged, map[string]string{"id": "dev-1"})
	require.NoError(t, err)

	own, _ := json.Marshal(relayEnvelope{Origin: r.Origin(), DeviceID: "dev-1", Frame: frame})
	r.handle(hub, string(own))
	assert.Empty(t, a.events())

	other, _ := json.Marshal(relayEnvelope{Origin: "elsewhere", DeviceID: "dev-1", Frame: frame})
	r.handle(hub, string(other))
	assert.Equal(t, []string{EventDeviceStatusChanged}, a.events())

	r.handle(hub, "not json")
	assert.Len(t, a.events(), 1)
}

func wsServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if r.URL.Query().Get("token") != "good" {
			Reject(conn, "invalid token")
			return
		}
		NewClient(hub, conn, "sub-1", "user-1").Serve()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

func TestWebsocketSubscribeAndReceive(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := dial(t, wsServer(t, hub), "good")

	f := readFrame(t, conn)
	assert.Equal(t, EventAuthenticated, f.Event)
	assert.JSONEq(t, `{"subscriberId":"sub-1","userId":"user-1"}`, string(f.Data))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": ControlSubscribe, "data": map[string]string{"deviceId": "dev-1"}}))
	f = readFrame(t, conn)
	assert.Equal(t, EventSubscribed, f.Event)
	assert.JSONEq(t, `{"deviceId":"dev-1"}`, string(f.Data))

	hub.EmitToSubscribers("dev-2", DeviceStatusEvent("dev-2"), map[string]string{"status": "error"})
	hub.EmitToSubscribers("dev-1", DeviceStatusEvent("dev-1"), map[string]string{"status": "online"})
	f = readFrame(t, conn)
	assert.Equal(t, "device:dev-1:status", f.Event)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": ControlUnsubscribe, "data": map[string]string{"deviceId": "dev-1"}}))
	assert.Equal(t, EventUnsubscribed, readFrame(t, conn).Event)
	assert.Empty(t, hub.Subscriptions("sub-1"))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "reboot"}))
	assert.Equal(t, EventError, readFrame(t, conn).Event)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := dial(t, wsServer(t, hub), "bad")

	f := readFrame(t, conn)
	assert.Equal(t, EventUnauthorized, f.Event)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, Stats{}, hub.Stats())
}
