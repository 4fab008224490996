package rendezvous

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/syrja/internal/proto"
	"github.com/petervdpas/syrja/internal/wakeup"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startWS(t *testing.T, opts Options, push wakeup.Notifier) (*Server, string) {
	t.Helper()
	s := newTestServer(t, opts, push)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func (c *wsClient) read() inFrame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f inFrame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// expect reads the next frame and checks its event name.
func (c *wsClient) expect(event string, into any) {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, event, f.Event, string(f.Data))
	if into != nil {
		require.NoError(c.t, json.Unmarshal(f.Data, into))
	}
}

func (c *wsClient) register(identity string) {
	c.t.Helper()
	c.send(proto.EvRegister, identity)
	var reply proto.Registered
	c.expect(proto.EvRegistered, &reply)
	require.Equal(c.t, "ok", reply.Status)
}

// subscribe doubles as a barrier: frames of one session are handled in
// order, so once the reply arrives every earlier frame has been processed.
func (c *wsClient) subscribe(identities ...string) []string {
	c.t.Helper()
	if identities == nil {
		identities = []string{}
	}
	c.send(proto.EvSubscribePresence, identities)
	var online []string
	c.expect(proto.EvPresenceInitial, &online)
	return online
}

func TestWSPresenceLifecycle(t *testing.T) {
	_, url := startWS(t, Options{}, nil)

	watcher := dial(t, url)
	assert.Empty(t, watcher.subscribe("alice"))

	alice := dial(t, url)
	alice.register("alice")

	var upd proto.PresenceUpdate
	watcher.expect(proto.EvPresenceUpdate, &upd)
	assert.Equal(t, proto.PresenceUpdate{Identity: "alice", Status: proto.StatusOnline}, upd)

	late := dial(t, url)
	assert.Equal(t, []string{"alice"}, late.subscribe("alice", "bob", "alice"))

	require.NoError(t, alice.conn.Close())

	watcher.expect(proto.EvPresenceUpdate, &upd)
	assert.Equal(t, proto.PresenceUpdate{Identity: "alice", Status: proto.StatusOffline}, upd)
	late.expect(proto.EvPresenceUpdate, &upd)
	assert.Equal(t, proto.StatusOffline, upd.Status)
}

func TestWSConnectionHandshake(t *testing.T) {
	_, url := startWS(t, Options{}, nil)

	alice := dial(t, url)
	alice.register("alice")
	bob := dial(t, url)
	bob.register("bob")

	bob.send(proto.EvRequestConnection, map[string]string{"to": "alice", "from": "bob"})
	var from proto.FromPeer
	alice.expect(proto.EvIncomingRequest, &from)
	assert.Equal(t, "bob", from.From)

	alice.send(proto.EvAcceptConnection, map[string]string{"to": "bob", "from": "alice"})
	bob.expect(proto.EvConnectionAccepted, &from)
	assert.Equal(t, "alice", from.From)

	bob.send(proto.EvCallRequest, map[string]string{"to": "alice", "from": "bob", "callType": "video"})
	var call proto.IncomingCall
	alice.expect(proto.EvIncomingCall, &call)
	assert.Equal(t, proto.IncomingCall{From: "bob", CallType: "video"}, call)

	alice.send(proto.EvCallEnded, map[string]string{"to": "bob", "from": "alice"})
	bob.expect(proto.EvCallEnded, &from)
	assert.Equal(t, "alice", from.From)
}

func TestWSWakeUpOfflineTarget(t *testing.T) {
	push := newFakePush()
	push.endpoints["alice"] = wakeup.Endpoint{Identity: "alice"}
	_, url := startWS(t, Options{}, push)

	bob := dial(t, url)
	bob.register("bob")
	bob.send(proto.EvRequestConnection, map[string]string{"to": "alice", "from": "bob"})
	bob.subscribe()

	assert.Equal(t, []string{"alice"}, push.sentTo())
}

func TestWSRoomSignal(t *testing.T) {
	_, url := startWS(t, Options{}, nil)

	a, b, c := dial(t, url), dial(t, url), dial(t, url)
	for _, cl := range []*wsClient{a, b, c} {
		cl.send(proto.EvJoin, "room-1")
		cl.subscribe()
	}

	a.send(proto.EvSignal, map[string]any{"room": "room-1", "payload": map[string]string{"sdp": "offer"}})

	for _, cl := range []*wsClient{b, c} {
		var got proto.RoomPayload
		cl.expect(proto.EvSignal, &got)
		assert.Equal(t, "room-1", got.Room)
		assert.JSONEq(t, `{"sdp":"offer"}`, string(got.Payload))
	}

	// The sender never hears its own signal: the next frame it sees is the
	// reply to this register.
	a.register("a")
}

func TestWSMalformedFrameKeepsSession(t *testing.T) {
	_, url := startWS(t, Options{}, nil)

	cl := dial(t, url)
	require.NoError(t, cl.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	cl.send("no-such-event", nil)
	cl.send(proto.EvRegister, 42)
	cl.register("alice")
}

func TestWSRegisterRateLimited(t *testing.T) {
	s, url := startWS(t, Options{}, nil)
	s.SetRateLimits(2, time.Minute)

	cl := dial(t, url)
	cl.register("one")
	cl.register("two")

	// The third register is refused silently; the barrier reply comes first.
	cl.send(proto.EvRegister, "three")
	cl.subscribe()

	other := dial(t, url)
	assert.Equal(t, []string{"two"}, other.subscribe("one", "two", "three"))
}

func TestWSOriginRefused(t *testing.T) {
	_, url := startWS(t, Options{AllowedOrigins: []string{"https://app.example.org"}}, nil)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.org"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example.org"}})
	require.NoError(t, err)
	_ = conn.Close()
}
