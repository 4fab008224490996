package rendezvous

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/syrja/internal/directory"
	"github.com/petervdpas/syrja/internal/metrics"
	"github.com/petervdpas/syrja/internal/presence"
	"github.com/petervdpas/syrja/internal/ratelimit"
	"github.com/petervdpas/syrja/internal/relay"
	"github.com/petervdpas/syrja/internal/wakeup"
)

// fakePush records wake-ups instead of talking to a push service.
type fakePush struct {
	mu        sync.Mutex
	endpoints map[string]wakeup.Endpoint
	sent      []string
}

func newFakePush() *fakePush {
	return &fakePush{endpoints: map[string]wakeup.Endpoint{}}
}

func (p *fakePush) Lookup(_ context.Context, id string) (wakeup.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[id]
	if !ok {
		return wakeup.Endpoint{}, wakeup.ErrNoEndpoint
	}
	return ep, nil
}

func (p *fakePush) Send(_ context.Context, ep wakeup.Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, ep.Identity)
	return nil
}

func (p *fakePush) Remove(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, id)
	return nil
}

func (p *fakePush) Save(_ context.Context, ep wakeup.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[ep.Identity] = ep
	return nil
}

func (p *fakePush) sentTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func newTestServer(t *testing.T, opts Options, push wakeup.Notifier) *Server {
	t.Helper()

	store, err := directory.OpenSQLite(filepath.Join(t.TempDir(), "directory.db"), clock.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.New()
	limiter := ratelimit.New(20, time.Minute, clock.New())
	svc := presence.NewService(presence.NewRegistry(), presence.NewIndex())

	deps := Deps{
		Presence:  svc,
		Relay:     relay.New(svc.Registry, limiter, push, m),
		Limiter:   limiter,
		Directory: directory.NewService(store, clock.New()),
		Metrics:   m,
	}
	if push != nil {
		deps.Push = push
		deps.VAPIDPublicKey = "BPublicKey"
	}
	return New(opts, deps)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("content-type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestDirectoryEndpoints(t *testing.T) {
	h := newTestServer(t, Options{}, nil).Handler()

	rec := do(t, h, http.MethodPost, "/claim-id",
		`{"id":"alice","inviteCode":"INV-1","persistenceMode":"temporary","privacy":"public","ownerIdentity":"owner-a"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"success": true, "id": "alice"}, decodeMap(t, rec))

	rec = do(t, h, http.MethodPost, "/claim-id",
		`{"id":"alice","inviteCode":"INV-2","persistenceMode":"temporary","privacy":"public","ownerIdentity":"owner-b"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeMap(t, rec)["error"], "taken")

	rec = do(t, h, http.MethodGet, "/get-invite-by-id?id=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "INV-1", decodeMap(t, rec)["inviteCode"])

	rec = do(t, h, http.MethodGet, "/get-id-by-identity?identity=owner-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeMap(t, rec)
	assert.Equal(t, "alice", view["id"])
	assert.Equal(t, false, view["permanent"])
	assert.Equal(t, "public", view["privacy"])

	rec = do(t, h, http.MethodPost, "/claim-id",
		`{"id":"secret","inviteCode":"INV-3","persistenceMode":"permanent","privacy":"private","ownerIdentity":"owner-c"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/get-invite-by-id?id=secret", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/get-invite-by-id?id=nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/delete-id", `{"ownerIdentity":"owner-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"success": true}, decodeMap(t, rec))

	rec = do(t, h, http.MethodGet, "/get-id-by-identity?identity=owner-a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Deleting again is not an error.
	rec = do(t, h, http.MethodPost, "/delete-id", `{"ownerIdentity":"owner-a"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDirectoryEndpointsRejectBadInput(t *testing.T) {
	h := newTestServer(t, Options{}, nil).Handler()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/claim-id", `{"id":`, http.StatusBadRequest},
		{"missing invite", http.MethodPost, "/claim-id", `{"id":"x","persistenceMode":"temporary","privacy":"public","ownerIdentity":"o"}`, http.StatusBadRequest},
		{"bad privacy", http.MethodPost, "/claim-id", `{"id":"x","inviteCode":"c","persistenceMode":"temporary","privacy":"friends","ownerIdentity":"o"}`, http.StatusBadRequest},
		{"claim via GET", http.MethodGet, "/claim-id", "", http.StatusMethodNotAllowed},
		{"resolve via POST", http.MethodPost, "/get-invite-by-id?id=x", "{}", http.StatusMethodNotAllowed},
		{"delete without owner", http.MethodPost, "/delete-id", `{}`, http.StatusBadRequest},
		{"empty id", http.MethodGet, "/get-invite-by-id", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestProbesAndMetrics(t *testing.T) {
	h := newTestServer(t, Options{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "syrja_online_identities 0")
	assert.Contains(t, rec.Body.String(), "syrja_rate_windows 0")
}

func TestICEServers(t *testing.T) {
	h := newTestServer(t, Options{ICEServers: []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
	}}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/ice-servers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, got.ICEServers[0].URLs)

	rec = do(t, newTestServer(t, Options{}, nil).Handler(), http.MethodGet, "/ice-servers", "")
	assert.JSONEq(t, `{"iceServers":[]}`, rec.Body.String())
}

func TestRelayInfoWithoutRelay(t *testing.T) {
	h := newTestServer(t, Options{}, nil).Handler()
	rec := do(t, h, http.MethodGet, "/relay", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	disabled := newTestServer(t, Options{}, nil).Handler()
	rec := do(t, disabled, http.MethodGet, "/admin/stats.json", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h := newTestServer(t, Options{AdminPassword: "hunter2"}, nil).Handler()

	rec = do(t, h, http.MethodGet, "/admin/stats.json", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "syrja admin")

	req := httptest.NewRequest(http.MethodGet, "/admin/stats.json", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/stats.json", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats adminStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.Online)
	assert.False(t, stats.PushEnabled)
	assert.Nil(t, stats.Relay)
	assert.Zero(t, stats.RelayPeers)

	req = httptest.NewRequest(http.MethodGet, "/admin/logs.json", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPushEndpointsDisabled(t *testing.T) {
	h := newTestServer(t, Options{}, nil).Handler()

	rec := do(t, h, http.MethodPost, "/store-push-subscription", `{"identity":"alice"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodGet, "/vapid-public-key", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPushEndpointsEnabled(t *testing.T) {
	push := newFakePush()
	h := newTestServer(t, Options{}, push).Handler()

	rec := do(t, h, http.MethodGet, "/vapid-public-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BPublicKey", decodeMap(t, rec)["publicKey"])

	rec = do(t, h, http.MethodPost, "/store-push-subscription",
		`{"identity":" al ice ","subscription":{"endpoint":"https://push.example/abc","keys":{"p256dh":"p","auth":"a"}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ep, err := push.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "https://push.example/abc", ep.Subscription.Endpoint)

	rec = do(t, h, http.MethodPost, "/store-push-subscription",
		`{"identity":"bob","subscription":{"endpoint":"ftp://push.example/abc","keys":{"p256dh":"p","auth":"a"}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/store-push-subscription", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocs(t *testing.T) {
	h := newTestServer(t, Options{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/docs", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/docs/overview", rec.Header().Get("Location"))

	rec = do(t, h, http.MethodGet, "/docs/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<h1>Overview</h1>")
	assert.Contains(t, body, `href="/docs/realtime"`)
	assert.Contains(t, body, "<table>")

	rec = do(t, h, http.MethodGet, "/docs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientIP(t *testing.T) {
	_, private, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	s := &Server{opts: Options{TrustedProxies: []*net.IPNet{private}}}
	plain := &Server{}

	tests := []struct {
		name   string
		srv    *Server
		remote string
		xff    string
		want   string
	}{
		{"no proxies ignores header", plain, "203.0.113.5:4000", "198.51.100.1", "203.0.113.5"},
		{"untrusted peer ignores header", s, "203.0.113.5:4000", "198.51.100.1", "203.0.113.5"},
		{"trusted peer without header", s, "10.1.2.3:4000", "", "10.1.2.3"},
		{"nearest untrusted hop", s, "10.1.2.3:4000", "198.51.100.1, 203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"all hops trusted", s, "10.1.2.3:4000", "10.0.0.7, 10.0.0.2", "10.0.0.7"},
		{"garbage header", s, "10.1.2.3:4000", "nonsense", "10.1.2.3"},
		{"ipv6 peer", plain, "[2001:db8::1]:4000", "", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, tt.srv.clientIP(r))
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{opts: Options{AllowedOrigins: []string{"https://app.example.org"}}}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.org", true},
		{"HTTPS://APP.example.org", true},
		{"https://evil.example.org", false},
		{"http://app.example.org", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, s.checkOrigin(r), tt.origin)
	}

	open := &Server{opts: Options{AllowedOrigins: []string{"*"}}}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.True(t, open.checkOrigin(r))
}
