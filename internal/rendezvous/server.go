// Package rendezvous is the network boundary: the /ws real-time channel, the
// directory HTTP endpoints, and the operational routes around them.
package rendezvous

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/syrja/internal/directory"
	"github.com/petervdpas/syrja/internal/metrics"
	"github.com/petervdpas/syrja/internal/presence"
	"github.com/petervdpas/syrja/internal/ratelimit"
	"github.com/petervdpas/syrja/internal/relay"
	"github.com/petervdpas/syrja/internal/util"
	"github.com/petervdpas/syrja/internal/wakeup"
)

var log = logging.Logger("rendezvous")

const maxLogs = 500

// Options are the listener and policy settings of a Server.
type Options struct {
	Addr          string
	ExternalURL   string
	AdminPassword string

	// Empty or containing "*" allows any Origin.
	AllowedOrigins []string
	TrustedProxies []*net.IPNet

	ICEServers []webrtc.ICEServer

	// Circuit relay v2. RelayPort 0 disables it.
	RelayPort    int
	RelayKeyFile string

	// Upper bound for one wake-up attempt made from a session's read loop.
	WakeTimeout time.Duration
}

// Deps are the core components the server routes events to.
type Deps struct {
	Presence  *presence.Service
	Relay     *relay.Relay
	Limiter   *ratelimit.Limiter
	Directory *directory.Service

	// Push is nil when push is disabled.
	Push           wakeup.Notifier
	VAPIDPublicKey string

	Metrics *metrics.Metrics
}

type Server struct {
	opts Options
	deps Deps

	upgrader websocket.Upgrader
	srv      *http.Server
	sessions atomic.Int64

	logs *util.RingBuffer[string]
	docs *DocSite

	relayHost host.Host
	relayInfo *RelayInfo
}

func New(opts Options, deps Deps) *Server {
	if opts.WakeTimeout <= 0 {
		opts.WakeTimeout = util.DefaultFetchTimeout
	}
	opts.ExternalURL = strings.TrimRight(opts.ExternalURL, "/")

	s := &Server{
		opts: opts,
		deps: deps,
		logs: util.NewRingBuffer[string](maxLogs),
		docs: newDocSite(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	deps.Metrics.GaugeFunc("online_identities", "Identities bound to a live session.", func() float64 {
		return float64(deps.Presence.Registry.Count())
	})
	deps.Metrics.GaugeFunc("rate_windows", "Origins with an open rate-limit window.", func() float64 {
		return float64(deps.Limiter.Len())
	})
	return s
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Real-time channel
	mux.HandleFunc("/ws", s.handleWS)

	// Directory
	mux.HandleFunc("/claim-id", s.handleClaimID)
	mux.HandleFunc("/get-invite-by-id", s.handleGetInvite)
	mux.HandleFunc("/get-id-by-identity", s.handleGetIDByIdentity)
	mux.HandleFunc("/delete-id", s.handleDeleteID)

	// Wake-up registration
	mux.HandleFunc("/store-push-subscription", s.handleStorePushSubscription)
	mux.HandleFunc("/vapid-public-key", s.handleVAPIDPublicKey)

	// Client configuration
	mux.HandleFunc("/ice-servers", s.handleICEServers)
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		handleRelayInfo(w, r, s.relayInfo)
	})

	// Probes
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", s.deps.Metrics.Handler())

	// Docs
	mux.HandleFunc("/docs", s.handleDocsRedirect)
	mux.HandleFunc("/docs/", s.handleDocs)

	// Admin-protected endpoints
	mux.HandleFunc("/admin/stats.json", s.handleAdminStats)
	mux.HandleFunc("/admin/logs.json", s.handleAdminLogs)

	return mux
}

// Start launches the optional relay host and the HTTP listener. Both stop
// when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.RelayPort > 0 {
		rh, ri, err := StartRelay(s.opts.RelayPort, s.opts.RelayKeyFile, s.opts.ExternalURL)
		if err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
		s.relayHost = rh
		s.relayInfo = ri
		s.addLog(fmt.Sprintf("circuit relay up, peer %s", ri.PeerID))

		go func() {
			<-ctx.Done()
			_ = s.relayHost.Close()
		}()
	}

	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server stopped", "err", err)
		}
	}()

	s.addLog(fmt.Sprintf("listening on %s", ln.Addr()))
	return nil
}

func (s *Server) URL() string {
	if s.opts.ExternalURL != "" {
		return s.opts.ExternalURL
	}
	return "http://" + s.opts.Addr
}

// SetRateLimits forwards a reloaded rate-limit policy to the limiter.
func (s *Server) SetRateLimits(capacity int, window time.Duration) {
	s.deps.Limiter.SetLimits(capacity, window)
	s.addLog(fmt.Sprintf("rate limit now %d per %s", capacity, window))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), util.ShortTimeout)
	defer cancel()

	w.Header().Set("content-type", "text/plain; charset=utf-8")
	if err := s.deps.Directory.Ping(ctx); err != nil {
		log.Warnw("readiness check failed", "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	servers := s.opts.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

type adminStats struct {
	Now           string     `json:"now"`
	Sessions      int64      `json:"sessions"`
	Online        int        `json:"online"`
	Subscribers   int        `json:"subscribers"`
	Watched       int        `json:"watched"`
	Rooms         int        `json:"rooms"`
	RoomMembers   int        `json:"room_members"`
	RateWindows   int        `json:"rate_windows"`
	PushEnabled   bool       `json:"push_enabled"`
	Relay         *RelayInfo `json:"relay,omitempty"`
	RelayPeers    int        `json:"relay_peers"`
	RecentLogSize int        `json:"recent_log_size"`
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	subscribers, watched := s.deps.Presence.Index.Stats()
	rooms, members := s.deps.Relay.Rooms().Stats()
	writeJSON(w, http.StatusOK, adminStats{
		Now:           time.Now().Format("2006-01-02 15:04:05"),
		Sessions:      s.sessions.Load(),
		Online:        s.deps.Presence.Registry.Count(),
		Subscribers:   subscribers,
		Watched:       watched,
		Rooms:         rooms,
		RoomMembers:   members,
		RateWindows:   s.deps.Limiter.Len(),
		PushEnabled:   s.deps.Push != nil,
		Relay:         s.relayInfo,
		RelayPeers:    s.relayPeers(),
		RecentLogSize: s.logs.Len(),
	})
}

// relayPeers counts peers connected to the circuit relay host, 0 when it is
// not running.
func (s *Server) relayPeers() int {
	if s.relayHost == nil {
		return 0
	}
	return len(s.relayHost.Network().Peers())
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.logs.Snapshot())
}

// addLog records an operator-facing line for /admin/logs.json and mirrors
// it to the subsystem logger. Never pass identities here unhashed.
func (s *Server) addLog(msg string) {
	s.logs.Push(fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg))
	log.Info(msg)
}

// requireAdmin gates a handler behind Basic Auth for user "admin". On false
// the response has already been written.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.AdminPassword == "" {
		http.Error(w, "admin panel disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.AdminPassword)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="syrja admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
