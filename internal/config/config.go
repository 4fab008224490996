package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/syrja/internal/util"
)

var log = logging.Logger("config")

type Config struct {
	Server    Server    `json:"server"`
	RateLimit RateLimit `json:"ratelimit"`
	Store     Store     `json:"store"`
	Push      Push      `json:"push"`
	Relay     Relay     `json:"relay"`
	Log       Log       `json:"log"`
}

type Server struct {
	// Bind address for the HTTP/websocket listener. "0.0.0.0" accepts
	// connections from any interface.
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Public URL (e.g. "https://rv.example.org"). Used to derive the public
	// relay address and shown on the docs pages.
	ExternalURL string `json:"external_url"`

	// Origins allowed to open a websocket. Empty or "*" allows any origin.
	AllowedOrigins []string `json:"allowed_origins"`

	// Reverse proxies (IPs or CIDRs) whose X-Forwarded-For is trusted when
	// working out a client's origin address for rate limiting.
	TrustedProxies []string `json:"trusted_proxies"`

	// Password for /admin (HTTP Basic Auth, user "admin"). Empty disables it.
	AdminPassword string `json:"admin_password"`

	// STUN/TURN servers handed to clients at /ice-servers.
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
}

type RateLimit struct {
	Capacity  int `json:"capacity"`
	WindowSec int `json:"window_seconds"`
	// How often elapsed windows are dropped from memory. 0 disables sweeping.
	SweepSec int `json:"sweep_seconds"`
}

type Store struct {
	// "sqlite" or "redis".
	Driver string `json:"driver"`

	// Relative to the config file directory.
	SQLitePath string `json:"sqlite_path"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisPrefix   string `json:"redis_prefix"`

	// SQLite only: how often expired directory rows are deleted.
	SweepIntervalSec int `json:"sweep_interval_seconds"`
}

type Push struct {
	Enabled      bool   `json:"enabled"`
	VAPIDKeyFile string `json:"vapid_key_file"`
	// VAPID contact, "mailto:" or "https:" URL.
	Subscriber string `json:"subscriber"`
	TTLSec     int    `json:"ttl_seconds"`
}

type Relay struct {
	// Circuit relay v2 port. 0 disables the relay host.
	Port    int    `json:"port"`
	KeyFile string `json:"key_file"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems"`
	// "plain", "json" or "color".
	Format string `json:"format"`
}

func Default() Config {
	return Config{
		Server: Server{
			Bind: "0.0.0.0",
			Port: 8787,
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		RateLimit: RateLimit{
			Capacity:  20,
			WindowSec: 60,
			SweepSec:  300,
		},
		Store: Store{
			Driver:           "sqlite",
			SQLitePath:       "data/syrja.db",
			RedisAddr:        "127.0.0.1:6379",
			RedisPrefix:      "syrja:",
			SweepIntervalSec: 60,
		},
		Push: Push{
			Enabled:      false,
			VAPIDKeyFile: "data/vapid.json",
			Subscriber:   "mailto:admin@example.org",
			TTLSec:       60,
		},
		Relay: Relay{
			Port:    0,
			KeyFile: "data/relay.key",
		},
		Log: Log{
			Level:  "info",
			Format: "plain",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if b := c.Server.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("server.bind must be a valid IP address")
	}
	if u := strings.TrimSpace(c.Server.ExternalURL); u != "" {
		if err := validateHTTPURL(u); err != nil {
			return fmt.Errorf("server.external_url: %w", err)
		}
	}
	for _, o := range c.Server.AllowedOrigins {
		if o == "*" {
			continue
		}
		if err := validateHTTPURL(o); err != nil {
			return fmt.Errorf("server.allowed_origins %q: %w", o, err)
		}
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := ParseProxy(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: %w", err)
		}
	}
	for i, s := range c.Server.ICEServers {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("server.ice_servers[%d]: %w", i, err)
		}
	}

	// Rate limit
	if c.RateLimit.Capacity <= 0 {
		return errors.New("ratelimit.capacity must be > 0")
	}
	if c.RateLimit.WindowSec <= 0 {
		return errors.New("ratelimit.window_seconds must be > 0")
	}
	if c.RateLimit.SweepSec < 0 {
		return errors.New("ratelimit.sweep_seconds must be >= 0")
	}

	// Store
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
		if c.Store.SweepIntervalSec <= 0 {
			return errors.New("store.sweep_interval_seconds must be > 0")
		}
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return errors.New("store.redis_addr is required for the redis driver")
		}
		if c.Store.RedisDB < 0 {
			return errors.New("store.redis_db must be >= 0")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or redis, got %q", c.Store.Driver)
	}

	// Push
	if c.Push.Enabled {
		if strings.TrimSpace(c.Push.VAPIDKeyFile) == "" {
			return errors.New("push.vapid_key_file is required when push is enabled")
		}
		if strings.TrimSpace(c.Push.Subscriber) == "" {
			return errors.New("push.subscriber is required when push is enabled")
		}
		if c.Push.TTLSec < 0 {
			return errors.New("push.ttl_seconds must be >= 0")
		}
	}

	// Relay
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 0..65535")
	}
	if c.Relay.Port > 0 {
		if c.Relay.Port == c.Server.Port {
			return errors.New("relay.port must differ from server.port")
		}
		if strings.TrimSpace(c.Relay.KeyFile) == "" {
			return errors.New("relay.key_file is required when relay.port is set")
		}
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for sub, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems[%s]: %w", sub, err)
		}
	}
	switch c.Log.Format {
	case "", "plain", "text", "json", "color":
	default:
		return fmt.Errorf("log.format must be plain, json or color, got %q", c.Log.Format)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func validateICEServer(s webrtc.ICEServer) error {
	if len(s.URLs) == 0 {
		return errors.New("urls is required")
	}
	for _, raw := range s.URLs {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("%q: %w", raw, err)
		}
		if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
			if s.Username == "" || s.Credential == nil {
				return fmt.Errorf("%q: turn servers need username and credential", raw)
			}
		}
	}
	return nil
}

// ParseProxy accepts a single IP or a CIDR and returns it as a network.
func ParseProxy(raw string) (*net.IPNet, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q", raw)
		}
		return n, nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP %q", raw)
	}
	bits := 128
	if ip4 := ip.To4(); ip4 != nil {
		ip, bits = ip4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	ApplyEnv(&cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without environment overrides or
// validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Fields absent from the file keep their defaults.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM drops the UTF-8 byte order mark some Windows editors write.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads path, writing Default() there first when the file is missing.
// created reports whether the file was written.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	if err := Save(path, Default()); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := Load(path)
	return cfg, true, err
}
