package config

import (
	"strconv"
	"strings"
)

// ApplyEnv overlays SYRJA_* environment variables on cfg. Unparseable
// numbers are ignored with a warning so a typo can't zero a port.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Warnw("ignoring non-numeric environment value", "key", key, "value", v)
			return
		}
		*dst = n
	}

	str("SYRJA_BIND", &cfg.Server.Bind)
	num("SYRJA_PORT", &cfg.Server.Port)
	str("SYRJA_EXTERNAL_URL", &cfg.Server.ExternalURL)
	str("SYRJA_ADMIN_PASSWORD", &cfg.Server.AdminPassword)
	if v := strings.TrimSpace(getenv("SYRJA_TRUSTED_PROXIES")); v != "" {
		cfg.Server.TrustedProxies = splitList(v)
	}
	if v := strings.TrimSpace(getenv("SYRJA_ALLOWED_ORIGINS")); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	str("SYRJA_STORE_DRIVER", &cfg.Store.Driver)
	str("SYRJA_SQLITE_PATH", &cfg.Store.SQLitePath)
	str("SYRJA_REDIS_ADDR", &cfg.Store.RedisAddr)
	str("SYRJA_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	num("SYRJA_REDIS_DB", &cfg.Store.RedisDB)

	str("SYRJA_LOG_LEVEL", &cfg.Log.Level)
	str("SYRJA_LOG_FORMAT", &cfg.Log.Format)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
