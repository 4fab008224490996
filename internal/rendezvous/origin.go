package rendezvous

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// clientIP is the origin address charged by the rate limiter: the direct
// peer, unless that peer is a trusted proxy, in which case the nearest
// untrusted hop in X-Forwarded-For.
func (s *Server) clientIP(r *http.Request) string {
	remoteIP, ok := normalizeIP(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if len(s.opts.TrustedProxies) == 0 || !s.isTrustedProxy(remoteIP) {
		return remoteIP
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return remoteIP
	}

	var chain []string
	for _, part := range strings.Split(forwarded, ",") {
		if ip, ok := normalizeIP(part); ok {
			chain = append(chain, ip)
		}
	}
	if len(chain) == 0 {
		return remoteIP
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if !s.isTrustedProxy(chain[i]) {
			return chain[i]
		}
	}
	// Every hop is one of ours; the first is the closest we have to a client.
	return chain[0]
}

func (s *Server) isTrustedProxy(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range s.opts.TrustedProxies {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func normalizeIP(raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	value = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")

	parsed := net.ParseIP(value)
	if parsed == nil {
		return "", false
	}
	return parsed.String(), true
}

// checkOrigin admits a websocket upgrade. Native apps send no Origin header
// and are always admitted; browsers must match the allow-list when one is
// configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	got, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if want, ok := normalizeOrigin(allowed); ok && want == got {
			return true
		}
	}
	log.Debugw("websocket origin refused", "origin", origin)
	return false
}

func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
