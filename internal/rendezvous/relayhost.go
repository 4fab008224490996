package rendezvous

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"
)

// RelayInfo describes the circuit relay v2 host that peers fall back to when
// a direct WebRTC path cannot be punched.
type RelayInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// StartRelay creates a libp2p host that acts as a circuit relay v2 server.
// externalURL, if set, is used to derive the public IP so WAN peers get a
// reachable address (e.g. /ip4/<public>/tcp/<port>/p2p/<id>).
func StartRelay(port int, keyFile string, externalURL string) (host.Host, *RelayInfo, error) {
	priv, err := loadOrCreateRelayKey(keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("relay key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port)),
		libp2p.EnableRelayService(),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("relay host: %w", err)
	}

	info := &RelayInfo{PeerID: h.ID().String()}
	p2p, err := ma.NewMultiaddr("/p2p/" + h.ID().String())
	if err != nil {
		_ = h.Close()
		return nil, nil, fmt.Errorf("relay peer addr: %w", err)
	}
	for _, a := range h.Addrs() {
		info.Addrs = append(info.Addrs, a.Encapsulate(p2p).String())
	}

	if externalURL != "" {
		if pub, err := publicRelayAddr(externalURL, port); err != nil {
			log.Warnw("no public relay address", "external_url", externalURL, "err", err)
		} else {
			info.Addrs = append([]string{pub.Encapsulate(p2p).String()}, info.Addrs...)
		}
	}

	log.Infow("circuit relay listening", "port", port, "peer", info.PeerID, "addrs", len(info.Addrs))
	return h, info, nil
}

// publicRelayAddr resolves the host of externalURL, preferring IPv4, and
// returns /ip4|ip6/<ip>/tcp/<port>.
func publicRelayAddr(externalURL string, port int) (ma.Multiaddr, error) {
	u, err := url.Parse(externalURL)
	if err != nil {
		return nil, err
	}
	hostname := u.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("no hostname in %q", externalURL)
	}

	ip := net.ParseIP(hostname)
	if ip == nil {
		ips, err := net.LookupIP(hostname)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("%s has no addresses", hostname)
		}
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
		if ip == nil {
			ip = ips[0]
		}
	}

	proto := "ip6"
	if ip.To4() != nil {
		proto = "ip4"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, ip.String(), port))
}

// loadOrCreateRelayKey loads an Ed25519 key from disk, or creates one. The
// key fixes the relay's peer ID, so clients can pin it across restarts.
func loadOrCreateRelayKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Warnw("corrupt relay key, generating a new one", "path", keyFile, "err", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal relay key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create relay key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("save relay key: %w", err)
	}

	log.Infow("generated relay identity key", "path", keyFile)
	return priv, nil
}

func handleRelayInfo(w http.ResponseWriter, r *http.Request, info *RelayInfo) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if info == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
