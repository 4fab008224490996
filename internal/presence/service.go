package presence

import (
	"sync"

	"github.com/petervdpas/syrja/internal/proto"
	"github.com/petervdpas/syrja/internal/util"
)

// Service ties the Registry and the Index together and owns the order of
// side effects for register, subscribe and disconnect.
type Service struct {
	Registry *Registry
	Index    *Index

	// Serialises binding changes with their notifications, so watchers see
	// online/offline in the order the bindings actually changed. Notify only
	// enqueues without blocking.
	mu sync.Mutex
}

func NewService(reg *Registry, idx *Index) *Service {
	return &Service{Registry: reg, Index: idx}
}

// Register binds identity to conn and tells its watchers it is online. If
// conn gave up an earlier identity by re-registering, that identity's
// watchers hear it went offline.
func (s *Service) Register(identity string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := s.Registry.Register(identity, conn)
	if released != "" {
		s.Index.Notify(released, proto.StatusOffline)
	}
	n := s.Index.Notify(identity, proto.StatusOnline)
	log.Debugw("registered", "identity", util.Fingerprint(identity), "session", conn.ID(), "watchers", n)
}

// Subscribe replaces conn's watch-set and returns the requested identities
// that are online right now, deduplicated, in request order. It is a one-off
// snapshot; later changes arrive only as presence updates.
func (s *Service) Subscribe(conn Conn, identities []string) []string {
	s.Index.Subscribe(conn, identities)

	seen := make(map[string]struct{}, len(identities))
	online := make([]string, 0, len(identities))
	for _, id := range identities {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if s.Registry.Online(id) {
			online = append(online, id)
		}
	}
	return online
}

// Disconnect runs the teardown of a closed session: offline notification
// (only while conn still holds its identity), subscription cleanup, then
// unregister.
func (s *Service) Disconnect(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identity, held := s.Registry.Holds(conn); held {
		n := s.Index.Notify(identity, proto.StatusOffline)
		log.Debugw("offline", "identity", util.Fingerprint(identity), "session", conn.ID(), "watchers", n)
	}
	s.Index.Cleanup(conn.ID())
	s.Registry.Unregister(conn)
}
