package presence

import (
	"sort"
	"sync"

	"github.com/petervdpas/syrja/internal/proto"
)

// Index is the bidirectional map between subscriber sessions and the
// identities they watch. Both directions are updated under one lock so they
// never disagree.
type Index struct {
	mu       sync.Mutex
	watching map[string]map[string]struct{} // session ID -> watched identities
	watchers map[string]map[string]Conn     // identity -> session ID -> session
}

func NewIndex() *Index {
	return &Index{
		watching: make(map[string]map[string]struct{}),
		watchers: make(map[string]map[string]Conn),
	}
}

// Subscribe replaces conn's whole watch-set with identities. Only the
// symmetric difference against the previous set touches the per-identity
// lists; lists that become empty are deleted.
func (x *Index) Subscribe(conn Conn, identities []string) {
	sid := conn.ID()
	next := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		next[id] = struct{}{}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	prev := x.watching[sid]
	for id := range prev {
		if _, keep := next[id]; !keep {
			x.dropWatcherLocked(id, sid)
		}
	}
	for id := range next {
		if _, had := prev[id]; had {
			continue
		}
		set, ok := x.watchers[id]
		if !ok {
			set = make(map[string]Conn)
			x.watchers[id] = set
		}
		set[sid] = conn
	}

	if len(next) == 0 {
		delete(x.watching, sid)
	} else {
		x.watching[sid] = next
	}
}

// Notify queues a presence-update for every session watching identity and
// returns how many were queued. Recipients are collected under the lock and
// emitted after it is released.
func (x *Index) Notify(identity, status string) int {
	x.mu.Lock()
	targets := make([]Conn, 0, len(x.watchers[identity]))
	for _, c := range x.watchers[identity] {
		targets = append(targets, c)
	}
	x.mu.Unlock()

	update := proto.PresenceUpdate{Identity: identity, Status: status}
	sent := 0
	for _, c := range targets {
		if c.Emit(proto.EvPresenceUpdate, update) {
			sent++
		}
	}
	return sent
}

// Cleanup removes sessionID from every identity it watches.
func (x *Index) Cleanup(sessionID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for id := range x.watching[sessionID] {
		x.dropWatcherLocked(id, sessionID)
	}
	delete(x.watching, sessionID)
}

func (x *Index) dropWatcherLocked(identity, sid string) {
	set := x.watchers[identity]
	delete(set, sid)
	if len(set) == 0 {
		delete(x.watchers, identity)
	}
}

// Watchers returns the sorted session IDs watching identity.
func (x *Index) Watchers(identity string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, 0, len(x.watchers[identity]))
	for sid := range x.watchers[identity] {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Watching returns the sorted identities sessionID watches.
func (x *Index) Watching(sessionID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, 0, len(x.watching[sessionID]))
	for id := range x.watching[sessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats returns the number of subscribing sessions and watched identities.
func (x *Index) Stats() (sessions, identities int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.watching), len(x.watchers)
}
