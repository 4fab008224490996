package relay

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/petervdpas/syrja/internal/presence"
	"github.com/petervdpas/syrja/internal/proto"
)

// Rooms tracks which sessions have joined which signaling rooms. A room
// exists while it has at least one member.
type Rooms struct {
	mu      sync.Mutex
	members map[string]map[string]presence.Conn // room -> session ID -> conn
	joined  map[string]map[string]struct{}      // session ID -> rooms
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]presence.Conn),
		joined:  make(map[string]map[string]struct{}),
	}
}

func (rs *Rooms) Join(conn presence.Conn, room string) {
	sid := conn.ID()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	m := rs.members[room]
	if m == nil {
		m = make(map[string]presence.Conn)
		rs.members[room] = m
	}
	m[sid] = conn

	j := rs.joined[sid]
	if j == nil {
		j = make(map[string]struct{})
		rs.joined[sid] = j
	}
	j[room] = struct{}{}
}

// Broadcast queues {room, payload} under event for every member except the
// sender and returns how many sessions accepted it.
func (rs *Rooms) Broadcast(from presence.Conn, room, event string, payload json.RawMessage) int {
	sid := from.ID()

	rs.mu.Lock()
	targets := make([]presence.Conn, 0, len(rs.members[room]))
	for id, c := range rs.members[room] {
		if id != sid {
			targets = append(targets, c)
		}
	}
	rs.mu.Unlock()

	msg := proto.RoomPayload{Room: room, Payload: payload}
	sent := 0
	for _, c := range targets {
		if c.Emit(event, msg) {
			sent++
		}
	}
	return sent
}

func (rs *Rooms) LeaveAll(sessionID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for room := range rs.joined[sessionID] {
		m := rs.members[room]
		delete(m, sessionID)
		if len(m) == 0 {
			delete(rs.members, room)
		}
	}
	delete(rs.joined, sessionID)
}

// Members returns the sorted session IDs in room.
func (rs *Rooms) Members(room string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]string, 0, len(rs.members[room]))
	for id := range rs.members[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats returns the number of live rooms and total memberships.
func (rs *Rooms) Stats() (rooms, memberships int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, m := range rs.members {
		memberships += len(m)
	}
	return len(rs.members), memberships
}
