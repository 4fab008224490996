package presence

import (
	"sync"

	"github.com/petervdpas/syrja/internal/proto"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []proto.Outbound
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, data any) bool {
	c.mu.Lock()
	c.events = append(c.events, proto.Outbound{Event: event, Data: data})
	c.mu.Unlock()
	return true
}

func (c *fakeConn) updates() []proto.PresenceUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []proto.PresenceUpdate
	for _, e := range c.events {
		if e.Event == proto.EvPresenceUpdate {
			out = append(out, e.Data.(proto.PresenceUpdate))
		}
	}
	return out
}
