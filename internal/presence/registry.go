// Package presence tracks which identity is bound to which live session and
// fans out online/offline changes to the sessions watching them.
package presence

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("presence")

// Conn is the part of a live session the core needs: a stable handle and a
// non-blocking way to queue an event for it. Emit reports false when the
// event was dropped (closed session or full queue).
type Conn interface {
	ID() string
	Emit(event string, data any) bool
}

// Registry maps an identity to its single live session.
type Registry struct {
	mu         sync.Mutex
	byIdentity map[string]Conn
	bySession  map[string]string // session ID -> identity it last registered
}

func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]Conn),
		bySession:  make(map[string]string),
	}
}

// Register binds identity to conn, replacing any other session's binding
// without telling it. If conn was previously bound to a different identity
// and still held it, that binding is released and its identity returned.
func (r *Registry) Register(identity string, conn Conn) (released string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid := conn.ID()
	if prev, ok := r.bySession[sid]; ok && prev != identity {
		if cur, ok := r.byIdentity[prev]; ok && cur.ID() == sid {
			delete(r.byIdentity, prev)
			released = prev
		}
	}
	r.byIdentity[identity] = conn
	r.bySession[sid] = identity
	return released
}

// Lookup returns the session currently bound to identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byIdentity[identity]
	return c, ok
}

// Online reports whether identity has a live binding.
func (r *Registry) Online(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

// IdentityOf returns the identity sessionID last registered.
func (r *Registry) IdentityOf(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[sessionID]
	return id, ok
}

// Holds returns conn's identity if conn is still its current holder.
func (r *Registry) Holds(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holdsLocked(conn.ID())
}

func (r *Registry) holdsLocked(sid string) (string, bool) {
	id, ok := r.bySession[sid]
	if !ok {
		return "", false
	}
	cur, ok := r.byIdentity[id]
	if !ok || cur.ID() != sid {
		return id, false
	}
	return id, true
}

// Unregister forgets conn. The identity binding is removed only while conn
// still holds it, so a late disconnect of a superseded session cannot erase
// the binding of the session that replaced it.
func (r *Registry) Unregister(conn Conn) (identity string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid := conn.ID()
	identity, removed = r.holdsLocked(sid)
	if removed {
		delete(r.byIdentity, identity)
	}
	delete(r.bySession, sid)
	return identity, removed
}

// Count returns the number of bound identities.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIdentity)
}
