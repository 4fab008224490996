// Package relay forwards connection-setup and call-control events between
// identities, and opaque auth/signal payloads between room members. It holds
// no state of its own besides room membership: addressing goes through the
// presence registry at the moment each event arrives.
package relay

import (
	"context"
	"encoding/json"
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syrja/internal/metrics"
	"github.com/petervdpas/syrja/internal/presence"
	"github.com/petervdpas/syrja/internal/proto"
	"github.com/petervdpas/syrja/internal/ratelimit"
	"github.com/petervdpas/syrja/internal/util"
	"github.com/petervdpas/syrja/internal/wakeup"
)

var log = logging.Logger("relay")

// Result reports what happened to one relayed event. Peers never see it.
type Result int

const (
	Delivered Result = iota
	Dropped
	Denied
	WakeSent
	WakeFailed
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	case Denied:
		return "denied"
	case WakeSent:
		return "wake_sent"
	case WakeFailed:
		return "wake_failed"
	default:
		return "unknown"
	}
}

type Relay struct {
	registry *presence.Registry
	limiter  *ratelimit.Limiter
	wake     wakeup.Notifier
	rooms    *Rooms
	metrics  *metrics.Metrics
}

// New wires a relay. wake may be nil, in which case offline targets are
// never woken.
func New(registry *presence.Registry, limiter *ratelimit.Limiter, wake wakeup.Notifier, m *metrics.Metrics) *Relay {
	if wake == nil {
		wake = wakeup.Disabled{}
	}
	return &Relay{
		registry: registry,
		limiter:  limiter,
		wake:     wake,
		rooms:    NewRooms(),
		metrics:  m,
	}
}

func (r *Relay) Rooms() *Rooms { return r.rooms }

// RequestConnection asks `to` to connect back to `from`. The origin address
// is charged against the shared rate window first. When `to` has no live
// session a wake-up notice goes to its push endpoint, if it has one.
func (r *Relay) RequestConnection(ctx context.Context, origin, to, from string) Result {
	if !r.limiter.Allow(origin) {
		r.metrics.RateLimited()
		log.Debugw("request-connection rate limited", "origin", origin)
		return r.record(proto.EvRequestConnection, Denied)
	}

	if res, bound := r.deliver(proto.EvIncomingRequest, to, proto.FromPeer{From: from}); bound {
		return r.record(proto.EvRequestConnection, res)
	}
	return r.record(proto.EvRequestConnection, r.wakeUp(ctx, to))
}

func (r *Relay) AcceptConnection(to, from string) Result {
	return r.forward(proto.EvAcceptConnection, proto.EvConnectionAccepted, to, proto.FromPeer{From: from})
}

func (r *Relay) RejectConnection(to, from string) Result {
	return r.forward(proto.EvRejectConnection, proto.EvConnectionRejected, to, proto.FromPeer{From: from})
}

func (r *Relay) CallRequest(to, from, callType string) Result {
	return r.forward(proto.EvCallRequest, proto.EvIncomingCall, to, proto.IncomingCall{From: from, CallType: callType})
}

func (r *Relay) CallAccepted(to, from string) Result {
	return r.forward(proto.EvCallAccepted, proto.EvCallAccepted, to, proto.FromPeer{From: from})
}

func (r *Relay) CallRejected(to, from string) Result {
	return r.forward(proto.EvCallRejected, proto.EvCallRejected, to, proto.FromPeer{From: from})
}

func (r *Relay) CallEnded(to, from string) Result {
	return r.forward(proto.EvCallEnded, proto.EvCallEnded, to, proto.FromPeer{From: from})
}

// Peer dispatches a decoded point-to-point event that carries only to/from.
// request-connection is not accepted here because it needs the origin.
func (r *Relay) Peer(ev proto.PeerEvent) Result {
	switch ev.Event {
	case proto.EvAcceptConnection:
		return r.AcceptConnection(ev.To, ev.From)
	case proto.EvRejectConnection:
		return r.RejectConnection(ev.To, ev.From)
	case proto.EvCallAccepted:
		return r.CallAccepted(ev.To, ev.From)
	case proto.EvCallRejected:
		return r.CallRejected(ev.To, ev.From)
	case proto.EvCallEnded:
		return r.CallEnded(ev.To, ev.From)
	default:
		log.Debugw("unroutable peer event", "event", ev.Event)
		return Dropped
	}
}

// JoinRoom adds conn to roomID. Anyone may join any room.
func (r *Relay) JoinRoom(conn presence.Conn, roomID string) {
	r.rooms.Join(conn, roomID)
}

// RelayToRoom forwards an auth or signal payload to every other member of
// roomID. The sender does not need to be a member.
func (r *Relay) RelayToRoom(conn presence.Conn, roomID, event string, payload json.RawMessage) Result {
	res := Dropped
	if r.rooms.Broadcast(conn, roomID, event, payload) > 0 {
		res = Delivered
	}
	return r.record(event, res)
}

// LeaveAll drops every room membership held by sessionID.
func (r *Relay) LeaveAll(sessionID string) {
	r.rooms.LeaveAll(sessionID)
}

func (r *Relay) forward(inbound, outbound, to string, data any) Result {
	res, _ := r.deliver(outbound, to, data)
	return r.record(inbound, res)
}

// deliver emits to the session bound to `to` right now. bound is false when
// nobody holds the identity.
func (r *Relay) deliver(event, to string, data any) (res Result, bound bool) {
	conn, ok := r.registry.Lookup(to)
	if !ok {
		log.Debugw("target offline", "event", event, "to", util.Fingerprint(to))
		return Dropped, false
	}
	if !conn.Emit(event, data) {
		log.Debugw("send queue full, event dropped", "event", event, "to", util.Fingerprint(to))
		return Dropped, true
	}
	return Delivered, true
}

func (r *Relay) wakeUp(ctx context.Context, to string) Result {
	ep, err := r.wake.Lookup(ctx, to)
	if errors.Is(err, wakeup.ErrNoEndpoint) {
		return Dropped
	}
	if err != nil {
		log.Warnw("wake-up lookup failed", "to", util.Fingerprint(to), "err", err)
		return WakeFailed
	}

	if err := r.wake.Send(ctx, ep); err != nil {
		if errors.Is(err, wakeup.ErrGone) {
			if rmErr := r.wake.Remove(ctx, to); rmErr != nil {
				log.Warnw("removing expired wake-up endpoint", "to", util.Fingerprint(to), "err", rmErr)
			} else {
				log.Infow("wake-up endpoint expired, removed", "to", util.Fingerprint(to))
			}
		} else {
			log.Warnw("wake-up send failed", "to", util.Fingerprint(to), "err", err)
		}
		return WakeFailed
	}

	log.Debugw("wake-up sent", "to", util.Fingerprint(to))
	return WakeSent
}

func (r *Relay) record(event string, res Result) Result {
	r.metrics.Relayed(event, res.String())
	return res
}
