package rendezvous

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/syrja/internal/proto"
	"github.com/petervdpas/syrja/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 256
)

// wsSession is one live websocket connection. It satisfies presence.Conn:
// the core only ever sees its ID and queues events through Emit.
type wsSession struct {
	id     string
	origin string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

func newSession(conn *websocket.Conn, origin string) *wsSession {
	return &wsSession{
		id:     uuid.New().String(),
		origin: origin,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *wsSession) ID() string { return c.id }

// Emit queues one event without blocking. It reports false when the session
// is closed or its queue is full; the event is then lost.
func (c *wsSession) Emit(event string, data any) bool {
	b, err := json.Marshal(proto.Outbound{Event: event, Data: data})
	if err != nil {
		log.Errorw("encode outbound event", "event", event, "err", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess := newSession(conn, s.clientIP(r))
	s.sessions.Add(1)
	s.deps.Metrics.SessionOpened()
	log.Debugw("session opened", "session", sess.id, "origin", sess.origin)

	go s.writePump(sess)
	s.readPump(sess)
}

// readPump processes the session's frames one at a time, which is what
// keeps a single sender's events in order.
func (s *Server) readPump(sess *wsSession) {
	defer func() {
		close(sess.done)
		s.deps.Presence.Disconnect(sess)
		s.deps.Relay.LeaveAll(sess.id)
		_ = sess.conn.Close()
		s.sessions.Add(-1)
		s.deps.Metrics.SessionClosed()
		log.Debugw("session closed", "session", sess.id)
	}()

	sess.conn.SetReadLimit(maxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("websocket read error", "session", sess.id, "err", err)
			}
			return
		}
		s.dispatch(sess, msg)
	}
}

func (s *Server) writePump(sess *wsSession) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()

	for {
		select {
		case <-sess.done:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Nothing here reports back to the peer
// on failure: malformed or refused events are logged and dropped.
func (s *Server) dispatch(sess *wsSession, raw []byte) {
	ev, err := proto.Decode(raw)
	if err != nil {
		s.deps.Metrics.Frame("invalid", "malformed")
		log.Debugw("malformed frame ignored", "session", sess.id, "err", err)
		return
	}
	s.deps.Metrics.Frame(ev.Kind(), "accepted")

	switch e := ev.(type) {
	case proto.Register:
		if !s.deps.Limiter.Allow(sess.origin) {
			s.deps.Metrics.RateLimited()
			log.Debugw("register rate limited", "session", sess.id, "origin", sess.origin)
			return
		}
		s.deps.Presence.Register(e.Identity, sess)
		sess.Emit(proto.EvRegistered, proto.Registered{Status: "ok"})

	case proto.SubscribePresence:
		online := s.deps.Presence.Subscribe(sess, e.Identities)
		sess.Emit(proto.EvPresenceInitial, online)

	case proto.PeerEvent:
		if e.Event == proto.EvRequestConnection {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.WakeTimeout)
			res := s.deps.Relay.RequestConnection(ctx, sess.origin, e.To, e.From)
			cancel()
			log.Debugw("request-connection", "session", sess.id, "to", util.Fingerprint(e.To), "result", res)
			return
		}
		s.deps.Relay.Peer(e)

	case proto.CallRequest:
		s.deps.Relay.CallRequest(e.To, e.From, e.CallType)

	case proto.Join:
		s.deps.Relay.JoinRoom(sess, e.Room)

	case proto.RoomMessage:
		s.deps.Relay.RelayToRoom(sess, e.Room, e.Event, e.Payload)
	}
}
