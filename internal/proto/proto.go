// Package proto defines the events exchanged over the real-time channel.
//
// Every frame is a JSON object {"event": name, "data": payload}. Inbound
// frames are decoded into a closed set of typed events by Decode; anything
// that does not match the schema of its kind is rejected there, so handlers
// never inspect raw payload shapes.
package proto

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Client to server.
const (
	EvRegister          = "register"
	EvSubscribePresence = "subscribe-to-presence"
	EvRequestConnection = "request-connection"
	EvAcceptConnection  = "accept-connection"
	EvRejectConnection  = "reject-connection"
	EvCallRequest       = "call-request"
	EvCallAccepted      = "call-accepted"
	EvCallRejected      = "call-rejected"
	EvCallEnded         = "call-ended"
	EvJoin              = "join"
	EvAuth              = "auth"
	EvSignal            = "signal"
)

// Server to client. call-accepted, call-rejected, call-ended, auth and signal
// keep the same name in both directions.
const (
	EvRegistered         = "registered"
	EvPresenceUpdate     = "presence-update"
	EvPresenceInitial    = "presence-initial-status"
	EvIncomingRequest    = "incoming-request"
	EvConnectionAccepted = "connection-accepted"
	EvConnectionRejected = "connection-rejected"
	EvIncomingCall       = "incoming-call"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Bounds applied by Decode.
const (
	MaxIdentityLen   = 1024
	MaxRoomLen       = 256
	MaxCallTypeLen   = 32
	MaxSubscriptions = 512
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is the envelope used when encoding server events.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type Registered struct {
	Status string `json:"status"`
}

type PresenceUpdate struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
}

// FromPeer is the payload of every point-to-point event that only names the sender.
type FromPeer struct {
	From string `json:"from"`
}

type IncomingCall struct {
	From     string `json:"from"`
	CallType string `json:"callType"`
}

// RoomPayload carries an opaque handshake/negotiation payload scoped to a room.
type RoomPayload struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// NormalizeIdentity strips every whitespace rune. Two identities that differ
// only in whitespace are the same identity.
func NormalizeIdentity(s string) string {
	if strings.IndexFunc(s, unicode.IsSpace) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
