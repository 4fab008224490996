package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Decode for frames that do not fit the schema.
var ErrMalformed = errors.New("malformed frame")

// Inbound is one decoded client event. The set of implementations is closed.
type Inbound interface {
	Kind() string
	inbound()
}

type Register struct {
	Identity string
}

type SubscribePresence struct {
	Identities []string
}

// PeerEvent covers the point-to-point events addressed by identity that carry
// no extra fields: request/accept/reject-connection and call-accepted,
// call-rejected, call-ended.
type PeerEvent struct {
	Event string
	To    string
	From  string
}

type CallRequest struct {
	To       string
	From     string
	CallType string
}

type Join struct {
	Room string
}

// RoomMessage is an auth or signal event forwarded to the other room members.
type RoomMessage struct {
	Event   string
	Room    string
	Payload json.RawMessage
}

func (Register) Kind() string          { return EvRegister }
func (SubscribePresence) Kind() string { return EvSubscribePresence }
func (e PeerEvent) Kind() string       { return e.Event }
func (CallRequest) Kind() string       { return EvCallRequest }
func (Join) Kind() string              { return EvJoin }
func (e RoomMessage) Kind() string     { return e.Event }

func (Register) inbound()          {}
func (SubscribePresence) inbound() {}
func (PeerEvent) inbound()         {}
func (CallRequest) inbound()       {}
func (Join) inbound()              {}
func (RoomMessage) inbound()       {}

type peerBody struct {
	To       string `json:"to"`
	From     string `json:"from"`
	CallType string `json:"callType"`
}

// Decode parses one wire frame into its typed event.
func Decode(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch f.Event {
	case EvRegister:
		var id string
		if err := json.Unmarshal(f.Data, &id); err != nil {
			return nil, fmt.Errorf("%w: register expects an identity string", ErrMalformed)
		}
		id, err := identity(id, "identity")
		if err != nil {
			return nil, err
		}
		return Register{Identity: id}, nil

	case EvSubscribePresence:
		var ids []string
		if len(f.Data) > 0 && string(f.Data) != "null" {
			if err := json.Unmarshal(f.Data, &ids); err != nil {
				return nil, fmt.Errorf("%w: subscribe-to-presence expects a string array", ErrMalformed)
			}
		}
		if len(ids) > MaxSubscriptions {
			return nil, fmt.Errorf("%w: too many identities (%d)", ErrMalformed, len(ids))
		}
		out := make([]string, 0, len(ids))
		for _, raw := range ids {
			id, err := identity(raw, "identity")
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return SubscribePresence{Identities: out}, nil

	case EvRequestConnection, EvAcceptConnection, EvRejectConnection,
		EvCallAccepted, EvCallRejected, EvCallEnded:
		b, err := decodePeer(f)
		if err != nil {
			return nil, err
		}
		return PeerEvent{Event: f.Event, To: b.To, From: b.From}, nil

	case EvCallRequest:
		b, err := decodePeer(f)
		if err != nil {
			return nil, err
		}
		ct := strings.TrimSpace(b.CallType)
		if len(ct) > MaxCallTypeLen {
			return nil, fmt.Errorf("%w: callType too long", ErrMalformed)
		}
		return CallRequest{To: b.To, From: b.From, CallType: ct}, nil

	case EvJoin:
		var room string
		if err := json.Unmarshal(f.Data, &room); err != nil {
			return nil, fmt.Errorf("%w: join expects a room string", ErrMalformed)
		}
		room, err := roomID(room)
		if err != nil {
			return nil, err
		}
		return Join{Room: room}, nil

	case EvAuth, EvSignal:
		var body RoomPayload
		if err := json.Unmarshal(f.Data, &body); err != nil {
			return nil, fmt.Errorf("%w: %s expects {room, payload}", ErrMalformed, f.Event)
		}
		room, err := roomID(body.Room)
		if err != nil {
			return nil, err
		}
		payload := body.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		return RoomMessage{Event: f.Event, Room: room, Payload: payload}, nil

	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformed, f.Event)
	}
}

func decodePeer(f Frame) (peerBody, error) {
	var b peerBody
	if err := json.Unmarshal(f.Data, &b); err != nil {
		return b, fmt.Errorf("%w: %s expects {to, from}", ErrMalformed, f.Event)
	}
	var err error
	if b.To, err = identity(b.To, "to"); err != nil {
		return b, err
	}
	if b.From, err = identity(b.From, "from"); err != nil {
		return b, err
	}
	return b, nil
}

func identity(raw, field string) (string, error) {
	id := NormalizeIdentity(raw)
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", ErrMalformed, field)
	}
	if len(id) > MaxIdentityLen {
		return "", fmt.Errorf("%w: %s too long", ErrMalformed, field)
	}
	return id, nil
}

func roomID(raw string) (string, error) {
	room := strings.TrimSpace(raw)
	if room == "" {
		return "", fmt.Errorf("%w: room is required", ErrMalformed)
	}
	if len(room) > MaxRoomLen {
		return "", fmt.Errorf("%w: room too long", ErrMalformed)
	}
	return room, nil
}
