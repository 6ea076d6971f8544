package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// EventName identifies a protocol event. The set is closed: inbound dispatch
// goes through a single table keyed by these constants, so adding an event is
// a compile-time-checked change.
type EventName string

// Client -> server events.
const (
	EventAuthRequest             EventName = "auth-request"
	EventRoomCreateRequest       EventName = "room-create-request"
	EventRoomJoinRequest         EventName = "room-join-request"
	EventRoomJoinAccept          EventName = "room-join-accept"
	EventRoomJoinReject          EventName = "room-join-reject"
	EventRelayICECandidate       EventName = "relay-ice-candidate"
	EventRelaySessionDescription EventName = "relay-session-description"
)

// Server -> client events. Room lifecycle answers reuse the request names.
const (
	EventUnauthorized       EventName = "unauthorized"
	EventAuthAccept         EventName = "auth-accept"
	EventAuthReject         EventName = "auth-reject"
	EventRoomCreateAccept   EventName = "room-create-accept"
	EventRoomCreateReject   EventName = "room-create-reject"
	EventRoomUserJoin       EventName = "room-user-join"
	EventRoomUserLeave      EventName = "room-user-leave"
	EventICECandidate       EventName = "ice-candidate"
	EventSessionDescription EventName = "session-description"
)

// envelope is the wire frame for every message in both directions.
type envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// parseEnvelope decodes an inbound frame. The frame itself is strict (exactly
// one JSON object, no unknown top-level keys); event payloads are decoded
// permissively by their handlers.
func parseEnvelope(data []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return envelope{}, err
	}
	if env.Event == "" {
		return envelope{}, fmt.Errorf("missing event name")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// authedRequest extracts the session token shared by every authenticated
// request shape.
type authedRequest struct {
	Auth string `json:"auth"`
}

type authRequest struct {
	Token    string          `json:"token"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	PeerInfo json.RawMessage `json:"peerinfo,omitempty"`
}

type roomCreateRequest struct {
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Auth    string          `json:"auth"`
}

type roomJoinRequest struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Auth    string          `json:"auth"`
}

type roomJoinDecision struct {
	PeerID  string          `json:"peer_id"`
	Room    string          `json:"room"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Auth    string          `json:"auth"`
}

type relayICECandidate struct {
	To           string                  `json:"to"`
	Room         string                  `json:"room,omitempty"`
	ICECandidate webrtc.ICECandidateInit `json:"ice_candidate"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
	Auth         string                  `json:"auth"`
}

type relaySessionDescription struct {
	To                 string                    `json:"to"`
	Room               string                    `json:"room,omitempty"`
	SessionDescription webrtc.SessionDescription `json:"session_description"`
	Payload            json.RawMessage           `json:"payload,omitempty"`
	Auth               string                    `json:"auth"`
}

// Server -> client payloads.

type unauthorizedEvent struct {
	Message string `json:"message"`
}

type authAcceptEvent struct {
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type authRejectEvent struct {
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type roomCreateAcceptEvent struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type roomCreateRejectEvent struct {
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type roomJoinRequestEvent struct {
	Room     string          `json:"room"`
	PeerID   string          `json:"peer_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	PeerInfo json.RawMessage `json:"peerinfo,omitempty"`
}

type roomJoinAcceptEvent struct {
	Room      string                     `json:"room"`
	PeerID    string                     `json:"peer_id"`
	Peers     []string                   `json:"peers"`
	PeersInfo map[string]json.RawMessage `json:"peersinfo"`
	Payload   json.RawMessage            `json:"payload,omitempty"`
}

type roomJoinRejectEvent struct {
	Room    string          `json:"room,omitempty"`
	PeerID  string          `json:"peer_id,omitempty"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type roomUserJoinEvent struct {
	Room     string          `json:"room"`
	PeerID   string          `json:"peer_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	PeerInfo json.RawMessage `json:"peerinfo,omitempty"`
}

type roomUserLeaveEvent struct {
	Room     string          `json:"room"`
	PeerID   string          `json:"peer_id"`
	PeerInfo json.RawMessage `json:"peerinfo,omitempty"`
}

type iceCandidateEvent struct {
	PeerID       string                  `json:"peer_id"`
	ICECandidate webrtc.ICECandidateInit `json:"ice_candidate"`
	Room         string                  `json:"room,omitempty"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
}

type sessionDescriptionEvent struct {
	PeerID             string                    `json:"peer_id"`
	SessionDescription webrtc.SessionDescription `json:"session_description"`
	Room               string                    `json:"room,omitempty"`
	Payload            json.RawMessage           `json:"payload,omitempty"`
}

// clusterJoinAccept is the server-side rebroadcast payload for
// room-join-accept; whichever instance owns the requesting connection performs
// the join.
type clusterJoinAccept struct {
	PeerID  string          `json:"peer_id"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
