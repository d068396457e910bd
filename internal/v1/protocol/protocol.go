// Package protocol defines the JSON wire format spoken over the signaling
// WebSocket. Every frame is a small envelope carrying an event name and an
// event-specific data object. Relay payloads (SDP offers/answers, ICE
// candidates) are kept as raw JSON so the server forwards them verbatim.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types for client -> server
const (
	EventFindPartner  = "find-partner"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventLeaveChat    = "leave-chat"
	EventSkipPartner  = "skip-partner"
)

// Event types for server -> client
const (
	EventICEServers          = "ice-servers"
	EventWaiting             = "waiting"
	EventQueueUpdate         = "queue-update"
	EventMatched             = "matched"
	EventPartnerLeft         = "partner-left"
	EventPartnerDisconnected = "partner-disconnected"
	EventLeftChat            = "left-chat"
	EventError               = "error"
)

// Parse and validation errors surfaced to the session layer.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMissingRoomID  = errors.New("missing roomId")
	ErrMissingBody    = errors.New("missing signaling body")
)

// Message is the base WebSocket message envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage wraps a payload into an envelope.
func NewMessage(event string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Event: event, Data: data}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal.
// It panics on error and is only used with struct literals defined in
// this package.
func MustMessage(event string, payload any) *Message {
	msg, err := NewMessage(event, payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", event, err))
	}
	return msg
}

// Parse decodes a raw inbound frame into an envelope. Only the envelope is
// validated here; event payloads are decoded by their handlers.
func Parse(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: empty event", ErrMalformedFrame)
	}
	return &msg, nil
}

// Encode renders the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// IsRelay reports whether the event carries peer-to-peer signaling content
// that the server forwards without interpretation.
func IsRelay(event string) bool {
	switch event {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// SignalPayload is the shared shape of offer, answer, and ice-candidate
// frames. Exactly one of Offer/Answer/Candidate is set, matching the event
// name; the server only inspects RoomID.
type SignalPayload struct {
	RoomID    string          `json:"roomId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ParseSignal decodes and validates a relay payload for the given event.
func ParseSignal(event string, data json.RawMessage) (*SignalPayload, error) {
	var p SignalPayload
	if len(data) == 0 {
		return nil, ErrMissingBody
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if p.RoomID == "" {
		return nil, ErrMissingRoomID
	}
	var body json.RawMessage
	switch event {
	case EventOffer:
		body = p.Offer
	case EventAnswer:
		body = p.Answer
	case EventICECandidate:
		body = p.Candidate
	default:
		return nil, ErrUnknownEvent
	}
	if len(body) == 0 || string(body) == "null" {
		return nil, ErrMissingBody
	}
	return &p, nil
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ICEServer describes one STUN or TURN endpoint handed to the client on
// connect. Credential fields are omitted for plain STUN.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServersPayload is sent once immediately after the connection opens.
type ICEServersPayload struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// WaitingPayload acknowledges that the client entered (or remains in)
// the matchmaking queue.
type WaitingPayload struct {
	Message string `json:"message"`
}

// QueueUpdatePayload reports the client's 1-based queue position.
type QueueUpdatePayload struct {
	Position int64 `json:"position"`
}

// MatchedPayload tells a client it has been paired. The initiator side
// creates the WebRTC offer.
type MatchedPayload struct {
	RoomID      string `json:"roomId"`
	IsInitiator bool   `json:"isInitiator"`
}

// PartnerGonePayload accompanies partner-left and partner-disconnected.
type PartnerGonePayload struct {
	Message string `json:"message"`
}

// LeftChatPayload confirms the client's own leave or skip.
type LeftChatPayload struct {
	Message string `json:"message,omitempty"`
}

// ErrorPayload for error responses.
type ErrorPayload struct {
	Message string `json:"message"`
}
