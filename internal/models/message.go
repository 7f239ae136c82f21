package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalType tags a signaling message on the wire.
type SignalType string

const (
	// Client -> server.
	SignalTypeJoin      SignalType = "mesh-join"
	SignalTypeLeave     SignalType = "mesh-leave"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeSync      SignalType = "sync"

	// Server -> client.
	SignalTypeWelcome   SignalType = "welcome"
	SignalTypePeers     SignalType = "mesh-peers"
	SignalTypePeerJoin  SignalType = "peer-joined"
	SignalTypePeerLeft  SignalType = "peer-left"
	SignalTypeCount     SignalType = "participant-count"
	SignalTypeError     SignalType = "error"
)

// Modality selects which mesh of a room a message concerns.
type Modality string

const (
	ModalityVoice Modality = "voice"
	ModalityVideo Modality = "video"
)

func (m Modality) Valid() bool {
	return m == ModalityVoice || m == ModalityVideo
}

// Error codes carried on SignalTypeError messages.
const (
	CodeCapacityExceeded  = "capacity_exceeded"
	CodeTargetUnavailable = "target_unavailable"
	CodeValidation        = "validation_error"
)

var errUnknownType = errors.New("unknown message type")

// SignalMessage is the single wire envelope exchanged over the signaling
// socket. Payload is opaque to the relay: offers, answers and candidates are
// forwarded verbatim.
type SignalMessage struct {
	Type     SignalType      `json:"type"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	RoomID   string          `json:"roomId,omitempty"`
	Modality Modality        `json:"modality,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Peers    []string        `json:"peers,omitempty"`
	Count    int             `json:"count,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ParseInbound decodes and validates a client-origin message. Anything that
// fails here is rejected without being forwarded.
func ParseInbound(data []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SignalMessage{}, err
	}
	if err := msg.ValidateInbound(); err != nil {
		return SignalMessage{}, err
	}
	return msg, nil
}

// ValidateInbound enforces the per-type field discipline for messages a
// client is allowed to send.
func (m SignalMessage) ValidateInbound() error {
	switch m.Type {
	case SignalTypeJoin, SignalTypeLeave:
		if !m.Modality.Valid() {
			return fmt.Errorf("%s message has invalid modality %q", m.Type, m.Modality)
		}
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		if m.To == "" {
			return fmt.Errorf("%s message missing target", m.Type)
		}
		if !m.Modality.Valid() {
			return fmt.Errorf("%s message has invalid modality %q", m.Type, m.Modality)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", m.Type)
		}
	case SignalTypeSync:
		if len(m.Payload) == 0 {
			return fmt.Errorf("sync message missing payload")
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownType, m.Type)
	}
	return nil
}
