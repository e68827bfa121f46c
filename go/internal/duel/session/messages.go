package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates every coordination message carried on a duel
// channel. The set is closed; unknown types are dropped on receipt.
type MessageType string

const (
	MessageTypeHeartbeat     MessageType = "heartbeat"
	MessageTypeBreakRequest  MessageType = "break_request"
	MessageTypeBreakApproved MessageType = "break_approved"
	MessageTypeBreakRejected MessageType = "break_rejected"
	MessageTypeSurrender     MessageType = "surrender"
	MessageTypeReaction      MessageType = "reaction"
)

// Envelope is the wire frame for all coordination messages. Messages are
// self-describing and idempotent under re-delivery; receivers ignore any
// envelope whose FromID equals their own id.
type Envelope struct {
	Type   MessageType     `json:"type"`
	DuelID string          `json:"duel_id"`
	FromID string          `json:"from_id"`
	SentAt time.Time       `json:"sent_at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// HeartbeatPayload is the periodic presence-and-state broadcast. It is the
// sole liveness signal between participants.
type HeartbeatPayload struct {
	ElapsedSec int64 `json:"elapsed_sec"`
	OnBreak    bool  `json:"on_break"`
}

// BreakRequestPayload asks the peer to approve a mutual pause.
type BreakRequestPayload struct {
	FromName string `json:"from_name"`
	Minutes  int    `json:"minutes"`
}

// BreakApprovedPayload grants a pause until an absolute wall-clock instant.
// Carrying the absolute end rather than a relative duration makes both
// sides converge on the same end regardless of delivery latency.
type BreakApprovedPayload struct {
	Until time.Time `json:"until"`
}

// BreakRejectedPayload declines a pause request.
type BreakRejectedPayload struct{}

// SurrenderPayload announces a unilateral voluntary stop.
type SurrenderPayload struct {
	ElapsedSec int64 `json:"elapsed_sec"`
}

// ReactionPayload carries a cosmetic, non-authoritative reaction.
type ReactionPayload struct {
	Reaction Reaction `json:"reaction"`
}

// Reaction is the closed set of reactions a participant may send. Keeping
// the set an exhaustively matched enum means no string-keyed icon lookup
// can fail at runtime.
type Reaction string

const (
	ReactionFire   Reaction = "fire"
	ReactionClap   Reaction = "clap"
	ReactionSleepy Reaction = "sleepy"
	ReactionSweat  Reaction = "sweat"
	ReactionTrophy Reaction = "trophy"
)

// Valid reports whether r is a known reaction.
func (r Reaction) Valid() bool {
	switch r {
	case ReactionFire, ReactionClap, ReactionSleepy, ReactionSweat, ReactionTrophy:
		return true
	}
	return false
}

// Emoji returns the glyph rendered for the reaction.
func (r Reaction) Emoji() string {
	switch r {
	case ReactionFire:
		return "🔥"
	case ReactionClap:
		return "👏"
	case ReactionSleepy:
		return "😴"
	case ReactionSweat:
		return "😅"
	case ReactionTrophy:
		return "🏆"
	}
	return ""
}

// newEnvelope marshals payload into a ready-to-publish envelope.
func newEnvelope(t MessageType, duelID, fromID uuid.UUID, sentAt time.Time, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		data = b
	}

	env := Envelope{
		Type:   t,
		DuelID: duelID.String(),
		FromID: fromID.String(),
		SentAt: sentAt,
		Data:   data,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", t, err)
	}
	return b, nil
}

// ParsePayload parses an envelope's data into the payload struct for its
// type. Unknown types return nil, nil and are dropped by the caller.
func ParsePayload(env *Envelope) (any, error) {
	switch env.Type {
	case MessageTypeHeartbeat:
		var payload HeartbeatPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageTypeBreakRequest:
		var payload BreakRequestPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageTypeBreakApproved:
		var payload BreakApprovedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageTypeBreakRejected:
		return BreakRejectedPayload{}, nil

	case MessageTypeSurrender:
		var payload SurrenderPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case MessageTypeReaction:
		var payload ReactionPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown message type
	}
}
