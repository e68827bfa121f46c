package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/studylane/studylane/go/internal/models"
)

// EventType enumerates the events a session surfaces to the UI layer.
type EventType string

const (
	EventTypeState               EventType = "State"
	EventTypeBreakRequested      EventType = "BreakRequested"
	EventTypeBreakApproved       EventType = "BreakApproved"
	EventTypeBreakRejected       EventType = "BreakRejected"
	EventTypeBreakRequestExpired EventType = "BreakRequestExpired"
	EventTypeReaction            EventType = "Reaction"
	EventTypeGameOver            EventType = "GameOver"
)

// Event is one UI-facing notification from a session.
type Event struct {
	Type   EventType `json:"type"`
	DuelID string    `json:"duel_id"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

// StatePayload is the periodic dual-timer display snapshot, emitted once
// per tick.
type StatePayload struct {
	SelfElapsedSec int64      `json:"self_elapsed_sec"`
	PeerElapsedSec int64      `json:"peer_elapsed_sec"`
	SelfOnBreak    bool       `json:"self_on_break"`
	PeerOnBreak    bool       `json:"peer_on_break"`
	PeerAlive      bool       `json:"peer_alive"`
	BreakPhase     BreakPhase `json:"break_phase"`
	BreakEndsAt    *time.Time `json:"break_ends_at,omitempty"`
}

// BreakRequestedPayload prompts the receiving participant for an
// accept/reject decision.
type BreakRequestedPayload struct {
	FromID   string `json:"from_id"`
	FromName string `json:"from_name"`
	Minutes  int    `json:"minutes"`
}

// BreakApprovedEventPayload announces the synchronized pause window.
type BreakApprovedEventPayload struct {
	Until time.Time `json:"until"`
}

// ReactionEventPayload renders a transient animated reaction.
type ReactionEventPayload struct {
	FromID string `json:"from_id"`
	Emoji  string `json:"emoji"`
	// TTL tells the view how long to animate before discarding.
	TTLMillis int64 `json:"ttl_millis"`
}

// GameOverPayload is the terminal win/loss summary.
type GameOverPayload struct {
	WinnerID string           `json:"winner_id"`
	Won      bool             `json:"won"`
	Reason   models.EndReason `json:"reason"`
}

func (s *Session) emit(t EventType, data any) {
	ev := Event{
		Type:   t,
		DuelID: s.duelID.String(),
		At:     s.clock.Now(),
		Data:   data,
	}
	select {
	case s.events <- ev:
	default:
		// The UI fell behind; state events are re-emitted every tick so
		// dropping is safe.
	}
}

func reactionEvent(from uuid.UUID, r Reaction) ReactionEventPayload {
	return ReactionEventPayload{
		FromID:    from.String(),
		Emoji:     r.Emoji(),
		TTLMillis: reactionTTL.Milliseconds(),
	}
}
