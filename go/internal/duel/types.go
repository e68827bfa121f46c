package duel

import (
	"time"

	"github.com/google/uuid"
	"github.com/studylane/studylane/go/internal/models"
)

// CreateDuelRequest represents a challenger inviting an opponent.
type CreateDuelRequest struct {
	ChallengerID uuid.UUID `json:"challenger_id"`
	OpponentID   uuid.UUID `json:"opponent_id"`
}

// RespondDuelRequest represents the invited user accepting or declining.
type RespondDuelRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Accept bool      `json:"accept"`
}

// FinalizeDuelRequest carries the single authoritative transition of a duel
// to finished. The write is conditional on the record still being active.
type FinalizeDuelRequest struct {
	DuelID          uuid.UUID        `json:"duel_id"`
	WinnerID        uuid.UUID        `json:"winner_id"`
	Reason          models.EndReason `json:"reason"`
	FinishedAt      time.Time        `json:"finished_at"`
	LoserStoppedSec *int64           `json:"loser_stopped_sec,omitempty"`
}

// DuelList is the partitioned view served to the duel list screen.
type DuelList struct {
	// PendingReceived are invites waiting on the caller's answer.
	PendingReceived []models.Duel `json:"pending_received"`
	// PendingSent are invites the caller issued that are still open.
	PendingSent []models.Duel `json:"pending_sent"`
	// Active is the caller's running duel. At most one exists per user by
	// product convention; if the store ever holds more, the first wins.
	Active *models.Duel `json:"active,omitempty"`
	// History holds finished and declined duels, newest first.
	History []models.Duel `json:"history"`
}
