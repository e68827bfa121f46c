package models

import (
	"time"

	"github.com/google/uuid"
)

// DuelStatus defines the lifecycle status of a duel record.
type DuelStatus string

const (
	DuelStatusPending  DuelStatus = "PENDING"
	DuelStatusActive   DuelStatus = "ACTIVE"
	DuelStatusFinished DuelStatus = "FINISHED"
	DuelStatusDeclined DuelStatus = "DECLINED"
)

// Terminal reports whether the status admits no further transitions.
func (s DuelStatus) Terminal() bool {
	return s == DuelStatusFinished || s == DuelStatusDeclined
}

// EndReason describes how an active duel reached its finished state.
type EndReason string

const (
	// EndReasonDisconnect means the peer went silent past the hard
	// heartbeat threshold and the surviving side claimed the win.
	EndReasonDisconnect EndReason = "DISCONNECT"
	// EndReasonSurrender means the peer surrendered to us.
	EndReasonSurrender EndReason = "SURRENDER"
	// EndReasonOpponentSurrender is recorded by the surrendering side:
	// we stopped, therefore the opponent won.
	EndReasonOpponentSurrender EndReason = "OPPONENT_SURRENDER"
)

// Duel represents one two-party endurance contest. Rows are never deleted;
// finished and declined duels serve as history.
type Duel struct {
	ID           uuid.UUID  `json:"id"`
	ChallengerID uuid.UUID  `json:"challenger_id"`
	OpponentID   uuid.UUID  `json:"opponent_id"`
	Status       DuelStatus `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	WinnerID     *uuid.UUID `json:"winner_id,omitempty"`
	EndReason    *EndReason `json:"end_reason,omitempty"`
	// LoserStoppedSec is the loser's elapsed seconds at the moment they
	// stopped. Set only for voluntary terminations, nil for disconnects.
	LoserStoppedSec *int64    `json:"loser_stopped_sec,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Participant reports whether userID is either party of the duel.
func (d *Duel) Participant(userID uuid.UUID) bool {
	return d.ChallengerID == userID || d.OpponentID == userID
}

// PeerOf returns the other participant's id. Callers must check
// Participant first.
func (d *Duel) PeerOf(userID uuid.UUID) uuid.UUID {
	if d.ChallengerID == userID {
		return d.OpponentID
	}
	return d.ChallengerID
}
