package duel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/studylane/studylane/go/internal/models"
)

// DuelRepository defines what the duel app layer needs from the repository.
type DuelRepository interface {
	CreateDuel(ctx context.Context, req CreateDuelRequest) (*models.Duel, error)
	GetDuel(ctx context.Context, id uuid.UUID) (*models.Duel, error)
	AcceptDuel(ctx context.Context, id uuid.UUID, startedAt time.Time) (*models.Duel, error)
	DeclineDuel(ctx context.Context, id uuid.UUID) (*models.Duel, error)
	ListDuelsForUser(ctx context.Context, userID uuid.UUID) ([]models.Duel, error)
	FinalizeDuel(ctx context.Context, req FinalizeDuelRequest) (bool, error)
	FetchStaleActive(ctx context.Context, cutoff time.Time, limit int32) ([]models.Duel, error)
}

// App handles duel lifecycle business logic: the record-level states that
// bracket the real-time phase.
type App struct {
	repo  DuelRepository
	clock clockwork.Clock
}

// NewApp creates a new duel App.
func NewApp(repo DuelRepository, clock clockwork.Clock) *App {
	return &App{
		repo:  repo,
		clock: clock,
	}
}

// CreateDuel validates and creates a new pending duel.
func (a *App) CreateDuel(ctx context.Context, req CreateDuelRequest) (*models.Duel, error) {
	if req.OpponentID == uuid.Nil {
		return nil, ErrNoOpponent
	}
	if req.OpponentID == req.ChallengerID {
		return nil, ErrSelfChallenge
	}

	duel, err := a.repo.CreateDuel(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create duel: %w", err)
	}

	log.Info().
		Str("duel_id", duel.ID.String()).
		Str("challenger_id", req.ChallengerID.String()).
		Str("opponent_id", req.OpponentID.String()).
		Msg("duel created")
	return duel, nil
}

// GetDuel retrieves a duel by ID.
func (a *App) GetDuel(ctx context.Context, id uuid.UUID) (*models.Duel, error) {
	return a.repo.GetDuel(ctx, id)
}

// RespondDuel applies the invited user's accept or decline. Only the
// opponent may respond, and only while the duel is pending.
func (a *App) RespondDuel(ctx context.Context, duelID uuid.UUID, req RespondDuelRequest) (*models.Duel, error) {
	duel, err := a.repo.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if duel.OpponentID != req.UserID {
		return nil, ErrNotInvitee
	}
	if duel.Status != models.DuelStatusPending {
		return nil, ErrNotPending
	}

	if req.Accept {
		duel, err = a.repo.AcceptDuel(ctx, duelID, a.clock.Now())
	} else {
		duel, err = a.repo.DeclineDuel(ctx, duelID)
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("duel_id", duelID.String()).
		Bool("accepted", req.Accept).
		Msg("duel response recorded")
	return duel, nil
}

// ListDuels returns the caller's duels partitioned for the list screen.
func (a *App) ListDuels(ctx context.Context, userID uuid.UUID) (*DuelList, error) {
	duels, err := a.repo.ListDuelsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list duels: %w", err)
	}

	list := &DuelList{}
	for i := range duels {
		d := duels[i]
		switch d.Status {
		case models.DuelStatusPending:
			if d.OpponentID == userID {
				list.PendingReceived = append(list.PendingReceived, d)
			} else {
				list.PendingSent = append(list.PendingSent, d)
			}
		case models.DuelStatusActive:
			if list.Active == nil {
				list.Active = &d
			}
		case models.DuelStatusFinished, models.DuelStatusDeclined:
			list.History = append(list.History, d)
		}
	}
	return list, nil
}

// FinalizeDuel attempts the conditional terminal write. Returns whether this
// attempt actually transitioned the record; false means another participant
// already finalized and the attempt was a safe no-op.
func (a *App) FinalizeDuel(ctx context.Context, req FinalizeDuelRequest) (bool, error) {
	applied, err := a.repo.FinalizeDuel(ctx, req)
	if err != nil {
		return false, err
	}

	if applied {
		log.Info().
			Str("duel_id", req.DuelID.String()).
			Str("winner_id", req.WinnerID.String()).
			Str("reason", string(req.Reason)).
			Msg("duel finalized")
	} else {
		log.Debug().
			Str("duel_id", req.DuelID.String()).
			Msg("finalize lost the race - record already finished")
	}
	return applied, nil
}

// StaleActive returns active duels untouched for at least the given age.
// Finalization is client-driven, so a long-untouched active record means
// both participants went away without the terminal write landing.
func (a *App) StaleActive(ctx context.Context, age time.Duration, limit int32) ([]models.Duel, error) {
	cutoff := a.clock.Now().Add(-age)
	duels, err := a.repo.FetchStaleActive(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stale active duels: %w", err)
	}
	return duels, nil
}
