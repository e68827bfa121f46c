package duel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/studylane/studylane/go/internal/models"
)

const duelColumns = `id, challenger_id, opponent_id, status, started_at, finished_at,
	winner_id, end_reason, loser_stopped_sec, created_at, updated_at`

// Repository implements duel data access on Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new duel repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

// CreateDuel inserts a new pending duel.
func (r *Repository) CreateDuel(ctx context.Context, req CreateDuelRequest) (*models.Duel, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO duels (id, challenger_id, opponent_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+duelColumns,
		uuid.New(), req.ChallengerID, req.OpponentID, models.DuelStatusPending,
	)

	duel, err := scanDuel(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create duel: %w", err)
	}
	return duel, nil
}

// GetDuel retrieves a duel by ID.
func (r *Repository) GetDuel(ctx context.Context, id uuid.UUID) (*models.Duel, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+duelColumns+` FROM duels WHERE id = $1`, id)

	duel, err := scanDuel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get duel: %w", err)
	}
	return duel, nil
}

// AcceptDuel moves a pending duel to active and stamps started_at. The
// update is conditional on the record still being pending; zero rows means
// someone already responded.
func (r *Repository) AcceptDuel(ctx context.Context, id uuid.UUID, startedAt time.Time) (*models.Duel, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE duels
		SET status = $2, started_at = $3, updated_at = now()
		WHERE id = $1 AND status = $4
		RETURNING `+duelColumns,
		id, models.DuelStatusActive, startedAt, models.DuelStatusPending,
	)

	duel, err := scanDuel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotPending
		}
		return nil, fmt.Errorf("failed to accept duel: %w", err)
	}
	return duel, nil
}

// DeclineDuel moves a pending duel to declined, a terminal state.
func (r *Repository) DeclineDuel(ctx context.Context, id uuid.UUID) (*models.Duel, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE duels
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+duelColumns,
		id, models.DuelStatusDeclined, models.DuelStatusPending,
	)

	duel, err := scanDuel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotPending
		}
		return nil, fmt.Errorf("failed to decline duel: %w", err)
	}
	return duel, nil
}

// ListDuelsForUser returns every duel where the user is challenger or
// opponent, newest first.
func (r *Repository) ListDuelsForUser(ctx context.Context, userID uuid.UUID) ([]models.Duel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+duelColumns+`
		FROM duels
		WHERE challenger_id = $1 OR opponent_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list duels: %w", err)
	}
	defer rows.Close()

	var duels []models.Duel
	for rows.Next() {
		duel, err := scanDuel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan duel: %w", err)
		}
		duels = append(duels, *duel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list duels: %w", err)
	}
	return duels, nil
}

// FinalizeDuel performs the conditional terminal write: the transition to
// finished succeeds only if the record is still active. A false return with
// nil error means another writer finalized first and this attempt is a
// no-op.
func (r *Repository) FinalizeDuel(ctx context.Context, req FinalizeDuelRequest) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE duels
		SET status = $2, finished_at = $3, winner_id = $4, end_reason = $5,
			loser_stopped_sec = $6, updated_at = now()
		WHERE id = $1 AND status = $7`,
		req.DuelID, models.DuelStatusFinished, req.FinishedAt, req.WinnerID,
		req.Reason, req.LoserStoppedSec, models.DuelStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize duel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FetchStaleActive returns active duels untouched since the cutoff. Used by
// the reconciliation sweep as a backstop for finalize writes that never
// landed.
func (r *Repository) FetchStaleActive(ctx context.Context, cutoff time.Time, limit int32) ([]models.Duel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+duelColumns+`
		FROM duels
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, models.DuelStatusActive, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stale active duels: %w", err)
	}
	defer rows.Close()

	var duels []models.Duel
	for rows.Next() {
		duel, err := scanDuel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan duel: %w", err)
		}
		duels = append(duels, *duel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch stale active duels: %w", err)
	}
	return duels, nil
}

func scanDuel(row pgx.Row) (*models.Duel, error) {
	var d models.Duel
	err := row.Scan(
		&d.ID,
		&d.ChallengerID,
		&d.OpponentID,
		&d.Status,
		&d.StartedAt,
		&d.FinishedAt,
		&d.WinnerID,
		&d.EndReason,
		&d.LoserStoppedSec,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
