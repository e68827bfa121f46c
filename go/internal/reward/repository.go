package reward

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/studylane/studylane/go/internal/sqlutil"
)

// Repository implements reward persistence on Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new reward repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

// GrantDuelReward credits points to a user for winning a duel, at most once
// per duel. The grant row keyed on duel_id is the idempotency guard: a
// second attempt conflicts, inserts nothing, and credits nothing.
func (r *Repository) GrantDuelReward(ctx context.Context, duelID, userID uuid.UUID, points int64) (bool, error) {
	var granted bool
	err := sqlutil.Run(ctx, r.pool, func(tx sqlutil.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO reward_grants (duel_id, user_id, points)
			VALUES ($1, $2, $3)
			ON CONFLICT (duel_id) DO NOTHING`,
			duelID, userID, points,
		)
		if err != nil {
			return fmt.Errorf("failed to insert reward grant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already granted for this duel.
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE users SET points = points + $2, updated_at = now()
			WHERE id = $1`,
			userID, points,
		); err != nil {
			return fmt.Errorf("failed to credit points: %w", err)
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}
