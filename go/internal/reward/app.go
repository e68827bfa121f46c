package reward

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RewardRepository defines what the reward app layer needs from persistence.
type RewardRepository interface {
	GrantDuelReward(ctx context.Context, duelID, userID uuid.UUID, points int64) (bool, error)
}

// App handles reward settlement. The amount per duel win is policy owned by
// the product configuration, not by the coordinator.
type App struct {
	repo         RewardRepository
	pointsPerWin int64
}

// NewApp creates a new reward App.
func NewApp(repo RewardRepository, pointsPerWin int64) *App {
	return &App{
		repo:         repo,
		pointsPerWin: pointsPerWin,
	}
}

// GrantDuelReward credits the winner of a duel exactly once. Repeat calls
// for the same duel are no-ops.
func (a *App) GrantDuelReward(ctx context.Context, duelID, userID uuid.UUID) error {
	granted, err := a.repo.GrantDuelReward(ctx, duelID, userID, a.pointsPerWin)
	if err != nil {
		return fmt.Errorf("failed to grant duel reward: %w", err)
	}

	if granted {
		log.Info().
			Str("duel_id", duelID.String()).
			Str("user_id", userID.String()).
			Int64("points", a.pointsPerWin).
			Msg("duel reward granted")
	} else {
		log.Debug().
			Str("duel_id", duelID.String()).
			Msg("duel reward already granted")
	}
	return nil
}
