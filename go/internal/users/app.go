package users

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/studylane/studylane/go/internal/models"
)

const defaultListLimit = 50

// UsersRepository defines what the app layer needs from the repository.
type UsersRepository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListUsers(ctx context.Context, exclude uuid.UUID, limit int32) ([]models.User, error)
}

// App serves read-only user lookups: display names for the duel screens and
// the points standing. Account management lives in the auth service.
type App struct {
	repo UsersRepository
}

// NewApp creates a new users App.
func NewApp(repo UsersRepository) *App {
	return &App{repo: repo}
}

// GetUser fetches a user by id.
func (a *App) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return a.repo.GetUser(ctx, id)
}

// ListOpponents returns potential opponents for the caller, best standing
// first.
func (a *App) ListOpponents(ctx context.Context, callerID uuid.UUID) ([]models.User, error) {
	users, err := a.repo.ListUsers(ctx, callerID, defaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list opponents: %w", err)
	}
	return users, nil
}
