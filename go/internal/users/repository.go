package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/studylane/studylane/go/internal/models"
)

// ErrNotFound is returned when no user exists for the given id.
var ErrNotFound = errors.New("user not found")

const userColumns = "id, username, display_name, points, created_at, updated_at"

// Repository implements user data access on Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new users repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetUser fetches a user by id.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1`, id)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ListUsers returns users ordered by points, highest first. The excluded id
// (typically the caller) is left out so opponent pickers don't offer self.
func (r *Repository) ListUsers(ctx context.Context, exclude uuid.UUID, limit int32) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id <> $1
		ORDER BY points DESC, username
		LIMIT $2`, exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(
		&u.ID,
		&u.Username,
		&u.DisplayName,
		&u.Points,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}
