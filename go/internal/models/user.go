package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a student account as seen by this service. Identity and
// authentication live elsewhere; we only read the id and display name and
// credit points on duel wins.
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Points      int64     `json:"points"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
