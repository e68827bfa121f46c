package duel

import "errors"

// Lifecycle error taxonomy. The gateway maps these onto HTTP status codes;
// everything else surfaces as an internal error.
var (
	// ErrNoOpponent is returned when a challenge names no opponent.
	ErrNoOpponent = errors.New("no opponent specified")
	// ErrSelfChallenge is returned when a user challenges themselves.
	ErrSelfChallenge = errors.New("cannot challenge yourself")
	// ErrNotFound is returned when the duel does not exist.
	ErrNotFound = errors.New("duel not found")
	// ErrNotPending is returned when responding to a duel that already
	// left the pending state.
	ErrNotPending = errors.New("duel is not pending")
	// ErrNotInvitee is returned when anyone but the invited user responds.
	ErrNotInvitee = errors.New("only the invited user may respond")
)
