package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/studylane/studylane/go/internal/duel"
	"github.com/studylane/studylane/go/internal/duel/session"
	"github.com/studylane/studylane/go/internal/models"
	"github.com/studylane/studylane/go/internal/transport"
)

// CommandType is the closed set of commands a duel view may send over its
// socket.
type CommandType string

const (
	CommandTypeBreakRequest CommandType = "break_request"
	CommandTypeBreakRespond CommandType = "break_respond"
	CommandTypeSurrender    CommandType = "surrender"
	CommandTypeReaction     CommandType = "reaction"
)

// Command is the wire format of a client command.
type Command struct {
	Type     CommandType      `json:"type"`
	Minutes  int              `json:"minutes,omitempty"`
	Approve  bool             `json:"approve,omitempty"`
	Reaction session.Reaction `json:"reaction,omitempty"`
}

type sessionKey struct {
	duelID uuid.UUID
	userID uuid.UUID
}

// SessionRegistry owns the live duel sessions hosted by this gateway: one
// per (duel, participant). A session starts when the participant's first
// socket attaches and stops when their last socket leaves - which, per the
// protocol, sends nothing to the peer.
type SessionRegistry struct {
	duels   *duel.App
	rewards session.RewardGranter
	retry   session.RetryQueue
	bus     transport.Bus
	clock   clockwork.Clock
	cfg     session.Config

	cm *ConnectionManager

	mu       sync.Mutex
	sessions map[sessionKey]*registryEntry
}

type registryEntry struct {
	sess   *session.Session
	refs   int
	cancel context.CancelFunc
}

// NewSessionRegistry creates a registry. Wire the connection manager with
// SetConnectionManager before serving.
func NewSessionRegistry(duels *duel.App, rewards session.RewardGranter, retry session.RetryQueue, bus transport.Bus, clock clockwork.Clock, cfg session.Config) *SessionRegistry {
	return &SessionRegistry{
		duels:    duels,
		rewards:  rewards,
		retry:    retry,
		bus:      bus,
		clock:    clock,
		cfg:      cfg,
		sessions: make(map[sessionKey]*registryEntry),
	}
}

// SetConnectionManager wires the manager session events are pushed through.
func (r *SessionRegistry) SetConnectionManager(cm *ConnectionManager) {
	r.cm = cm
}

// Attach ensures a running session for the participant and returns it. The
// duel must be active and the user must be one of its parties.
func (r *SessionRegistry) Attach(ctx context.Context, duelID, userID uuid.UUID, displayName string) (*session.Session, error) {
	d, err := r.duels.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !d.Participant(userID) {
		return nil, duel.ErrNotFound
	}
	if d.Status != models.DuelStatusActive {
		return nil, fmt.Errorf("duel is not active: %w", duel.ErrNotPending)
	}

	key := sessionKey{duelID: duelID, userID: userID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.sessions[key]; exists {
		entry.refs++
		return entry.sess, nil
	}

	sess := session.New(r.cfg, session.Params{
		DuelID:    duelID,
		SelfID:    userID,
		SelfName:  displayName,
		PeerID:    d.PeerOf(userID),
		Clock:     r.clock,
		Bus:       r.bus,
		Finalizer: r.duels,
		Rewards:   r.rewards,
		Retry:     r.retry,
	})

	sessCtx, cancel := context.WithCancel(context.Background())
	if err := sess.Start(sessCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	r.sessions[key] = &registryEntry{sess: sess, refs: 1, cancel: cancel}
	go r.pumpEvents(duelID, userID, sess)
	return sess, nil
}

// HandleDisconnect releases the participant's session reference; the last
// release stops the session and all its timers.
func (r *SessionRegistry) HandleDisconnect(duelID, userID uuid.UUID) {
	key := sessionKey{duelID: duelID, userID: userID}

	r.mu.Lock()
	entry, exists := r.sessions[key]
	if !exists {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, key)
	r.mu.Unlock()

	entry.sess.Stop()
	entry.cancel()
	log.Info().
		Str("duel_id", duelID.String()).
		Str("user_id", userID.String()).
		Msg("duel session released")
}

// HandleCommand parses and dispatches a socket command to the user's
// session.
func (r *SessionRegistry) HandleCommand(duelID, userID uuid.UUID, data []byte) {
	key := sessionKey{duelID: duelID, userID: userID}

	r.mu.Lock()
	entry, exists := r.sessions[key]
	r.mu.Unlock()
	if !exists {
		return
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Debug().Err(err).Msg("dropping malformed client command")
		return
	}

	var err error
	switch cmd.Type {
	case CommandTypeBreakRequest:
		err = entry.sess.RequestBreak(cmd.Minutes)
	case CommandTypeBreakRespond:
		err = entry.sess.RespondBreak(cmd.Approve)
	case CommandTypeSurrender:
		err = entry.sess.Surrender()
	case CommandTypeReaction:
		err = entry.sess.SendReaction(cmd.Reaction)
	default:
		log.Debug().Str("type", string(cmd.Type)).Msg("dropping unknown client command")
		return
	}

	if err != nil {
		log.Warn().
			Err(err).
			Str("duel_id", duelID.String()).
			Str("type", string(cmd.Type)).
			Msg("client command rejected")
	}
}

// Shutdown stops every hosted session.
func (r *SessionRegistry) Shutdown() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.sessions = make(map[sessionKey]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.sess.Stop()
		e.cancel()
	}
}

func (r *SessionRegistry) pumpEvents(duelID, userID uuid.UUID, sess *session.Session) {
	for ev := range sess.Events() {
		if r.cm != nil {
			e := ev
			r.cm.BroadcastToUser(duelID, userID, &e)
		}
	}
}
