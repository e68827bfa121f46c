// Package session implements the real-time coordinator for one participant
// of one active duel. The two participants share no memory and no arbiter:
// everything converges through best-effort messages plus one conditional
// write on the duel record.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/studylane/studylane/go/internal/duel"
	"github.com/studylane/studylane/go/internal/models"
	"github.com/studylane/studylane/go/internal/transport"
)

// BreakPhase is the break negotiation state machine. The set is closed:
// idle -> requesting -> waiting -> approved | rejected -> idle.
type BreakPhase string

const (
	BreakPhaseIdle       BreakPhase = "idle"
	BreakPhaseRequesting BreakPhase = "requesting"
	BreakPhaseWaiting    BreakPhase = "waiting"
	BreakPhaseApproved   BreakPhase = "approved"
	BreakPhaseRejected   BreakPhase = "rejected"
)

const reactionTTL = 2500 * time.Millisecond

var (
	// ErrInvalidBreakMinutes is returned for break durations outside the
	// allowed range.
	ErrInvalidBreakMinutes = errors.New("break minutes out of range")
	// ErrUnknownReaction is returned for reactions outside the closed set.
	ErrUnknownReaction = errors.New("unknown reaction")
	// ErrSessionOver is returned for commands issued after the session
	// stopped.
	ErrSessionOver = errors.New("session is over")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session already started")
)

// Config holds the coordinator tuning knobs.
type Config struct {
	TickInterval          time.Duration `yaml:"tick_interval"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	InitialHeartbeatDelay time.Duration `yaml:"initial_heartbeat_delay"`
	WatchdogInterval      time.Duration `yaml:"watchdog_interval"`
	// SoftThreshold marks the peer as stalled for display purposes only.
	SoftThreshold time.Duration `yaml:"soft_threshold"`
	// HardThreshold declares the peer gone and triggers finalization.
	HardThreshold      time.Duration `yaml:"hard_threshold"`
	BreakRequestExpiry time.Duration `yaml:"break_request_expiry"`
	RejectedDisplay    time.Duration `yaml:"rejected_display"`
	MinBreakMinutes    int           `yaml:"min_break_minutes"`
	MaxBreakMinutes    int           `yaml:"max_break_minutes"`
	FinalizeAttempts   int           `yaml:"finalize_attempts"`
	FinalizeBackoff    time.Duration `yaml:"finalize_backoff"`
}

// DefaultConfig returns the standard coordinator settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:          time.Second,
		HeartbeatInterval:     5 * time.Second,
		InitialHeartbeatDelay: time.Second,
		WatchdogInterval:      5 * time.Second,
		SoftThreshold:         30 * time.Second,
		HardThreshold:         60 * time.Second,
		BreakRequestExpiry:    2 * time.Minute,
		RejectedDisplay:       3 * time.Second,
		MinBreakMinutes:       1,
		MaxBreakMinutes:       60,
		FinalizeAttempts:      5,
		FinalizeBackoff:       time.Second,
	}
}

// Subject returns the coordination channel subject for a duel.
func Subject(duelID uuid.UUID) string {
	return fmt.Sprintf("duel.rooms.%s", duelID)
}

// Finalizer persists the terminal transition. The write must be conditional
// on the record still being active.
type Finalizer interface {
	FinalizeDuel(ctx context.Context, req duel.FinalizeDuelRequest) (bool, error)
}

// RewardGranter credits the winner. Granting must be idempotent per duel.
type RewardGranter interface {
	GrantDuelReward(ctx context.Context, duelID, userID uuid.UUID) error
}

// RetryQueue absorbs finalize writes whose in-session retries exhausted, so
// a later sweep can reconcile them.
type RetryQueue interface {
	EnqueueFinalize(req duel.FinalizeDuelRequest)
}

// Params wires a session's collaborators.
type Params struct {
	DuelID   uuid.UUID
	SelfID   uuid.UUID
	SelfName string
	PeerID   uuid.UUID

	Clock     clockwork.Clock
	Bus       transport.Bus
	Finalizer Finalizer
	Rewards   RewardGranter
	Retry     RetryQueue // optional
}

// Session owns all per-duel real-time state for one participant: the
// personal timer, presence watchdog, break negotiation, and finalization.
// All state mutations happen on a single event loop fed by timers and the
// channel inbox, so runs are deterministic under a fake clock.
type Session struct {
	duelID   uuid.UUID
	selfID   uuid.UUID
	selfName string
	peerID   uuid.UUID

	cfg       Config
	clock     clockwork.Clock
	bus       transport.Bus
	finalizer Finalizer
	rewards   RewardGranter
	retry     RetryQueue

	sub      transport.Subscription
	events   chan Event
	commands chan func()
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	started bool
	st      state
}

// state is the ephemeral per-session view. Never persisted; discarded when
// the duel reaches a terminal state or the participant leaves.
type state struct {
	selfElapsedSec      int64
	peerElapsedSec      int64
	selfOnBreak         bool
	peerOnBreak         bool
	peerAlive           bool
	lastPeerHeartbeatAt time.Time

	breakPhase       BreakPhase
	breakEndsAt      *time.Time
	breakReqDeadline time.Time
	pendingRequest   *BreakRequestedPayload
	pendingDeadline  time.Time
	rejectedUntil    time.Time

	// terminal is the one-shot latch: once set, no tick, heartbeat, or
	// negotiation activity resumes for this duel instance.
	terminal bool
	winnerID uuid.UUID
	reason   models.EndReason
}

// Snapshot is a point-in-time copy of session state.
type Snapshot struct {
	StatePayload
	Terminal bool             `json:"terminal"`
	WinnerID uuid.UUID        `json:"winner_id,omitempty"`
	Reason   models.EndReason `json:"reason,omitempty"`
}

// New creates a session. Call Start to join the duel channel and begin
// ticking.
func New(cfg Config, p Params) *Session {
	return &Session{
		duelID:    p.DuelID,
		selfID:    p.SelfID,
		selfName:  p.SelfName,
		peerID:    p.PeerID,
		cfg:       cfg,
		clock:     p.Clock,
		bus:       p.Bus,
		finalizer: p.Finalizer,
		rewards:   p.Rewards,
		retry:     p.Retry,
		events:    make(chan Event, 64),
		commands:  make(chan func()),
		done:      make(chan struct{}),
	}
}

// Events returns the UI-facing event stream.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Start subscribes to the duel channel and launches the coordination loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.st.breakPhase = BreakPhaseIdle
	s.st.peerAlive = true
	// Watchdog gaps are measured from join, not from the zero time.
	s.st.lastPeerHeartbeatAt = s.clock.Now()
	s.mu.Unlock()

	inbox, sub, err := s.bus.Subscribe(Subject(s.duelID))
	if err != nil {
		return fmt.Errorf("failed to join duel channel: %w", err)
	}
	s.sub = sub

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx, inbox)

	log.Info().
		Str("duel_id", s.duelID.String()).
		Str("user_id", s.selfID.String()).
		Msg("duel session started")
	return nil
}

// Stop tears down the session: unsubscribes and stops all timers. No
// leaving message is sent; the peer learns of departure only through
// heartbeat silence, the same way it would learn of a crash.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		StatePayload: s.statePayloadLocked(),
		Terminal:     s.st.terminal,
		WinnerID:     s.st.winnerID,
		Reason:       s.st.reason,
	}
}

// RequestBreak starts the negotiation: requesting -> publish -> waiting.
func (s *Session) RequestBreak(minutes int) error {
	if minutes < s.cfg.MinBreakMinutes || minutes > s.cfg.MaxBreakMinutes {
		return ErrInvalidBreakMinutes
	}
	return s.do(func() { s.requestBreak(minutes) })
}

// RespondBreak answers the peer's pending break request.
func (s *Session) RespondBreak(approve bool) error {
	return s.do(func() { s.respondBreak(approve) })
}

// Surrender ends the duel voluntarily: the opponent wins.
func (s *Session) Surrender() error {
	return s.do(s.surrender)
}

// SendReaction broadcasts a cosmetic reaction with an optimistic local echo.
func (s *Session) SendReaction(r Reaction) error {
	if !r.Valid() {
		return ErrUnknownReaction
	}
	return s.do(func() { s.sendReaction(r) })
}

// do hands fn to the event loop. The commands channel is unbuffered, so a
// nil return means the loop received fn and will run it; once the loop has
// exited the done branch wins and nothing is silently dropped.
func (s *Session) do(fn func()) error {
	select {
	case <-s.done:
		return ErrSessionOver
	default:
	}
	select {
	case s.commands <- fn:
		return nil
	case <-s.done:
		return ErrSessionOver
	}
}

func (s *Session) run(ctx context.Context, inbox <-chan transport.Message) {
	// Events closes after done: emit only ever runs on this goroutine.
	defer close(s.events)
	defer close(s.done)
	defer func() {
		if err := s.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("duel_id", s.duelID.String()).Msg("unsubscribe failed")
		}
	}()

	tick := s.clock.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	heartbeat := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	watchdog := s.clock.NewTicker(s.cfg.WatchdogInterval)
	defer watchdog.Stop()

	// The first heartbeat goes out shortly after joining rather than at
	// t=0, tolerating the peer's subscription setup latency.
	initial := s.clock.NewTimer(s.cfg.InitialHeartbeatDelay)
	defer initial.Stop()

	halted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.Chan():
			s.publishHeartbeat()
		case <-heartbeat.Chan():
			s.publishHeartbeat()
		case <-tick.Chan():
			s.onTick()
		case <-watchdog.Chan():
			s.onWatchdog()
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			s.onMessage(msg)
		case cmd := <-s.commands:
			cmd()
		}

		// Once the terminal latch is set all periodic activity stops for
		// good; the loop stays up only to serve Stop.
		if !halted && s.terminalLatched() {
			tick.Stop()
			heartbeat.Stop()
			watchdog.Stop()
			initial.Stop()
			halted = true
		}
	}
}

func (s *Session) terminalLatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.terminal
}

// onTick advances the personal timer and expires local deadlines. Entirely
// local arithmetic: pausing or resuming one's own timer needs no message.
func (s *Session) onTick() {
	s.mu.Lock()
	now := s.clock.Now()
	if s.st.terminal {
		s.mu.Unlock()
		return
	}

	if s.st.selfOnBreak {
		// Break end compares against the absolute approved instant, so
		// both participants exit within one tick of each other with no
		// further message exchange.
		if s.st.breakEndsAt != nil && !now.Before(*s.st.breakEndsAt) {
			s.st.selfOnBreak = false
			s.st.breakEndsAt = nil
			if s.st.breakPhase == BreakPhaseApproved {
				s.st.breakPhase = BreakPhaseIdle
			}
		}
	} else {
		s.st.selfElapsedSec++
	}

	expired := false
	if s.st.breakPhase == BreakPhaseWaiting && now.After(s.st.breakReqDeadline) {
		s.st.breakPhase = BreakPhaseIdle
		expired = true
	}
	if s.st.pendingRequest != nil && now.After(s.st.pendingDeadline) {
		s.st.pendingRequest = nil
	}
	if s.st.breakPhase == BreakPhaseRejected && now.After(s.st.rejectedUntil) {
		s.st.breakPhase = BreakPhaseIdle
	}

	snap := s.statePayloadLocked()
	s.mu.Unlock()

	if expired {
		s.emit(EventTypeBreakRequestExpired, nil)
	}
	s.emit(EventTypeState, snap)
}

// onWatchdog measures the heartbeat gap. Past the soft threshold the peer
// is shown as stalled; past the hard threshold it is presumed gone and the
// duel finalizes in our favor. Two thresholds keep a single dropped packet
// from ending the contest.
func (s *Session) onWatchdog() {
	s.mu.Lock()
	if s.st.terminal {
		s.mu.Unlock()
		return
	}
	gap := s.clock.Now().Sub(s.st.lastPeerHeartbeatAt)
	if gap > s.cfg.SoftThreshold {
		s.st.peerAlive = false
	}
	s.mu.Unlock()

	if gap > s.cfg.HardThreshold {
		log.Info().
			Str("duel_id", s.duelID.String()).
			Dur("gap", gap).
			Msg("peer heartbeat gap past hard threshold")
		s.finalize(s.selfID, models.EndReasonDisconnect, nil)
	}
}

func (s *Session) onMessage(msg transport.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Debug().Err(err).Str("duel_id", s.duelID.String()).Msg("dropping malformed message")
		return
	}
	// Echo suppression: the bus delivers our own broadcasts back to us.
	if env.FromID == s.selfID.String() {
		return
	}

	payload, err := ParsePayload(&env)
	if err != nil {
		log.Debug().Err(err).Str("type", string(env.Type)).Msg("dropping unparseable payload")
		return
	}

	switch p := payload.(type) {
	case HeartbeatPayload:
		s.onPeerHeartbeat(p)
	case BreakRequestPayload:
		s.onBreakRequest(env, p)
	case BreakApprovedPayload:
		s.onBreakApproved(p)
	case BreakRejectedPayload:
		s.onBreakRejected()
	case SurrenderPayload:
		s.onPeerSurrender(p)
	case ReactionPayload:
		s.onPeerReaction(env, p)
	default:
		// Unknown message type, drop.
	}
}

func (s *Session) publishHeartbeat() {
	s.mu.Lock()
	if s.st.terminal {
		s.mu.Unlock()
		return
	}
	payload := HeartbeatPayload{
		ElapsedSec: s.st.selfElapsedSec,
		OnBreak:    s.st.selfOnBreak,
	}
	s.mu.Unlock()
	s.publish(MessageTypeHeartbeat, payload)
}

func (s *Session) publish(t MessageType, payload any) {
	data, err := newEnvelope(t, s.duelID, s.selfID, s.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to encode message")
		return
	}
	if err := s.bus.Publish(Subject(s.duelID), data); err != nil {
		// Transport failures degrade into a perceived disconnect on the
		// peer's side once heartbeats stop arriving; nothing to surface.
		log.Warn().Err(err).Str("type", string(t)).Msg("publish failed")
	}
}

func (s *Session) onPeerHeartbeat(p HeartbeatPayload) {
	s.mu.Lock()
	s.st.peerElapsedSec = p.ElapsedSec
	s.st.peerOnBreak = p.OnBreak
	s.st.peerAlive = true
	s.st.lastPeerHeartbeatAt = s.clock.Now()
	s.mu.Unlock()
}

func (s *Session) onBreakRequest(env Envelope, p BreakRequestPayload) {
	if p.Minutes < s.cfg.MinBreakMinutes || p.Minutes > s.cfg.MaxBreakMinutes {
		log.Debug().Int("minutes", p.Minutes).Msg("dropping out-of-range break request")
		return
	}

	s.mu.Lock()
	if s.st.terminal {
		s.mu.Unlock()
		return
	}
	req := BreakRequestedPayload{
		FromID:   env.FromID,
		FromName: p.FromName,
		Minutes:  p.Minutes,
	}
	s.st.pendingRequest = &req
	s.st.pendingDeadline = s.clock.Now().Add(s.cfg.BreakRequestExpiry)
	s.mu.Unlock()

	s.emit(EventTypeBreakRequested, req)
}

// onBreakApproved applies the synchronized pause at every participant that
// observes the broadcast, requester included. Re-delivery is harmless: the
// payload carries the absolute end.
func (s *Session) onBreakApproved(p BreakApprovedPayload) {
	s.mu.Lock()
	if s.st.terminal {
		s.mu.Unlock()
		return
	}
	until := p.Until
	s.st.selfOnBreak = true
	s.st.breakEndsAt = &until
	s.st.breakPhase = BreakPhaseApproved
	s.mu.Unlock()

	s.emit(EventTypeBreakApproved, BreakApprovedEventPayload{Until: until})
}

func (s *Session) onBreakRejected() {
	s.mu.Lock()
	if s.st.terminal || s.st.breakPhase != BreakPhaseWaiting {
		s.mu.Unlock()
		return
	}
	s.st.breakPhase = BreakPhaseRejected
	s.st.rejectedUntil = s.clock.Now().Add(s.cfg.RejectedDisplay)
	s.mu.Unlock()

	s.emit(EventTypeBreakRejected, nil)
}

// onPeerSurrender resolves "they surrendered, therefore I won".
func (s *Session) onPeerSurrender(p SurrenderPayload) {
	stopped := p.ElapsedSec
	s.finalize(s.selfID, models.EndReasonSurrender, &stopped)
}

func (s *Session) onPeerReaction(env Envelope, p ReactionPayload) {
	if !p.Reaction.Valid() {
		log.Debug().Str("reaction", string(p.Reaction)).Msg("dropping unknown reaction")
		return
	}
	from, err := uuid.Parse(env.FromID)
	if err != nil {
		return
	}
	s.emit(EventTypeReaction, reactionEvent(from, p.Reaction))
}

func (s *Session) requestBreak(minutes int) {
	s.mu.Lock()
	if s.st.terminal || s.st.breakPhase != BreakPhaseIdle {
		s.mu.Unlock()
		return
	}
	s.st.breakPhase = BreakPhaseRequesting
	s.mu.Unlock()

	s.publish(MessageTypeBreakRequest, BreakRequestPayload{
		FromName: s.selfName,
		Minutes:  minutes,
	})

	s.mu.Lock()
	s.st.breakPhase = BreakPhaseWaiting
	// The request expires so an unresponsive approver cannot wedge the
	// requester in waiting forever.
	s.st.breakReqDeadline = s.clock.Now().Add(s.cfg.BreakRequestExpiry)
	s.mu.Unlock()
}

func (s *Session) respondBreak(approve bool) {
	s.mu.Lock()
	if s.st.terminal || s.st.pendingRequest == nil {
		s.mu.Unlock()
		return
	}
	req := *s.st.pendingRequest
	s.st.pendingRequest = nil

	if !approve {
		s.mu.Unlock()
		s.publish(MessageTypeBreakRejected, BreakRejectedPayload{})
		return
	}

	until := s.clock.Now().Add(time.Duration(req.Minutes) * time.Minute)
	// The approver enters the break immediately; its own broadcast echo is
	// suppressed, so this is the only place it pauses.
	s.st.selfOnBreak = true
	s.st.breakEndsAt = &until
	s.mu.Unlock()

	s.publish(MessageTypeBreakApproved, BreakApprovedPayload{Until: until})
	s.emit(EventTypeBreakApproved, BreakApprovedEventPayload{Until: until})
}

// surrender resolves "I surrendered, therefore they won" and tells the peer.
func (s *Session) surrender() {
	s.mu.Lock()
	if s.st.terminal {
		s.mu.Unlock()
		return
	}
	stopped := s.st.selfElapsedSec
	s.mu.Unlock()

	s.publish(MessageTypeSurrender, SurrenderPayload{ElapsedSec: stopped})
	s.finalize(s.peerID, models.EndReasonOpponentSurrender, &stopped)
}

func (s *Session) sendReaction(r Reaction) {
	s.mu.Lock()
	if s.st.terminal {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.publish(MessageTypeReaction, ReactionPayload{Reaction: r})
	// Optimistic local echo.
	s.emit(EventTypeReaction, reactionEvent(s.selfID, r))
}

// finalize fires the single terminal transition for this client. The latch
// makes later triggers no-ops; the persistence race between the two
// participants is settled by the conditional write, not here.
func (s *Session) finalize(winnerID uuid.UUID, reason models.EndReason, loserStoppedSec *int64) {
	s.mu.Lock()
	if s.st.terminal {
		s.mu.Unlock()
		return
	}
	s.st.terminal = true
	s.st.winnerID = winnerID
	s.st.reason = reason
	now := s.clock.Now()
	s.mu.Unlock()

	log.Info().
		Str("duel_id", s.duelID.String()).
		Str("winner_id", winnerID.String()).
		Str("reason", string(reason)).
		Msg("duel reached terminal state")

	// The terminal view renders optimistically; persistence runs behind it.
	s.emit(EventTypeGameOver, GameOverPayload{
		WinnerID: winnerID.String(),
		Won:      winnerID == s.selfID,
		Reason:   reason,
	})

	go s.persistFinalize(duel.FinalizeDuelRequest{
		DuelID:          s.duelID,
		WinnerID:        winnerID,
		Reason:          reason,
		FinishedAt:      now,
		LoserStoppedSec: loserStoppedSec,
	})
}

func (s *Session) persistFinalize(req duel.FinalizeDuelRequest) {
	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt < s.cfg.FinalizeAttempts; attempt++ {
		if attempt > 0 {
			<-s.clock.After(s.cfg.FinalizeBackoff << (attempt - 1))
		}

		applied, err := s.finalizer.FinalizeDuel(ctx, req)
		if err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("duel_id", req.DuelID.String()).
				Msg("finalize write failed")
			continue
		}

		// Only the side whose conditional write landed drives the grant.
		// The grant itself is idempotent per duel, so a reconciler retry
		// after a crash here cannot double-credit.
		if applied && s.rewards != nil {
			if err := s.rewards.GrantDuelReward(ctx, req.DuelID, req.WinnerID); err != nil {
				log.Error().
					Err(err).
					Str("duel_id", req.DuelID.String()).
					Msg("reward grant failed")
			}
		}
		return
	}

	log.Error().
		Err(lastErr).
		Str("duel_id", req.DuelID.String()).
		Msg("finalize retries exhausted, handing off to reconciler")
	if s.retry != nil {
		s.retry.EnqueueFinalize(req)
	}
}

func (s *Session) statePayloadLocked() StatePayload {
	var endsAt *time.Time
	if s.st.breakEndsAt != nil {
		t := *s.st.breakEndsAt
		endsAt = &t
	}
	return StatePayload{
		SelfElapsedSec: s.st.selfElapsedSec,
		PeerElapsedSec: s.st.peerElapsedSec,
		SelfOnBreak:    s.st.selfOnBreak,
		PeerOnBreak:    s.st.peerOnBreak,
		PeerAlive:      s.st.peerAlive,
		BreakPhase:     s.st.breakPhase,
		BreakEndsAt:    endsAt,
	}
}
