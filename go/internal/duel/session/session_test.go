package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studylane/studylane/go/internal/duel"
	"github.com/studylane/studylane/go/internal/models"
	"github.com/studylane/studylane/go/internal/transport"
)

// fakeStore models the shared duel record: the conditional finalize write
// applies at most once per duel, later writers observe a no-op. It also
// records reward grants.
type fakeStore struct {
	mu       sync.Mutex
	calls    []duel.FinalizeDuelRequest
	finished map[uuid.UUID]duel.FinalizeDuelRequest
	// failures < 0 means fail every call; > 0 fails that many calls first.
	failures int
	grants   []grant
}

type grant struct {
	duelID uuid.UUID
	userID uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{finished: make(map[uuid.UUID]duel.FinalizeDuelRequest)}
}

func (f *fakeStore) FinalizeDuel(_ context.Context, req duel.FinalizeDuelRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return false, errors.New("store unavailable")
	}
	f.calls = append(f.calls, req)
	if _, done := f.finished[req.DuelID]; done {
		return false, nil
	}
	f.finished[req.DuelID] = req
	return true, nil
}

func (f *fakeStore) GrantDuelReward(_ context.Context, duelID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, grant{duelID: duelID, userID: userID})
	return nil
}

func (f *fakeStore) finalizeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStore) appliedWrite(duelID uuid.UUID) (duel.FinalizeDuelRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.finished[duelID]
	return req, ok
}

func (f *fakeStore) grantList() []grant {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]grant, len(f.grants))
	copy(out, f.grants)
	return out
}

type fakeRetryQueue struct {
	mu   sync.Mutex
	reqs []duel.FinalizeDuelRequest
}

func (q *fakeRetryQueue) EnqueueFinalize(req duel.FinalizeDuelRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
}

func (q *fakeRetryQueue) queued() []duel.FinalizeDuelRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]duel.FinalizeDuelRequest, len(q.reqs))
	copy(out, q.reqs)
	return out
}

// eventRecorder drains a session's event stream into a slice so tests can
// assert on it after the fact.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(s *Session) *eventRecorder {
	r := &eventRecorder{}
	go func() {
		for ev := range s.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// duelHarness runs both participants of one duel against a shared fake
// clock, in-memory bus, and fake store.
type duelHarness struct {
	clock  *clockwork.FakeClock
	bus    *transport.MemoryBus
	store  *fakeStore
	duelID uuid.UUID

	aliceID uuid.UUID
	bobID   uuid.UUID
	alice   *Session
	bob     *Session

	aliceEvents *eventRecorder
	bobEvents   *eventRecorder
}

func newDuelHarness(t *testing.T, cfg Config, wrap func(transport.Bus) transport.Bus) *duelHarness {
	t.Helper()

	h := &duelHarness{
		clock:   clockwork.NewFakeClock(),
		bus:     transport.NewMemoryBus(),
		store:   newFakeStore(),
		duelID:  uuid.New(),
		aliceID: uuid.New(),
		bobID:   uuid.New(),
	}

	var bus transport.Bus = h.bus
	if wrap != nil {
		bus = wrap(h.bus)
	}

	h.alice = New(cfg, Params{
		DuelID:    h.duelID,
		SelfID:    h.aliceID,
		SelfName:  "alice",
		PeerID:    h.bobID,
		Clock:     h.clock,
		Bus:       bus,
		Finalizer: h.store,
		Rewards:   h.store,
	})
	h.bob = New(cfg, Params{
		DuelID:    h.duelID,
		SelfID:    h.bobID,
		SelfName:  "bob",
		PeerID:    h.aliceID,
		Clock:     h.clock,
		Bus:       bus,
		Finalizer: h.store,
		Rewards:   h.store,
	})

	require.NoError(t, h.alice.Start(context.Background()))
	require.NoError(t, h.bob.Start(context.Background()))
	h.aliceEvents = recordEvents(h.alice)
	h.bobEvents = recordEvents(h.bob)

	t.Cleanup(func() {
		h.alice.Stop()
		h.bob.Stop()
	})

	// Both loops own three tickers and the initial heartbeat timer each.
	h.clock.BlockUntil(8)
	return h
}

// advance moves the fake clock in one-second steps, yielding between steps so
// each loop processes its timer fires before the next second lands.
func (h *duelHarness) advance(d time.Duration) {
	advanceClock(h.clock, d)
}

func advanceClock(clock *clockwork.FakeClock, d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += time.Second {
		clock.Advance(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
}

// settle lets in-flight messages and goroutines land without moving the clock.
func settle() {
	time.Sleep(25 * time.Millisecond)
}

func TestHeartbeatArrivesShortlyAfterJoin(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	h.advance(7 * time.Second)
	settle()

	a := h.alice.Snapshot()
	b := h.bob.Snapshot()
	assert.True(t, a.PeerAlive)
	assert.True(t, b.PeerAlive)
	// The peer's beat at 5s carries its elapsed count. Whether the tick or
	// the heartbeat at that instant is handled first is not fixed, so the
	// carried value is 4 or 5.
	assert.GreaterOrEqual(t, a.PeerElapsedSec, int64(4))
	assert.GreaterOrEqual(t, b.PeerElapsedSec, int64(4))
}

func TestTimerCountsOnlyRunningSeconds(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	h.advance(10 * time.Second)
	settle()
	require.Equal(t, int64(10), h.alice.Snapshot().SelfElapsedSec)
	require.Equal(t, int64(10), h.bob.Snapshot().SelfElapsedSec)

	require.NoError(t, h.alice.RequestBreak(1))
	settle()
	require.NoError(t, h.bob.RespondBreak(true))
	settle()

	a := h.alice.Snapshot()
	b := h.bob.Snapshot()
	require.True(t, a.SelfOnBreak)
	require.True(t, b.SelfOnBreak)

	// Frozen for the whole approved minute.
	h.advance(30 * time.Second)
	settle()
	assert.Equal(t, int64(10), h.alice.Snapshot().SelfElapsedSec)
	assert.Equal(t, int64(10), h.bob.Snapshot().SelfElapsedSec)

	// Crossing the end instant resumes counting on both sides with no
	// further exchange.
	h.advance(40 * time.Second)
	settle()
	a = h.alice.Snapshot()
	b = h.bob.Snapshot()
	assert.False(t, a.SelfOnBreak)
	assert.False(t, b.SelfOnBreak)
	assert.Equal(t, int64(20), a.SelfElapsedSec)
	assert.Equal(t, int64(20), b.SelfElapsedSec)
	assert.Nil(t, a.BreakEndsAt)
	assert.Equal(t, BreakPhaseIdle, a.BreakPhase)
}

func TestBreakApprovalSharesOneAbsoluteEnd(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	h.advance(5 * time.Second)
	require.NoError(t, h.alice.RequestBreak(5))
	settle()

	// Bob was prompted with the requester's name and duration.
	ev, ok := h.bobEvents.last(EventTypeBreakRequested)
	require.True(t, ok)
	req := ev.Data.(BreakRequestedPayload)
	assert.Equal(t, h.aliceID.String(), req.FromID)
	assert.Equal(t, "alice", req.FromName)
	assert.Equal(t, 5, req.Minutes)

	require.NoError(t, h.bob.RespondBreak(true))
	settle()

	a := h.alice.Snapshot()
	b := h.bob.Snapshot()
	require.NotNil(t, a.BreakEndsAt)
	require.NotNil(t, b.BreakEndsAt)
	// Identical instant on both sides, not two locally computed ends.
	assert.True(t, a.BreakEndsAt.Equal(*b.BreakEndsAt))
	assert.True(t, a.BreakEndsAt.Equal(h.clock.Now().Add(5*time.Minute)))

	h.advance(5 * time.Minute)
	settle()
	assert.False(t, h.alice.Snapshot().SelfOnBreak)
	assert.False(t, h.bob.Snapshot().SelfOnBreak)
}

func TestDuplicatedApprovalDeliveryIsHarmless(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	require.NoError(t, h.alice.RequestBreak(1))
	settle()

	// The transport may re-deliver; the approval carries an absolute end,
	// so applying it twice changes nothing.
	h.bus.DuplicateNext(Subject(h.duelID), 1)
	require.NoError(t, h.bob.RespondBreak(true))
	settle()

	a := h.alice.Snapshot()
	require.True(t, a.SelfOnBreak)
	require.NotNil(t, a.BreakEndsAt)
	assert.True(t, a.BreakEndsAt.Equal(h.clock.Now().Add(time.Minute)))

	h.advance(61 * time.Second)
	settle()
	a = h.alice.Snapshot()
	assert.False(t, a.SelfOnBreak)
	assert.Equal(t, int64(1), a.SelfElapsedSec)
	assert.Equal(t, int64(1), h.bob.Snapshot().SelfElapsedSec)
}

func TestBreakRejectionKeepsTimersRunning(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	h.advance(5 * time.Second)
	require.NoError(t, h.alice.RequestBreak(10))
	settle()
	require.Equal(t, BreakPhaseWaiting, h.alice.Snapshot().BreakPhase)

	require.NoError(t, h.bob.RespondBreak(false))
	settle()
	assert.Equal(t, BreakPhaseRejected, h.alice.Snapshot().BreakPhase)
	assert.Equal(t, 1, h.aliceEvents.count(EventTypeBreakRejected))

	// The rejected notice clears on its own and nobody ever paused.
	h.advance(4 * time.Second)
	settle()
	a := h.alice.Snapshot()
	assert.Equal(t, BreakPhaseIdle, a.BreakPhase)
	assert.False(t, a.SelfOnBreak)
	assert.Equal(t, int64(9), a.SelfElapsedSec)
	assert.Equal(t, int64(9), h.bob.Snapshot().SelfElapsedSec)
}

func TestBreakRequestExpiresUnanswered(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	require.NoError(t, h.alice.RequestBreak(5))
	settle()
	require.Equal(t, BreakPhaseWaiting, h.alice.Snapshot().BreakPhase)

	h.advance(121 * time.Second)
	settle()
	assert.Equal(t, BreakPhaseIdle, h.alice.Snapshot().BreakPhase)
	assert.GreaterOrEqual(t, h.aliceEvents.count(EventTypeBreakRequestExpired), 1)

	// The prompt expired on the approver's side too: a late approval is a
	// no-op and nobody pauses.
	require.NoError(t, h.bob.RespondBreak(true))
	settle()
	assert.False(t, h.alice.Snapshot().SelfOnBreak)
	assert.False(t, h.bob.Snapshot().SelfOnBreak)
}

func TestWatchdogFinalizesAfterHardThreshold(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	h.advance(10 * time.Second)
	settle()
	h.bob.Stop()

	h.advance(65 * time.Second)
	settle()

	a := h.alice.Snapshot()
	assert.True(t, a.Terminal)
	assert.Equal(t, h.aliceID, a.WinnerID)
	assert.Equal(t, models.EndReasonDisconnect, a.Reason)
	assert.False(t, a.PeerAlive)

	require.Equal(t, 1, h.store.finalizeCalls())
	applied, ok := h.store.appliedWrite(h.duelID)
	require.True(t, ok)
	assert.Equal(t, h.aliceID, applied.WinnerID)
	assert.Equal(t, models.EndReasonDisconnect, applied.Reason)
	assert.Nil(t, applied.LoserStoppedSec)

	grants := h.store.grantList()
	require.Len(t, grants, 1)
	assert.Equal(t, h.aliceID, grants[0].userID)

	ev, ok := h.aliceEvents.last(EventTypeGameOver)
	require.True(t, ok)
	over := ev.Data.(GameOverPayload)
	assert.True(t, over.Won)

	// Terminal is a latch: more silence triggers nothing further.
	h.advance(2 * time.Minute)
	settle()
	assert.Equal(t, 1, h.store.finalizeCalls())
	assert.Equal(t, 1, h.aliceEvents.count(EventTypeGameOver))
}

func TestSurrenderConvergesOnOneWinner(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	h.advance(2 * time.Minute)
	settle()
	require.NoError(t, h.alice.Surrender())
	settle()

	a := h.alice.Snapshot()
	b := h.bob.Snapshot()
	require.True(t, a.Terminal)
	require.True(t, b.Terminal)
	assert.Equal(t, h.bobID, a.WinnerID)
	assert.Equal(t, h.bobID, b.WinnerID)
	assert.Equal(t, models.EndReasonOpponentSurrender, a.Reason)
	assert.Equal(t, models.EndReasonSurrender, b.Reason)

	// Both sides attempted the write; the record accepted exactly one and
	// both name the same winner.
	assert.Equal(t, 2, h.store.finalizeCalls())
	applied, ok := h.store.appliedWrite(h.duelID)
	require.True(t, ok)
	assert.Equal(t, h.bobID, applied.WinnerID)
	require.NotNil(t, applied.LoserStoppedSec)
	assert.Equal(t, int64(120), *applied.LoserStoppedSec)

	grants := h.store.grantList()
	require.Len(t, grants, 1)
	assert.Equal(t, h.bobID, grants[0].userID)

	ev, ok := h.bobEvents.last(EventTypeGameOver)
	require.True(t, ok)
	assert.True(t, ev.Data.(GameOverPayload).Won)
	ev, ok = h.aliceEvents.last(EventTypeGameOver)
	require.True(t, ok)
	assert.False(t, ev.Data.(GameOverPayload).Won)
}

// heartbeatlessBus swallows heartbeats so both watchdogs starve at once.
type heartbeatlessBus struct {
	inner transport.Bus
}

func (b heartbeatlessBus) Publish(subject string, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type == MessageTypeHeartbeat {
		return nil
	}
	return b.inner.Publish(subject, data)
}

func (b heartbeatlessBus) Subscribe(subject string) (<-chan transport.Message, transport.Subscription, error) {
	return b.inner.Subscribe(subject)
}

func TestConflictingFinalizesSettleByConditionalWrite(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), func(inner transport.Bus) transport.Bus {
		return heartbeatlessBus{inner: inner}
	})

	// No heartbeats ever arrive, so both sides cross the hard threshold and
	// each claims the win for itself.
	h.advance(65 * time.Second)
	settle()

	a := h.alice.Snapshot()
	b := h.bob.Snapshot()
	require.True(t, a.Terminal)
	require.True(t, b.Terminal)
	assert.Equal(t, h.aliceID, a.WinnerID)
	assert.Equal(t, h.bobID, b.WinnerID)

	// Two conflicting writers, one persisted outcome, one grant, and the
	// grant goes to whoever the record actually names.
	assert.Equal(t, 2, h.store.finalizeCalls())
	applied, ok := h.store.appliedWrite(h.duelID)
	require.True(t, ok)
	grants := h.store.grantList()
	require.Len(t, grants, 1)
	assert.Equal(t, applied.WinnerID, grants[0].userID)
}

func TestAloneSessionIgnoresOwnEchoThenFinalizes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := transport.NewMemoryBus()
	store := newFakeStore()
	selfID := uuid.New()

	s := New(DefaultConfig(), Params{
		DuelID:    uuid.New(),
		SelfID:    selfID,
		SelfName:  "alice",
		PeerID:    uuid.New(),
		Clock:     clock,
		Bus:       bus,
		Finalizer: store,
		Rewards:   store,
	})
	require.NoError(t, s.Start(context.Background()))
	recordEvents(s)
	t.Cleanup(s.Stop)
	clock.BlockUntil(4)

	// Our own heartbeats echo back on the bus; past the soft threshold the
	// absent peer shows as stalled but nothing final happens yet.
	advanceClock(clock, 35*time.Second)
	settle()
	snap := s.Snapshot()
	assert.Equal(t, int64(0), snap.PeerElapsedSec)
	assert.False(t, snap.PeerAlive)
	assert.False(t, snap.Terminal)
	assert.Equal(t, 0, store.finalizeCalls())

	// Past the hard threshold the duel resolves in our favor.
	advanceClock(clock, 30*time.Second)
	settle()
	snap = s.Snapshot()
	assert.True(t, snap.Terminal)
	assert.Equal(t, selfID, snap.WinnerID)
	assert.Equal(t, models.EndReasonDisconnect, snap.Reason)
	assert.Equal(t, 1, store.finalizeCalls())
}

func TestReactionBroadcastAndLocalEcho(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	require.NoError(t, h.alice.SendReaction(ReactionFire))
	settle()

	ev, ok := h.aliceEvents.last(EventTypeReaction)
	require.True(t, ok)
	echo := ev.Data.(ReactionEventPayload)
	assert.Equal(t, h.aliceID.String(), echo.FromID)
	assert.Equal(t, "🔥", echo.Emoji)

	ev, ok = h.bobEvents.last(EventTypeReaction)
	require.True(t, ok)
	remote := ev.Data.(ReactionEventPayload)
	assert.Equal(t, h.aliceID.String(), remote.FromID)
	assert.Equal(t, "🔥", remote.Emoji)
	assert.Equal(t, reactionTTL.Milliseconds(), remote.TTLMillis)

	assert.Error(t, h.alice.SendReaction(Reaction("confetti")))
}

func TestExhaustedFinalizeHandsOffToRetryQueue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newFakeStore()
	store.failures = -1
	rq := &fakeRetryQueue{}
	peerID := uuid.New()

	cfg := DefaultConfig()
	cfg.FinalizeAttempts = 1

	s := New(cfg, Params{
		DuelID:    uuid.New(),
		SelfID:    uuid.New(),
		SelfName:  "alice",
		PeerID:    peerID,
		Clock:     clock,
		Bus:       transport.NewMemoryBus(),
		Finalizer: store,
		Rewards:   store,
		Retry:     rq,
	})
	require.NoError(t, s.Start(context.Background()))
	rec := recordEvents(s)
	t.Cleanup(s.Stop)
	clock.BlockUntil(4)

	require.NoError(t, s.Surrender())
	settle()

	// The terminal view renders regardless of persistence.
	assert.Equal(t, 1, rec.count(EventTypeGameOver))
	assert.True(t, s.Snapshot().Terminal)

	queued := rq.queued()
	require.Len(t, queued, 1)
	assert.Equal(t, peerID, queued[0].WinnerID)
	assert.Equal(t, models.EndReasonOpponentSurrender, queued[0].Reason)
	assert.Empty(t, store.grantList())
}

// Commands are handed off unbuffered, so a nil return means the loop took
// the command. After Stop every command must fail; none may be accepted
// into a queue the stopped loop will never drain.
func TestCommandsAfterStopReturnError(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	h.alice.Stop()
	assert.ErrorIs(t, h.alice.RequestBreak(5), ErrSessionOver)
	assert.ErrorIs(t, h.alice.RespondBreak(true), ErrSessionOver)
	assert.ErrorIs(t, h.alice.Surrender(), ErrSessionOver)
	assert.ErrorIs(t, h.alice.SendReaction(ReactionClap), ErrSessionOver)

	assert.Zero(t, h.store.finalizeCalls())
}

func TestRequestBreakValidatesRange(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)

	assert.ErrorIs(t, h.alice.RequestBreak(0), ErrInvalidBreakMinutes)
	assert.ErrorIs(t, h.alice.RequestBreak(61), ErrInvalidBreakMinutes)
	assert.NoError(t, h.alice.RequestBreak(60))
}

func TestStartTwiceFails(t *testing.T) {
	h := newDuelHarness(t, DefaultConfig(), nil)
	assert.ErrorIs(t, h.alice.Start(context.Background()), ErrAlreadyStarted)
}
