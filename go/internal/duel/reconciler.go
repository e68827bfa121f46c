package duel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Granter credits the winner of a reconciled finalize.
type Granter interface {
	GrantDuelReward(ctx context.Context, duelID, userID uuid.UUID) error
}

// Reconciler re-drives finalize writes that failed past a session's own
// retries. A locally finished duel whose record never left active is the
// worst failure mode of this subsystem; the sweep closes that gap.
type Reconciler struct {
	app     *App
	rewards Granter
	sched   gocron.Scheduler

	mu      sync.Mutex
	pending map[uuid.UUID]FinalizeDuelRequest
}

// NewReconciler creates a reconciler sweeping on the given interval.
func NewReconciler(app *App, rewards Granter, interval time.Duration) (*Reconciler, error) {
	r := &Reconciler{
		app:     app,
		rewards: rewards,
		pending: make(map[uuid.UUID]FinalizeDuelRequest),
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.sweep),
	); err != nil {
		return nil, fmt.Errorf("failed to schedule reconcile job: %w", err)
	}
	r.sched = sched
	return r, nil
}

// Start begins the periodic sweep.
func (r *Reconciler) Start() {
	r.sched.Start()
	log.Info().Msg("duel reconciler started")
}

// Stop shuts the scheduler down.
func (r *Reconciler) Stop() {
	if err := r.sched.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("reconciler shutdown failed")
	}
}

// EnqueueFinalize records a finalize write to re-drive. Called by sessions
// whose own retries exhausted.
func (r *Reconciler) EnqueueFinalize(req FinalizeDuelRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[req.DuelID]; exists {
		return
	}
	r.pending[req.DuelID] = req
	log.Info().
		Str("duel_id", req.DuelID.String()).
		Msg("finalize queued for reconciliation")
}

// PendingCount reports how many finalizes await reconciliation.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) sweep() {
	r.mu.Lock()
	batch := make([]FinalizeDuelRequest, 0, len(r.pending))
	for _, req := range r.pending {
		batch = append(batch, req)
	}
	r.mu.Unlock()

	ctx := context.Background()
	for _, req := range batch {
		applied, err := r.app.FinalizeDuel(ctx, req)
		if err != nil {
			log.Warn().
				Err(err).
				Str("duel_id", req.DuelID.String()).
				Msg("reconcile finalize failed, will retry next sweep")
			continue
		}

		// Applied or already finished by the other side: either way the
		// record is settled and the entry can go. The reward grant is
		// idempotent per duel, so re-driving it after an applied write is
		// safe even if an earlier grant partially ran.
		if applied {
			if err := r.rewards.GrantDuelReward(ctx, req.DuelID, req.WinnerID); err != nil {
				log.Warn().
					Err(err).
					Str("duel_id", req.DuelID.String()).
					Msg("reconcile reward grant failed, will retry next sweep")
				continue
			}
		}

		r.mu.Lock()
		delete(r.pending, req.DuelID)
		r.mu.Unlock()
	}

	r.reportStale(ctx)
}

const (
	staleActiveAge   = 15 * time.Minute
	staleActiveLimit = 100
)

// reportStale surfaces active records that no client is going to finalize
// anymore. These need operator attention; the sweep cannot invent a winner.
func (r *Reconciler) reportStale(ctx context.Context) {
	stale, err := r.app.StaleActive(ctx, staleActiveAge, staleActiveLimit)
	if err != nil {
		log.Warn().Err(err).Msg("stale duel check failed")
		return
	}
	for _, d := range stale {
		log.Warn().
			Str("duel_id", d.ID.String()).
			Time("updated_at", d.UpdatedAt).
			Msg("active duel untouched past staleness horizon")
	}
}
