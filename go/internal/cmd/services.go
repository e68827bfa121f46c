package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/studylane/studylane/go/internal/duel"
	"github.com/studylane/studylane/go/internal/gateway"
	"github.com/studylane/studylane/go/internal/identity"
	"github.com/studylane/studylane/go/internal/reward"
	"github.com/studylane/studylane/go/internal/transport"
	"github.com/studylane/studylane/go/internal/users"
)

type Services struct {
	Duels      *duel.App
	Users      *users.App
	Rewards    *reward.App
	Reconciler *duel.Reconciler
	Registry   *gateway.SessionRegistry
	Manager    *gateway.ConnectionManager
	Handler    *gateway.Handler
}

func setupServices(pool *pgxpool.Pool, bus transport.Bus, cfg *Config) (*Services, error) {
	// Database layer → Repository layer → App layer → Gateway layer
	clock := clockwork.NewRealClock()

	duelRepo := duel.NewRepository(pool)
	duelApp := duel.NewApp(duelRepo, clock)

	userApp := users.NewApp(users.NewRepository(pool))

	rewardRepo := reward.NewRepository(pool)
	rewardApp := reward.NewApp(rewardRepo, cfg.pointsPerWin())

	reconciler, err := duel.NewReconciler(duelApp, rewardApp, cfg.sweepInterval())
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	registry := gateway.NewSessionRegistry(duelApp, rewardApp, reconciler, bus, clock, cfg.sessionConfig())
	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), registry, registry)
	registry.SetConnectionManager(manager)

	handler := gateway.NewHandler(duelApp, userApp, identity.NewHeaderProvider(), manager, registry)

	return &Services{
		Duels:      duelApp,
		Users:      userApp,
		Rewards:    rewardApp,
		Reconciler: reconciler,
		Registry:   registry,
		Manager:    manager,
		Handler:    handler,
	}, nil
}
