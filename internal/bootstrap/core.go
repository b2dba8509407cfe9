// Package bootstrap assembles the coordination core from configuration:
// store backend, registry, assignment engine, payment streamer, dispute
// coordinator, outbox and dispatcher, with the cross-component callbacks
// wired in one place.
package bootstrap

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the postgres store
	"github.com/sirupsen/logrus"

	"github.com/example/meshwork/internal/assign"
	"github.com/example/meshwork/internal/config"
	"github.com/example/meshwork/internal/dispute"
	"github.com/example/meshwork/internal/events"
	"github.com/example/meshwork/internal/payment"
	"github.com/example/meshwork/internal/registry"
	"github.com/example/meshwork/internal/state"
)

type Core struct {
	Config     *config.Config
	Log        *logrus.Logger
	Store      state.Store
	Outbox     *events.Outbox
	Registry   *registry.Registry
	Engine     *assign.Engine
	Disputes   *dispute.Coordinator
	Dispatcher *events.Dispatcher
}

// New builds a fully wired core. The registry's offline callback requeues
// orphaned jobs through the engine, and the engine's deadline sweep opens
// disputes through the coordinator; both components share one set of job
// locks.
func New(cfg *config.Config) (*Core, error) {
	log := newLogger(cfg.LogLevel)

	store, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	outbox := events.NewOutbox(cfg.Events.OutboxCapacity)
	streamer := payment.New(outbox, cfg.Payment.ProtocolFeeBps)

	reg := registry.New(store, outbox, log, registry.Options{
		LivenessTimeout: cfg.Registry.LivenessTimeout,
		SweepInterval:   cfg.Registry.SweepInterval,
	})

	engine := assign.New(store, reg, streamer, state.NewKeyedMutex(), log, assign.Options{
		Tick:            cfg.Assign.TickInterval,
		RetentionWindow: cfg.Assign.RetentionWindow,
	})

	disputes := dispute.New(store, reg, streamer, outbox, engine.JobLocks(), log, dispute.Options{
		JurySize:           cfg.Dispute.JurySize,
		JuryBuffer:         cfg.Dispute.JuryBuffer,
		ConsensusThreshold: cfg.Dispute.ConsensusThreshold,
		MinJury:            cfg.Dispute.MinJury,
		AcceptWindow:       cfg.Dispute.AcceptWindow,
		VoteWindow:         cfg.Dispute.VoteWindow,
		MinJurorReputation: cfg.Dispute.MinJurorReputation,
		SweepInterval:      cfg.Dispute.SweepInterval,
		RetentionWindow:    cfg.Assign.RetentionWindow,
	})

	engine.SetDisputeOpener(disputes)
	reg.SetOfflineHandler(engine.HandleWorkerOffline)

	dispatcher := events.NewDispatcher(reg, engine, disputes, log, cfg.Events.SkewWindow)

	return &Core{
		Config:     cfg,
		Log:        log,
		Store:      store,
		Outbox:     outbox,
		Registry:   reg,
		Engine:     engine,
		Disputes:   disputes,
		Dispatcher: dispatcher,
	}, nil
}

// Run starts the background sweeps and blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	go c.Registry.Run(ctx)
	go c.Engine.Run(ctx)
	go c.Disputes.Run(ctx)
	<-ctx.Done()
}

func newStore(cfg config.StoreConfig) (state.Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return state.NewMemoryStore(), nil
	case config.StorePostgres:
		return state.NewPostgresStore(cfg.PostgresDSN)
	case config.StoreRedis:
		return state.NewRedisStore(state.RedisStoreConfig{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
	case config.StoreEtcd:
		return state.NewEtcdStore(cfg.EtcdEndpoints)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
