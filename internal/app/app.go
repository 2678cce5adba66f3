// Package app wires configuration into the stores, queues and clients
// shared by the api and worker binaries.
package app

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"volunteer/internal/config"
	"volunteer/internal/hoursledger"
	"volunteer/internal/httpapi"
	"volunteer/internal/metrics"
	"volunteer/internal/opportunity"
	"volunteer/internal/queue"
	"volunteer/internal/retry"
	"volunteer/internal/store"
)

const (
	fanoutChannel   = "volunteer:fanout"
	notifyQueueKey  = "volunteer:notifications"
	memoryQueueSize = 1024
	sweepBatch      = 100
)

// App is the set of long-lived dependencies of one process.
type App struct {
	Config  config.App
	Metrics *metrics.Metrics

	Store    opportunity.Store
	Postgres *opportunity.PostgresStore
	DB       *store.DB
	Redis    *store.Redis

	// Fanout carries committed events to every API replica's hub.
	Fanout queue.Queue
	// Notify carries notification jobs to the worker.
	Notify queue.Queue

	HoursLedger *hoursledger.Client
	Credits     *opportunity.CreditRelay
}

// New opens everything cfg asks for. Collectors are registered with reg.
func New(ctx context.Context, cfg config.App, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New(reg)}

	switch cfg.StoreBackend {
	case "memory":
		log.Warn().Msg("using in-memory store; state is lost on restart and not shared between processes")
		a.Store = opportunity.NewMemoryStore()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.Postgres = opportunity.NewPostgresStore(db.Client)
		a.Store = a.Postgres
	}

	switch cfg.QueueBackend {
	case "memory":
		a.Fanout = queue.NewInMemory(memoryQueueSize)
		a.Notify = queue.NewInMemory(memoryQueueSize)
	default:
		a.Redis = store.NewRedis(cfg.RedisAddr)
		if err := a.Redis.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable yet")
		}
		a.Fanout = queue.NewRedisBroadcast(a.Redis.Client, fanoutChannel)
		a.Notify = queue.NewRedisQueue(a.Redis.Client, notifyQueueKey)
	}

	a.HoursLedger = hoursledger.New(cfg.HoursLedgerURL, cfg.HoursLedgerSkip)
	a.Credits = opportunity.NewCreditRelay(a.Store, a.HoursLedger, retry.Default, a.Metrics)
	return a, nil
}

// Health lists the dependencies /healthz reports.
func (a *App) Health() []httpapi.HealthCheck {
	checks := []httpapi.HealthCheck{{Name: "store", Check: a.Store.Ping}}
	if a.Redis != nil {
		checks = append(checks, httpapi.HealthCheck{Name: "redis", Check: a.Redis.Ping})
	}
	checks = append(checks, httpapi.HealthCheck{Name: "hours_ledger", Check: a.HoursLedger.Health})
	return checks
}

// Close releases connections.
func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		log.Warn().Err(err).Msg("closing redis")
	}
	if err := a.DB.Close(); err != nil {
		log.Warn().Err(err).Msg("closing postgres")
	}
}

// RunCreditSweep redelivers unacknowledged hour credits every interval
// until ctx is done.
func RunCreditSweep(ctx context.Context, relay *opportunity.CreditRelay, interval time.Duration) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := relay.Sweep(ctx, sweepBatch); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("hour credit sweep failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "schedule credit sweep")
	}

	log.Info().Dur("interval", interval).Msg("hour credit sweep scheduled")
	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}
