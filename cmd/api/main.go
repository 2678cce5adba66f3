package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"volunteer/internal/app"
	"volunteer/internal/auth"
	"volunteer/internal/config"
	"volunteer/internal/fanout"
	"volunteer/internal/httpapi"
	"volunteer/internal/httpmiddleware"
	"volunteer/internal/logging"
	"volunteer/internal/notify"
	"volunteer/internal/opportunity"
	"volunteer/internal/retry"
	"volunteer/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "api",
		Short:         "Opportunity signup and check-in API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")
	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("api failed")
	}
}

func loadConfig() (config.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.App{}, err
	}
	logging.Setup(cfg.Env, cfg.LogLevel)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runHTTP(cfg)
		},
	}
}

func runHTTP(cfg config.App) error {
	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := fanout.NewHub(fanout.Options{
		Buffer: cfg.FanoutBuffer,
		Retry: retry.Policy{
			Attempts: cfg.FanoutRetryAttempts,
			Base:     cfg.FanoutRetryBackoff,
			Max:      2 * time.Second,
		},
		Metrics: a.Metrics,
	})
	bus := fanout.NewBus(a.Fanout, hub)

	deps := opportunity.Deps{
		Store:    a.Store,
		Events:   bus,
		Credits:  a.Credits,
		Notifier: notify.NewQueueNotifier(a.Notify, a.Metrics),
		Metrics:  a.Metrics,
		Location: cfg.Location(),
	}
	authz := auth.NewAdminSet(cfg.AdminUserIDs)

	srv := &httpapi.Server{
		Ledger:         opportunity.NewSignupLedger(deps),
		CheckIns:       opportunity.NewCheckInStateMachine(deps),
		Approvals:      opportunity.NewApprovalService(deps, authz),
		AuthZ:          authz,
		Hub:            hub,
		Metrics:        a.Metrics,
		SigningKey:     cfg.JWTSigningKey,
		Issuer:         cfg.JWTIssuer,
		Limiter:        httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, a.Metrics).GinMiddleware(),
		MetricsHandler: promhttp.Handler(),
		Health:         a.Health(),
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "fanout bus")
		}
		return nil
	})

	// A memory queue cannot reach a separate worker, and a memory store
	// is invisible to it, so this process does that work itself.
	if cfg.QueueBackend == "memory" {
		g.Go(func() error {
			return notify.NewSender(cfg.NotifyURL, a.Metrics).Run(ctx, a.Notify)
		})
	}
	if cfg.StoreBackend == "memory" {
		g.Go(func() error {
			return app.RunCreditSweep(ctx, a.Credits, cfg.CreditSweepInterval)
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Str("store", cfg.StoreBackend).Str("queue", cfg.QueueBackend).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		// Closing the hub ends open event streams; Shutdown would
		// otherwise wait on them forever.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("api stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := store.NewDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := opportunity.NewPostgresStore(db.Client).Migrate(ctx); err != nil {
				return err
			}
			log.Info().Msg("schema up to date")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.AccessTTL
			}
			tok, err := auth.Issue(subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id the token is issued to")
	cmd.Flags().StringVar(&role, "role", auth.RoleVolunteer, "role claim (volunteer or admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to ACCESS_TTL")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
