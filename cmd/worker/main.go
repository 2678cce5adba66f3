package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"volunteer/internal/app"
	"volunteer/internal/config"
	"volunteer/internal/logging"
	"volunteer/internal/notify"
)

// Worker sends queued notifications and redelivers hour credits the
// hours ledger has not acknowledged.
func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Start the background worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Env, cfg.LogLevel)
			return runWorker(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "optional YAML config file")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func runWorker(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StoreBackend == "memory" || cfg.QueueBackend == "memory" {
		log.Warn().Msg("memory backends are per process; the api does this work itself")
	}

	a, err := app.New(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	// Check hours ledger health on startup
	if err := a.HoursLedger.Health(ctx); err != nil {
		log.Warn().Err(err).Msg("hours ledger not available, credits stay pending until it is")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Msg("notification sender started")
		return notify.NewSender(cfg.NotifyURL, a.Metrics).Run(ctx, a.Notify)
	})

	g.Go(func() error {
		return app.RunCreditSweep(ctx, a.Credits, cfg.CreditSweepInterval)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker error")
		return err
	}
	log.Info().Msg("worker shutting down gracefully")
	return nil
}
