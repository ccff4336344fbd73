package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/jobrunner/internal/gateway"
	httpapi "github.com/nextlevelbuilder/jobrunner/internal/http"
	"github.com/nextlevelbuilder/jobrunner/internal/logging"
	"github.com/nextlevelbuilder/jobrunner/internal/maintenance"
	"github.com/nextlevelbuilder/jobrunner/internal/notify"
	"github.com/nextlevelbuilder/jobrunner/internal/queue"
	"github.com/nextlevelbuilder/jobrunner/internal/scheduler"
	"github.com/nextlevelbuilder/jobrunner/internal/state"
	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.Log.Level, cfg.Log.File); err != nil {
				return err
			}

			s, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()

			states := state.NewEngine(s)
			queues := queue.NewEngine(s)

			gw := gateway.New(cfg.Gateway.URL, cfg.Gateway.TokenPath)
			notifier := notify.NewSlack(cfg.Notifications.SlackTokenPath)

			sched := scheduler.New(s, gw, notifier, scheduler.Options{
				MaxConcurrency:      cfg.MaxConcurrency,
				ShutdownGraceMS:     cfg.ShutdownGraceMS,
				ReconcileIntervalMS: cfg.ReconcileIntervalMS,
				DefaultOnFailure:    strOrEmpty(cfg.Notifications.DefaultOnFailure),
				DefaultOnSuccess:    strOrEmpty(cfg.Notifications.DefaultOnSuccess),
			})
			if err := sched.Start(); err != nil {
				return err
			}

			maint := maintenance.New(s, states, queues, maintenance.Options{
				IntervalMS:       cfg.StateCleanupIntervalMS,
				RunRetentionDays: cfg.RunRetentionDays,
			})
			maint.Start()

			api := httpapi.NewServer(s, sched, cfg.Port)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(api.ListenAndServe)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := api.Shutdown(shutdownCtx); err != nil {
					slog.Warn("http shutdown", "error", err)
				}
				maint.Stop()
				sched.Stop()
				return nil
			})

			if err := g.Wait(); err != nil {
				return err
			}
			slog.Info("jobrunner stopped")
			return nil
		},
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
