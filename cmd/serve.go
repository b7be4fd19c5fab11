package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coveragecheck/coveragecheck/internal/api"
	"github.com/coveragecheck/coveragecheck/internal/consensus"
	"github.com/coveragecheck/coveragecheck/internal/decay"
)

var (
	servePort     int
	serveWithJobs bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the acceptance API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		engine := consensus.New(st)
		ledger := consensus.NewLedger(st)
		server := api.NewServer(engine, ledger, cfg.Server)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.Handler(),
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if serveWithJobs || cfg.Decay.RunInServer {
			job := decay.NewJob(st)
			g.Go(func() error { return runRecalcLoop(ctx, job) })
			g.Go(func() error { return runCleanupLoop(ctx, job) })
		}

		if err := g.Wait(); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

// runRecalcLoop reruns the confidence recalculation on a fixed interval
// until the context is cancelled.
func runRecalcLoop(ctx context.Context, job *decay.Job) error {
	interval := time.Duration(cfg.Decay.RecalcEveryHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := job.Recalculate(ctx, decay.RecalcOptions{BatchSize: cfg.Decay.BatchSize}); err != nil && ctx.Err() == nil {
				zap.L().Error("scheduled recalculation failed", zap.Error(err))
			}
		}
	}
}

// runCleanupLoop reruns the expiry cleanup on a fixed interval until the
// context is cancelled.
func runCleanupLoop(ctx context.Context, job *decay.Job) error {
	interval := time.Duration(cfg.Decay.CleanupEveryHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := job.Cleanup(ctx, decay.CleanupOptions{BatchSize: cfg.Decay.BatchSize}); err != nil && ctx.Err() == nil {
				zap.L().Error("scheduled cleanup failed", zap.Error(err))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithJobs, "with-jobs", false, "run decay and cleanup loops inside the server process")
	rootCmd.AddCommand(serveCmd)
}
