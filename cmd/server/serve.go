package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/scheduler"
)

var restoreSymbols []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the websocket hub and the scheduled jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&restoreSymbols, "restore", nil, "symbols whose books are rebuilt from their latest snapshot at startup")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := bootstrap()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, symbol := range restoreSymbols {
		ok, err := a.books.Restore(ctx, symbol)
		if err != nil {
			return fmt.Errorf("restore %s: %w", symbol, err)
		}
		logger.Info("startup restore", "symbol", symbol, "restored", ok)
	}

	sched, err := a.jobs()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      a.server().Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(gctx) })

	sched.Start(gctx)
	g.Go(sched.Wait)

	g.Go(func() error {
		logger.Info("mmengine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down mmengine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := a.reporter.Started(ctx); err != nil {
		logger.Error("record monitor start failed", "err", err)
	}

	err = g.Wait()

	// Persist the books one last time so a restart can restore them.
	finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := a.books.SnapshotAll(finalCtx).Err(); serr != nil {
		logger.Error("final snapshot failed", "err", serr)
	}

	if err != nil {
		logger.Error("mmengine exited with error", "err", err)
		return err
	}
	logger.Info("mmengine stopped")
	return nil
}

// jobs registers the periodic work: quote expiry, book snapshots, snapshot
// retention and the system monitor.
func (a *app) jobs() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.ports.Clock, a.logger)

	sweep := time.Duration(a.cfg.Scheduler.SweepIntervalSeconds) * time.Second
	snapshot := a.cfg.BookSettings().SnapshotInterval
	if snapshot <= 0 {
		snapshot = book.DefaultSnapshotInterval
	}
	monitorEvery := time.Duration(a.cfg.Scheduler.MonitorIntervalSeconds) * time.Second

	return s, errors.Join(
		s.Every("quote-expiry", sweep, func(ctx context.Context) error {
			swept := a.quotes.Engine().SweepExpired(ctx)
			expired := a.quotes.ExpireStale()
			if swept+expired > 0 {
				a.logger.Debug("quotes expired", "engine", swept, "active", expired)
			}
			return nil
		}),
		s.Every("book-snapshot", snapshot, func(ctx context.Context) error {
			return a.books.SnapshotAll(ctx).Err()
		}),
		s.Daily("snapshot-cleanup", a.cfg.Scheduler.CleanupHour, func(ctx context.Context) error {
			_, err := a.books.CleanupExpired(ctx)
			return err
		}),
		s.Every("system-snapshot", monitorEvery, a.reporter.Snapshot),
		s.Every("detailed-snapshot", time.Hour, a.reporter.DetailedSnapshot),
	)
}
