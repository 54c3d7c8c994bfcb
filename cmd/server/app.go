package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/market-maker/internal/api"
	"github.com/atmx/market-maker/internal/audit"
	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/config"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/monitor"
	"github.com/atmx/market-maker/internal/position"
	"github.com/atmx/market-maker/internal/quote"
	"github.com/atmx/market-maker/internal/risk"
	"github.com/atmx/market-maker/internal/store"
	"github.com/atmx/market-maker/internal/trade"
)

// app is the fully wired engine.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	ports  core.Ports

	books     *book.Aggregator
	quotes    *quote.Service
	risk      *risk.Service
	positions *position.Ledger
	trades    *trade.Resolver
	audit     *audit.Service
	hub       *api.Hub
	reporter  *monitor.Reporter

	cleanup []func()
}

// openStore picks PostgreSQL when a database URL is configured and the
// in-memory store otherwise. Redis caching is layered on top when set.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, []func(), error) {
	var cleanup []func()

	if cfg.Database.URL == "" {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	logger.Info("connected to PostgreSQL")

	events, err := store.OpenGormEventStore(cfg.Database.URL)
	if err != nil {
		runAll(cleanup)
		return nil, nil, err
	}
	cleanup = append(cleanup, func() { events.Close() })
	if err := events.Migrate(ctx); err != nil {
		runAll(cleanup)
		return nil, nil, fmt.Errorf("migrate audit events: %w", err)
	}

	var st store.Store = store.Composite{
		SnapshotStore:  pg,
		PositionStore:  pg,
		TradeStore:     pg,
		RiskAuditStore: pg,
		EventStore:     events,
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			runAll(cleanup)
			return nil, nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisTTL())
		logger.Info("Redis cache enabled", "ttl", cfg.RedisTTL())
	}
	return st, cleanup, nil
}

// newApp wires every component from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, cleanup: cleanup}

	var sink audit.Sink = audit.NewStoreSink(st)
	if len(cfg.Kafka.Brokers) > 0 {
		pub := audit.NewKafkaPublisher(audit.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		a.cleanup = append(a.cleanup, func() { pub.Close() })
		sink = audit.Multi{sink, pub}
	}

	clk := clock.System{}
	a.ports = core.Ports{Clock: clk, Store: st, Audit: sink, Logger: logger}

	rules, err := cfg.RiskRules()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.risk = risk.NewService(risk.NewEngine(rules, clk), a.ports)

	a.hub = api.NewHub(logger)
	a.books = book.NewAggregator(a.ports, cfg.BookSettings())
	a.quotes, err = quote.NewService(
		quote.NewEngine(a.books, a.ports, cfg.EngineSettings()),
		a.risk, a.hub, a.ports,
		quote.ServiceConfig{HistorySize: cfg.Quote.HistorySize},
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.positions = position.NewLedger(a.ports)
	a.trades = trade.NewResolver(a.positions, a.risk, a.hub, a.ports)
	a.audit = audit.NewService(st, sink, clk, logger)
	a.reporter = monitor.NewReporter(a.audit, a.books, a.quotes, a.risk, logger)
	return a, nil
}

func (a *app) server() *api.Server {
	return &api.Server{
		Books:     a.books,
		Quotes:    a.quotes,
		Risk:      a.risk,
		Positions: a.positions,
		Trades:    a.trades,
		Audit:     a.audit,
		Hub:       a.hub,
		Logger:    a.logger,
	}
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	runAll(a.cleanup)
	a.cleanup = nil
}

func runAll(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
