// Package app is the composition root of the trading venue backend.
//
// It wires together all subsystems:
//
//  1. Postgres holds the canonical books: markets, orders, trades, balances, swaps.
//  2. Redis carries the job fabric, the order-book mirror, stats and caches.
//  3. The matching engine executes orders; settlement and swap workers drain
//     the async queues it feeds.
//  4. The lifecycle engine drives markets from registration to activation,
//     fed by the permissions webhook and the fallback poller.
//  5. The reconciler runs on a schedule and squares local state with chain.
//  6. The API server is the only ingress; the WebSocket hub is the only push
//     egress.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"omen-backend/internal/api"
	"omen-backend/internal/balance"
	"omen-backend/internal/chain"
	"omen-backend/internal/compliance"
	"omen-backend/internal/config"
	"omen-backend/internal/events"
	"omen-backend/internal/ingress"
	"omen-backend/internal/jobs"
	"omen-backend/internal/lifecycle"
	"omen-backend/internal/matching"
	"omen-backend/internal/nonce"
	"omen-backend/internal/notify"
	"omen-backend/internal/orderbook"
	"omen-backend/internal/permissions"
	"omen-backend/internal/repo"
	"omen-backend/internal/settlement"
	"omen-backend/internal/sigverify"
	"omen-backend/internal/stats"
	"omen-backend/internal/storage"
	"omen-backend/internal/swap"
)

// Queue names. Every producer and worker agrees on these.
const (
	QueueMatching       = "matching"
	QueueSettlement     = "settlement"
	QueueSwaps          = "swaps"
	QueueLifecycle      = "lifecycle"
	QueueNotifications  = "notifications"
	QueueStats          = "stats"
	QueueReconciliation = "reconciliation"
)

const (
	reconcileInterval = 15 * time.Minute
	chainTag          = "sapphire"

	// matchClaimRate caps how fast matching workers pull jobs so a burst of
	// submissions cannot starve Redis.
	matchClaimRate = 100
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db  *sql.DB
	rdb *redis.Client
	bus *events.Bus

	server    *api.Server
	workers   []*jobs.Worker
	scheduler *jobs.Scheduler
	poller    *ingress.Poller

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components. Nothing starts running until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := storage.OpenPostgres(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	rdb, err := storage.OpenRedis(ctx, cfg.Redis, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := events.NewBus(logger)

	// Stores. Token, pair and balance reads go through Redis read-through
	// caches; writers invalidate after the Postgres commit.
	markets := repo.NewMarkets(db)
	tokens := repo.NewCachedTokens(repo.NewTokens(db), rdb, logger)
	pairs := repo.NewCachedPairs(repo.NewPairs(db), rdb, logger)
	orders := repo.NewOrders(db)
	trades := repo.NewTrades(db)
	swaps := repo.NewSwaps(db)
	complianceRecords := repo.NewCompliance(db)
	balances := balance.NewCached(balance.NewBook(db), rdb, logger)
	exec := repo.NewTradeExec(db).WithInvalidator(balances.Invalidate)
	ledger := events.NewLedger(db)

	book := orderbook.New(rdb, orders)
	gate := compliance.NewGate(complianceRecords)
	nonces := nonce.NewLedger(rdb)
	verifier := sigverify.New(cfg.Sapphire.ChainID, cfg.Sapphire.SettlementContract)
	jobClient := jobs.NewClient(rdb)

	chainClient, err := chain.NewSapphire(ctx, cfg.Sapphire, logger)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("chain client: %w", err)
	}

	perms := permissions.NewClient(cfg.Perms, rdb, logger)

	matcher := matching.New(matching.Deps{
		Orders:     orders,
		Pairs:      pairs,
		Markets:    markets,
		Tokens:     tokens,
		Balances:   balances,
		Exec:       exec,
		Book:       book,
		Jobs:       jobClient,
		Verifier:   verifier,
		Nonces:     nonces,
		Compliance: gate,
		Bus:        bus,
		Queues: matching.Queues{
			Match:         QueueMatching,
			Settlement:    QueueSettlement,
			Notifications: QueueNotifications,
			Stats:         QueueStats,
		},
	}, logger)

	lifecycleEngine := lifecycle.New(lifecycle.Deps{
		Markets:    markets,
		Tokens:     tokens,
		Pairs:      pairs,
		Authorizer: perms,
		Chain:      chainClient,
		Jobs:       jobClient,
		Bus:        bus,
		Logger:     logger,
		Queue:      QueueLifecycle,
		ChainTag:   chainTag,
	})

	swapProcessor := swap.New(swap.Deps{
		Swaps:      swaps,
		Tokens:     tokens,
		Balances:   balances,
		Bridge:     chainClient,
		Compliance: gate,
		Jobs:       jobClient,
		Bus:        bus,
		Logger:     logger,
		Queue:      QueueSwaps,
	})

	settler := settlement.NewWorker(trades, chainClient, bus, logger)
	reconciler := settlement.NewReconciler(tokens, balances, trades, chainClient, bus, logger)
	aggregator := stats.New(rdb, trades, pairs, tokens, logger)
	notifier := notify.New(rdb, trades, logger)

	processor := ingress.NewProcessor(ledger, lifecycleEngine, logger)
	poller := ingress.NewPoller(perms, processor, cfg.Perms.PollInterval, logger)

	server, err := api.NewServer(cfg, api.Deps{
		Markets:     lifecycleEngine,
		MarketReads: markets,
		Orders:      matcher,
		OrderReads:  orders,
		Trades:      trades,
		Pairs:       pairs,
		Swaps:       swapProcessor,
		Balances:    balances,
		Stats:       aggregator,
		Depth:       book,
		Notify:      notifier,
		Ingress:     processor,
		Bus:         bus,
		DB:          db,
		Redis:       rdb,
		Logger:      logger,
	})
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}

	app := &App{
		cfg:    cfg,
		logger: logger.With("component", "app"),
		db:     db,
		rdb:    rdb,
		bus:    bus,
		server: server,
		poller: poller,
	}

	app.workers = []*jobs.Worker{
		worker(jobClient, QueueMatching, jobs.WorkerOptions{
			Concurrency: cfg.Queues.WorkerConcurrency,
			Limiter:     rate.NewLimiter(rate.Limit(matchClaimRate), matchClaimRate),
		}, logger, map[string]jobs.Handler{
			"match": matcher.HandleMatch,
		}),
		worker(jobClient, QueueSettlement, jobs.WorkerOptions{Concurrency: 3}, logger, map[string]jobs.Handler{
			"settle-trade": settler.HandleSettle,
		}),
		worker(jobClient, QueueSwaps, jobs.WorkerOptions{Concurrency: 3}, logger, map[string]jobs.Handler{
			"process-swap": swapProcessor.HandleSwap,
		}),
		worker(jobClient, QueueLifecycle, jobs.WorkerOptions{Concurrency: 1}, logger, map[string]jobs.Handler{
			"deploy-token": lifecycleEngine.HandleDeploy,
		}),
		worker(jobClient, QueueNotifications, jobs.WorkerOptions{Concurrency: 10}, logger, map[string]jobs.Handler{
			"trade-executed": notifier.HandleTradeExecuted,
		}),
		worker(jobClient, QueueStats, jobs.WorkerOptions{Concurrency: 2}, logger, map[string]jobs.Handler{
			"record-trade": aggregator.HandleRecordTrade,
		}),
		worker(jobClient, QueueReconciliation, jobs.WorkerOptions{Concurrency: 1}, logger, map[string]jobs.Handler{
			"reconcile": reconciler.HandleReconcile,
		}),
	}

	app.scheduler = jobs.NewScheduler(jobClient, logger)
	app.scheduler.Every(reconcileInterval, "reconcile", QueueReconciliation, "reconcile", nil, jobs.Options{
		JobID:    "reconcile-sweep",
		Attempts: 1,
	})

	return app, nil
}

func worker(client *jobs.Client, queue string, opts jobs.WorkerOptions, logger *slog.Logger, handlers map[string]jobs.Handler) *jobs.Worker {
	w := jobs.NewWorker(client, queue, opts, logger)
	for name, h := range handlers {
		w.Handle(name, h)
	}
	return w
}

// Start launches workers, the poller, the scheduler and the API server.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	for _, w := range a.workers {
		w := w
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			w.Run(ctx)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.poller.Run(ctx)
	}()

	a.scheduler.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Start(ctx); err != nil {
			a.logger.Error("api server exited", "error", err)
		}
	}()

	a.logger.Info("backend started",
		"port", a.cfg.Port,
		"workers", len(a.workers),
		"websockets", a.cfg.EnableWebsockets,
	)
	return nil
}

// Stop drains the HTTP server first so no new jobs are produced, then stops
// workers, then closes storage.
func (a *App) Stop() {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Error("api shutdown failed", "error", err)
	}

	a.scheduler.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close failed", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("postgres close failed", "error", err)
	}
	a.logger.Info("shutdown complete")
}
