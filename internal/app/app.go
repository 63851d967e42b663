// Package app assembles the full pipeline: repositories, exchange client,
// event bus and every bus-driven component, plus the operational HTTP server.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/regimebot/regimebot/internal/audit"
	"github.com/regimebot/regimebot/internal/config"
	"github.com/regimebot/regimebot/internal/events"
	"github.com/regimebot/regimebot/internal/exchange"
	"github.com/regimebot/regimebot/internal/execution"
	"github.com/regimebot/regimebot/internal/features"
	"github.com/regimebot/regimebot/internal/httpapi"
	"github.com/regimebot/regimebot/internal/ingest"
	"github.com/regimebot/regimebot/internal/metrics"
	"github.com/regimebot/regimebot/internal/params"
	"github.com/regimebot/regimebot/internal/persistence"
	"github.com/regimebot/regimebot/internal/persistence/memory"
	"github.com/regimebot/regimebot/internal/persistence/postgres"
	"github.com/regimebot/regimebot/internal/position"
	"github.com/regimebot/regimebot/internal/regime"
	"github.com/regimebot/regimebot/internal/risk"
	"github.com/regimebot/regimebot/internal/strategy"
)

// dailyFlushInterval controls how often the daily metrics row is persisted.
const dailyFlushInterval = time.Minute

// App owns the assembled pipeline.
type App struct {
	cfg     config.Config
	repo    *persistence.Repository
	bus     *events.Bus
	ingest  *ingest.Service
	daily   *metrics.DailyAggregator
	httpSrv *httpapi.Server
	cleanup []func()
}

// New builds the pipeline from configuration. Non-production runs without
// API keys fall back to the in-memory repository and the paper exchange.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{cfg: cfg}

	repo, err := a.buildRepository(ctx)
	if err != nil {
		return nil, err
	}
	a.repo = repo

	client := a.buildExchange()
	bus := events.NewBus(events.Queued)
	a.bus = bus
	auditLog := audit.NewWriter(repo.Audit, bus)

	paramsSvc := params.NewService(repo.Params)
	baseline, err := config.LoadParams(cfg.ParamsFile)
	if err != nil {
		return nil, err
	}
	if err := paramsSvc.Seed(ctx, baseline); err != nil {
		return nil, fmt.Errorf("seed baseline params: %w", err)
	}

	pairs := make([]ingest.Pair, 0, 2*len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		pairs = append(pairs,
			ingest.Pair{Symbol: symbol, Timeframe: "1m"},
			ingest.Pair{Symbol: symbol, Timeframe: "5m"},
		)
	}
	a.ingest = ingest.NewService(ingest.DefaultConfig(pairs), client, repo.Candles, bus, auditLog)

	featureSvc := features.NewService(features.DefaultConfig(), repo.Candles, repo.Features, bus, auditLog)
	featureSvc.Attach(ctx)

	regimeEngine := regime.NewEngine(regime.DefaultConfig(), repo.Regimes, bus, auditLog)
	regimeEngine.Attach(ctx)

	planner := strategy.NewPlanner(repo.Regimes, paramsSvc, bus, auditLog,
		strategy.NewBreakout(strategy.DefaultBreakoutConfig(), repo.Candles),
		strategy.NewContinuation(strategy.DefaultContinuationConfig(), repo.Candles),
		strategy.NewReversal(strategy.DefaultReversalConfig(), repo.Candles),
	)
	planner.Attach(ctx)

	riskSvc := risk.NewService(risk.DefaultConfig(), repo, paramsSvc, a.buildTracker(), bus, auditLog)
	riskSvc.Attach(ctx)

	execEngine := execution.NewEngine(execution.DefaultConfig(), client, repo, bus, auditLog, nil)
	execEngine.Attach(ctx)

	manager := position.NewManager(position.DefaultConfig(), repo.Positions, paramsSvc, bus, auditLog)
	manager.Attach(ctx)

	registry := prometheus.NewRegistry()
	metrics.New(registry).Attach(bus)
	a.daily = metrics.NewDailyAggregator(repo.DailyMetrics)
	a.daily.Attach(bus)

	a.httpSrv = httpapi.NewServer(cfg.HTTPAddr, repo, registry, cfg.Symbols)
	return a, nil
}

// Run starts the poll loop, the metrics flusher and the HTTP server, and
// blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.httpSrv.Start()
	go a.daily.Run(ctx, dailyFlushInterval)

	log.Info().
		Strs("symbols", a.cfg.Symbols).
		Str("env", a.cfg.NodeEnv).
		Msg("pipeline running")
	a.ingest.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
	for _, fn := range a.cleanup {
		fn()
	}
	return nil
}

func (a *App) buildRepository(ctx context.Context) (*persistence.Repository, error) {
	if a.cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory repositories")
		return memory.NewRepository(), nil
	}

	db, err := postgres.Connect(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}
	a.cleanup = append(a.cleanup, func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("db close failed")
		}
	})
	return postgres.NewRepository(db, postgres.DefaultTimeout), nil
}

func (a *App) buildExchange() exchange.Client {
	if !a.cfg.IsProduction() || a.cfg.APIKey == "" {
		log.Info().Msg("using paper exchange")
		return exchange.NewPaperClient()
	}

	httpCfg := exchange.DefaultHTTPConfig()
	httpCfg.BaseURL = a.cfg.BaseURL
	httpCfg.APIKey = a.cfg.APIKey
	httpCfg.APISecret = a.cfg.APISecret
	httpCfg.RecvWindowMs = a.cfg.RecvWindowMs
	return exchange.NewHTTPClient(httpCfg)
}

func (a *App) buildTracker() risk.Tracker {
	if a.cfg.RedisURL == "" {
		return risk.NewMemoryTracker()
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("invalid REDIS_URL, falling back to in-memory cooldowns")
		return risk.NewMemoryTracker()
	}
	rdb := redis.NewClient(opts)
	a.cleanup = append(a.cleanup, func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	})
	return risk.NewRedisTracker(rdb)
}
