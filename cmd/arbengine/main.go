// Command arbengine runs the cross-exchange arbitrage pipeline: connects
// to every enabled exchange, aggregates order books, detects opportunities,
// gates them through risk, executes (or simulates) trades, and persists
// the result.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/aggregator"
	"github.com/web3guy0/arbengine/internal/boundary"
	"github.com/web3guy0/arbengine/internal/config"
	"github.com/web3guy0/arbengine/internal/detector"
	"github.com/web3guy0/arbengine/internal/exchange/coinbase"
	"github.com/web3guy0/arbengine/internal/exchange/kraken"
	"github.com/web3guy0/arbengine/internal/execution"
	"github.com/web3guy0/arbengine/internal/risk"
	"github.com/web3guy0/arbengine/internal/storage"
	"github.com/web3guy0/arbengine/internal/supervisor"
	"github.com/web3guy0/arbengine/types"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("paper_trading", cfg.PaperTradingEnabled).
		Int("pairs", len(cfg.TradingPairs)).
		Msg("🚀 arbengine starting...")

	if !cfg.IsEnabled {
		log.Warn().Msg("🛑 ARB_ENABLED is false, exiting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pairs := make([]types.TradingPair, 0, len(cfg.TradingPairs))
	for _, p := range cfg.TradingPairs {
		pairs = append(pairs, types.TradingPair{Base: p.Base, Quote: p.Quote})
	}

	// ====== EXCHANGE CLIENTS ======
	clients := make(map[types.ExchangeID]supervisor.ManagedClient)
	registry := make(execution.Registry)
	fees := make(map[types.ExchangeID]types.FeeSchedule)

	for _, ex := range cfg.Exchanges {
		if !ex.IsEnabled {
			continue
		}
		var client supervisor.ManagedClient
		switch ex.ExchangeID {
		case "coinbase":
			client = coinbase.New(coinbase.Config{
				WSURL:      ex.WSURL,
				RESTURL:    ex.APIURL,
				APIKey:     ex.APIKey,
				APISecret:  ex.APISecret,
				Passphrase: ex.AdditionalAuthParams["passphrase"],
				TimeoutMs:  ex.APITimeoutMs,
			})
		case "kraken":
			client = kraken.New(kraken.Config{
				WSURL:           ex.WSURL,
				RESTURL:         ex.APIURL,
				APIKey:          ex.APIKey,
				APISecret:       ex.APISecret,
				PollingInterval: time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
			})
		default:
			log.Warn().Str("exchange", string(ex.ExchangeID)).Msg("⚠️ unknown exchange in configuration, skipping")
			continue
		}

		if ex.APIKey != "" {
			if err := client.Authenticate(map[string]string{
				"api_key":    ex.APIKey,
				"api_secret": ex.APISecret,
				"passphrase": ex.AdditionalAuthParams["passphrase"],
			}); err != nil {
				log.Error().Err(err).Str("exchange", string(ex.ExchangeID)).Msg("❌ authentication failed")
			}
		}

		clients[ex.ExchangeID] = client
		registry[ex.ExchangeID] = client

		if schedule, err := client.GetFeeSchedule(ctx); err != nil {
			log.Warn().Err(err).Str("exchange", string(ex.ExchangeID)).Msg("⚠️ could not fetch fee schedule, using zero")
		} else {
			fees[ex.ExchangeID] = schedule
		}
	}

	// ====== MARKET DATA ======
	agg := aggregator.New()

	det := detector.New(detector.Thresholds{
		MinProfitPct:         cfg.MinimumProfitPercentage,
		MinTradeQty:          decimal.NewFromFloat(0.0001),
		ExpectedTickInterval: time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
	}, func(id types.ExchangeID) decimal.Decimal {
		if schedule, ok := fees[id]; ok {
			return schedule.TakerRate
		}
		return decimal.Zero
	})

	// ====== RISK ======
	gate := risk.NewGate(cfg.RiskProfile, decimal.NewFromInt(10000), nil)
	breaker := risk.NewCircuitBreaker(5, decimal.NewFromFloat(0.2), time.Duration(cfg.CircuitBreakerCooldownSec)*time.Second)

	// ====== STORAGE ======
	repo, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	reconciler := execution.NewReconciler(repo)

	// ====== EXECUTION ======
	var runner execution.Runner
	if cfg.PaperTradingEnabled {
		exchangeIDs := make([]types.ExchangeID, 0, len(clients))
		for id := range clients {
			exchangeIDs = append(exchangeIDs, id)
		}
		paper := execution.NewPaperExecutor(
			execution.DefaultPaperBalances(exchangeIDs, pairs),
			agg.Latest,
			fees,
		)
		runner = paper
		wireSupervisor := func(sup *supervisor.Supervisor) { paper.OnResult(sup.RecordTradeResult) }
		runSupervisor(ctx, cfg, clients, agg, det, gate, breaker, runner, repo, reconciler, pairs, wireSupervisor)
		return
	}

	executor := execution.New(registry, execution.Config{MaxExecutionTime: time.Duration(cfg.MaxExecutionTimeMs) * time.Millisecond})
	runner = executor
	wireSupervisor := func(sup *supervisor.Supervisor) { executor.OnResult(sup.RecordTradeResult) }
	runSupervisor(ctx, cfg, clients, agg, det, gate, breaker, runner, repo, reconciler, pairs, wireSupervisor)
}

// runSupervisor builds the Supervisor and Boundary, wires the chosen
// Runner's OnResult hook to it (the Runner must exist before the
// Supervisor can be constructed, and the Supervisor must exist before its
// RecordTradeResult method can be handed back to the Runner), then blocks
// until SIGINT/SIGTERM.
func runSupervisor(
	ctx context.Context,
	cfg *config.Config,
	clients map[types.ExchangeID]supervisor.ManagedClient,
	agg *aggregator.Aggregator,
	det *detector.Detector,
	gate *risk.Gate,
	breaker *risk.CircuitBreaker,
	runner execution.Runner,
	repo *storage.Repository,
	reconciler *execution.Reconciler,
	pairs []types.TradingPair,
	wireOnResult func(*supervisor.Supervisor),
) {
	pool := execution.NewPool(runner, cfg.MaxConcurrentOps)

	supCfg := supervisor.DefaultConfig()
	supCfg.TaskMaxBackoff = time.Duration(cfg.ReconnectBackoffCapSec) * time.Second
	supCfg.MaxTaskRestarts = cfg.ReconnectMaxAttempts
	supCfg.MaxExecutionTime = time.Duration(cfg.MaxExecutionTimeMs) * time.Millisecond
	supCfg.CapitalCap = gate.GetState().Equity.Mul(cfg.RiskProfile.MaxCapitalPerTradePct)

	sup := supervisor.New(supCfg, clients, agg, det, gate, breaker, pool, repo, reconciler, pairs)
	wireOnResult(sup)

	plane := boundary.New(sup, repo)

	if err := plane.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start supervisor")
	}

	log.Info().Int("exchanges", len(clients)).Msg("✅ all services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 shutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := plane.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("❌ error during shutdown")
	}

	log.Info().Msg("👋 goodbye")
}
