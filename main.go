package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"kraken-trading-bot/config"
	"kraken-trading-bot/internal/api"
	"kraken-trading-bot/internal/autopilot"
	"kraken-trading-bot/internal/cache"
	"kraken-trading-bot/internal/events"
	"kraken-trading-bot/internal/executor"
	"kraken-trading-bot/internal/journal"
	"kraken-trading-bot/internal/kraken"
	"kraken-trading-bot/internal/logging"
	"kraken-trading-bot/internal/marketdata"
	"kraken-trading-bot/internal/notification"
	"kraken-trading-bot/internal/regime"
	"kraken-trading-bot/internal/risk"
	"kraken-trading-bot/internal/secrets"
	"kraken-trading-bot/internal/strategy"
	"kraken-trading-bot/internal/universe"
	"kraken-trading-bot/internal/watchdog"
)

// version is stamped into every journal record
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized", "version", version)

	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Resolve exchange credentials, Vault first when configured
	var vaultAddr, vaultToken string
	if cfg.VaultConfig.Enabled {
		vaultAddr = cfg.VaultConfig.Address
		vaultToken = cfg.VaultConfig.Token
	}
	secretsProvider, err := secrets.NewProvider(vaultAddr, vaultToken, cfg.VaultConfig.SecretPath)
	if err != nil {
		log.Fatalf("Failed to initialize secrets provider: %v", err)
	}

	// Build the exchange adapter: live client or paper simulator
	exchange, err := buildExchange(cfg, secretsProvider, zl, logger)
	if err != nil {
		log.Fatalf("Failed to initialize exchange adapter: %v", err)
	}

	// Redis: correlation id sequences and cooldown persistence
	var store *cache.Service
	var ids executor.IDSource = cache.UUIDSource{}
	if cfg.RedisConfig.Enabled {
		store = cache.New(cache.Config{
			Address:  cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		}, zl)
		ids = store
		logger.Info("Redis cache initialized", "address", cfg.RedisConfig.Address)
	}

	// Journal: PostgreSQL primary when enabled, NDJSON fallback always
	fileStore, err := journal.NewFileStore(cfg.JournalConfig.DataDir)
	if err != nil {
		log.Fatalf("Failed to initialize journal file store: %v", err)
	}
	var primary journal.Store
	if cfg.DatabaseConfig.Enabled {
		connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.DatabaseConfig.User, cfg.DatabaseConfig.Password,
			cfg.DatabaseConfig.Host, cfg.DatabaseConfig.Port,
			cfg.DatabaseConfig.Database, cfg.DatabaseConfig.SSLMode)
		pg, err := journal.NewPGStore(context.Background(), connString)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, journal runs on file fallback only", "error", err)
		} else {
			primary = pg
			logger.Info("PostgreSQL journal store initialized")
		}
	}
	jnl := journal.New(primary, fileStore, version, zl)
	defer jnl.Close()

	// Record the running version for post-hoc analysis
	jnl.RecordSnapshot(context.Background(), journal.Snapshot{
		Kind: "version", Payload: version,
	})

	// Risk state and gate
	state := risk.NewState(
		cfg.ProfitTargetConfig.Enabled && cfg.FeatureFlags.ProfitTarget,
		cfg.ProfitTargetConfig.TargetPctMin,
		cfg.ProfitTargetConfig.TargetPctMax,
		cfg.ProfitTargetConfig.PauseDuration,
	)
	gate := risk.NewGate(cfg.RiskConfig, state)

	// Market data cache and higher-timeframe context. The TTL spans one
	// loop period so every decision within a tick shares one snapshot.
	cacheTTL := time.Duration(cfg.TradingConfig.TradeIntervalSec) * time.Second
	if cacheTTL < time.Minute {
		cacheTTL = time.Minute
	}
	market := marketdata.NewCache(exchange, cacheTTL)
	htf := marketdata.NewHTFProvider(market)

	// Regime detection and strategy routing
	detector := regime.NewDetector(cfg.RegimeConfig)
	orchestrator := strategy.NewOrchestrator(cfg.StrategyConfig, cfg.RiskConfig.EnableShorts)

	// Bracket executor
	exec := executor.New(exchange, ids, executor.Config{
		Mode:             cfg.ExecutionConfig.Mode,
		LimitOffsetPct:   cfg.ExecutionConfig.LimitOffsetPct,
		FillTimeout:      cfg.ExecutionConfig.FillTimeout,
		FillPollInterval: cfg.ExecutionConfig.FillPollInterval,
		PlacementRetries: cfg.ExecutionConfig.PlacementRetries,
		MaxPositionUSD:   cfg.RiskConfig.MaxPositionUSD,
		DustEpsilon:      cfg.RiskConfig.DustEpsilon,
	}, zl)

	// API health watchdog
	dog := watchdog.New(exchange,
		cfg.WatchdogConfig.MaxConsecutiveFailures,
		cfg.WatchdogConfig.MaxLatency,
		cfg.WatchdogConfig.ProbeTimeout,
	)

	// Operator notifications
	var notifier notification.Notifier = notification.NewLogNotifier(zl)
	if cfg.NotificationConfig.Enabled && cfg.NotificationConfig.WebhookURL != "" {
		notifier = notification.NewWebhookNotifier(cfg.NotificationConfig.WebhookURL, 10*time.Second, zl)
		logger.Info("Webhook notifications enabled")
	}

	// Trading universe: dynamic scan when enabled, static list otherwise
	var lister universe.PairLister
	if live, ok := exchange.(*kraken.Client); ok {
		lister = live
	}
	scanner := universe.New(exchange, lister, cfg.UniverseConfig, cfg.TradingConfig.Symbols)

	// Operator command bus
	bus := events.NewBus(32)
	defer bus.Close()

	auto := autopilot.New(autopilot.Deps{
		Config:       cfg,
		Exchange:     exchange,
		Market:       market,
		HTF:          htf,
		Detector:     detector,
		Orchestrator: orchestrator,
		Gate:         gate,
		State:        state,
		Executor:     exec,
		Journal:      jnl,
		Watchdog:     dog,
		Bus:          bus,
		Notifier:     notifier,
		Scanner:      scanner,
		Store:        store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Control API
	if cfg.ServerConfig.Enabled {
		server := api.NewServer(api.Config{
			Address:       fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port),
			Username:      cfg.AuthConfig.OperatorUsername,
			PasswordHash:  cfg.AuthConfig.OperatorPasswordHash,
			JWTSecret:     cfg.AuthConfig.JWTSecret,
			TokenLifetime: cfg.AuthConfig.AccessTokenDuration,
			AllowOrigins:  splitOrigins(cfg.ServerConfig.AllowedOrigins),
		}, auto, bus)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("Control API stopped", "error", err)
			}
		}()
	}

	// Run until interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	auto.Run(ctx)
	logger.Info("Shutdown complete")
}

// buildExchange returns the live REST client or the paper simulator
// depending on configuration
func buildExchange(cfg *config.Config, provider *secrets.Provider, zl zerolog.Logger, logger *logging.Logger) (kraken.Exchange, error) {
	if cfg.KrakenConfig.PaperMode {
		// Paper trading still reads real market data through an unauthenticated
		// client
		feed := kraken.NewClient("", "", cfg.KrakenConfig.RESTBaseURL,
			cfg.KrakenConfig.CallTimeout, cfg.KrakenConfig.PairCacheTTL)
		paper, err := kraken.NewPaperClient(feed, kraken.PaperConfig{
			SlippageBps:     cfg.KrakenConfig.PaperSlipBps,
			MakerFeeRate:    cfg.KrakenConfig.MakerFeePct / 100,
			TakerFeeRate:    cfg.KrakenConfig.TakerFeePct / 100,
			StatePath:       filepath.Join(cfg.KrakenConfig.PaperStateDir, "paper_state.json"),
			InitialBalances: map[string]float64{"USD": 10000},
		})
		if err != nil {
			return nil, fmt.Errorf("creating paper client: %w", err)
		}
		logger.Info("Paper trading mode: simulated fills, live market data")
		return paper, nil
	}

	creds, err := provider.ExchangeCredentials()
	if err != nil {
		return nil, fmt.Errorf("resolving exchange credentials: %w", err)
	}
	client := kraken.NewClient(creds.APIKey, creds.APISecret, cfg.KrakenConfig.RESTBaseURL,
		cfg.KrakenConfig.CallTimeout, cfg.KrakenConfig.PairCacheTTL)

	if cfg.ExecutionConfig.Mode == config.ExecModeBracket || cfg.ExecutionConfig.Mode == config.ExecModeLimitBracket {
		client.AttachWSExecutor(kraken.NewWSExecutor(client, cfg.KrakenConfig.WSAuthURL, zl))
		logger.Info("WebSocket executor attached for atomic brackets")
	}
	logger.Info("Live trading mode", "base_url", cfg.KrakenConfig.RESTBaseURL)
	return client, nil
}

func splitOrigins(s string) []string {
	if s == "" || s == "*" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
