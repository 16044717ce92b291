package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"correlation-recovery-bot/config"
	"correlation-recovery-bot/internal/api"
	"correlation-recovery-bot/internal/auth"
	"correlation-recovery-bot/internal/broker"
	"correlation-recovery-bot/internal/circuit"
	"correlation-recovery-bot/internal/correlation"
	"correlation-recovery-bot/internal/database"
	"correlation-recovery-bot/internal/events"
	"correlation-recovery-bot/internal/hedge"
	"correlation-recovery-bot/internal/logging"
	"correlation-recovery-bot/internal/metrics"
	"correlation-recovery-bot/internal/monitor"
	"correlation-recovery-bot/internal/notification"
	"correlation-recovery-bot/internal/selector"
	"correlation-recovery-bot/internal/sizing"
	"correlation-recovery-bot/internal/vault"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to the JSON configuration file")
	writeSample := flag.Bool("sample-config", false, "Write a sample configuration to -config and exit")
	flag.Parse()

	if *writeSample {
		if err := config.GenerateSampleConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sample configuration written to %s\n", *configPath)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap := logging.New(logging.Config{Level: "info"})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secrets from Vault override file and environment values
	var vaultClient *vault.Client
	if cfg.Vault.Enabled {
		vaultClient, err = vault.NewClient(cfg.Vault)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create Vault client: %v\n", err)
			os.Exit(1)
		}
		if err := vaultClient.ApplySecrets(ctx, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read secrets from Vault: %v\n", err)
			os.Exit(1)
		}
	}

	// Initialize structured logging
	logger := logging.New(logging.Config{
		Level:         cfg.Logging.Level,
		Output:        cfg.Logging.Output,
		JSONFormat:    cfg.Logging.JSONFormat,
		IncludeCaller: cfg.Logging.IncludeCaller,
	})
	log := logging.WithComponent(logger, "main")

	if cfg.Auth.Enabled && len(cfg.Auth.JWTSecret) < 16 {
		log.Fatal().Msg("auth.jwt_secret must be at least 16 characters when auth is enabled")
	}

	eventBus := events.NewEventBus()

	// Broker
	paper, err := newPaperBroker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize paper broker")
	}
	go paper.RunFeed(ctx, cfg.Broker.Paper.FeedInterval.Duration, broker.Timeframe(cfg.Recovery.HistoricalTimeframe),
		cfg.Broker.Paper.Volatility, cfg.Broker.Paper.Seed+1)

	guarded := broker.NewGuardedBroker(paper, guardConfig(cfg.Broker), logger)
	if err := guarded.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}

	// State store: Redis when configured, in-memory otherwise
	var stateStore *database.RedisStateStore
	if cfg.Redis.Enabled {
		client := database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		defer client.Close()
		stateStore = database.NewRedisStateStore(client, logger)
	} else {
		stateStore = database.NewRedisStateStore(nil, logger)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorSet := metrics.New(registry)

	// Recovery components
	resolver := correlation.NewResolver(correlationConfig(cfg.Recovery), guarded, logger)
	resolver.SetStore(stateStore)
	resolver.SetObserver(collectorSet.ObserveCorrelation)
	if n, err := resolver.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore cached correlations")
	} else if n > 0 {
		log.Info().Int("pairs", n).Msg("Restored cached correlations")
	}

	sizer := sizing.NewSizer(sizingConfig(cfg.Recovery), sizing.BrokerRates{Ticks: guarded}, logger)
	candidateSelector := selector.NewSelector(resolver, sizer, selector.BrokerSpreads{Ticks: guarded}, logger)
	tracker := hedge.NewTracker(logger)

	breaker := circuit.NewCircuitBreaker(circuitConfig(cfg.CircuitBreaker))
	breaker.SetEventBus(eventBus)
	eventBus.Subscribe(events.EventCircuitBreaker, func(e events.Event) {
		state, _ := e.Data["state"].(string)
		collectorSet.SetBreakerOpen(state == string(circuit.StateOpen))
	})

	notifier := notification.NewManager(logger)
	notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
		BotToken: cfg.Notifications.Telegram.BotToken,
		ChatID:   cfg.Notifications.Telegram.ChatID,
		Enabled:  cfg.Notifications.Telegram.Enabled,
	}))
	notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
		WebhookURL: cfg.Notifications.Discord.WebhookURL,
		Enabled:    cfg.Notifications.Discord.Enabled,
	}))
	notifier.Subscribe(eventBus)

	recoveryMonitor := monitor.New(cfg.Recovery, guarded, resolver, candidateSelector, tracker, logger)
	recoveryMonitor.SetGate(breaker)
	recoveryMonitor.SetStateStore(stateStore)
	recoveryMonitor.SetObserver(collectorSet)
	recoveryMonitor.SetEventBus(eventBus)

	checks := map[string]api.HealthCheck{}
	if cfg.Redis.Enabled {
		checks["redis"] = stateStore.CheckRedisConnection
		go watchRedis(ctx, stateStore, log)
	}
	if vaultClient != nil {
		checks["vault"] = vaultClient.Health
	}

	// Recovery history in PostgreSQL
	var history api.HistoryReader
	if cfg.Database.Enabled {
		db, err := database.NewDB(ctx, databaseConfig(cfg.Database), logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}

		repo := database.NewHistoryRepository(db)
		recoveryMonitor.SetHistoryStore(repo)
		history = repo
		checks["database"] = db.HealthCheck
	}

	if n, err := recoveryMonitor.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore hedge records")
	} else if n > 0 {
		log.Info().Int("records", n).Msg("Restored hedge records")
	}

	// HTTP API
	var server *api.Server
	if cfg.Server.Enabled {
		var jwtManager *auth.JWTManager
		if cfg.Auth.Enabled {
			jwtManager, err = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenDuration.Duration)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialize JWT manager")
			}
		}

		deps := api.Deps{
			Recovery:    recoveryMonitor,
			Account:     guarded,
			Breaker:     breaker,
			Correlation: resolver,
			Sizer:       sizer,
			History:     history,
			EventBus:    eventBus,
			JWT:         jwtManager,
			Checks:      checks,
		}
		if cfg.Metrics.Enabled {
			deps.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		}

		server = api.NewServer(api.ServerConfig{
			Port:           cfg.Server.Port,
			Host:           cfg.Server.Host,
			AllowedOrigins: splitOrigins(cfg.Server.AllowedOrigins),
			ProductionMode: cfg.Server.ProductionMode,
			LegCount:       cfg.Recovery.LegCount,
			MetricsPath:    cfg.Metrics.Path,
		}, deps, logger)

		go func() {
			if err := server.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to start web server")
			}
		}()
	}

	// Start the monitor
	log.Info().
		Str("mode", cfg.Mode).
		Int("symbols", len(cfg.Recovery.TradableSymbols)).
		Bool("redis", cfg.Redis.Enabled).
		Bool("database", cfg.Database.Enabled).
		Bool("api", cfg.Server.Enabled).
		Msg("Starting correlation recovery bot")

	if err := recoveryMonitor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start recovery monitor")
	}

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if grace := cfg.Recovery.ShutdownGrace.Duration + 5*time.Second; shutdownTimeout < grace {
		shutdownTimeout = grace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := recoveryMonitor.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Recovery monitor did not stop cleanly")
	}

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down web server")
		}
	}

	if err := guarded.Disconnect(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Broker disconnect failed")
	}

	log.Info().Msg("Shutdown complete")
}

// newPaperBroker builds the in-memory broker, seeds price history and opens
// the configured startup positions
func newPaperBroker(cfg *config.Config) (*broker.PaperBroker, error) {
	p := cfg.Broker.Paper
	paper := broker.NewPaperBroker(p.InitialBalance)
	for ccy, value := range p.CurrencyValues {
		paper.SetCurrencyValue(ccy, value)
	}

	for _, symbol := range cfg.Recovery.TradableSymbols {
		if err := paper.AddSymbol(symbol, p.SpreadPips); err != nil {
			return nil, fmt.Errorf("failed to add symbol %s: %w", symbol, err)
		}
	}
	paper.Seed(rand.New(rand.NewSource(p.Seed)), broker.Timeframe(cfg.Recovery.HistoricalTimeframe), p.SeedBars, p.Volatility)

	for _, pos := range p.Positions {
		dir := broker.Direction(strings.ToUpper(pos.Direction))
		if _, err := paper.OpenPosition(pos.Symbol, dir, pos.Volume, pos.Magic, ""); err != nil {
			return nil, fmt.Errorf("failed to open paper position %s: %w", pos.Symbol, err)
		}
	}
	return paper, nil
}

func watchRedis(ctx context.Context, store *database.RedisStateStore, log zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.CheckRedisConnection(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("Redis still unavailable")
			}
		}
	}
}

func guardConfig(b config.BrokerConfig) broker.GuardConfig {
	return broker.GuardConfig{
		CallTimeout:       b.CallTimeout.Duration,
		MaxRetries:        b.MaxRetries,
		InitialBackoff:    b.InitialBackoff.Duration,
		MaxBackoff:        b.MaxBackoff.Duration,
		RequestsPerSecond: b.RequestsPerSecond,
		Burst:             b.Burst,
	}
}

func correlationConfig(r config.RecoveryConfig) correlation.Config {
	c := correlation.DefaultConfig()
	c.Timeframe = broker.Timeframe(r.HistoricalTimeframe)
	c.HistoricalBars = r.HistoricalBars
	c.MinSamples = r.MinSamples
	c.TickWindow = r.TickWindow
	c.TTL = r.CorrelationTTL.Duration
	return c
}

func sizingConfig(r config.RecoveryConfig) sizing.Config {
	tiers := make([]sizing.Tier, 0, len(r.Tiers))
	for _, t := range r.Tiers {
		tiers = append(tiers, sizing.Tier{
			Name:         t.Name,
			MinBalance:   t.MinBalance,
			MaxBalance:   t.MaxBalance,
			RiskFraction: t.RiskFraction,
			MaxLot:       t.MaxLot,
		})
	}
	return sizing.Config{
		Tiers:           tiers,
		AccountCurrency: r.AccountCurrency,
		ContractSize:    r.ContractSize,
		MinLot:          r.MinLot,
		LotStep:         r.LotStep,
		MaxHedgeLot:     r.MaxHedgeLot,
		HedgeMultiplier: r.HedgeMultiplier,
	}
}

func circuitConfig(c config.CircuitBreakerConfig) *circuit.Config {
	return &circuit.Config{
		Enabled:                c.Enabled,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		MaxConsecutiveLosses:   c.MaxConsecutiveLosses,
		MaxDailyLoss:           c.MaxDailyLoss,
		MaxRecoveriesPerHour:   c.MaxRecoveriesPerHour,
		CooldownMinutes:        c.CooldownMinutes,
	}
}

func databaseConfig(d config.DatabaseConfig) database.Config {
	return database.Config{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Database,
		SSLMode:  d.SSLMode,
		MaxConns: d.MaxConns,
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
