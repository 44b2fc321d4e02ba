package main

import (
	"context"
	"flag"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/config"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/api"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/binance"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/bot"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/database"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/logging"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/notification"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/vault"
)

func main() {
	var (
		symbolsFlag  = flag.String("symbols", "", "comma-separated symbols (overrides config)")
		timeframe    = flag.String("timeframe", "", "candle timeframe (overrides config)")
		tickInterval = flag.Int("tick-interval", 0, "tick interval in seconds (overrides config)")
		shadow       = flag.Bool("shadow", false, "paper-trading mode with a simulated balance")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		defaultLogger := logging.Default()
		defaultLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *symbolsFlag != "" {
		var syms []string
		for _, s := range strings.Split(*symbolsFlag, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				syms = append(syms, s)
			}
		}
		cfg.TradingConfig.Symbols = syms
	}
	if *timeframe != "" {
		cfg.TradingConfig.Timeframe = *timeframe
	}
	if *tickInterval > 0 {
		cfg.TradingConfig.TickIntervalSeconds = *tickInterval
	}
	if *shadow {
		cfg.TradingConfig.Shadow = true
	}

	logging.Init(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Vault, when enabled, replaces the environment credentials.
	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create vault client")
		}
		creds, err := vc.GetCredentials(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load credentials from vault")
		}
		cfg.BinanceConfig.APIKey = creds.APIKey
		cfg.BinanceConfig.SecretKey = creds.SecretKey
		logger.Info().Msg("credentials loaded from vault")
	}

	var broker bot.Broker
	if cfg.TradingConfig.Shadow {
		sb, err := bot.NewShadowBroker(cfg.BinanceConfig.TestNet, cfg.TradingConfig.ShadowBalance, cfg.TradingConfig.ShadowDataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create shadow broker")
		}
		broker = sb
	} else {
		client, err := binance.NewClient(cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey, cfg.BinanceConfig.TestNet)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create futures client")
		}
		broker = client
	}

	notifier := notification.NewManager(cfg.NotificationConfig)

	var journal *database.TradeRepository
	if cfg.DatabaseConfig.URL != "" {
		db, err := database.NewDB(ctx, cfg.DatabaseConfig.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("database migrations failed")
		}
		journal = database.NewTradeRepository(db)
	}

	var mirror *database.RedisStateMirror
	if cfg.RedisConfig.URL != "" {
		mirror = database.NewRedisStateMirror(cfg.RedisConfig.URL)
		defer mirror.Close()
	}

	controller := bot.New(cfg, broker, notifier, journal, mirror)

	if err := controller.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("controller initialization failed")
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		var lister api.TradeLister
		if journal != nil {
			lister = journal
		}
		server = api.NewServer(cfg.ServerConfig, controller.Store(), controller, lister)
		server.Start()
	}

	controller.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("status server shutdown failed")
		}
	}
	logger.Info().Msg("shutdown complete")
}
