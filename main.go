package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"haflip-engine/config"
	"haflip-engine/internal/atr"
	"haflip-engine/internal/coinselect"
	"haflip-engine/internal/dashboardapi"
	"haflip-engine/internal/exchange"
	"haflip-engine/internal/execution"
	"haflip-engine/internal/ha"
	"haflip-engine/internal/killswitch"
	"haflip-engine/internal/logging"
	"haflip-engine/internal/notify"
	"haflip-engine/internal/riskmanager"
	"haflip-engine/internal/secrets"
	"haflip-engine/internal/signalengine"
	"haflip-engine/internal/slotmanager"
	"haflip-engine/internal/storage"
	"haflip-engine/internal/transport"
)

func newZerologLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w zerolog.Logger
	if cfg.JSONFormat {
		w = zerolog.New(os.Stdout)
	} else {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return w.Level(level).With().Timestamp().Logger()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLogger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		Component:   "haflip-engine",
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
	})
	logging.SetDefault(appLogger)
	appLogger.Info("structured logging initialized")

	zlog := newZerologLogger(cfg.LoggingConfig)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := notify.NewManager()
	if cfg.NotificationConfig.Telegram.Enabled {
		notifier.AddNotifier(notify.NewTelegramNotifier(notify.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  true,
		}))
		appLogger.Info("telegram notifications enabled")
	}
	if cfg.NotificationConfig.Discord.Enabled {
		notifier.AddNotifier(notify.NewDiscordNotifier(notify.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    true,
		}))
		appLogger.Info("discord notifications enabled")
	}

	secretsClient, err := secrets.NewClient(secrets.Config{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
		TLSEnabled: cfg.VaultConfig.TLSEnabled,
		CACert:     cfg.VaultConfig.CACert,
	})
	if err != nil {
		appLogger.Fatal("failed to initialize secrets client", "error", err)
	}
	creds, err := secretsClient.GetCredentials(ctx)
	if err != nil {
		appLogger.Fatal("failed to load exchange credentials", "error", err)
	}

	db, err := storage.NewDB(ctx, storage.Config{
		Host:     cfg.StorageConfig.Host,
		Port:     cfg.StorageConfig.Port,
		User:     cfg.StorageConfig.User,
		Password: cfg.StorageConfig.Password,
		Database: cfg.StorageConfig.Database,
		SSLMode:  cfg.StorageConfig.SSLMode,
	}, zlog)
	if err != nil {
		appLogger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		appLogger.Fatal("failed to run database migrations", "error", err)
	}
	repo := storage.NewRepository(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisConfig.Address,
		Password:     cfg.RedisConfig.Password,
		DB:           cfg.RedisConfig.DB,
		PoolSize:     cfg.RedisConfig.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
	})
	defer redisClient.Close()
	cooldownWheel := storage.NewCooldownWheel(redisClient, zlog)

	exClient := exchange.NewClient(exchange.Config{
		BaseURL:   cfg.ExchangeConfig.BaseURL,
		APIKey:    creds.APIKey,
		SecretKey: creds.SecretKey,
	}, zlog)

	haEngine := ha.NewEngine()
	atrEngine := atr.NewEngine(cfg.StrategyConfig.ATRPeriod)

	coinSelector := coinselect.NewSelector(exClient, coinselect.Config{
		NumCoins:            cfg.CoinConfig.NumCoins,
		ExcludedStablecoins: stablecoinSet(cfg.CoinConfig.ExcludedStablecoins),
		RefreshInterval:     time.Duration(cfg.CoinConfig.CoinRefreshIntervalHours) * time.Hour,
	}, zlog)

	slotMgr := slotmanager.NewManager(slotmanager.Config{
		NumSlots:       cfg.SlotConfig.NumSlots,
		InitialBalance: cfg.SlotConfig.InitialBalanceDecimal(),
		MinBalance:     cfg.SlotConfig.MinBalanceDecimal(),
		Leverage:       cfg.SlotConfig.Leverage,
	}, repo, zlog)
	if err := slotMgr.Initialize(ctx); err != nil {
		appLogger.Fatal("failed to initialize slots", "error", err)
	}

	executor := execution.NewExecutor(exClient, execution.Config{
		FillTimeout:     time.Duration(cfg.ExecutionConfig.FillTimeoutSec) * time.Second,
		MaxFillRetries:  cfg.ExecutionConfig.MaxFillRetries,
		PostOnlyRetries: cfg.ExecutionConfig.PostOnlyRetries,
		PollInterval:    time.Second,
	}, zlog)

	riskMgr := riskmanager.NewManager(exClient, riskmanager.Config{
		InitialSLPct: cfg.StrategyConfig.InitialSLPctDecimal(),
		TPLevels:     cfg.StrategyConfig.TPLevels,
	}, atrEngine, repo, zlog)

	openTrades, err := repo.GetOpenTrades(ctx)
	if err != nil {
		appLogger.Fatal("failed to load open trades", "error", err)
	}
	riskMgr.LoadActiveTrades(openTrades)
	appLogger.Info("loaded active trades from storage")

	killSwitch := killswitch.NewSwitch(killswitch.Config{
		Threshold:     cfg.RiskConfig.ThresholdDecimal(),
		CheckInterval: time.Duration(cfg.RiskConfig.KillSwitchCheckIntervalSec) * time.Second,
	}, slotMgr, riskMgr, exClient, repo, notifier, zlog)

	if tripped, ok, err := repo.GetState(ctx, "kill_switch_triggered"); err != nil {
		appLogger.Warn("failed to read persisted kill switch state", "error", err)
	} else if ok && tripped == "true" {
		killSwitch.SetTriggered(true)
		appLogger.Warn("kill switch restored as triggered from persisted state")
	}

	signalEngine := signalengine.NewEngine(signalengine.Config{
		DryRun:           cfg.ExecutionConfig.DryRun,
		CooldownDuration: time.Duration(cfg.ExecutionConfig.CooldownMinutes) * time.Minute,
		Leverage:         cfg.SlotConfig.Leverage,
	}, haEngine, atrEngine, coinSelector, slotMgr, executor, riskMgr, repo, cooldownWheel, notifier, zlog)

	cooldownWheel.SetReleaseFunc(func(slotID int) {
		signalEngine.ReleaseFromCooldown(ctx, slotID)
	})

	dashboard := dashboardapi.NewServer(dashboardapi.Config{
		Host:           cfg.DashboardConfig.Host,
		Port:           cfg.DashboardConfig.Port,
		ProductionMode: cfg.DashboardConfig.ProductionMode,
		StaleAfter:     time.Duration(cfg.DashboardConfig.StaleAfterSec) * time.Second,
	}, db, repo, slotMgr, riskMgr, killSwitch, signalEngine, zlog)

	coinSelector.Start(ctx)
	killSwitch.Start(ctx)
	cooldownWheel.StartMonitor(ctx)

	exStream := exchange.NewStream(exchange.StreamConfig{
		WSURL:   cfg.ExchangeConfig.WSURL,
		Symbols: coinSelector.Symbols(),
	}, zlog)
	events, streamErrs := exStream.Run(ctx)
	go dispatchLoop(ctx, signalEngine, events, streamErrs, zlog)

	go func() {
		if err := dashboard.Start(); err != nil {
			appLogger.Warn("dashboard server stopped", "error", err)
		}
	}()
	appLogger.Info("dashboard listening")

	appLogger.Info("haflip-engine started")
	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := dashboard.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down dashboard: %v", err)
	}
	killSwitch.Stop()
	coinSelector.Stop()
	cooldownWheel.StopMonitor()

	log.Println("shutdown complete")
}

func stablecoinSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set
}

// dispatchLoop feeds every decoded exchange event into the signal engine
// until the stream's event channel closes (on ctx cancellation) or ctx is
// done. Stream errors are logged, not fatal: the stream reconnects on its
// own.
func dispatchLoop(ctx context.Context, engine *signalengine.Engine, events <-chan transport.Event, errs <-chan error, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			engine.Dispatch(ctx, evt)
		case err, ok := <-errs:
			if !ok {
				continue
			}
			logger.Warn().Err(err).Msg("exchange stream error")
		}
	}
}
