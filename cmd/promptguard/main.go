package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tjfontaine/promptguard/internal/api"
	"github.com/tjfontaine/promptguard/internal/auth"
	"github.com/tjfontaine/promptguard/internal/browser"
	"github.com/tjfontaine/promptguard/internal/bus"
	"github.com/tjfontaine/promptguard/internal/config"
	"github.com/tjfontaine/promptguard/internal/intercept"
	"github.com/tjfontaine/promptguard/internal/proxy"
	"github.com/tjfontaine/promptguard/internal/relay"
	"github.com/tjfontaine/promptguard/internal/review"
	"github.com/tjfontaine/promptguard/internal/server"
	"github.com/tjfontaine/promptguard/internal/storage"
	"github.com/tjfontaine/promptguard/internal/storage/memory"
	"github.com/tjfontaine/promptguard/internal/storage/sqldb"
	"github.com/tjfontaine/promptguard/internal/telemetry"
	"github.com/tjfontaine/promptguard/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := run(); err != nil {
		log.Fatalf("promptguard: %v", err)
	}
}

func run() error {
	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = config.DefaultPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := new(slog.LevelVar)
	lvl, _ := config.ParseLevel(cfg.Log.Level)
	level.Set(lvl)

	logger, closeLog := newLogger(cfg.Log, level)
	defer closeLog()
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, nil, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	broker := bus.New()
	rl := relay.New(store, relay.WithLogger(logger))
	spawn(func() {
		if err := rl.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("suppression relay stopped", slog.String("error", err.Error()))
		}
	})

	svc := review.NewService(broker, rl, store,
		review.WithSuppressionTTL(cfg.Review.SuppressionTTL),
		review.WithTokenCounter(tokens.NewCounter()),
		review.WithLogger(logger),
	)
	spawn(func() { svc.Run(ctx) })

	ic, err := intercept.New(
		intercept.WithTransport(proxy.NewUpstreamTransport(cfg.Upstream.AllowPrivate)),
		intercept.WithTargetURL(cfg.Intercept.TargetURL),
		intercept.WithSuppressions(rl),
		intercept.WithPublisher(broker),
		intercept.WithLookupTimeout(cfg.Intercept.LookupTimeout),
		intercept.WithLogger(logger),
		intercept.WithOutcomeFunc(proxy.RecordOutcome),
	)
	if err != nil {
		return fmt.Errorf("failed to create interceptor: %w", err)
	}
	spawn(func() { ic.Listen(ctx, broker) })

	p, err := proxy.New(cfg.Upstream.BaseURL, ic, logger)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	srv := server.New(cfg.Server.Port, logger)
	api.Register(srv.Router, api.Deps{
		Reviewer: svc,
		Calls:    ic,
		Broker:   broker,
		Auth:     auth.NewAuthenticator(apiKeys(cfg.Review.APIKeys)),
		Logger:   logger,
		Timeout:  cfg.Server.RequestTimeout,
	})
	srv.Router.Handle("/*", p)

	if cfg.Browser.Enabled {
		adapter := browser.New(cfg.Browser.CDPURL, cfg.Browser.TabURLFilter, ic, logger)
		spawn(func() {
			if err := adapter.Run(ctx); err != nil {
				logger.Error("browser interception stopped", slog.String("error", err.Error()))
			}
		})
	}

	watcher, err := config.NewWatcher(configPath, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Watch(ctx, func(prev, next *config.Config) {
		if l, err := config.ParseLevel(next.Log.Level); err == nil {
			level.Set(l)
		}
		svc.SetSuppressionTTL(next.Review.SuppressionTTL)
		logger.Info("config reloaded",
			slog.String("log_level", next.Log.Level),
			slog.String("previous_log_level", prev.Log.Level),
			slog.Duration("suppression_ttl", next.Review.SuppressionTTL),
			slog.Duration("previous_suppression_ttl", prev.Review.SuppressionTTL))
		if next.Server != prev.Server || next.Storage != prev.Storage {
			logger.Warn("server and storage settings apply on restart")
		}
	}); err != nil {
		// Runs on defaults and env alone when no config file exists.
		logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	logger.Info("promptguard started",
		slog.Int("port", cfg.Server.Port),
		slog.String("upstream", cfg.Upstream.BaseURL),
		slog.String("target", ic.TargetURL()),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("browser", cfg.Browser.Enabled))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping")
	case err := <-serverErr:
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	wg.Wait()

	logger.Info("promptguard shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	var w io.Writer = os.Stdout
	closeFn := func() {}

	if cfg.File != "" {
		logWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, logWriter)
		closeFn = func() { _ = logWriter.Close() }
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		store, err := sqldb.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func apiKeys(cfg []config.APIKeyConfig) []auth.Key {
	keys := make([]auth.Key, 0, len(cfg))
	for _, k := range cfg {
		keys = append(keys, auth.Key{KeyHash: k.KeyHash, Description: k.Description})
	}
	return keys
}
