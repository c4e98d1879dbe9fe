package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/threadline/threadline/internal/attachments"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/engine"
	"github.com/threadline/threadline/internal/handlers"
	"github.com/threadline/threadline/internal/logger"
	"github.com/threadline/threadline/internal/messenger"
	"github.com/threadline/threadline/internal/profile"
	"github.com/threadline/threadline/internal/server"
	"github.com/threadline/threadline/internal/state"
	"github.com/threadline/threadline/internal/version"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStores,
			provideProfileLoader,
			provideProcessor,
			provideGateway,
			handlers.NewPingHandler,
			provideWebhookHandler,
			handlers.NewStatusHandler,
			provideServer,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideStores selects the attachment cache and state store backend. The
// postgres backend owns the connection pool and applies migrations on boot.
func provideStores(lc fx.Lifecycle, cfg config.Config) (messenger.AttachmentCache, messenger.StateStorage, error) {
	if cfg.Storage.Backend != "postgres" {
		return attachments.NewMemory(), state.NewMemory(), nil
	}

	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, nil, fmt.Errorf("db migrate: %w", err)
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return attachments.NewPostgres(pool), state.NewPostgres(pool), nil
}

func provideProfileLoader(log *slog.Logger, cfg config.Config) *profile.Loader {
	if !cfg.Profile.Enabled {
		return nil
	}
	ttl := time.Duration(cfg.Profile.TTLSeconds) * time.Second
	return profile.NewLoader(log, nil, cfg.Profile.APIURL, cfg.Messenger.PageToken, ttl)
}

func provideProcessor(log *slog.Logger, cfg config.Config) messenger.Processor {
	if cfg.Engine.Mode == "http" {
		timeout := time.Duration(cfg.Engine.TimeoutSeconds) * time.Second
		return engine.NewHTTP(log, nil, cfg.Engine.URL, timeout)
	}
	return engine.NewEcho(log)
}

func provideGateway(log *slog.Logger, cfg config.Config, processor messenger.Processor, cache messenger.AttachmentCache, states messenger.StateStorage, profiles *profile.Loader) *messenger.Gateway {
	opts := messenger.GatewayOptions{
		PageToken: cfg.Messenger.PageToken,
		APIURL:    cfg.Messenger.APIURL,
		PageID:    cfg.Messenger.PageID,
		Policy: messenger.HandoverPolicy{
			AppID:               cfg.Messenger.AppID,
			PassThreadAction:    cfg.Messenger.PassThreadAction,
			TakeThreadAction:    cfg.Messenger.TakeThreadAction,
			RequestThreadAction: cfg.Messenger.RequestThreadAction,
		},
		ThrowOnProcessorError: cfg.Messenger.ThrowOnProcessorError,
		Processor:             processor,
		States:                states,
		Attachments:           cache,
		Logger:                log,
	}
	if profiles != nil {
		opts.Profiles = profiles
	}
	return messenger.NewGateway(opts)
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, gateway *messenger.Gateway) *messenger.WebhookHandler {
	return messenger.NewWebhookHandler(log, gateway, cfg.Messenger.VerifyToken, cfg.Messenger.AppSecret)
}

func provideServer(log *slog.Logger, cfg config.Config, pingHandler *handlers.PingHandler, webhookHandler *messenger.WebhookHandler, statusHandler *handlers.StatusHandler) *server.Server {
	return server.NewServer(log, cfg.Server.Addr, cfg.Auth.JWTSecret, pingHandler, webhookHandler, statusHandler)
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting Threadline %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
