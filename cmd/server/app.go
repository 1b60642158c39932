package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"credits-generator/internal/api"
	"credits-generator/internal/auth"
	"credits-generator/internal/avatar"
	"credits-generator/internal/credits"
	"credits-generator/internal/displays"
	"credits-generator/internal/events"
	"credits-generator/internal/ingest"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/redisconn"
	"credits-generator/internal/server"
	"credits-generator/internal/serverutil"
	"credits-generator/internal/storage"
	"credits-generator/internal/twitch"
	"credits-generator/internal/viewers"
)

// app holds the wired service and everything that must be released on exit.
type app struct {
	handler *api.Handler
	server  *server.Server
	workers []serverutil.Worker

	closeOnce sync.Once
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

func (a *app) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// close releases resources in reverse order of acquisition.
func (a *app) close(logger *slog.Logger) {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(a.closers) - 1; i >= 0; i-- {
			closer := a.closers[i]
			if err := closer.close(ctx); err != nil {
				logger.Warn("failed to close component", "component", closer.name, "error", err)
			}
		}
	})
}

// buildApp wires every component described by cfg. On error the resources
// acquired so far are released before returning.
func buildApp(ctx context.Context, cfg config, logger *slog.Logger, recorder *metrics.Recorder) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(logger)
		}
	}()

	var checks []api.HealthCheck

	directory, writer, check, err := configureViewers(ctx, cfg, a, logger)
	if err != nil {
		return nil, err
	}
	if check != nil {
		checks = append(checks, *check)
	}
	lookup := viewers.Directory(directory)
	if cfg.ViewersDriver == "postgres" {
		breakerCfg := cfg.Breaker
		breakerCfg.Logger = logger
		breakerCfg.Metrics = recorder
		lookup = viewers.NewBreaker(directory, breakerCfg)
	}

	avatars := avatar.New(lookup, avatar.WithLogger(logger), avatar.WithMetrics(recorder))
	ledger := storage.NewLedger()

	enumerators, check, err := configureEnumerators(cfg, a, logger)
	if err != nil {
		return nil, err
	}
	if check != nil {
		checks = append(checks, *check)
	}

	aggregatorCfg := credits.Config{
		Ledger:           ledger,
		Avatars:          avatars,
		Viewers:          lookup,
		StreamerUsername: cfg.StreamerUsername,
		BotUsername:      cfg.BotUsername,
		Locale:           cfg.Locale,
		Policy:           cfg.SnapshotPolicy,
		Concurrency:      cfg.Concurrency,
		Logger:           logger,
		Metrics:          recorder,
	}
	if enumerators != nil {
		aggregatorCfg.Enumerators = enumerators
	}
	aggregator, err := credits.NewAggregator(aggregatorCfg)
	if err != nil {
		return nil, fmt.Errorf("configure aggregator: %w", err)
	}

	service, err := ingest.NewService(ingest.Config{
		Ledger:     ledger,
		Avatars:    avatars,
		Viewers:    lookup,
		Identities: aggregator,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("configure ingest: %w", err)
	}

	inbound, check, err := configureQueue(ctx, cfg.EventsDriver, queueInbound, cfg.Queues, logger)
	if err != nil {
		return nil, fmt.Errorf("configure events queue: %w", err)
	}
	a.trackQueue("events queue", inbound)
	if check != nil {
		checks = append(checks, *check)
	}
	notifications, check, err := configureQueue(ctx, cfg.NotificationsDriver, queueNotifications, cfg.Queues, logger)
	if err != nil {
		return nil, fmt.Errorf("configure notifications queue: %w", err)
	}
	a.trackQueue("notifications queue", notifications)
	if check != nil {
		checks = append(checks, *check)
	}

	generations := storage.NewGenerations(cfg.GenerationTTL)
	gateway := displays.NewGateway(displays.GatewayConfig{Logger: logger, HeartbeatInterval: cfg.DisplayHeartbeat})
	a.onClose("display feed", func(context.Context) error { return gateway.Close() })

	authenticator, err := auth.NewAuthenticator(cfg.OperatorTokenHash)
	if err != nil {
		return nil, fmt.Errorf("parse operator token hash: %w", err)
	}

	a.handler = &api.Handler{
		Ingest:        service,
		Aggregator:    aggregator,
		Avatars:       avatars,
		Generations:   generations,
		Viewers:       writer,
		Inbound:       inbound,
		Notifications: notifications,
		Displays:      gateway,
		DataFilePath:  cfg.DataFile,
		HealthChecks:  checks,
		Logger:        logger,
		Metrics:       recorder,
	}

	a.server, err = server.New(a.handler, server.Config{
		Addr:          cfg.Addr,
		RateLimit:     cfg.RateLimit,
		CORS:          server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		Security:      server.SecurityConfig{FrameAncestors: cfg.FrameAncestors},
		Authenticator: authenticator,
		Logger:        logger,
		AuditLogger:   logging.WithComponent(logger, "audit"),
		Metrics:       recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("configure server: %w", err)
	}
	a.onClose("rate limiter", func(context.Context) error { return a.server.Close() })

	a.workers = append(a.workers, generationSweeper(generations, cfg.GenerationSweep, recorder, logger, newTimeTicker))
	if inbound != nil {
		consumer := ingest.NewConsumer(inbound, service, logger, recorder)
		a.workers = append(a.workers, serverutil.Worker{Name: "event consumer", Run: consumer.Run})
	}
	if notifications != nil && cfg.NotificationsDriver == "memory" {
		a.workers = append(a.workers, notificationLogger(notifications, logger))
	}
	return a, nil
}

// trackQueue registers queue for release when its transport holds a
// connection.
func (a *app) trackQueue(name string, queue events.Queue) {
	if closer, ok := queue.(interface{ Close() error }); ok {
		a.onClose(name, func(context.Context) error { return closer.Close() })
	}
}

// configureViewers opens the viewer directory. The returned writer is the
// unguarded directory so upserts are never short-circuited by the breaker.
func configureViewers(ctx context.Context, cfg config, a *app, logger *slog.Logger) (viewers.Directory, viewers.Writer, *api.HealthCheck, error) {
	switch cfg.ViewersDriver {
	case "postgres":
		directory, err := viewers.NewPostgresDirectory(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open viewer directory: %w", err)
		}
		a.onClose("viewer directory", directory.Close)
		if err := directory.EnsureSchema(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("prepare viewer directory: %w", err)
		}
		logger.Info("viewer directory ready", "driver", "postgres")
		return directory, directory, &api.HealthCheck{Name: "viewers", Check: directory.Ping}, nil
	default:
		seed, err := loadViewerSeed(cfg.ViewersSeed)
		if err != nil {
			return nil, nil, nil, err
		}
		directory := viewers.NewMemoryDirectory(seed...)
		logger.Info("viewer directory ready", "driver", "memory", "viewers", directory.Len())
		return directory, directory, nil, nil
	}
}

// loadViewerSeed reads a JSON array of viewers. An empty path yields none.
func loadViewerSeed(path string) ([]viewers.Viewer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read viewer seed: %w", err)
	}
	var seed []viewers.Viewer
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode viewer seed %s: %w", path, err)
	}
	return seed, nil
}

// configureEnumerators builds the Helix enumerator when credentials are
// configured. It returns nil otherwise.
func configureEnumerators(cfg config, a *app, logger *slog.Logger) (*twitch.Enumerator, *api.HealthCheck, error) {
	if !cfg.twitchEnabled() {
		return nil, nil, nil
	}
	clientCfg := cfg.Twitch
	clientCfg.Logger = logger
	client, err := twitch.NewClient(clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("configure twitch client: %w", err)
	}

	var (
		cache twitch.SnapshotCache
		check *api.HealthCheck
	)
	switch cfg.TwitchCacheDriver {
	case "redis":
		if !cfg.Redis.Enabled() {
			return nil, nil, fmt.Errorf("redis addr is required for the twitch cache")
		}
		redisClient, err := redisconn.New(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("connect twitch cache: %w", err)
		}
		redisCache := twitch.NewRedisSnapshotCache(redisClient, "credits:twitch:")
		a.onClose("twitch cache", func(context.Context) error { return redisCache.Close() })
		cache = redisCache
		check = &api.HealthCheck{Name: "twitch-cache", Check: redisCache.Ping}
	default:
		cache = twitch.NewMemorySnapshotCache(nil)
	}

	return twitch.NewEnumerator(twitch.EnumeratorConfig{
		Source:               client,
		Cache:                cache,
		TTL:                  cfg.TwitchCacheTTL,
		EnumerateFollowers:   cfg.TwitchFollowers,
		EnumerateSubscribers: cfg.TwitchSubscribers,
		Logger:               logger,
	}), check, nil
}
