package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"whitenote/worker/internal/app"
	"whitenote/worker/internal/config"
	"whitenote/worker/internal/knowledge"
	"whitenote/worker/internal/media"
	"whitenote/worker/internal/queue"
	"whitenote/worker/internal/snapshot"
	"whitenote/worker/internal/statestore"
	"whitenote/worker/internal/store"
	"whitenote/worker/internal/syncengine"
	"whitenote/worker/internal/tasks"
	"whitenote/worker/internal/watcher"
	"whitenote/worker/internal/worker"
)

// components is the fully wired process. Optional parts are nil when disabled.
type components struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	redis   *redis.Client
	queue   *queue.Queue
	state   *statestore.RedisStore
	engine  *syncengine.Engine
	pool    *worker.Pool
	watcher *watcher.Watcher
	service *app.Service
	runtime *app.Runtime
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.WorkerConcurrency+4)
	if err != nil {
		return nil, err
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "files", applied)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	c := &components{cfg: cfg, logger: logger, db: db, redis: client}
	dataStore := store.NewPostgresStore(db)
	c.queue = queue.New(client, cfg.QueueName, queue.DefaultConfig(), logger)
	c.state = statestore.NewWithClient(client, statestore.Options{
		PauseKey:     cfg.PauseFlagKey,
		PauseTTL:     cfg.PauseFlagTTL,
		HeartbeatKey: cfg.HeartbeatKey,
	}, logger)

	var linker knowledge.MediaLinker
	mediaLinker, err := media.New(media.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
		LinkTTL:   cfg.MediaLinkTTL,
	})
	switch {
	case errors.Is(err, media.ErrDisabled):
		logger.Info("media links disabled")
	case err != nil:
		c.close()
		return nil, err
	default:
		linker = mediaLinker
	}

	backends := knowledge.NewBackendFactory(dataStore, &http.Client{Timeout: 60 * time.Second}, logger)
	kb := knowledge.NewService(dataStore, backends, linker, logger)

	if err := os.MkdirAll(cfg.WatchDir, 0o755); err != nil {
		c.close()
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	c.engine = syncengine.New(cfg.WatchDir, dataStore, c.queue, logger)

	handlers := tasks.New(dataStore, c.queue, kb, c.engine, logger)
	poolCfg := worker.DefaultConfig()
	poolCfg.Concurrency = cfg.WorkerConcurrency
	poolCfg.JobTimeout = cfg.JobTimeout
	c.pool, err = worker.New(c.queue, handlers, poolCfg, logger)
	if err != nil {
		c.close()
		return nil, err
	}
	c.pool.OnEvent(func(e worker.Event) {
		if e.Type == worker.EventFailed {
			logger.Error("job failed", "job", e.Job, "job_id", e.JobID, "attempts", e.Attempts, "error", e.Err)
		}
	})

	deps := app.Deps{
		Store:     dataStore,
		Jobs:      c.queue,
		Mirror:    c.engine,
		State:     c.state,
		Knowledge: kb,
	}
	if cfg.SnapshotEnabled {
		deps.Snapshots = snapshot.New(cfg.WatchDir)
	}
	runtimeDeps := app.RuntimeDeps{Queue: c.queue, Pool: c.pool, Heartbeat: c.state}
	if cfg.WatcherEnabled {
		watchCfg := watcher.DefaultConfig(cfg.WatchDir)
		watchCfg.Debounce = cfg.WatcherDebounce
		watchCfg.ImportGap = cfg.ImportGap
		c.watcher = watcher.New(watchCfg, c.engine, c.state, logger)
		deps.Watcher = c.watcher
		runtimeDeps.Watcher = c.watcher
	}

	c.service = app.New(cfg, deps, logger)
	c.runtime = app.NewRuntime(app.RuntimeConfig{
		DailyBriefingCron: cfg.DailyBriefingCron,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, runtimeDeps, logger)
	return c, nil
}

func (c *components) close() {
	if err := c.redis.Close(); err != nil {
		c.logger.Warn("close redis", "error", err)
	}
	if err := c.db.Close(); err != nil {
		c.logger.Warn("close database", "error", err)
	}
}
