package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whitenote/worker/internal/queue"
	"whitenote/worker/internal/worker"
)

type recurringQueue interface {
	EnsureStarted(context.Context) error
	EnqueueRecurring(context.Context, queue.Payload, string) (string, error)
}

type jobPool interface {
	Start(context.Context) *worker.Handle
}

type fileWatcher interface {
	Start(context.Context) error
	Stop() error
}

type liveness interface {
	RunHeartbeat(context.Context, time.Duration)
	ClearHeartbeat(context.Context) error
}

type RuntimeConfig struct {
	DailyBriefingCron string
	HeartbeatInterval time.Duration
}

// RuntimeDeps are the long-running parts of the worker process. Watcher is
// nil when the file watcher is disabled.
type RuntimeDeps struct {
	Queue     recurringQueue
	Pool      jobPool
	Watcher   fileWatcher
	Heartbeat liveness
}

// Runtime starts and stops the worker process: the pool, the recurring
// briefing, the file watcher and the liveness heartbeat.
type Runtime struct {
	cfg    RuntimeConfig
	deps   RuntimeDeps
	logger *slog.Logger

	mu          sync.Mutex
	started     bool
	handle      *worker.Handle
	stopBeat    context.CancelFunc
	beatStopped chan struct{}
}

func NewRuntime(cfg RuntimeConfig, deps RuntimeDeps, logger *slog.Logger) *Runtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cfg: cfg, deps: deps, logger: logger.With("component", "runtime")}
}

// EnsureStarted starts everything once. Later calls return nil without
// starting anything again. The components outlive ctx; use Shutdown.
func (rt *Runtime) EnsureStarted(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return nil
	}

	if err := rt.deps.Queue.EnsureStarted(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if rt.cfg.DailyBriefingCron != "" {
		key, err := rt.deps.Queue.EnqueueRecurring(ctx, queue.DailyBriefing{}, rt.cfg.DailyBriefingCron)
		if err != nil {
			return fmt.Errorf("register daily briefing: %w", err)
		}
		rt.logger.Info("daily briefing scheduled", "pattern", rt.cfg.DailyBriefingCron, "repeat_key", key)
	}

	runCtx := context.WithoutCancel(ctx)
	handle := rt.deps.Pool.Start(runCtx)

	if rt.deps.Watcher != nil {
		if err := rt.deps.Watcher.Start(runCtx); err != nil {
			closeCtx, cancel := context.WithTimeout(runCtx, 30*time.Second)
			defer cancel()
			if closeErr := handle.Close(closeCtx); closeErr != nil {
				rt.logger.Error("close worker after watcher failure", "error", closeErr)
			}
			return fmt.Errorf("start watcher: %w", err)
		}
	}

	beatCtx, stopBeat := context.WithCancel(runCtx)
	beatStopped := make(chan struct{})
	go func() {
		defer close(beatStopped)
		rt.deps.Heartbeat.RunHeartbeat(beatCtx, rt.cfg.HeartbeatInterval)
	}()

	rt.handle = handle
	rt.stopBeat = stopBeat
	rt.beatStopped = beatStopped
	rt.started = true
	rt.logger.Info("runtime started", "watcher", rt.deps.Watcher != nil)
	return nil
}

// Shutdown clears the liveness record, waits for in-flight jobs and stops
// the watcher.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		return nil
	}
	rt.started = false

	var errs []error
	rt.stopBeat()
	<-rt.beatStopped
	if err := rt.deps.Heartbeat.ClearHeartbeat(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.handle.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if rt.deps.Watcher != nil {
		if err := rt.deps.Watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		rt.logger.Error("runtime shutdown incomplete", "error", err)
	} else {
		rt.logger.Info("runtime stopped")
	}
	return err
}
