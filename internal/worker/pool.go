// Package worker consumes jobs from the queue with a fixed number of
// goroutines and dispatches each job to the handler for its kind.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"whitenote/worker/internal/queue"
)

// Handlers has one method per job kind. Adding a kind to the queue adds a
// method here, so every implementation has to handle it.
type Handlers interface {
	AutoTag(ctx context.Context, p queue.AutoTag) error
	SyncKnowledgeBase(ctx context.Context, p queue.SyncKnowledgeBase) error
	SyncLocalFile(ctx context.Context, p queue.SyncLocalFile) error
	DailyBriefing(ctx context.Context, p queue.DailyBriefing) error
}

// Source is the part of the queue the pool consumes.
type Source interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) (queue.FailResult, error)
	RecoverStalled(ctx context.Context) (int, error)
}

// Config represents pool configuration
type Config struct {
	Concurrency     int           // jobs processed at the same time
	PollInterval    time.Duration // idle wait between empty dequeues
	JobTimeout      time.Duration // budget for a single job
	StalledInterval time.Duration // how often expired leases are recovered
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:     5,
		PollInterval:    250 * time.Millisecond,
		JobTimeout:      5 * time.Minute,
		StalledInterval: 30 * time.Second,
	}
}

// Validate validates configuration
func (cfg Config) Validate() error {
	if cfg.Concurrency < 1 {
		return errors.New("concurrency must be greater than 0")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll interval must be greater than 0")
	}
	if cfg.JobTimeout <= 0 {
		return errors.New("job timeout must be greater than 0")
	}
	if cfg.StalledInterval <= 0 {
		return errors.New("stalled interval must be greater than 0")
	}
	return nil
}

type EventType string

const (
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventIgnored   EventType = "ignored"
)

// Event reports the outcome of one job attempt.
type Event struct {
	Type     EventType
	JobID    string
	Job      string
	Attempts int
	Err      error
	Duration time.Duration
}

// Metrics tracks pool's operational metrics
type Metrics struct {
	Active         atomic.Int64
	Completed      atomic.Int64
	Failed         atomic.Int64
	Retried        atomic.Int64
	Ignored        atomic.Int64
	ProcessingTime atomic.Int64 // nanoseconds
}

type Pool struct {
	source   Source
	handlers Handlers
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics

	mu        sync.Mutex
	handle    *Handle
	listeners []func(Event)
}

func New(source Source, handlers Handlers, cfg Config, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source:   source,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
		metrics:  &Metrics{},
	}, nil
}

func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

// OnEvent registers a listener called after every job attempt. Listeners run
// on the worker goroutine and must not block.
func (p *Pool) OnEvent(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Handle controls a started pool.
type Handle struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	stopped chan struct{}
}

func (h *Handle) closed() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

// Close stops dequeuing and waits for in-flight jobs, or until ctx is done.
func (h *Handle) Close(ctx context.Context) error {
	h.once.Do(func() {
		h.cancel()
		close(h.stopped)
	})
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close worker: %w", ctx.Err())
	}
}

// Start launches the workers. Calling it again returns the running handle;
// after Close it launches a new set.
func (p *Pool) Start(ctx context.Context) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil && !p.handle.closed() {
		return p.handle
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, stopped: make(chan struct{})}
	// Jobs outlive the loop context so Close lets them finish.
	jobParent := context.WithoutCancel(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		h.wg.Add(1)
		go func(slot int) {
			defer h.wg.Done()
			p.loop(loopCtx, jobParent, slot)
		}(i)
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		p.recoverLoop(loopCtx)
	}()

	p.handle = h
	p.logger.Info("worker started", "concurrency", p.cfg.Concurrency)
	return h
}

func (p *Pool) loop(ctx, jobParent context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("dequeue failed", "slot", slot, "error", err)
			}
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		p.process(jobParent, job)
	}
}

func (p *Pool) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.source.RecoverStalled(ctx); err != nil {
				if ctx.Err() == nil {
					p.logger.Error("recover stalled jobs failed", "error", err)
				}
			} else if n > 0 {
				p.logger.Warn("recovered stalled jobs", "count", n)
			}
		}
	}
}

func (p *Pool) process(parent context.Context, job *queue.Job) {
	started := time.Now()
	p.metrics.Active.Add(1)
	defer p.metrics.Active.Add(-1)

	log := p.logger.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempts+1)

	payload, err := job.Payload()
	if errors.Is(err, queue.ErrUnknownKind) {
		log.Warn("unknown job kind, acknowledging without retry")
		if err := p.source.Complete(parent, job); err != nil {
			log.Error("acknowledge unknown job failed", "error", err)
		}
		p.metrics.Ignored.Add(1)
		p.emit(Event{Type: EventIgnored, JobID: job.ID, Job: job.Name, Attempts: job.Attempts})
		return
	}
	if err == nil {
		ctx, cancel := context.WithTimeout(parent, p.cfg.JobTimeout)
		err = p.run(ctx, payload)
		cancel()
	}
	elapsed := time.Since(started)
	p.metrics.ProcessingTime.Add(int64(elapsed))

	if err == nil {
		if cerr := p.source.Complete(parent, job); cerr != nil {
			log.Error("mark job complete failed", "error", cerr)
		}
		p.metrics.Completed.Add(1)
		log.Info("job completed", "duration", elapsed)
		p.emit(Event{Type: EventCompleted, JobID: job.ID, Job: job.Name, Attempts: job.Attempts, Duration: elapsed})
		return
	}

	res, ferr := p.source.Fail(parent, job, err)
	if ferr != nil {
		log.Error("record job failure failed", "error", ferr, "cause", err)
	}
	if res.Retrying {
		p.metrics.Retried.Add(1)
		log.Warn("job failed, retrying", "error", err, "retry_in", res.Delay)
		p.emit(Event{Type: EventRetrying, JobID: job.ID, Job: job.Name, Attempts: job.Attempts, Err: err, Duration: elapsed})
		return
	}
	p.metrics.Failed.Add(1)
	log.Error("job failed", "error", err, "permanent", queue.IsPermanent(err))
	p.emit(Event{Type: EventFailed, JobID: job.ID, Job: job.Name, Attempts: job.Attempts, Err: err, Duration: elapsed})
}

// run dispatches the payload and turns a handler panic into an error.
func (p *Pool) run(ctx context.Context, payload queue.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return Dispatch(ctx, p.handlers, payload)
}

// Dispatch calls the handler method for the payload's kind.
func Dispatch(ctx context.Context, h Handlers, payload queue.Payload) error {
	switch v := payload.(type) {
	case queue.AutoTag:
		return h.AutoTag(ctx, v)
	case queue.SyncKnowledgeBase:
		return h.SyncKnowledgeBase(ctx, v)
	case queue.SyncLocalFile:
		return h.SyncLocalFile(ctx, v)
	case queue.DailyBriefing:
		return h.DailyBriefing(ctx, v)
	default:
		return fmt.Errorf("%w: %T", queue.ErrUnknownKind, payload)
	}
}

func (p *Pool) emit(e Event) {
	p.mu.Lock()
	listeners := append([]func(Event){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(e)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
