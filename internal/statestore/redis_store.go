// Package statestore holds the small coordination records shared between the
// API process and the worker: the watcher pause flag and the worker liveness
// heartbeat.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPauseTTL = 5 * time.Minute

// Heartbeat is the liveness record written by a running worker.
type Heartbeat struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
	BeatAt    time.Time `json:"beat_at"`
}

type Options struct {
	PauseKey     string
	PauseTTL     time.Duration
	HeartbeatKey string
}

// RedisStore implements the coordination flags on Redis.
type RedisStore struct {
	client  *redis.Client
	opts    Options
	started time.Time
	logger  *slog.Logger
}

// Connect parses redisURL, verifies the connection and returns the store.
func Connect(redisURL string, opts Options, logger *slog.Logger) (*RedisStore, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, opts, logger), nil
}

// NewWithClient wraps an existing client; the queue and the store share one.
func NewWithClient(client *redis.Client, opts Options, logger *slog.Logger) *RedisStore {
	if opts.PauseKey == "" {
		opts.PauseKey = "whitenote:watcher:paused"
	}
	if opts.PauseTTL <= 0 {
		opts.PauseTTL = DefaultPauseTTL
	}
	if opts.HeartbeatKey == "" {
		opts.HeartbeatKey = "whitenote:worker:heartbeat"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:  client,
		opts:    opts,
		started: time.Now().UTC(),
		logger:  logger.With("component", "statestore"),
	}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// SetPause raises the pause flag. It expires on its own after the TTL so a
// crashed exporter cannot blind the watcher forever.
func (s *RedisStore) SetPause(ctx context.Context) error {
	if err := s.client.Set(ctx, s.opts.PauseKey, time.Now().UTC().Format(time.RFC3339Nano), s.opts.PauseTTL).Err(); err != nil {
		return fmt.Errorf("set pause flag: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearPause(ctx context.Context) error {
	if err := s.client.Del(ctx, s.opts.PauseKey).Err(); err != nil {
		return fmt.Errorf("clear pause flag: %w", err)
	}
	return nil
}

func (s *RedisStore) IsPaused(ctx context.Context) (bool, error) {
	err := s.client.Get(ctx, s.opts.PauseKey).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return true, nil
}

// WithPause runs fn with the pause flag raised and always clears it
// afterwards, including when fn fails or panics. The clear uses a context
// detached from ctx so a cancelled request still releases the flag.
func (s *RedisStore) WithPause(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := s.SetPause(ctx); err != nil {
		return err
	}
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if clearErr := s.ClearPause(clearCtx); clearErr != nil {
			s.logger.Error("pause flag not cleared, relying on ttl", "error", clearErr, "ttl", s.opts.PauseTTL)
			if err == nil {
				err = clearErr
			}
		}
	}()
	return fn(ctx)
}

// Beat writes the liveness record with a TTL of three intervals.
func (s *RedisStore) Beat(ctx context.Context, interval time.Duration) error {
	host, _ := os.Hostname()
	payload, err := json.Marshal(Heartbeat{
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: s.started,
		BeatAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := s.client.Set(ctx, s.opts.HeartbeatKey, payload, 3*interval).Err(); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearHeartbeat(ctx context.Context) error {
	if err := s.client.Del(ctx, s.opts.HeartbeatKey).Err(); err != nil {
		return fmt.Errorf("clear heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat returns the current liveness record, or ok=false when no
// worker has beaten within the TTL.
func (s *RedisStore) LastHeartbeat(ctx context.Context) (Heartbeat, bool, error) {
	raw, err := s.client.Get(ctx, s.opts.HeartbeatKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Heartbeat{}, false, nil
	}
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("read heartbeat: %w", err)
	}
	var hb Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return Heartbeat{}, false, fmt.Errorf("decode heartbeat: %w", err)
	}
	return hb, true, nil
}

// RunHeartbeat beats every interval until ctx is done.
func (s *RedisStore) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if err := s.Beat(ctx, interval); err != nil {
		s.logger.Warn("heartbeat failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Beat(ctx, interval); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
