package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

type repeatDef struct {
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Pattern string          `json:"pattern"`
	NextJob string          `json:"nextJob,omitempty"`
}

// RepeatKey identifies a recurring registration.
func RepeatKey(kind Kind, pattern string) string {
	return string(kind) + ":" + pattern
}

// EnqueueRecurring registers payload to run on a standard five-field cron
// pattern. A kind has at most one schedule: registering it again replaces the
// payload, and a different pattern drops the previous one with its pending
// occurrence.
func (q *Queue) EnqueueRecurring(ctx context.Context, payload Payload, pattern string) (string, error) {
	if _, err := cron.ParseStandard(pattern); err != nil {
		return "", fmt.Errorf("parse cron pattern %q: %w", pattern, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", payload.Kind(), err)
	}
	key := RepeatKey(payload.Kind(), pattern)

	keys, err := q.client.HKeys(ctx, q.key("repeat")).Result()
	if err != nil {
		return "", fmt.Errorf("list repeats: %w", err)
	}
	for _, other := range keys {
		if other == key || !strings.HasPrefix(other, string(payload.Kind())+":") {
			continue
		}
		if err := q.removeRepeat(ctx, other); err != nil {
			return "", err
		}
		q.logger.Info("recurring job replaced", "repeat", other, "by", key)
	}

	def := repeatDef{Name: string(payload.Kind()), Data: data, Pattern: pattern}
	existing, err := q.loadRepeat(ctx, key)
	if err != nil {
		return "", err
	}
	if existing != nil {
		def.NextJob = existing.NextJob
	}
	if err := q.saveRepeat(ctx, key, def); err != nil {
		return "", err
	}
	if err := q.scheduleRepeat(ctx, key); err != nil {
		return "", err
	}
	q.logger.Info("recurring job registered", "repeat", key)
	return key, nil
}

// RemoveRecurring drops the registration and its pending occurrence.
func (q *Queue) RemoveRecurring(ctx context.Context, kind Kind, pattern string) error {
	return q.removeRepeat(ctx, RepeatKey(kind, pattern))
}

func (q *Queue) removeRepeat(ctx context.Context, key string) error {
	def, err := q.loadRepeat(ctx, key)
	if err != nil || def == nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.key("repeat"), key)
		if def.NextJob != "" {
			pipe.ZRem(ctx, q.key("delayed"), def.NextJob)
			pipe.HDel(ctx, q.key("prio"), def.NextJob)
			pipe.Del(ctx, q.jobKey(def.NextJob))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove repeat %s: %w", key, err)
	}
	return nil
}

// scheduleRepeat materializes the next occurrence as a delayed job with a
// deterministic id, so concurrent schedulers converge on one job.
func (q *Queue) scheduleRepeat(ctx context.Context, key string) error {
	def, err := q.loadRepeat(ctx, key)
	if err != nil {
		return err
	}
	if def == nil {
		return nil
	}
	schedule, err := cron.ParseStandard(def.Pattern)
	if err != nil {
		return fmt.Errorf("parse cron pattern %q: %w", def.Pattern, err)
	}
	now := q.now()
	next := schedule.Next(now)
	id := fmt.Sprintf("repeat:%s:%d", key, next.UnixMilli())

	if _, err := q.enqueue(ctx, def.Name, def.Data, Options{JobID: id, Delay: next.Sub(now)}, key); err != nil {
		return err
	}
	if def.NextJob != id {
		def.NextJob = id
		return q.saveRepeat(ctx, key, *def)
	}
	return nil
}

func (q *Queue) loadRepeat(ctx context.Context, key string) (*repeatDef, error) {
	raw, err := q.client.HGet(ctx, q.key("repeat"), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load repeat %s: %w", key, err)
	}
	var def repeatDef
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode repeat %s: %w", key, err)
	}
	return &def, nil
}

func (q *Queue) saveRepeat(ctx context.Context, key string, def repeatDef) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal repeat %s: %w", key, err)
	}
	if err := q.client.HSet(ctx, q.key("repeat"), key, raw).Err(); err != nil {
		return fmt.Errorf("save repeat %s: %w", key, err)
	}
	return nil
}
