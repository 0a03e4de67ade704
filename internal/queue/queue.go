// Package queue is a durable job queue on Redis with delayed jobs,
// priorities, retries with exponential backoff and cron-style repeats.
//
// Keys, all under q:<name>:
//
//	job:<id>   JSON job record
//	prio       hash id -> priority digits
//	wait       zset, score priority*1e13 + enqueue ms (lowest first)
//	delayed    zset, score run-at ms
//	active     zset, score lease deadline ms
//	completed  zset, score finish ms
//	failed     zset, score finish ms
//	repeat     hash <kind>:<pattern> -> repeat definition
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultAttempts    = 3
	DefaultBackoffBase = time.Second
	MaxPriority        = 100
)

type Config struct {
	Attempts      int
	BackoffBase   time.Duration
	LeaseDuration time.Duration
	KeepCompleted int64
	CompletedAge  time.Duration
	KeepFailed    int64
	FailedAge     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts:      DefaultAttempts,
		BackoffBase:   DefaultBackoffBase,
		LeaseDuration: 6 * time.Minute,
		KeepCompleted: 100,
		CompletedAge:  time.Hour,
		KeepFailed:    50,
		FailedAge:     24 * time.Hour,
	}
}

// Job is the stored record of one unit of work.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	RunAt       time.Time       `json:"runAt"`
	Repeat      string          `json:"repeat,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// Payload decodes the job data into its typed payload.
func (j *Job) Payload() (Payload, error) {
	return Decode(j.Name, j.Data)
}

// Options are the per-job enqueue settings.
type Options struct {
	Delay    time.Duration
	Priority int
	JobID    string
}

type Option func(*Options)

func WithDelay(d time.Duration) Option { return func(o *Options) { o.Delay = d } }
func WithPriority(p int) Option        { return func(o *Options) { o.Priority = p } }
func WithJobID(id string) Option       { return func(o *Options) { o.JobID = id } }

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Queue struct {
	client *redis.Client
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	startMu sync.Mutex
	started bool
}

func New(client *redis.Client, name string, cfg Config, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = def.KeepCompleted
	}
	if cfg.CompletedAge <= 0 {
		cfg.CompletedAge = def.CompletedAge
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = def.KeepFailed
	}
	if cfg.FailedAge <= 0 {
		cfg.FailedAge = def.FailedAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client: client,
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "queue", "queue", name),
		now:    time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

// EnsureStarted checks the connection once; later calls return immediately.
func (q *Queue) EnsureStarted(ctx context.Context) error {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return nil
	}
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue %s: connect: %w", q.name, err)
	}
	q.started = true
	return nil
}

func (q *Queue) key(parts ...string) string {
	k := "q:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

// Enqueue stores a typed job. Without WithJobID the id is <kind>-<unix ms>.
// Enqueueing an id that is already stored is a no-op returning that id.
func (q *Queue) Enqueue(ctx context.Context, payload Payload, opts ...Option) (string, error) {
	if payload == nil {
		return "", errors.New("enqueue: nil payload")
	}
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", payload.Kind(), err)
	}
	return q.enqueue(ctx, string(payload.Kind()), data, o, "")
}

// EnqueueRaw stores a job without checking its name against the known
// kinds; producers outside this process share the queue, and the worker
// acknowledges names it does not handle.
func (q *Queue) EnqueueRaw(ctx context.Context, name string, data json.RawMessage, o Options) (string, error) {
	if name == "" {
		return "", errors.New("enqueue: job name is required")
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return q.enqueue(ctx, name, data, o, "")
}

var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

func (q *Queue) enqueue(ctx context.Context, name string, data []byte, o Options, repeat string) (string, error) {
	now := q.now()
	if o.JobID == "" {
		o.JobID = fmt.Sprintf("%s-%d", name, now.UnixMilli())
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	job := Job{
		ID:          o.JobID,
		Name:        name,
		Data:        data,
		Priority:    clampPriority(o.Priority),
		MaxAttempts: q.cfg.Attempts,
		CreatedAt:   now.UTC(),
		RunAt:       now.Add(o.Delay).UTC(),
		Repeat:      repeat,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	target, score := q.key("wait"), waitScore(job.Priority, now)
	if o.Delay > 0 {
		target, score = q.key("delayed"), msString(job.RunAt)
	}
	added, err := addScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), target, q.key("prio")},
		string(raw), score, job.ID, strconv.Itoa(job.Priority),
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	if added == 0 {
		q.logger.Debug("job already queued", "job_id", job.ID, "job", name)
		return job.ID, nil
	}
	q.logger.Debug("job enqueued", "job_id", job.ID, "job", name, "delay", o.Delay, "priority", job.Priority)
	return job.ID, nil
}

// dequeueScript promotes due delayed jobs, pops the best waiting job and
// leases it in one step.
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local prio = redis.call('HGET', KEYS[4], id)
	if not prio then prio = '0' end
	redis.call('ZADD', KEYS[1], prio .. ARGV[2], id)
end
while true do
	local head = redis.call('ZRANGE', KEYS[1], 0, 0)
	if #head == 0 then
		return false
	end
	local id = head[1]
	redis.call('ZREM', KEYS[1], id)
	local raw = redis.call('GET', ARGV[4] .. id)
	if raw then
		redis.call('ZADD', KEYS[3], ARGV[3], id)
		return raw
	end
end
`)

// Dequeue leases the next runnable job, or returns nil when none is due.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now()
	raw, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("delayed"), q.key("active"), q.key("prio")},
		msString(now), paddedMillis(now), msString(now.Add(q.cfg.LeaseDuration)), q.jobKey(""),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.Repeat != "" {
		if err := q.scheduleRepeat(ctx, job.Repeat); err != nil {
			q.logger.Error("schedule next repeat failed", "repeat", job.Repeat, "job_id", job.ID, "error", err)
		}
	}
	return &job, nil
}

// moveScript moves a job out of active only if this worker still holds it.
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

func (q *Queue) move(ctx context.Context, job *Job, dest, score string) (bool, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	moved, err := moveScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key(dest), q.jobKey(job.ID)},
		job.ID, score, string(raw),
	).Int()
	if err != nil {
		return false, fmt.Errorf("move job %s to %s: %w", job.ID, dest, err)
	}
	return moved == 1, nil
}

// Complete acknowledges a job. It is retained for inspection, then purged.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := q.now()
	finished := now.UTC()
	job.FinishedAt = &finished
	job.Attempts++
	moved, err := q.move(ctx, job, "completed", msString(now))
	if err != nil {
		return err
	}
	if !moved {
		q.logger.Warn("completed job no longer leased", "job_id", job.ID)
		return nil
	}
	return q.trim(ctx, "completed", q.cfg.KeepCompleted, q.cfg.CompletedAge, now)
}

// FailResult says what happened to a failed job.
type FailResult struct {
	Retrying bool
	Delay    time.Duration
}

// Fail records a failed attempt. The job is retried after an exponential
// backoff unless the error is permanent or the attempt ceiling is reached.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (FailResult, error) {
	now := q.now()
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	if !IsPermanent(cause) && job.Attempts < job.MaxAttempts {
		delay := Backoff(q.cfg.BackoffBase, job.Attempts)
		job.RunAt = now.Add(delay).UTC()
		if _, err := q.move(ctx, job, "delayed", msString(job.RunAt)); err != nil {
			return FailResult{}, err
		}
		return FailResult{Retrying: true, Delay: delay}, nil
	}

	finished := now.UTC()
	job.FinishedAt = &finished
	if _, err := q.move(ctx, job, "failed", msString(now)); err != nil {
		return FailResult{}, err
	}
	return FailResult{}, q.trim(ctx, "failed", q.cfg.KeepFailed, q.cfg.FailedAge, now)
}

// Backoff is base doubled for every attempt already made.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(1<<uint(attempts-1))
}

// RecoverStalled returns jobs whose lease expired to the wait set. Handlers
// are idempotent, so redelivery is safe.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{Min: "-inf", Max: msString(now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.key("active"), id).Result()
		if err != nil {
			return recovered, fmt.Errorf("release stalled job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		prio, err := q.client.HGet(ctx, q.key("prio"), id).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return recovered, fmt.Errorf("read priority %s: %w", id, err)
		}
		if err := q.client.ZAdd(ctx, q.key("wait"), redis.Z{Score: mustFloat(waitScore(prio, now)), Member: id}).Err(); err != nil {
			return recovered, fmt.Errorf("requeue stalled job %s: %w", id, err)
		}
		q.logger.Warn("stalled job requeued", "job_id", id)
		recovered++
	}
	return recovered, nil
}

func (q *Queue) trim(ctx context.Context, set string, keep int64, age time.Duration, now time.Time) error {
	setKey := q.key(set)
	stale, err := q.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{Min: "-inf", Max: "(" + msString(now.Add(-age))}).Result()
	if err != nil {
		return fmt.Errorf("list expired %s jobs: %w", set, err)
	}
	overflow, err := q.client.ZRange(ctx, setKey, 0, -(keep + 1)).Result()
	if err != nil {
		return fmt.Errorf("list overflow %s jobs: %w", set, err)
	}
	ids := append(stale, overflow...)
	if len(ids) == 0 {
		return nil
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.ZRem(ctx, setKey, id)
			pipe.HDel(ctx, q.key("prio"), id)
			pipe.Del(ctx, q.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge %s jobs: %w", set, err)
	}
	return nil
}

// Get loads a stored job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// paddedMillis renders ms as 13 digits so that prio .. ms is the decimal
// form of priority*1e13 + ms.
func paddedMillis(t time.Time) string {
	return fmt.Sprintf("%013d", t.UnixMilli())
}

func waitScore(priority int, t time.Time) string {
	return strconv.Itoa(priority) + paddedMillis(t)
}

func mustFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
