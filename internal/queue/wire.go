package queue

import (
	"context"
	"encoding/json"
	"time"
)

// WireJob is the JSON form producers submit:
//
//	{"name": "...", "data": {...}, "opts": {"delay": 0, "priority": 0, "jobId": "", "repeat": {"pattern": ""}}}
type WireJob struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
	Opts WireOptions     `json:"opts"`
}

type WireOptions struct {
	// Delay is in milliseconds.
	Delay    int64       `json:"delay,omitempty"`
	Priority int         `json:"priority,omitempty"`
	JobID    string      `json:"jobId,omitempty"`
	Repeat   *WireRepeat `json:"repeat,omitempty"`
}

type WireRepeat struct {
	Pattern string `json:"pattern"`
}

// Submit validates and enqueues a wire job. A repeat pattern registers a
// recurring job and returns its repeat key instead of a job id.
func (q *Queue) Submit(ctx context.Context, w WireJob) (string, error) {
	if w.Opts.Repeat != nil && w.Opts.Repeat.Pattern != "" {
		payload, err := Decode(w.Name, w.Data)
		if err != nil {
			return "", err
		}
		return q.EnqueueRecurring(ctx, payload, w.Opts.Repeat.Pattern)
	}
	if _, err := Decode(w.Name, w.Data); err != nil {
		return "", err
	}
	return q.EnqueueRaw(ctx, w.Name, w.Data, Options{
		Delay:    time.Duration(w.Opts.Delay) * time.Millisecond,
		Priority: w.Opts.Priority,
		JobID:    w.Opts.JobID,
	})
}
