package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// breakerBackend short-circuits calls to a backend that keeps failing.
type breakerBackend struct {
	name string
	next Backend
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next in a circuit breaker named name.
func WithBreaker(name string, next Backend) Backend {
	return &breakerBackend{
		name: name,
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

func (b *breakerBackend) execute(fn func() (interface{}, error)) (interface{}, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, b.name, err)
	}
	return out, err
}

func (b *breakerBackend) UpsertDocument(ctx context.Context, datasetID, existingID string, doc Document) (string, error) {
	out, err := b.execute(func() (interface{}, error) {
		return b.next.UpsertDocument(ctx, datasetID, existingID, doc)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *breakerBackend) DeleteDocument(ctx context.Context, datasetID, documentID string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.next.DeleteDocument(ctx, datasetID, documentID)
	})
	return err
}

func (b *breakerBackend) Ping(ctx context.Context) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.next.Ping(ctx)
	})
	return err
}
