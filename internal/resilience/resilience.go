// Package resilience provides explicit retry and circuit-breaker decorators
// for collaborator calls. Failure handling is composed in code at the call
// site: the breaker guards every call, the retry policy wraps only
// operations that are safe to repeat.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Permanent marks an error as definitive so the retry policy stops
// immediately (e.g. an insufficient-stock rejection).
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry repeats an operation with bounded exponential backoff.
type Retry struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewRetry returns a policy with maxRetries additional attempts after the
// first failure.
func NewRetry(maxRetries uint64) *Retry {
	return &Retry{
		MaxRetries:      maxRetries,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// retry budget, or ctx is done.
func (r *Retry) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx))
}

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Breaker wraps gobreaker with settings tuned for collaborator calls.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a named breaker that trips after five consecutive
// failures and probes again after 30 seconds.
func NewBreaker(name string) *Breaker {
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Execute runs op through the breaker. An open breaker surfaces as
// ErrBreakerOpen, which callers classify as transient.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}
