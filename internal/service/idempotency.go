package service

import (
	"context"
	"time"

	"checkout-service/internal/redisclient"
)

// BeginState is the outcome of an idempotency check-or-begin.
type BeginState int

const (
	// StateNew means no prior record existed; the caller owns the
	// operation and must Complete or Abort it.
	StateNew BeginState = iota
	// StateInProgress means a live PROCESSING record blocks this attempt.
	StateInProgress
	// StateCompleted means the operation already ran; the cached result
	// is returned instead of re-executing side effects.
	StateCompleted
)

// Idempotency deduplicates mutating commands by tenant, actor, and
// client-supplied key.
type Idempotency interface {
	CheckOrBegin(ctx context.Context, tenantID, scopeKey, key string) (BeginState, []byte, error)
	Complete(ctx context.Context, tenantID, scopeKey, key string, result []byte) error
	Abort(ctx context.Context, tenantID, scopeKey, key string) error
}

// RedisIdempotency implements Idempotency on Redis hashes. The begin step is
// a Lua script, so concurrent duplicates race on a single atomic operation:
// exactly one caller sees NEW. Records expire after the TTL regardless of
// status; a PROCESSING record whose deadline passed is treated as abandoned
// and reclaimed.
type RedisIdempotency struct {
	redis             *redisclient.Client
	ttl               time.Duration
	processingTimeout time.Duration
	now               func() time.Time
}

// NewRedisIdempotency creates the store. ttl bounds total record lifetime
// (recommended 24h); processingTimeout bounds how long a PROCESSING record
// blocks duplicates (recommended 60s).
func NewRedisIdempotency(redis *redisclient.Client, ttl, processingTimeout time.Duration) *RedisIdempotency {
	return &RedisIdempotency{
		redis:             redis,
		ttl:               ttl,
		processingTimeout: processingTimeout,
		now:               time.Now,
	}
}

// WithClock overrides the clock; used by tests to age PROCESSING records.
func (s *RedisIdempotency) WithClock(now func() time.Time) *RedisIdempotency {
	s.now = now
	return s
}

// CheckOrBegin atomically creates a PROCESSING record or reports the state
// of the existing one.
func (s *RedisIdempotency) CheckOrBegin(ctx context.Context, tenantID, scopeKey, key string) (BeginState, []byte, error) {
	state, result, err := s.redis.BeginIdempotent(ctx, tenantID, scopeKey, key, s.now(), s.processingTimeout, s.ttl)
	if err != nil {
		return StateNew, nil, err
	}

	switch state {
	case redisclient.IdemStateNew:
		return StateNew, nil, nil
	case redisclient.IdemStateInProgress:
		return StateInProgress, nil, nil
	default:
		return StateCompleted, result, nil
	}
}

// Complete stores the cached result and marks the record COMPLETED.
func (s *RedisIdempotency) Complete(ctx context.Context, tenantID, scopeKey, key string, result []byte) error {
	return s.redis.CompleteIdempotent(ctx, tenantID, scopeKey, key, result, s.ttl)
}

// Abort deletes the record so the same key can be retried safely.
func (s *RedisIdempotency) Abort(ctx context.Context, tenantID, scopeKey, key string) error {
	return s.redis.AbortIdempotent(ctx, tenantID, scopeKey, key)
}
