package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/idem_begin.lua
var idemBeginScript string

//go:embed scripts/idem_complete.lua
var idemCompleteScript string

// Idempotency begin outcomes as returned by the Lua script.
const (
	IdemStateNew        = "NEW"
	IdemStateInProgress = "IN_PROGRESS"
	IdemStateCompleted  = "COMPLETED"
)

type Client struct {
	rdb            *redis.Client
	beginScript    *redis.Script
	completeScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb), nil
}

// NewClientFromRedis wraps an existing connection; used by tests running
// against an in-process server.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:            rdb,
		beginScript:    redis.NewScript(idemBeginScript),
		completeScript: redis.NewScript(idemCompleteScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func idemKey(tenantID, scopeKey, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, scopeKey, key)
}

func cartKey(tenantID, userID string) string {
	return fmt.Sprintf("cart:%s:%s", tenantID, userID)
}

// BeginIdempotent atomically creates or inspects an idempotency record.
// It returns one of the IdemState constants and, for COMPLETED, the cached
// result payload.
func (c *Client) BeginIdempotent(ctx context.Context, tenantID, scopeKey, key string, now time.Time, processingTimeout, ttl time.Duration) (string, []byte, error) {
	deadline := now.Add(processingTimeout).Unix()
	ttlSec := int64(ttl / time.Second)

	result, err := c.beginScript.Run(ctx, c.rdb,
		[]string{idemKey(tenantID, scopeKey, key)},
		now.Unix(), deadline, ttlSec).Result()
	if err != nil {
		return "", nil, fmt.Errorf("idempotency begin script failed: %w", err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return "", nil, fmt.Errorf("unexpected script result: %v", result)
	}

	state, _ := parts[0].(string)
	payload, _ := parts[1].(string)

	if state == IdemStateCompleted {
		return state, []byte(payload), nil
	}
	return state, nil, nil
}

// CompleteIdempotent marks a record COMPLETED with its cached result.
func (c *Client) CompleteIdempotent(ctx context.Context, tenantID, scopeKey, key string, result []byte, ttl time.Duration) error {
	ttlSec := int64(ttl / time.Second)
	_, err := c.completeScript.Run(ctx, c.rdb,
		[]string{idemKey(tenantID, scopeKey, key)},
		string(result), ttlSec).Result()
	if err != nil {
		return fmt.Errorf("idempotency complete script failed: %w", err)
	}
	return nil
}

// AbortIdempotent deletes a record so a later retry starts fresh.
func (c *Client) AbortIdempotent(ctx context.Context, tenantID, scopeKey, key string) error {
	return c.rdb.Del(ctx, idemKey(tenantID, scopeKey, key)).Err()
}

// GetCart returns the stored cart payload, or nil when absent.
func (c *Client) GetCart(ctx context.Context, tenantID, userID string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, cartKey(tenantID, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// SetCart writes the cart payload with its TTL.
func (c *Client) SetCart(ctx context.Context, tenantID, userID string, payload []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, cartKey(tenantID, userID), payload, ttl).Err()
}

// DeleteCart removes the cart payload.
func (c *Client) DeleteCart(ctx context.Context, tenantID, userID string) error {
	return c.rdb.Del(ctx, cartKey(tenantID, userID)).Err()
}

// ScanCartKeys iterates all cart keys, calling fn with the tenant and user
// parsed from each key. Used by the reconciliation sweep.
func (c *Client) ScanCartKeys(ctx context.Context, fn func(tenantID, userID string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, "cart:*", 100).Result()
		if err != nil {
			return fmt.Errorf("cart scan failed: %w", err)
		}
		for _, key := range keys {
			parts := strings.SplitN(strings.TrimPrefix(key, "cart:"), ":", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				continue
			}
			if err := fn(parts[0], parts[1]); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), strconv.FormatInt(time.Now().UnixNano(), 10), ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
