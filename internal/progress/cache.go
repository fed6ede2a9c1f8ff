package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ValueCache stores computed placeholder values with a TTL, shared by cached
// execution and the cache recovery tier.
type ValueCache struct {
	client *redis.Client
}

// NewValueCache wraps a Redis client.
func NewValueCache(client *redis.Client) *ValueCache {
	return &ValueCache{client: client}
}

func (c *ValueCache) GetValue(ctx context.Context, templateID uuid.UUID, name string) (json.RawMessage, bool, error) {
	val, err := c.client.Get(ctx, PlaceholderCacheKey(templateID, name)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(val), true, nil
}

func (c *ValueCache) SetValue(ctx context.Context, templateID uuid.UUID, name string, value json.RawMessage, ttl time.Duration) error {
	return c.client.Set(ctx, PlaceholderCacheKey(templateID, name), []byte(value), ttl).Err()
}

// RunLock grants exclusive execution of one job at a time across the
// process fleet, backed by SETNX with a TTL so crashed owners release
// eventually.
type RunLock struct {
	client *redis.Client
}

// NewRunLock wraps a Redis client.
func NewRunLock(client *redis.Client) *RunLock {
	return &RunLock{client: client}
}

// Acquire returns true when this caller now owns the job. token identifies
// the owning attempt so Release never frees someone else's lock.
func (l *RunLock) Acquire(ctx context.Context, jobID uuid.UUID, token string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, RunLockKey(jobID), token, ttl).Result()
}

// Release frees the lock if the token still owns it.
func (l *RunLock) Release(ctx context.Context, jobID uuid.UUID, token string) error {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end`
	return l.client.Eval(ctx, script, []string{RunLockKey(jobID)}, token).Err()
}
