// Package progress implements the ephemeral per-job status store on Redis.
// Records are advisory: a write that keeps failing is logged and dropped, it
// never blocks the pipeline.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reportforge/engine/pkg/models"
)

// ErrNotFound is returned when no record exists (or it has expired).
var ErrNotFound = errors.New("progress record not found")

const writeAttempts = 3

// Store is the progress store interface.
type Store interface {
	Set(ctx context.Context, jobID uuid.UUID, rec models.ProgressRecord) error
	Get(ctx context.Context, jobID uuid.UUID) (*models.ProgressRecord, error)
	Delete(ctx context.Context, jobID uuid.UUID) error
	Ping(ctx context.Context) error
}

// RedisStore implements Store using a Redis hash per job with a fixed TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a progress store from a Redis URL.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), ttl), nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying Redis client for components that share the
// connection (run locks, placeholder cache, queue).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Set overwrites the job's record and refreshes its TTL. Every write carries a
// timestamp. Transient connectivity errors are retried up to 3 times with
// linear backoff (1s x attempt); exhausted retries surface the error so the
// caller can log and move on.
func (s *RedisStore) Set(ctx context.Context, jobID uuid.UUID, rec models.ProgressRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}

	fields := map[string]any{
		"status":     rec.Status,
		"progress":   rec.Progress,
		"message":    rec.Message,
		"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range rec.Metadata {
		fields["meta:"+k] = v
	}

	key := recordKey(jobID)
	op := func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, s.ttl)
		_, err := pipe.Exec(ctx)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(time.Second), writeAttempts-1), ctx))
	if err != nil {
		slog.Error("progress write failed after retries", "job_id", jobID, "error", err)
		return err
	}
	return nil
}

// Get returns the job's record, or ErrNotFound once the TTL has expired.
func (s *RedisStore) Get(ctx context.Context, jobID uuid.UUID) (*models.ProgressRecord, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := models.ProgressRecord{
		Status:  fields["status"],
		Message: fields["message"],
	}
	if v, ok := fields["progress"]; ok {
		rec.Progress, _ = strconv.Atoi(v)
	}
	if v, ok := fields["updated_at"]; ok {
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	for k, v := range fields {
		if len(k) > 5 && k[:5] == "meta:" {
			if rec.Metadata == nil {
				rec.Metadata = map[string]string{}
			}
			rec.Metadata[k[5:]] = v
		}
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, jobID uuid.UUID) error {
	return s.client.Del(ctx, recordKey(jobID)).Err()
}

// IncrWithExpiry increments a counter, setting its TTL on first increment.
// Used by the API rate limiter.
func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// isTransient reports whether a Redis error is worth retrying. Context
// cancellation and redis.Nil are not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, redis.Nil)
}

// linearBackOff waits interval x attempt between retries. The backoff library
// ships constant and exponential policies; progress writes want the linear
// ramp from the store contract, expressed through the same BackOff interface.
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func newLinearBackOff(interval time.Duration) *linearBackOff {
	return &linearBackOff{interval: interval}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.interval
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
