package progress_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/reportforge/engine/internal/progress"
	"github.com/reportforge/engine/pkg/models"
)

// setupStore spins up a Redis container and returns a connected RedisStore.
func setupStore(t *testing.T, ttl time.Duration) *progress.RedisStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	store, err := progress.NewRedisStore("redis://"+host+":"+port.Port(), ttl)
	require.NoError(t, err)
	return store
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Hour)
	ctx := context.Background()
	jobID := uuid.New()

	err := store.Set(ctx, jobID, models.ProgressRecord{
		Status:   models.JobStatusRunning,
		Progress: 45,
		Message:  "executing queries",
		Metadata: map[string]string{"mode": "full_pipeline"},
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, rec.Status)
	assert.Equal(t, 45, rec.Progress)
	assert.Equal(t, "executing queries", rec.Message)
	assert.Equal(t, "full_pipeline", rec.Metadata["mode"])
	assert.False(t, rec.UpdatedAt.IsZero(), "every write carries a timestamp")
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Hour)

	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, progress.ErrNotFound)
}

func TestSet_OverwritesPreviousRecord(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Hour)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, store.Set(ctx, jobID, models.ProgressRecord{
		Status:   models.JobStatusRunning,
		Progress: 10,
		Metadata: map[string]string{"mode": "full_pipeline", "phase": "analysis"},
	}))
	require.NoError(t, store.Set(ctx, jobID, models.ProgressRecord{
		Status:   models.JobStatusRunning,
		Progress: 80,
	}))

	rec, err := store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 80, rec.Progress)
	assert.Empty(t, rec.Metadata, "stale metadata fields must not survive an overwrite")
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Second)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, store.Set(ctx, jobID, models.ProgressRecord{
		Status:   models.JobStatusCompleted,
		Progress: 100,
	}))

	_, err := store.Get(ctx, jobID)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	_, err = store.Get(ctx, jobID)
	assert.ErrorIs(t, err, progress.ErrNotFound)
}

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Hour)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, store.Set(ctx, jobID, models.ProgressRecord{Status: models.JobStatusRunning}))
	require.NoError(t, store.Delete(ctx, jobID))

	_, err := store.Get(ctx, jobID)
	assert.ErrorIs(t, err, progress.ErrNotFound)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Hour)
	ctx := context.Background()
	key := progress.RateLimitKey("rf_" + uuid.NewString()[:8])

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

// --- ValueCache ---

func TestValueCache_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Hour)
	cache := progress.NewValueCache(store.Client())
	ctx := context.Background()
	templateID := uuid.New()

	_, found, err := cache.GetValue(ctx, templateID, "total_revenue")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.SetValue(ctx, templateID, "total_revenue",
		json.RawMessage(`{"value": 1234.5}`), time.Minute))

	val, found, err := cache.GetValue(ctx, templateID, "total_revenue")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"value": 1234.5}`, string(val))
}

// --- RunLock ---

func TestRunLock_ExclusiveAcquire(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Hour)
	lock := progress.NewRunLock(store.Client())
	ctx := context.Background()
	jobID := uuid.New()

	ok, err := lock.Acquire(ctx, jobID, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, jobID, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while the lock is held")
}

func TestRunLock_ReleaseRequiresToken(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	store := setupStore(t, time.Hour)
	lock := progress.NewRunLock(store.Client())
	ctx := context.Background()
	jobID := uuid.New()

	ok, err := lock.Acquire(ctx, jobID, "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A release with the wrong token must not free the lock.
	require.NoError(t, lock.Release(ctx, jobID, "owner-b"))
	ok, err = lock.Acquire(ctx, jobID, "owner-c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// The owning token frees it.
	require.NoError(t, lock.Release(ctx, jobID, "owner-a"))
	ok, err = lock.Acquire(ctx, jobID, "owner-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- Key builders ---

func TestRunLockKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "report:running:22222222-2222-2222-2222-222222222222",
		progress.RunLockKey(jobID))
}

func TestPlaceholderCacheKey(t *testing.T) {
	templateID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	assert.Equal(t, "report:cache:11111111-1111-1111-1111-111111111111:total_revenue",
		progress.PlaceholderCacheKey(templateID, "total_revenue"))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "report:ratelimit:rf_abcd12", progress.RateLimitKey("rf_abcd12"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	templateID := uuid.New()
	jobID := uuid.New()

	keys := map[string]bool{
		progress.RunLockKey(jobID):                     true,
		progress.PlaceholderCacheKey(templateID, "m1"): true,
		progress.RateLimitKey("rf_prefix"):             true,
	}
	assert.Len(t, keys, 3, "all keys should be unique")
}
