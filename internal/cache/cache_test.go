package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
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

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	return rc
}

func TestRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	require.NoError(t, rc.Ping(context.Background()))
	runCacheContract(t, rc)
}

func TestMemoryCache(t *testing.T) {
	runCacheContract(t, cache.NewMemoryCache())
}

// runCacheContract exercises the behavior every Cache implementation must
// share. Keys are unique per run so implementations can be reused.
func runCacheContract(t *testing.T, c cache.Cache) {
	ctx := context.Background()

	t.Run("RunnerTokenEntry", func(t *testing.T) {
		key := cache.RunnerTokenKey("rtok_" + uuid.NewString())
		runnerID := uuid.New()

		_, found, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, c.Set(ctx, key, []byte(runnerID.String()), time.Minute))
		val, found, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, runnerID.String(), string(val))

		require.NoError(t, c.Delete(ctx, key))
		_, found, err = c.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)

		assert.NoError(t, c.Delete(ctx, key), "deleting an absent key is not an error")
	})

	t.Run("EntryExpires", func(t *testing.T) {
		key := cache.RunnerTokenKey("rtok_" + uuid.NewString())
		require.NoError(t, c.Set(ctx, key, []byte("x"), time.Second))

		_, found, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)

		time.Sleep(1500 * time.Millisecond)

		_, found, err = c.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("JobStatusMirror", func(t *testing.T) {
		jobID := uuid.New()

		status, found, err := c.GetJobStatus(ctx, jobID)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, status)

		require.NoError(t, c.SetJobStatus(ctx, jobID, "running", time.Minute))
		require.NoError(t, c.SetJobStatus(ctx, jobID, "canceled", time.Minute))

		status, found, err = c.GetJobStatus(ctx, jobID)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "canceled", status)
	})

	t.Run("RateWindowCounts", func(t *testing.T) {
		key := cache.RateLimitKey("runner:" + uuid.NewString()[:8])
		for want := int64(1); want <= 3; want++ {
			n, err := c.IncrWithExpiry(ctx, key, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
	})

	t.Run("RateWindowResets", func(t *testing.T) {
		key := cache.RateLimitKey("runner:" + uuid.NewString()[:8])
		_, err := c.IncrWithExpiry(ctx, key, time.Second)
		require.NoError(t, err)

		time.Sleep(1500 * time.Millisecond)

		n, err := c.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("LogChannel", func(t *testing.T) {
		channel := cache.JobLogChannel(uuid.New())
		require.NoError(t, c.Publish(ctx, channel, []byte("before any subscriber")))

		sub, err := c.Subscribe(ctx, channel)
		require.NoError(t, err)

		require.NoError(t, c.Publish(ctx, cache.JobLogChannel(uuid.New()), []byte("other job")))
		require.NoError(t, c.Publish(ctx, channel, []byte("chunk 0")))
		require.NoError(t, c.Publish(ctx, channel, []byte("chunk 1")))

		for _, want := range []string{"chunk 0", "chunk 1"} {
			select {
			case msg := <-sub.Messages():
				assert.Equal(t, want, string(msg))
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())
		select {
		case _, ok := <-sub.Messages():
			assert.False(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("messages channel not closed")
		}
		assert.NoError(t, c.Publish(ctx, channel, []byte("after close")))
	})
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "job:22222222-2222-2222-2222-222222222222", cache.JobStatusKey(jobID))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:runner:abcd1234", cache.RateLimitKey("runner:abcd1234"))
}

func TestJobLogChannel(t *testing.T) {
	jobID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	assert.Equal(t, "joblog:33333333-3333-3333-3333-333333333333", cache.JobLogChannel(jobID))
}

func TestRunnerTokenKey(t *testing.T) {
	key := cache.RunnerTokenKey("super-secret-runner-token")
	assert.NotContains(t, key, "super-secret")
	assert.Len(t, key, len("runner:token:")+64)
	assert.Equal(t, key, cache.RunnerTokenKey("super-secret-runner-token"))
	assert.NotEqual(t, key, cache.RunnerTokenKey("super-secret-runner-token2"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	jobID := uuid.New()

	keys := map[string]bool{
		cache.JobStatusKey(jobID):          true,
		cache.RateLimitKey("prefix"):       true,
		cache.JobLogChannel(jobID):         true,
		cache.RunnerTokenKey("some-token"): true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}
