package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_DisabledNeverBlocks(t *testing.T) {
	rl := NewRateLimiter(0, 0, testLogger())
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, rl.Wait(context.Background(), "https://example.com/a"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	var nilLimiter *RateLimiter
	assert.NoError(t, nilLimiter.Wait(context.Background(), "https://example.com/a"))
}

func TestRateLimiter_PacesSameHost(t *testing.T) {
	rl := NewRateLimiter(20, 1, testLogger()) // One token per 50ms
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Wait(ctx, "https://example.com/movies/reviews/1/"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRateLimiter_HostsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1, testLogger())
	ctx := context.Background()

	require.NoError(t, rl.Wait(ctx, "https://a.example/1"))
	start := time.Now()
	require.NoError(t, rl.Wait(ctx, "https://b.example/1"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiter_RespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(0.1, 1, testLogger())
	require.NoError(t, rl.Wait(context.Background(), "https://example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx, "https://example.com/"))
}
