package admin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 5, BurstSize: 5}, nil)

	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow("tenant-a"))
	}
	require.False(t, rl.Allow("tenant-a"))
}

func TestRateLimiter_TracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1}, nil)

	require.True(t, rl.Allow("tenant-a"))
	require.True(t, rl.Allow("tenant-b"))
	require.False(t, rl.Allow("tenant-a"))
}
