package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstCeiling(t *testing.T) {
	rl := NewRateLimiter()

	// The register tag allows a burst of 10 from one source.
	allowed := 0
	for i := 0; i < 15; i++ {
		if rl.Allow(TagRegister, "10.0.0.1") {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)

	// A different source has its own bucket.
	assert.True(t, rl.Allow(TagRegister, "10.0.0.2"))

	// A different tag from the throttled source has its own bucket too.
	assert.True(t, rl.Allow(TagHeartbeat, "10.0.0.1"))
}

func TestRateLimiterUnknownTagFallsBackToRead(t *testing.T) {
	rl := NewRateLimiter()

	allowed := 0
	for i := 0; i < 60; i++ {
		if rl.Allow("mystery", "10.0.0.1") {
			allowed++
		}
	}
	// Read burst is 50.
	assert.Equal(t, 50, allowed)
}

func TestRateLimiterPrune(t *testing.T) {
	rl := NewRateLimiter()
	rl.Allow(TagRead, "10.0.0.1")
	rl.Allow(TagRead, "10.0.0.2")

	// Nothing is older than the TTL yet.
	assert.Zero(t, rl.Prune())

	// Age the entries past the TTL by hand, then prune.
	rl.mu.Lock()
	for _, e := range rl.buckets {
		e.lastSeen = e.lastSeen.Add(-2 * limiterTTL)
	}
	rl.mu.Unlock()
	assert.Equal(t, 2, rl.Prune())
}
