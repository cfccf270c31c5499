package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsBurstThenDenies(t *testing.T) {
	limiter := newUserRateLimiter(60, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.allow("user:sato"), "request %d should pass within burst", i+1)
	}
	assert.False(t, limiter.allow("user:sato"), "burst exhausted")
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	limiter := newUserRateLimiter(60, 1)

	assert.True(t, limiter.allow("user:sato"))
	assert.False(t, limiter.allow("user:sato"))
	assert.True(t, limiter.allow("user:aoki"), "other keys keep their own bucket")
}

func TestRateLimiterDisabled(t *testing.T) {
	var limiter *userRateLimiter
	assert.True(t, limiter.allow("user:sato"), "nil limiter allows everything")

	assert.Nil(t, newUserRateLimiter(0, 0))
	assert.Nil(t, newUserRateLimiter(60, 0))
}

func TestRateLimiterEmptyKeyAllowed(t *testing.T) {
	limiter := newUserRateLimiter(60, 1)
	assert.True(t, limiter.allow(""))
	assert.True(t, limiter.allow(""))
}

func TestRateLimiterIdleEntryRestartsFresh(t *testing.T) {
	limiter := newUserRateLimiter(60, 1)
	current := time.Now()
	limiter.now = func() time.Time { return current }

	assert.True(t, limiter.allow("user:sato"))
	assert.False(t, limiter.allow("user:sato"))

	current = current.Add(rateLimitEntryTTL + time.Minute)
	assert.True(t, limiter.allow("user:sato"), "idle entry past TTL gets a fresh bucket")
}
