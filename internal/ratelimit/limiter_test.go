package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(42, now), "burst token %d", i)
	}
	assert.False(t, l.Allow(42, now))
	assert.True(t, l.Allow(7, now), "other identities have their own bucket")

	assert.True(t, l.Allow(42, now.Add(time.Second)))
}

func TestLimiterNilAllowsEverything(t *testing.T) {
	var l *Limiter
	assert.True(t, l.Allow(1, time.Now()))
	assert.Zero(t, l.Len())

	assert.Nil(t, New(0, 5, 0))
	assert.Nil(t, New(1, 0, 0))
}

func TestLimiterZeroIdentityIsNotTracked(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	assert.True(t, l.Allow(0, now))
	assert.True(t, l.Allow(0, now))
	assert.Zero(t, l.Len())
}

func TestLimiterEvictsIdleBuckets(t *testing.T) {
	l := New(100, 100, time.Minute)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	l.Allow(1, start)
	later := start.Add(time.Hour)
	for i := 1; i < evictEvery; i++ {
		l.Allow(2, later)
	}

	assert.Equal(t, 1, l.Len())
}
