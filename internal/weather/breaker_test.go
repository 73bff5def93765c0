package weather

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dronedispatch/internal/clock"
)

func TestBreakerHalfOpenAllowsOneTrialCall(t *testing.T) {
	clk := clock.NewManual(start)
	b := NewBreaker(2, time.Minute, clk)

	assert.True(t, b.Allow())
	b.Failure()
	assert.True(t, b.Allow())
	b.Failure()
	assert.True(t, b.Open())
	assert.False(t, b.Allow())

	clk.Advance(time.Minute)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "only one trial call while half open")

	b.Failure()
	assert.True(t, b.Open())

	clk.Advance(time.Minute)
	assert.True(t, b.Allow())
	b.Success()
	assert.False(t, b.Open())
	assert.True(t, b.Allow())
}
