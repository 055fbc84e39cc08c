package pipelinequeue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayDoubles(t *testing.T) {
	policy := DefaultBackoff()

	assert.Equal(t, 30*time.Second, policy.Delay(1))
	assert.Equal(t, 60*time.Second, policy.Delay(2))
	assert.Equal(t, 120*time.Second, policy.Delay(3))
	assert.Equal(t, 240*time.Second, policy.Delay(4))
}

func TestBackoffDelayCapped(t *testing.T) {
	policy := DefaultBackoff()

	assert.Equal(t, 900*time.Second, policy.Delay(6))
	assert.Equal(t, 900*time.Second, policy.Delay(10))
	assert.Equal(t, 900*time.Second, policy.Delay(100))
}

func TestBackoffDelayMonotonic(t *testing.T) {
	policy := BackoffPolicy{Base: 5 * time.Second, Cap: 10 * time.Minute}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		delay := policy.Delay(attempt)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, policy.Cap)
		prev = delay
	}
}

func TestBackoffDelayClampsAttempt(t *testing.T) {
	policy := DefaultBackoff()

	// Attempts below one behave like the first attempt.
	assert.Equal(t, policy.Delay(1), policy.Delay(0))
	assert.Equal(t, policy.Delay(1), policy.Delay(-3))
}
