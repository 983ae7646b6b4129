package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_BackoffUncapped(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
	assert.Equal(t, 4*time.Second, policy.Backoff(3))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	policy := DefaultRetryPolicy
	assert.False(t, policy.Exhausted(1))
	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
}

func TestRank(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Less(t, rank(t0.Add(time.Hour), 3, 0), rank(t0, 2, 0), "strict priority ignores wait time")
	assert.Less(t, rank(t0, 1, 0), rank(t0.Add(time.Millisecond), 1, 0), "FIFO within a tier")
	assert.Less(t, rank(t0, 0, time.Minute), rank(t0.Add(4*time.Minute), 3, time.Minute),
		"a low tier message aged past the tier gap goes first")
}
