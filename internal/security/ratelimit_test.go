package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitBoundary(t *testing.T) {
	r := NewRateLimiter(map[string]int{ActionMessage: 60})

	for i := 0; i < 60; i++ {
		require.NoError(t, r.CheckAndRecord("actor", ActionMessage), "call %d", i)
	}

	err := r.CheckAndRecord("actor", ActionMessage)
	require.Error(t, err)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, ActionMessage, rlErr.Action)
	assert.Positive(t, rlErr.RetryAfter)
	assert.Contains(t, err.Error(), "Rate limit exceeded")
}

func TestRejectedCallsNotRecorded(t *testing.T) {
	r := NewRateLimiter(map[string]int{ActionMessage: 2})

	require.NoError(t, r.CheckAndRecord("a", ActionMessage))
	require.NoError(t, r.CheckAndRecord("a", ActionMessage))
	require.Error(t, r.CheckAndRecord("a", ActionMessage))
	assert.Equal(t, 2, r.Count("a", ActionMessage))
}

func TestActorsDoNotCrossContaminate(t *testing.T) {
	r := NewRateLimiter(map[string]int{ActionMessage: 1})

	require.NoError(t, r.CheckAndRecord("alice", ActionMessage))
	require.Error(t, r.CheckAndRecord("alice", ActionMessage))
	require.NoError(t, r.CheckAndRecord("bob", ActionMessage))
}

func TestActionsAreIndependentBuckets(t *testing.T) {
	r := NewRateLimiter(map[string]int{ActionMessage: 1, ActionCommand: 1})

	require.NoError(t, r.CheckAndRecord("a", ActionMessage))
	require.NoError(t, r.CheckAndRecord("a", ActionCommand))
	require.Error(t, r.CheckAndRecord("a", ActionMessage))
}

func TestWindowSlides(t *testing.T) {
	r := NewRateLimiter(map[string]int{ActionMessage: 2})
	base := time.Now()
	r.now = func() time.Time { return base }

	require.NoError(t, r.CheckAndRecord("a", ActionMessage))
	r.now = func() time.Time { return base.Add(30 * time.Second) }
	require.NoError(t, r.CheckAndRecord("a", ActionMessage))

	// Window full at t+40s.
	r.now = func() time.Time { return base.Add(40 * time.Second) }
	err := r.CheckAndRecord("a", ActionMessage)
	require.Error(t, err)
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	// The oldest entry ages out at t+60s, so retry-after is 20s.
	assert.Equal(t, 20*time.Second, rlErr.RetryAfter)

	// After the oldest entry leaves the window, one slot opens.
	r.now = func() time.Time { return base.Add(61 * time.Second) }
	require.NoError(t, r.CheckAndRecord("a", ActionMessage))
	assert.Equal(t, 2, r.Count("a", ActionMessage))
}

func TestUnlimitedActionAlwaysAllowed(t *testing.T) {
	r := NewRateLimiter(map[string]int{ActionMessage: 1})
	for i := 0; i < 100; i++ {
		require.NoError(t, r.CheckAndRecord("a", "unlisted"))
	}
}
