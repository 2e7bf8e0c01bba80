package security

import (
	"fmt"
	"sync"
	"time"
)

// rateWindow is the sliding window over which action counts are enforced.
const rateWindow = time.Minute

// RateLimitError reports an action rejected by the rate limiter.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded for %s, retry in %dms", e.Action, e.RetryAfter.Milliseconds())
}

// RateLimiter enforces per-(actor, action) sliding 60s windows. A token
// bucket cannot express this: after N sends in half a window a bucket has
// refilled, but the contract requires the (N+1)-th send inside the window
// to fail until the oldest timestamp ages out.
type RateLimiter struct {
	limits map[string]int // action -> max per window
	now    func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey][]time.Time
}

type bucketKey struct {
	actor  string
	action string
}

// NewRateLimiter creates a limiter. Actions missing from limits are
// unlimited.
func NewRateLimiter(limits map[string]int) *RateLimiter {
	return &RateLimiter{
		limits:  limits,
		now:     time.Now,
		buckets: make(map[bucketKey][]time.Time),
	}
}

// CheckAndRecord records one occurrence of action by actor, or returns a
// *RateLimitError when the window is full. Rejected calls are not
// recorded, so a blocked actor's retry-after does not keep growing.
// Buckets are per (actor, action); actors never cross-contaminate.
func (r *RateLimiter) CheckAndRecord(actorID, action string) error {
	limit, limited := r.limits[action]
	if !limited || limit <= 0 {
		return nil
	}

	now := r.now()
	key := bucketKey{actor: actorID, action: action}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Evict timestamps that have left the window.
	window := r.buckets[key]
	cutoff := now.Add(-rateWindow)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		r.buckets[key] = kept
		retry := kept[0].Add(rateWindow).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return &RateLimitError{Action: action, RetryAfter: retry}
	}

	r.buckets[key] = append(kept, now)
	return nil
}

// Count returns the number of recorded occurrences currently inside the
// window for (actor, action).
func (r *RateLimiter) Count(actorID, action string) int {
	now := r.now()
	cutoff := now.Add(-rateWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ts := range r.buckets[bucketKey{actor: actorID, action: action}] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
