package proctor

import "time"

// RateLimiter lets one violation through per cooldown window, shared by all kinds.
// It belongs to a single engine loop and is not safe for concurrent use.
type RateLimiter struct {
	cooldown time.Duration
	last     time.Time
}

func NewRateLimiter(cooldown time.Duration) *RateLimiter {
	return &RateLimiter{cooldown: cooldown}
}

// Allow reports whether a violation at now may be recorded, and if so marks now as the last one.
// The window is exclusive: exactly cooldown after the last violation is still suppressed.
func (r *RateLimiter) Allow(now time.Time) bool {
	if !r.last.IsZero() && now.Sub(r.last) <= r.cooldown {
		return false
	}
	r.last = now
	return true
}

// Last returns the time of the last allowed violation (zero if none).
func (r *RateLimiter) Last() time.Time { return r.last }

// Throttle bounds how often recognition runs. A zero last time means it never ran.
type Throttle struct {
	interval time.Duration
	last     time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Allow reports whether recognition may run at now and records the run.
func (t *Throttle) Allow(now time.Time) bool {
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Last returns the time of the last recognition run (zero if none).
func (t *Throttle) Last() time.Time { return t.last }
