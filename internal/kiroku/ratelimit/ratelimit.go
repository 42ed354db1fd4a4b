// Package ratelimit guards user-triggered actions with named sliding-window
// limits keyed by (subject, action).
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Named actions consulted by the command boundary.
const (
	ActionGlobal  = "global"
	ActionTrack   = "track"
	ActionSummary = "summary"
)

// Limit is the number of calls allowed within Window.
type Limit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		ActionGlobal:  {Max: 30, Window: time.Minute},
		ActionTrack:   {Max: 6, Window: time.Minute},
		ActionSummary: {Max: 3, Window: 10 * time.Minute},
	}
}

// Result is the outcome of a limit check. Reason and ResetAt are set only when
// the call was rejected.
type Result struct {
	Allowed bool
	Action  string
	Reason  string
	ResetAt time.Time
}

type bucketKey struct {
	subject string
	action  string
}

// Limiter holds call timestamps for each (subject, action) within the
// action's window and prunes stale entries on every check. Memory stays
// bounded to O(max) entries per active bucket.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[bucketKey][]time.Time
	now     func() time.Time
}

// New returns a Limiter with the given named limits. Limits with a
// non-positive Max or Window are ignored.
func New(limits map[string]Limit) *Limiter {
	l := &Limiter{
		limits:  make(map[string]Limit, len(limits)),
		buckets: make(map[bucketKey][]time.Time),
		now:     time.Now,
	}
	for name, lim := range limits {
		if lim.Max > 0 && lim.Window > 0 {
			l.limits[name] = lim
		}
	}
	return l
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// CheckLimit consumes one slot of action for subject when allowed. Actions
// with no configured limit are always allowed.
func (l *Limiter) CheckLimit(subject, action string) Result {
	return l.CheckMultipleLimits(subject, action)
}

// CheckMultipleLimits evaluates every named limit for subject and consumes a
// slot in each only when all of them allow the call. The first violated
// limit, in argument order, determines the rejection.
func (l *Limiter) CheckMultipleLimits(subject string, actions ...string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, action := range actions {
		lim, ok := l.limits[action]
		if !ok {
			continue
		}
		key := bucketKey{subject: subject, action: action}
		valid := l.prune(key, now, lim.Window)
		if len(valid) >= lim.Max {
			return Result{
				Allowed: false,
				Action:  action,
				Reason:  fmt.Sprintf("%s limit of %d per %s reached", action, lim.Max, formatWindow(lim.Window)),
				ResetAt: valid[0].Add(lim.Window),
			}
		}
	}

	for _, action := range actions {
		if _, ok := l.limits[action]; !ok {
			continue
		}
		key := bucketKey{subject: subject, action: action}
		l.buckets[key] = append(l.buckets[key], now)
	}
	return Result{Allowed: true}
}

// Remaining returns how many calls subject may still make for action within
// the current window. Unlimited actions report -1.
func (l *Limiter) Remaining(subject, action string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limits[action]
	if !ok {
		return -1
	}
	valid := l.prune(bucketKey{subject: subject, action: action}, l.now(), lim.Window)
	rem := lim.Max - len(valid)
	if rem < 0 {
		return 0
	}
	return rem
}

// Prune drops timestamps outside their windows and removes empty buckets.
// It returns the number of buckets removed.
func (l *Limiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key := range l.buckets {
		lim, ok := l.limits[key.action]
		if !ok {
			delete(l.buckets, key)
			removed++
			continue
		}
		if len(l.prune(key, now, lim.Window)) == 0 {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// prune must be called with mu held.
func (l *Limiter) prune(key bucketKey, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	existing := l.buckets[key]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	l.buckets[key] = valid
	return valid
}

func formatWindow(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		if d == time.Hour {
			return "hour"
		}
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d%time.Minute == 0:
		if d == time.Minute {
			return "minute"
		}
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
