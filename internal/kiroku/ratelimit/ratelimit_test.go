package ratelimit_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kiroku/internal/kiroku/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLimiter(limits map[string]ratelimit.Limit) (*ratelimit.Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := ratelimit.New(limits)
	l.SetClock(clk.Now)
	return l, clk
}

func TestCheckLimit_AllowsUpToMax(t *testing.T) {
	l, _ := newLimiter(map[string]ratelimit.Limit{"track": {Max: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckLimit("@alice:example.com", "track").Allowed, "call %d", i+1)
	}

	res := l.CheckLimit("@alice:example.com", "track")
	assert.False(t, res.Allowed)
	assert.Equal(t, "track", res.Action)
	assert.Contains(t, res.Reason, "track limit of 3 per minute")
	assert.Equal(t, 0, l.Remaining("@alice:example.com", "track"))
}

func TestCheckLimit_SlidingWindow(t *testing.T) {
	l, clk := newLimiter(map[string]ratelimit.Limit{"track": {Max: 2, Window: time.Minute}})
	start := clk.Now()

	require.True(t, l.CheckLimit("u", "track").Allowed)
	clk.Advance(30 * time.Second)
	require.True(t, l.CheckLimit("u", "track").Allowed)

	res := l.CheckLimit("u", "track")
	require.False(t, res.Allowed)
	assert.Equal(t, start.Add(time.Minute), res.ResetAt)

	// First call leaves the window; one slot frees up.
	clk.Advance(31 * time.Second)
	assert.True(t, l.CheckLimit("u", "track").Allowed)
	assert.False(t, l.CheckLimit("u", "track").Allowed)
}

func TestCheckLimit_IndependentSubjects(t *testing.T) {
	l, _ := newLimiter(map[string]ratelimit.Limit{"summary": {Max: 1, Window: time.Minute}})

	assert.True(t, l.CheckLimit("alice", "summary").Allowed)
	assert.False(t, l.CheckLimit("alice", "summary").Allowed)
	assert.True(t, l.CheckLimit("bob", "summary").Allowed)
}

func TestCheckLimit_UnknownActionAllowed(t *testing.T) {
	l, _ := newLimiter(ratelimit.DefaultLimits())

	for i := 0; i < 100; i++ {
		require.True(t, l.CheckLimit("u", "export").Allowed)
	}
	assert.Equal(t, -1, l.Remaining("u", "export"))
}

func TestCheckMultipleLimits_FirstViolationWins(t *testing.T) {
	l, _ := newLimiter(map[string]ratelimit.Limit{
		"global":  {Max: 1, Window: time.Minute},
		"summary": {Max: 1, Window: time.Minute},
	})

	require.True(t, l.CheckMultipleLimits("u", "global", "summary").Allowed)

	res := l.CheckMultipleLimits("u", "global", "summary")
	require.False(t, res.Allowed)
	assert.Equal(t, "global", res.Action)

	res = l.CheckMultipleLimits("u", "summary", "global")
	require.False(t, res.Allowed)
	assert.Equal(t, "summary", res.Action)
}

func TestCheckMultipleLimits_NoSlotConsumedOnRejection(t *testing.T) {
	l, _ := newLimiter(map[string]ratelimit.Limit{
		"global":  {Max: 5, Window: time.Minute},
		"summary": {Max: 1, Window: time.Minute},
	})

	require.True(t, l.CheckMultipleLimits("u", "global", "summary").Allowed)
	for i := 0; i < 3; i++ {
		require.False(t, l.CheckMultipleLimits("u", "global", "summary").Allowed)
	}

	// Only the single allowed call was charged against global.
	assert.Equal(t, 4, l.Remaining("u", "global"))
}

func TestPrune_RemovesEmptyBuckets(t *testing.T) {
	l, clk := newLimiter(map[string]ratelimit.Limit{"track": {Max: 5, Window: time.Minute}})

	l.CheckLimit("a", "track")
	l.CheckLimit("b", "track")
	clk.Advance(30 * time.Second)
	l.CheckLimit("b", "track")

	clk.Advance(45 * time.Second)
	assert.Equal(t, 1, l.Prune(clk.Now()))
	assert.Equal(t, 4, l.Remaining("b", "track"))
}

func TestNew_IgnoresInvalidLimits(t *testing.T) {
	l, _ := newLimiter(map[string]ratelimit.Limit{"bad": {Max: 0, Window: time.Minute}})

	for i := 0; i < 10; i++ {
		require.True(t, l.CheckLimit("u", "bad").Allowed)
	}
}

func TestLimiter_ConcurrentUse(t *testing.T) {
	l, _ := newLimiter(map[string]ratelimit.Limit{"track": {Max: 50, Window: time.Minute}})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckLimit("u", "track").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
