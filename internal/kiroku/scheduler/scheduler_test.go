package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kiroku/common/trace"
	"github.com/bdobrica/Kiroku/internal/kiroku/eligibility"
	"github.com/bdobrica/Kiroku/internal/kiroku/notify"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/summary"
)

type fakeEligibility struct {
	candidates []eligibility.Candidate
	err        error
	calls      atomic.Int32
}

func (f *fakeEligibility) Eligible(context.Context, store.SummaryType) ([]eligibility.Candidate, error) {
	f.calls.Add(1)
	return f.candidates, f.err
}

func candidates(n int) []eligibility.Candidate {
	out := make([]eligibility.Candidate, n)
	for i := range out {
		out[i] = eligibility.Candidate{ChatID: fmt.Sprintf("!chat%02d:example.com", i+1), Type: store.SummaryDaily}
	}
	return out
}

// fakeSummaries behaves per chat: an entry in errs fails that chat, "panic"
// panics, "block" waits for the context.
type fakeSummaries struct {
	errs map[string]string

	mu       sync.Mutex
	called   []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSummaries) GenerateForChat(ctx context.Context, chatID string, t store.SummaryType, _ summary.Preferences) (*summary.Outcome, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.called = append(f.called, chatID)
	f.mu.Unlock()

	switch f.errs[chatID] {
	case "":
	case "panic":
		panic("nil map write")
	case "block":
		<-ctx.Done()
		return nil, ctx.Err()
	case "insufficient":
		return nil, &summary.InsufficientMessagesError{Type: t, Count: 3, Minimum: 10}
	default:
		return nil, fmt.Errorf("%w: %s", summary.ErrLLMFailure, f.errs[chatID])
	}
	return &summary.Outcome{Summary: &store.ConversationSummary{
		ID:      "sum-" + chatID,
		ChatID:  chatID,
		Type:    t,
		Content: "summary of " + chatID,
	}}, nil
}

type fakeNotifier struct {
	err error

	mu   sync.Mutex
	sent map[string]string
}

func (f *fakeNotifier) Send(_ context.Context, chatID, text string, _ notify.Options) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string]string)
	}
	f.sent[chatID] = text
	return nil
}

type fakeRuns struct {
	mu        sync.Mutex
	delivered []string
	runs      []store.SchedulerRun
}

func (f *fakeRuns) MarkSummaryDelivered(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeRuns) RecordSchedulerRun(_ context.Context, run store.SchedulerRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

type harness struct {
	el     *fakeEligibility
	sums   *fakeSummaries
	notif  *fakeNotifier
	runs   *fakeRuns
	sched  *Scheduler
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg Config, n int) *harness {
	t.Helper()
	h := &harness{
		el:    &fakeEligibility{candidates: candidates(n)},
		sums:  &fakeSummaries{errs: map[string]string{}},
		notif: &fakeNotifier{},
		runs:  &fakeRuns{},
	}
	h.sched = New(cfg, h.el, h.sums, h.notif, h.runs, nil)
	h.sched.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func TestRun_Disabled(t *testing.T) {
	h := newHarness(t, Config{Enabled: false}, 3)

	_, err := h.sched.Run(context.Background(), store.SummaryDaily)
	assert.ErrorIs(t, err, ErrSchedulerDisabled)
	assert.Zero(t, h.el.calls.Load())
	assert.False(t, h.sched.Enabled())
}

func TestRun_RejectsManual(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 3)

	_, err := h.sched.Run(context.Background(), store.SummaryManual)
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestRun_EligibilityError(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)
	h.el.err = errors.New("database is locked")

	_, err := h.sched.Run(context.Background(), store.SummaryDaily)
	assert.Error(t, err)
	assert.Empty(t, h.runs.runs)
}

func TestRun_NoCandidates(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 0)

	res, err := h.sched.Run(context.Background(), store.SummaryHourly)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.NotNil(t, res.Errors)
	assert.Empty(t, res.Errors)
	require.Len(t, h.runs.runs, 1)
}

func TestRun_BatchesSequentiallyWithBoundedConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	cfg.PacingDelay = 2 * time.Second
	h := newHarness(t, cfg, 10)

	res, err := h.sched.Run(context.Background(), store.SummaryDaily)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Processed)
	assert.Equal(t, 10, res.Eligible)
	assert.Empty(t, res.Errors)

	// 10 chats in batches of 4 → 3 batches, 2 pauses between them.
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)
	assert.LessOrEqual(t, h.sums.peak.Load(), int32(4))
	assert.Len(t, h.sums.called, 10)
}

func TestRun_BatchIsolation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 5)
	h.sums.errs["!chat03:example.com"] = "provider returned 503"

	res, err := h.sched.Run(context.Background(), store.SummaryDaily)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "!chat03:example.com")
	assert.Contains(t, res.Errors[0], "503")

	sort.Strings(h.runs.delivered)
	assert.Equal(t, []string{
		"sum-!chat01:example.com",
		"sum-!chat02:example.com",
		"sum-!chat04:example.com",
		"sum-!chat05:example.com",
	}, h.runs.delivered)
}

func TestRun_PanicIsolated(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 3)
	h.sums.errs["!chat02:example.com"] = "panic"

	res, err := h.sched.Run(context.Background(), store.SummaryDaily)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "panic")
}

func TestRun_ChatTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChatTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, 2)
	h.sums.errs["!chat01:example.com"] = "block"

	res, err := h.sched.Run(context.Background(), store.SummaryDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], context.DeadlineExceeded.Error())
}

func TestRun_InsufficientIsSkipped(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2)
	h.sums.errs["!chat02:example.com"] = "insufficient"

	res, err := h.sched.Run(context.Background(), store.SummaryDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Errors)
}

func TestRun_NotificationFailureIsNotAnError(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2)
	h.notif.err = errors.New("homeserver unavailable")

	res, err := h.sched.Run(context.Background(), store.SummaryDaily)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Empty(t, res.Errors)
	assert.Empty(t, h.runs.delivered, "undelivered summaries stay unflagged")
}

func TestRun_PostsFormattedSummary(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 1)

	_, err := h.sched.Run(context.Background(), store.SummaryDaily)
	require.NoError(t, err)
	text := h.notif.sent["!chat01:example.com"]
	assert.Contains(t, text, "Daily summary")
	assert.Contains(t, text, "summary of !chat01:example.com")
}

func TestRun_RecordsRun(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 3)
	h.sums.errs["!chat01:example.com"] = "boom"
	ctx := trace.WithTraceID(context.Background(), "t_run")

	res, err := h.sched.Run(ctx, store.SummaryWeekly)
	require.NoError(t, err)
	assert.Equal(t, "t_run", res.TraceID)

	require.Len(t, h.runs.runs, 1)
	run := h.runs.runs[0]
	assert.Equal(t, "t_run", run.TraceID)
	assert.Equal(t, store.SummaryWeekly, run.SummaryType)
	assert.Equal(t, 2, run.Processed)
	assert.Len(t, run.Errors, 1)
}

func TestRun_CancelledBetweenBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	h := newHarness(t, cfg, 5)
	h.sched.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	res, err := h.sched.Run(context.Background(), store.SummaryDaily)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, res.Errors, 3)
	for _, e := range res.Errors {
		assert.True(t, strings.Contains(e, "not processed"), e)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Enabled: true, PacingDelay: -time.Second}.withDefaults()
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.ChatTimeout)
	assert.Zero(t, cfg.PacingDelay)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
