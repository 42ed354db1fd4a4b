// Package scheduler runs scheduled summaries for every eligible chat.
//
// A run takes one cadence, asks the eligibility evaluator which chats are due,
// and processes them in fixed-size batches. Batches run one after another with
// a pacing delay in between; the chats of a batch run concurrently on a worker
// pool whose capacity equals the batch size, which bounds simultaneous LLM
// calls and outbound sends. A failing chat is recorded in the run's error list
// and never affects its siblings.
//
// Runs are started by the cron Runner or by POST /scheduler/run (Handler).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/bdobrica/Kiroku/common/trace"
	"github.com/bdobrica/Kiroku/internal/kiroku/eligibility"
	"github.com/bdobrica/Kiroku/internal/kiroku/notify"
	"github.com/bdobrica/Kiroku/internal/kiroku/observability"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/summary"
)

var (
	// ErrSchedulerDisabled is returned by Run when the feature flag is off.
	ErrSchedulerDisabled = errors.New("scheduler is disabled")
	// ErrInvalidType is returned for a cadence the scheduler does not run.
	ErrInvalidType = errors.New("invalid summary type")
)

// Eligibility lists the chats due for a cadence.
type Eligibility interface {
	Eligible(ctx context.Context, t store.SummaryType) ([]eligibility.Candidate, error)
}

// Summaries generates a chat-window summary.
type Summaries interface {
	GenerateForChat(ctx context.Context, chatID string, t store.SummaryType, prefs summary.Preferences) (*summary.Outcome, error)
}

// RunStore records delivery and run bookkeeping.
type RunStore interface {
	MarkSummaryDelivered(ctx context.Context, id string) error
	RecordSchedulerRun(ctx context.Context, run store.SchedulerRun) error
}

var (
	_ Eligibility = (*eligibility.Evaluator)(nil)
	_ Summaries   = (*summary.Orchestrator)(nil)
	_ RunStore    = (*store.Store)(nil)
)

// Config tunes the scheduler.
type Config struct {
	// Enabled is the feature flag. When false Run returns ErrSchedulerDisabled.
	Enabled bool `yaml:"enabled"`
	// BatchSize is both the batch length and the worker pool capacity.
	// Default: 10.
	BatchSize int `yaml:"batch_size"`
	// PacingDelay is the pause between batches. Default: 2 s.
	PacingDelay time.Duration `yaml:"pacing_delay"`
	// ChatTimeout bounds the work for one chat. Default: 90 s.
	ChatTimeout time.Duration `yaml:"chat_timeout"`
}

// DefaultConfig returns an enabled scheduler with the default limits.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		BatchSize:   10,
		PacingDelay: 2 * time.Second,
		ChatTimeout: 90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PacingDelay < 0 {
		c.PacingDelay = 0
	}
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = d.ChatTimeout
	}
	return c
}

// Result summarises one run.
type Result struct {
	TraceID     string
	SummaryType store.SummaryType
	// Eligible is the number of chats the evaluator returned.
	Eligible int
	// Processed counts chats that got a new summary.
	Processed int
	// Skipped counts chats that fell below the message floor by the time
	// they were processed.
	Skipped  int
	Errors   []string
	Duration time.Duration
}

// Scheduler processes eligible chats for a cadence.
type Scheduler struct {
	cfg       Config
	eligible  Eligibility
	summaries Summaries
	notifier  notify.Notifier
	runs      RunStore
	metrics   *metrics
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler. notifier and runs may be nil. If logger is nil,
// the default slog logger is used.
func New(cfg Config, el Eligibility, sums Summaries, notifier notify.Notifier, runs RunStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		eligible:  el,
		summaries: sums,
		notifier:  notifier,
		runs:      runs,
		metrics:   newMetrics(logger),
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Enabled reports the feature flag.
func (s *Scheduler) Enabled() bool { return s.cfg.Enabled }

// outcome is the result of one chat's task.
type outcome struct {
	chatID  string
	summary *store.ConversationSummary
	skipped bool
	err     error
}

// Run processes every chat eligible for t. Per-chat failures are collected in
// Result.Errors; an error is returned only when the run itself could not
// proceed.
func (s *Scheduler) Run(ctx context.Context, t store.SummaryType) (*Result, error) {
	if !s.cfg.Enabled {
		return nil, ErrSchedulerDisabled
	}
	if !t.Scheduled() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}

	ctx, traceID := trace.Ensure(ctx)
	logger := observability.Trace(ctx, s.logger).With("summary_type", string(t))

	began := s.now()
	candidates, err := s.eligible.Eligible(ctx, t)
	if err != nil {
		s.metrics.runFailed(ctx, t)
		return nil, fmt.Errorf("evaluate eligibility: %w", err)
	}
	logger.Info("scheduler run started", "eligible", len(candidates), "batch_size", s.cfg.BatchSize)

	res := &Result{TraceID: traceID, SummaryType: t, Eligible: len(candidates), Errors: []string{}}

	if len(candidates) > 0 {
		pool, err := ants.NewPool(s.cfg.BatchSize)
		if err != nil {
			s.metrics.runFailed(ctx, t)
			return nil, fmt.Errorf("create worker pool: %w", err)
		}
		defer pool.Release()

		for start := 0; start < len(candidates); start += s.cfg.BatchSize {
			if start > 0 {
				if err := s.sleep(ctx, s.cfg.PacingDelay); err != nil {
					for _, c := range candidates[start:] {
						res.Errors = append(res.Errors, fmt.Sprintf("%s: not processed: %v", c.ChatID, err))
					}
					break
				}
			}
			end := min(start+s.cfg.BatchSize, len(candidates))
			for _, o := range s.runBatch(ctx, pool, t, candidates[start:end]) {
				s.tally(ctx, logger, t, res, o)
			}
		}
	}

	res.Duration = s.now().Sub(began)
	s.metrics.runFinished(ctx, t, res.Duration)
	s.record(ctx, logger, res, began)

	logger.Info("scheduler run finished",
		"processed", res.Processed,
		"skipped", res.Skipped,
		"errors", len(res.Errors),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// runBatch processes one batch concurrently and waits for all of it.
func (s *Scheduler) runBatch(ctx context.Context, pool *ants.Pool, t store.SummaryType, batch []eligibility.Candidate) []outcome {
	outcomes := make([]outcome, len(batch))
	var wg sync.WaitGroup
	for i, c := range batch {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			outcomes[i] = s.processChat(ctx, t, c)
		})
		if err != nil {
			wg.Done()
			outcomes[i] = outcome{chatID: c.ChatID, err: fmt.Errorf("submit task: %w", err)}
		}
	}
	wg.Wait()
	return outcomes
}

// processChat summarises and delivers one chat. Panics become that chat's
// error.
func (s *Scheduler) processChat(ctx context.Context, t store.SummaryType, c eligibility.Candidate) (o outcome) {
	o.chatID = c.ChatID
	defer func() {
		if r := recover(); r != nil {
			o = outcome{chatID: c.ChatID, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	chatCtx, cancel := context.WithTimeout(ctx, s.cfg.ChatTimeout)
	defer cancel()

	out, err := s.summaries.GenerateForChat(chatCtx, c.ChatID, t, summary.Preferences{})
	if errors.Is(err, summary.ErrInsufficientMessages) {
		o.skipped = true
		return o
	}
	if err != nil {
		o.err = err
		return o
	}
	o.summary = out.Summary
	s.deliver(chatCtx, out.Summary)
	return o
}

// deliver posts the summary and flags it delivered. Failures are only logged.
func (s *Scheduler) deliver(ctx context.Context, sum *store.ConversationSummary) {
	logger := observability.Trace(ctx, s.logger).With("chat_id", sum.ChatID, "summary_id", sum.ID)
	err := s.notifier.Send(ctx, sum.ChatID, notify.FormatSummary(sum), notify.Options{Markdown: true, Notice: true})
	if err != nil {
		logger.Warn("summary not delivered", "err", err)
		return
	}
	if s.runs == nil {
		return
	}
	if err := s.runs.MarkSummaryDelivered(ctx, sum.ID); err != nil {
		logger.Warn("failed to flag summary delivered", "err", err)
	}
}

func (s *Scheduler) tally(ctx context.Context, logger *slog.Logger, t store.SummaryType, res *Result, o outcome) {
	switch {
	case o.err != nil:
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", o.chatID, o.err))
		s.metrics.summaryFailed(ctx, t)
		logger.Error("chat summary failed", "chat_id", o.chatID, "err", o.err)
	case o.skipped:
		res.Skipped++
		logger.Debug("chat skipped below message floor", "chat_id", o.chatID)
	default:
		res.Processed++
		s.metrics.summaryGenerated(ctx, t)
	}
}

func (s *Scheduler) record(ctx context.Context, logger *slog.Logger, res *Result, began time.Time) {
	if s.runs == nil {
		return
	}
	err := s.runs.RecordSchedulerRun(ctx, store.SchedulerRun{
		TraceID:     res.TraceID,
		SummaryType: res.SummaryType,
		Processed:   res.Processed,
		Errors:      res.Errors,
		Duration:    res.Duration,
		StartedAt:   began,
	})
	if err != nil {
		logger.Warn("failed to record scheduler run", "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
