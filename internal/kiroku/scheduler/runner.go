package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bdobrica/Kiroku/common/trace"
	"github.com/bdobrica/Kiroku/internal/kiroku/observability"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

// clock lets tests advance time without wall-clock sleeps.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// DefaultSchedules are the cron expressions used when none are configured.
func DefaultSchedules() map[store.SummaryType]string {
	return map[store.SummaryType]string{
		store.SummaryHourly:  "0 * * * *",
		store.SummaryDaily:   "0 9 * * *",
		store.SummaryWeekly:  "0 9 * * 1",
		store.SummaryMonthly: "0 9 1 * *",
	}
}

// Maintenance is the periodic housekeeping the runner performs.
type Maintenance interface {
	ExpireStale(ctx context.Context) (int64, error)
	PurgeStaleMessages(ctx context.Context) (int64, error)
}

// Pruner drops idle rate limiter state.
type Pruner interface {
	Prune(now time.Time) int
}

// RunnerConfig configures the timer trigger.
type RunnerConfig struct {
	// Schedules maps a cadence to its cron expression. An empty expression
	// disables that cadence. Nil means DefaultSchedules.
	Schedules map[store.SummaryType]string `yaml:"schedules"`
	// MaintenanceInterval is how often stale sessions are expired and old
	// messages purged. Default: 15 min.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// Location is the time zone cron expressions are evaluated in. Default: UTC.
	Location *time.Location `yaml:"-"`
}

type cronJob struct {
	summaryType store.SummaryType
	sched       *schedule
}

// Runner fires scheduler runs on their cron schedules and performs
// housekeeping on a fixed interval.
type Runner struct {
	trigger  Trigger
	maint    Maintenance
	pruner   Pruner
	jobs     []cronJob
	interval time.Duration
	loc      *time.Location
	clk      clock
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner validates every cron expression and returns an idle Runner.
// maint and pruner may be nil. If logger is nil, the default slog logger is
// used.
func NewRunner(trigger Trigger, maint Maintenance, pruner Pruner, cfg RunnerConfig, logger *slog.Logger) (*Runner, error) {
	return newRunnerWithClock(trigger, maint, pruner, cfg, logger, realClock{})
}

func newRunnerWithClock(trigger Trigger, maint Maintenance, pruner Pruner, cfg RunnerConfig, logger *slog.Logger, clk clock) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedules := cfg.Schedules
	if schedules == nil {
		schedules = DefaultSchedules()
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	r := &Runner{
		trigger:  trigger,
		maint:    maint,
		pruner:   pruner,
		interval: cfg.MaintenanceInterval,
		loc:      cfg.Location,
		clk:      clk,
		logger:   logger,
	}
	for t, expr := range schedules {
		if !t.Scheduled() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidType, t)
		}
		if expr == "" {
			continue
		}
		sched, err := parseSchedule(expr)
		if err != nil {
			return nil, fmt.Errorf("%s schedule: %w", t, err)
		}
		r.jobs = append(r.jobs, cronJob{summaryType: t, sched: sched})
	}
	sort.Slice(r.jobs, func(i, j int) bool { return r.jobs[i].summaryType < r.jobs[j].summaryType })
	return r, nil
}

// Start launches one loop per cadence plus the maintenance loop. It returns
// immediately; call Stop to shut down.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	for _, job := range r.jobs {
		r.logger.Info("scheduler: cron job started", "summary_type", string(job.summaryType), "expression", job.sched.expr)
		r.wg.Add(1)
		go r.runJob(ctx, job)
	}
	r.wg.Add(1)
	go r.runMaintenance(ctx)
}

// Stop cancels all loops and waits for them to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) runJob(ctx context.Context, job cronJob) {
	defer r.wg.Done()
	for {
		now := r.clk.Now().In(r.loc)
		next := job.sched.Next(now)
		if next.IsZero() {
			r.logger.Error("scheduler: could not compute next tick; stopping job", "summary_type", string(job.summaryType))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(max(next.Sub(now), 0)):
			r.fire(ctx, job.summaryType)
		}
	}
}

// fire runs the scheduler for one cadence. Errors are logged; the loop keeps
// going.
func (r *Runner) fire(ctx context.Context, t store.SummaryType) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	logger := observability.Trace(ctx, r.logger).With("summary_type", string(t))

	res, err := r.trigger.Run(ctx, t)
	switch {
	case errors.Is(err, ErrSchedulerDisabled):
		logger.Debug("scheduler: tick skipped, scheduler disabled")
	case err != nil:
		logger.Error("scheduler: run failed", "err", err)
	default:
		logger.Info("scheduler: tick complete", "processed", res.Processed, "errors", len(res.Errors))
	}
}

func (r *Runner) runMaintenance(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(r.interval):
			r.Maintain(ctx)
		}
	}
}

// Maintain expires stale sessions, purges old messages and prunes the rate
// limiter once.
func (r *Runner) Maintain(ctx context.Context) {
	if r.maint != nil {
		if n, err := r.maint.ExpireStale(ctx); err != nil {
			r.logger.Error("scheduler: failed to expire stale sessions", "err", err)
		} else if n > 0 {
			r.logger.Info("scheduler: expired stale sessions", "count", n)
		}
		if n, err := r.maint.PurgeStaleMessages(ctx); err != nil {
			r.logger.Error("scheduler: failed to purge messages", "err", err)
		} else if n > 0 {
			r.logger.Info("scheduler: purged messages", "count", n)
		}
	}
	if r.pruner != nil {
		if n := r.pruner.Prune(r.clk.Now()); n > 0 {
			r.logger.Debug("scheduler: pruned rate limiter buckets", "count", n)
		}
	}
}
