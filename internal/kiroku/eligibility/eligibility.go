// Package eligibility decides which chats receive an automatic summary of a
// given cadence right now.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kiroku/internal/kiroku/settings"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

// SettingsSource lists the chats that opted into a cadence.
type SettingsSource interface {
	ListEnabled(ctx context.Context, t store.SummaryType) ([]settings.ChatSettings, error)
}

// Store is the read side the evaluator needs.
type Store interface {
	LatestSummaryOfType(ctx context.Context, chatID string, t store.SummaryType) (*store.ConversationSummary, error)
	CountMessagesInRange(ctx context.Context, chatID string, start, end time.Time) (int, error)
}

var _ Store = (*store.Store)(nil)

// Candidate is a chat that passed both the recency gate and the message floor.
type Candidate struct {
	ChatID        string
	Title         string
	Type          store.SummaryType
	WindowStart   time.Time
	WindowEnd     time.Time
	MessageCount  int
	LastSummaryAt *time.Time
}

// recencySlack is the fraction of a period by which a summary may be younger
// than the period and still not close the gate. A summary is persisted a few
// seconds after the tick that produced it; without slack the next tick would
// find it just short of one period old and skip every other run.
const recencySlack = 20

// RecencyGate returns the minimum age the latest summary of cadence t must
// have before the chat is eligible again.
func RecencyGate(t store.SummaryType) time.Duration {
	return t.Window() - t.Window()/recencySlack
}

// Window returns the look-back window [start, end] of a scheduled cadence
// ending at now.
func Window(t store.SummaryType, now time.Time) (time.Time, time.Time, error) {
	if !t.Scheduled() {
		return time.Time{}, time.Time{}, fmt.Errorf("eligibility: %q is not a scheduled cadence", t)
	}
	return now.Add(-t.Window()), now, nil
}

// Evaluator applies the recency gate and minimum-message floor to every chat
// that opted into a cadence.
type Evaluator struct {
	settings SettingsSource
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Evaluator. If logger is nil, the default slog logger is used.
func New(src SettingsSource, st Store, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{settings: src, store: st, logger: logger, now: time.Now}
}

// Eligible returns the chats, ordered by chat id, that should receive a
// summary of type t now. A chat whose lookups fail is logged and left out so
// one bad row cannot block the rest.
func (e *Evaluator) Eligible(ctx context.Context, t store.SummaryType) ([]Candidate, error) {
	return e.EligibleAt(ctx, t, e.now())
}

// EligibleAt is Eligible evaluated at an explicit instant.
func (e *Evaluator) EligibleAt(ctx context.Context, t store.SummaryType, now time.Time) ([]Candidate, error) {
	start, end, err := Window(t, now)
	if err != nil {
		return nil, err
	}

	chats, err := e.settings.ListEnabled(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("eligibility: list %s chats: %w", t, err)
	}

	var out []Candidate
	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, ok, err := e.evaluate(ctx, chat, t, start, end, now)
		if err != nil {
			e.logger.Warn("eligibility check failed", "chat_id", chat.ChatID, "summary_type", string(t), "err", err)
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	e.logger.Debug("eligibility evaluated", "summary_type", string(t), "candidates", len(chats), "eligible", len(out))
	return out, nil
}

func (e *Evaluator) evaluate(ctx context.Context, chat settings.ChatSettings, t store.SummaryType, start, end, now time.Time) (Candidate, bool, error) {
	c := Candidate{
		ChatID:      chat.ChatID,
		Title:       chat.Title,
		Type:        t,
		WindowStart: start,
		WindowEnd:   end,
	}

	last, err := e.store.LatestSummaryOfType(ctx, chat.ChatID, t)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return Candidate{}, false, err
	default:
		if now.Sub(last.CreatedAt) < RecencyGate(t) {
			return Candidate{}, false, nil
		}
		created := last.CreatedAt
		c.LastSummaryAt = &created
	}

	n, err := e.store.CountMessagesInRange(ctx, chat.ChatID, start, end)
	if err != nil {
		return Candidate{}, false, err
	}
	if n < t.MinMessages() {
		return Candidate{}, false, nil
	}
	c.MessageCount = n
	return c, true, nil
}
