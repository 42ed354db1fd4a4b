// Package summary generates, persists and finalises conversation summaries,
// for a tracked session (manual) or for a chat's cadence window (scheduled).
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kiroku/internal/kiroku/llm"
	"github.com/bdobrica/Kiroku/internal/kiroku/observability"
	"github.com/bdobrica/Kiroku/internal/kiroku/settings"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

var (
	// ErrInsufficientMessages is matched by *InsufficientMessagesError.
	ErrInsufficientMessages = errors.New("not enough messages to summarize")
	// ErrAlreadySummarized is returned for a session that already has a summary.
	ErrAlreadySummarized = errors.New("session already summarized")
	// ErrLLMFailure wraps provider errors and timeouts.
	ErrLLMFailure = errors.New("summary generation failed")
	// ErrStorageFailure wraps persistence errors.
	ErrStorageFailure = errors.New("summary storage failed")
	// ErrSessionNotFound is returned when the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned for a session closed by the inactivity
	// sweep; expired sessions are never summarised.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoSummary is returned by Resend when the chat has no summary yet.
	ErrNoSummary = errors.New("no summary available")
)

// InsufficientMessagesError reports the counts that failed the guard.
type InsufficientMessagesError struct {
	Type       store.SummaryType
	Count      int
	Meaningful int
	Minimum    int
}

func (e *InsufficientMessagesError) Error() string {
	return fmt.Sprintf("%s summary needs at least %d messages, have %d (%d meaningful)",
		e.Type, e.Minimum, e.Count, e.Meaningful)
}

// Is makes errors.Is(err, ErrInsufficientMessages) hold.
func (e *InsufficientMessagesError) Is(target error) bool {
	return target == ErrInsufficientMessages
}

// Action selects what a Request does.
type Action string

const (
	// ActionGenerate produces a new summary.
	ActionGenerate Action = "generate"
	// ActionResend returns the chat's latest stored summary without calling
	// the LLM.
	ActionResend Action = "resend"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionGenerate, ActionResend:
		return true
	}
	return false
}

// Request is a single orchestration command.
type Request struct {
	Action Action
	// SessionID is set for manual summaries.
	SessionID string
	// ChatID is set for scheduled summaries and resends.
	ChatID string
	Type   store.SummaryType
	Prefs  Preferences
}

// Outcome describes a finished orchestration.
type Outcome struct {
	Summary         *store.ConversationSummary
	MessageCount    int
	MeaningfulCount int
	Omitted         int
	Resent          bool
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.TrackingSession, error)
	ListSessionMessages(ctx context.Context, sessionID string) ([]store.TrackedMessage, error)
	ListChatMessagesInRange(ctx context.Context, chatID string, start, end time.Time) ([]store.TrackedMessage, error)
	CreateSummary(ctx context.Context, sum *store.ConversationSummary) error
	MarkSessionSummarized(ctx context.Context, id, summaryID string, at time.Time) error
	DeleteSessionMessagesUpTo(ctx context.Context, sessionID string, maxID int64) (int64, error)
	LatestSummary(ctx context.Context, chatID string) (*store.ConversationSummary, error)
}

var _ Store = (*store.Store)(nil)

// ChatInfo supplies chat titles for the prompt.
type ChatInfo interface {
	Get(ctx context.Context, chatID string) (settings.ChatSettings, error)
}

// Config tunes the orchestrator.
type Config struct {
	// TranscriptTokens is the default transcript budget. Default: 6000.
	TranscriptTokens int
	// LLMTimeout bounds the summarizer call. Default: 60 s.
	LLMTimeout time.Duration
}

// Orchestrator runs summaries. Work for the same chat is serialised.
type Orchestrator struct {
	store  Store
	llm    llm.Summarizer
	chats  ChatInfo
	config Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	locks sync.Map // chat id -> chan struct{}
}

// New creates an Orchestrator. chats may be nil. If logger is nil, the
// default slog logger is used.
func New(st Store, summarizer llm.Summarizer, chats ChatInfo, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.TranscriptTokens <= 0 {
		cfg.TranscriptTokens = DefaultTranscriptTokens
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  st,
		llm:    summarizer,
		chats:  chats,
		config: cfg,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Execute dispatches a Request.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Outcome, error) {
	switch req.Action {
	case ActionGenerate:
		if req.Type == store.SummaryManual {
			return o.GenerateForSession(ctx, req.SessionID, req.Prefs)
		}
		return o.GenerateForChat(ctx, req.ChatID, req.Type, req.Prefs)
	case ActionResend:
		return o.Resend(ctx, req.ChatID)
	}
	return nil, fmt.Errorf("summary: unknown action %q", req.Action)
}

// GenerateForSession produces the one manual summary a session may have. On
// success the session becomes summarized and its messages are deleted.
func (o *Orchestrator) GenerateForSession(ctx context.Context, sessionID string, prefs Preferences) (*Outcome, error) {
	sess, err := o.loadSummarizable(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock, err := o.lockChat(ctx, sess.ChatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock: a concurrent call may have finished first.
	if sess, err = o.loadSummarizable(ctx, sessionID); err != nil {
		return nil, err
	}

	logger := observability.Trace(ctx, o.logger).With("session_id", sess.ID, "chat_id", sess.ChatID)

	msgs, err := o.store.ListSessionMessages(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: load messages: %v", ErrStorageFailure, err)
	}
	meaningful := filterMeaningful(msgs)
	if len(msgs) < store.SummaryManual.MinMessages() || len(meaningful) == 0 {
		return nil, &InsufficientMessagesError{
			Type:       store.SummaryManual,
			Count:      len(msgs),
			Meaningful: len(meaningful),
			Minimum:    store.SummaryManual.MinMessages(),
		}
	}

	start, end := msgs[0].Timestamp, msgs[len(msgs)-1].Timestamp
	sum, omitted, err := o.summarize(ctx, sess.ChatID, store.SummaryManual, msgs, meaningful, start, end, prefs)
	if err != nil {
		return nil, err
	}
	sum.Metadata.SessionID = sess.ID

	if err := o.store.CreateSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("%w: save summary: %v", ErrStorageFailure, err)
	}

	// Messages are deleted only once the session transition is confirmed.
	if err := o.store.MarkSessionSummarized(ctx, sess.ID, sum.ID, o.now()); err != nil {
		logger.Error("summary saved but session not marked; keeping messages", "summary_id", sum.ID, "err", err)
		switch {
		case errors.Is(err, store.ErrAlreadySummarized):
			return nil, ErrAlreadySummarized
		case errors.Is(err, store.ErrSessionExpired):
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: mark session: %v", ErrStorageFailure, err)
	}

	// Only the snapshot that reached the transcript is deleted. Messages
	// recorded while the LLM was working stay until the retention purge.
	deleted, err := o.store.DeleteSessionMessagesUpTo(ctx, sess.ID, lastMessageID(msgs))
	if err != nil {
		// The summary is durable; leftover rows are reclaimed by the purge.
		logger.Warn("failed to delete summarized messages", "summary_id", sum.ID, "err", err)
	}

	logger.Info("session summarized",
		"summary_id", sum.ID,
		"messages", len(msgs),
		"meaningful", len(meaningful),
		"deleted", deleted,
	)
	return &Outcome{
		Summary:         sum,
		MessageCount:    len(msgs),
		MeaningfulCount: len(meaningful),
		Omitted:         omitted,
	}, nil
}

// GenerateForChat summarises a chat's current cadence window. Messages are
// left in place.
func (o *Orchestrator) GenerateForChat(ctx context.Context, chatID string, t store.SummaryType, prefs Preferences) (*Outcome, error) {
	if !t.Scheduled() {
		return nil, fmt.Errorf("summary: %q is not a scheduled cadence", t)
	}

	unlock, err := o.lockChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := observability.Trace(ctx, o.logger).With("chat_id", chatID, "summary_type", string(t))

	end := o.now()
	start := end.Add(-t.Window())
	msgs, err := o.store.ListChatMessagesInRange(ctx, chatID, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: load messages: %v", ErrStorageFailure, err)
	}
	meaningful := filterMeaningful(msgs)
	if len(msgs) < t.MinMessages() || len(meaningful) == 0 {
		return nil, &InsufficientMessagesError{Type: t, Count: len(msgs), Meaningful: len(meaningful), Minimum: t.MinMessages()}
	}

	sum, omitted, err := o.summarize(ctx, chatID, t, msgs, meaningful, start, end, prefs)
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("%w: save summary: %v", ErrStorageFailure, err)
	}

	logger.Info("chat summarized", "summary_id", sum.ID, "messages", len(msgs), "meaningful", len(meaningful))
	return &Outcome{
		Summary:         sum,
		MessageCount:    len(msgs),
		MeaningfulCount: len(meaningful),
		Omitted:         omitted,
	}, nil
}

// Resend returns the chat's most recent summary of any type.
func (o *Orchestrator) Resend(ctx context.Context, chatID string) (*Outcome, error) {
	sum, err := o.store.LatestSummary(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSummary
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load summary: %v", ErrStorageFailure, err)
	}
	return &Outcome{Summary: sum, MessageCount: sum.MessageCount, Resent: true}, nil
}

// loadSummarizable fetches a session and rejects terminal ones before any
// further work.
func (o *Orchestrator) loadSummarizable(ctx context.Context, sessionID string) (*store.TrackingSession, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", ErrStorageFailure, err)
	}
	if sess.SummaryGenerated {
		return nil, ErrAlreadySummarized
	}
	if !sess.Status.Valid() {
		return nil, fmt.Errorf("summary: session %s has unknown status %q", sess.ID, sess.Status)
	}
	if sess.Status.Terminal() {
		if sess.Status == store.SessionExpired {
			return nil, ErrSessionExpired
		}
		return nil, ErrAlreadySummarized
	}
	return sess, nil
}

// summarize builds the prompt, calls the LLM and returns an unsaved summary.
func (o *Orchestrator) summarize(
	ctx context.Context,
	chatID string,
	t store.SummaryType,
	all, meaningful []store.TrackedMessage,
	start, end time.Time,
	prefs Preferences,
) (*store.ConversationSummary, int, error) {
	req, omitted := buildPrompt(promptInput{
		Title:        o.chatTitle(ctx, chatID),
		Type:         t,
		Participants: countParticipants(all),
		Messages:     meaningful,
	}, prefs, o.config.TranscriptTokens)

	callCtx, cancel := context.WithTimeout(ctx, o.config.LLMTimeout)
	defer cancel()

	began := o.now()
	resp, err := o.llm.Summarize(callCtx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrLLMFailure, err)
	}
	if resp == nil || resp.Summary == "" {
		return nil, 0, fmt.Errorf("%w: empty summary", ErrLLMFailure)
	}
	elapsed := resp.ProcessingTime
	if elapsed <= 0 {
		elapsed = o.now().Sub(began)
	}

	return &store.ConversationSummary{
		ID:           o.newID(),
		ChatID:       chatID,
		Type:         t,
		Content:      resp.Summary,
		MessageCount: len(all),
		StartTime:    start,
		EndTime:      end,
		CreatedAt:    o.now(),
		Status:       store.SummaryCompleted,
		Metadata: store.SummaryMetadata{
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			KeyParticipants:  resp.KeyParticipants,
			MainTopics:       resp.MainTopics,
			Sentiment:        resp.Sentiment,
			Confidence:       resp.Confidence,
			ProcessingMillis: elapsed.Milliseconds(),
			MeaningfulCount:  len(meaningful),
			OmittedMessages:  omitted,
		},
	}, omitted, nil
}

func (o *Orchestrator) chatTitle(ctx context.Context, chatID string) string {
	if o.chats == nil {
		return ""
	}
	cs, err := o.chats.Get(ctx, chatID)
	if err != nil {
		return ""
	}
	return cs.Title
}

// lockChat acquires the per-chat slot, giving up when ctx ends.
func (o *Orchestrator) lockChat(ctx context.Context, chatID string) (func(), error) {
	v, _ := o.locks.LoadOrStore(chatID, make(chan struct{}, 1))
	slot := v.(chan struct{})
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("summary: waiting for chat %s: %w", chatID, ctx.Err())
	}
}

func lastMessageID(msgs []store.TrackedMessage) int64 {
	var maxID int64
	for _, m := range msgs {
		maxID = max(maxID, m.ID)
	}
	return maxID
}

func filterMeaningful(msgs []store.TrackedMessage) []store.TrackedMessage {
	out := make([]store.TrackedMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.IsMeaningful {
			out = append(out, m)
		}
	}
	return out
}

func countParticipants(msgs []store.TrackedMessage) int {
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		seen[m.AuthorID] = struct{}{}
	}
	return len(seen)
}
