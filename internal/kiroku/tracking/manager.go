// Package tracking owns the tracking-session state machine and the capture
// of inbound chat messages into active sessions.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

var (
	// ErrAlreadyActive is returned by Start when the user already tracks the chat.
	ErrAlreadyActive = errors.New("tracking already active")
	// ErrNotActive is returned by Stop when the user has no active session.
	ErrNotActive = errors.New("tracking not active")
)

// Store is the subset of the application store the tracking package needs.
type Store interface {
	CreateSession(ctx context.Context, sess *store.TrackingSession) error
	GetSession(ctx context.Context, id string) (*store.TrackingSession, error)
	GetActiveSession(ctx context.Context, userID, chatID string) (*store.TrackingSession, error)
	LatestSessionWithStatus(ctx context.Context, userID, chatID string, status store.SessionStatus) (*store.TrackingSession, error)
	LatestSession(ctx context.Context, userID, chatID string) (*store.TrackingSession, error)
	ListActiveSessionsForChat(ctx context.Context, chatID string) ([]*store.TrackingSession, error)
	StopSession(ctx context.Context, id string, endedAt time.Time) error
	ExpireStaleSessions(ctx context.Context, cutoff, now time.Time) (int64, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	SessionMessageStats(ctx context.Context, sessionID string) (store.MessageStats, error)
	InsertMessage(ctx context.Context, m *store.TrackedMessage) error
	CountMessagesInRange(ctx context.Context, chatID string, start, end time.Time) (int, error)
	PurgeEndedSessionMessages(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Store = (*store.Store)(nil)

// Config holds the tracking timeouts.
type Config struct {
	// InactivityTimeout is how long an active session may go without a
	// message before the sweep expires it. Default: 24 hours.
	InactivityTimeout time.Duration

	// MessageRetention is how long messages of stopped or expired sessions
	// are kept for a late manual or scheduled summary. Default: 35 days.
	MessageRetention time.Duration
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 24 * time.Hour,
		MessageRetention:  35 * 24 * time.Hour,
	}
}

// Stats summarises a session for user feedback.
type Stats struct {
	MessageCount    int
	MeaningfulCount int
	Participants    int
	Duration        time.Duration
}

// StopResult is returned by Stop.
type StopResult struct {
	Session *store.TrackingSession
	Stats   Stats
}

// Status describes the user's current or latest session in a chat.
type Status struct {
	Session *store.TrackingSession
	Stats   Stats
}

// Manager owns session transitions: start, stop and expiry. Summarized is
// entered only by the summary orchestrator.
type Manager struct {
	store  Store
	config Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager creates a Manager. If logger is nil, the default slog logger is
// used.
func NewManager(st Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultConfig().InactivityTimeout
	}
	if cfg.MessageRetention <= 0 {
		cfg.MessageRetention = DefaultConfig().MessageRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		config: cfg,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Start opens a new active session for (user, chat).
func (m *Manager) Start(ctx context.Context, userID, chatID string) (*store.TrackingSession, error) {
	return m.startAt(ctx, userID, chatID, m.now())
}

func (m *Manager) startAt(ctx context.Context, userID, chatID string, now time.Time) (*store.TrackingSession, error) {
	if _, err := m.store.GetActiveSession(ctx, userID, chatID); err == nil {
		return nil, ErrAlreadyActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("start tracking: %w", err)
	}

	sess := &store.TrackingSession{
		ID:            m.newID(),
		UserID:        userID,
		ChatID:        chatID,
		Status:        store.SessionActive,
		StartedAt:     now,
		LastMessageAt: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		// A concurrent start won the race on the unique index.
		if errors.Is(err, store.ErrActiveSessionExists) {
			return nil, ErrAlreadyActive
		}
		return nil, fmt.Errorf("start tracking: %w", err)
	}

	m.logger.Info("tracking started", "session_id", sess.ID, "user_id", userID, "chat_id", chatID)
	return sess, nil
}

// Stop ends the active session for (user, chat) and returns its stats.
func (m *Manager) Stop(ctx context.Context, userID, chatID string) (*StopResult, error) {
	return m.stopAt(ctx, userID, chatID, m.now())
}

func (m *Manager) stopAt(ctx context.Context, userID, chatID string, now time.Time) (*StopResult, error) {
	sess, err := m.store.GetActiveSession(ctx, userID, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("stop tracking: %w", err)
	}

	if err := m.store.StopSession(ctx, sess.ID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotActive
		}
		return nil, fmt.Errorf("stop tracking: %w", err)
	}
	sess.Status = store.SessionStopped
	sess.EndedAt = &now

	stats, err := m.stats(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("stop tracking: %w", err)
	}

	m.logger.Info("tracking stopped",
		"session_id", sess.ID,
		"chat_id", chatID,
		"messages", stats.MessageCount,
		"meaningful", stats.MeaningfulCount,
	)
	return &StopResult{Session: sess, Stats: stats}, nil
}

// CurrentOrRecent returns the active session for (user, chat), or failing
// that the most recently stopped one. It returns nil, nil when neither exists.
func (m *Manager) CurrentOrRecent(ctx context.Context, userID, chatID string) (*store.TrackingSession, error) {
	sess, err := m.store.GetActiveSession(ctx, userID, chatID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	sess, err = m.store.LatestSessionWithStatus(ctx, userID, chatID, store.SessionStopped)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return sess, nil
}

// Status returns the latest session of any state with live stats, or nil
// when the user never tracked the chat.
func (m *Manager) Status(ctx context.Context, userID, chatID string) (*Status, error) {
	sess, err := m.store.LatestSession(ctx, userID, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session status: %w", err)
	}
	stats, err := m.stats(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("session status: %w", err)
	}
	return &Status{Session: sess, Stats: stats}, nil
}

// ExpireStale moves active sessions idle for longer than the inactivity
// timeout to expired. Running it repeatedly is safe.
func (m *Manager) ExpireStale(ctx context.Context) (int64, error) {
	now := m.now()
	n, err := m.store.ExpireStaleSessions(ctx, now.Add(-m.config.InactivityTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info("expired stale sessions", "count", n)
	}
	return n, nil
}

// PurgeStaleMessages deletes the messages of sessions that ended without a
// summary longer ago than the retention period.
func (m *Manager) PurgeStaleMessages(ctx context.Context) (int64, error) {
	n, err := m.store.PurgeEndedSessionMessages(ctx, m.now().Add(-m.config.MessageRetention))
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	if n > 0 {
		m.logger.Info("purged messages of ended sessions", "count", n)
	}
	return n, nil
}

func (m *Manager) stats(ctx context.Context, sess *store.TrackingSession) (Stats, error) {
	ms, err := m.store.SessionMessageStats(ctx, sess.ID)
	if err != nil {
		return Stats{}, err
	}
	end := m.now()
	if sess.EndedAt != nil {
		end = *sess.EndedAt
	}
	return Stats{
		MessageCount:    ms.Total,
		MeaningfulCount: ms.Meaningful,
		Participants:    ms.Participants,
		Duration:        end.Sub(sess.StartedAt),
	}, nil
}
