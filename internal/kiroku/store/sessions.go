package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, user_id, chat_id, status, started_at, ended_at, last_message_at,
	unique_participants, summary_generated, summary_generated_at, summary_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*TrackingSession, error) {
	var (
		sess                          TrackingSession
		status                        string
		startedAt, lastMessageAt      string
		endedAt, generatedAt, summary sql.NullString
		generated                     int
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.ChatID, &status, &startedAt, &endedAt, &lastMessageAt,
		&sess.UniqueParticipants, &generated, &generatedAt, &summary,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if sess.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, err
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	if sess.SummaryGeneratedAt, err = parseNullTime(generatedAt); err != nil {
		return nil, err
	}
	sess.SummaryGenerated = generated != 0
	sess.SummaryID = summary.String
	return &sess, nil
}

// CreateSession inserts a new session. A second active session for the same
// (user, chat) fails with ErrActiveSessionExists.
func (s *Store) CreateSession(ctx context.Context, sess *TrackingSession) error {
	if !sess.Status.Valid() {
		return fmt.Errorf("create session: invalid status %q", sess.Status)
	}
	lastMessageAt := sess.LastMessageAt
	if lastMessageAt.IsZero() {
		lastMessageAt = sess.StartedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracking_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ChatID, string(sess.Status), formatTime(sess.StartedAt),
		nullTime(sess.EndedAt), formatTime(lastMessageAt), sess.UniqueParticipants,
		boolToInt(sess.SummaryGenerated), nullTime(sess.SummaryGeneratedAt),
		sql.NullString{String: sess.SummaryID, Valid: sess.SummaryID != ""},
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*TrackingSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tracking_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return sess, nil
}

// GetActiveSession returns the active session for (user, chat).
func (s *Store) GetActiveSession(ctx context.Context, userID, chatID string) (*TrackingSession, error) {
	return s.LatestSessionWithStatus(ctx, userID, chatID, SessionActive)
}

// LatestSessionWithStatus returns the most recently started session of the
// given status for (user, chat).
func (s *Store) LatestSessionWithStatus(ctx context.Context, userID, chatID string, status SessionStatus) (*TrackingSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM tracking_sessions
		WHERE user_id = ? AND chat_id = ? AND status = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1`,
		userID, chatID, string(status),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s session: %w", status, err)
	}
	return sess, nil
}

// LatestSession returns the most recently started session for (user, chat)
// regardless of status.
func (s *Store) LatestSession(ctx context.Context, userID, chatID string) (*TrackingSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM tracking_sessions
		WHERE user_id = ? AND chat_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1`,
		userID, chatID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}
	return sess, nil
}

// ListActiveSessionsForChat returns every active session in a chat.
func (s *Store) ListActiveSessionsForChat(ctx context.Context, chatID string) ([]*TrackingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM tracking_sessions
		WHERE chat_id = ? AND status = 'active'
		ORDER BY started_at`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*TrackingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CountActiveSessions returns the number of sessions currently recording.
func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracking_sessions WHERE status = 'active'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

// StopSession moves an active session to stopped. ErrNotFound is returned
// when no active session with that id exists.
func (s *Store) StopSession(ctx context.Context, id string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracking_sessions SET status = 'stopped', ended_at = ?
		WHERE id = ? AND status = 'active'`,
		formatTime(endedAt), id,
	)
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireStaleSessions moves active sessions whose last activity is before
// cutoff to expired and returns how many were moved.
func (s *Store) ExpireStaleSessions(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracking_sessions SET status = 'expired', ended_at = ?
		WHERE status = 'active' AND last_message_at < ?`,
		formatTime(now), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	return res.RowsAffected()
}

// TouchSession refreshes last_message_at and the distinct author count.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracking_sessions SET
			last_message_at = MAX(last_message_at, ?),
			unique_participants = (
				SELECT COUNT(DISTINCT author_id) FROM tracked_messages WHERE tracking_session_id = ?
			)
		WHERE id = ?`,
		formatTime(at), id, id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// MarkSessionSummarized records the summary on the session. It is a
// compare-and-set on summary_generated and on a non-terminal status; a session
// that already carries a summary yields ErrAlreadySummarized and an expired
// one ErrSessionExpired.
func (s *Store) MarkSessionSummarized(ctx context.Context, id, summaryID string, at time.Time) error {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracking_sessions SET
			status = 'summarized',
			summary_generated = 1,
			summary_id = ?,
			summary_generated_at = ?,
			ended_at = COALESCE(ended_at, ?)
		WHERE id = ? AND summary_generated = 0 AND status IN ('active', 'stopped')`,
		summaryID, ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark session summarized: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark session summarized: %w", err)
	}
	if n == 0 {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status == SessionExpired && !sess.SummaryGenerated {
			return ErrSessionExpired
		}
		return ErrAlreadySummarized
	}
	return nil
}
