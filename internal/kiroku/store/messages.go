package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, tracking_session_id, chat_id, event_id, author_id, author_name,
	content, message_type, message_timestamp, is_meaningful`

func scanMessage(row rowScanner) (TrackedMessage, error) {
	var (
		m          TrackedMessage
		ts         string
		meaningful int
	)
	if err := row.Scan(
		&m.ID, &m.SessionID, &m.ChatID, &m.EventID, &m.AuthorID, &m.AuthorName,
		&m.Content, &m.MessageType, &ts, &meaningful,
	); err != nil {
		return TrackedMessage{}, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return TrackedMessage{}, err
	}
	m.Timestamp = t
	m.IsMeaningful = meaningful != 0
	return m, nil
}

// InsertMessage appends a message to its session and sets m.ID.
func (s *Store) InsertMessage(ctx context.Context, m *TrackedMessage) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_messages
			(tracking_session_id, chat_id, event_id, author_id, author_name, content,
			 message_type, message_timestamp, is_meaningful)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.ChatID, m.EventID, m.AuthorID, m.AuthorName, m.Content,
		m.MessageType, formatTime(m.Timestamp), boolToInt(m.IsMeaningful),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	m.ID = id
	return nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]TrackedMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []TrackedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListSessionMessages returns a session's messages in arrival order.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string) ([]TrackedMessage, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM tracked_messages
		WHERE tracking_session_id = ?
		ORDER BY id`,
		sessionID,
	)
}

// SessionMessageStats counts the messages, meaningful messages and distinct
// authors of a session.
func (s *Store) SessionMessageStats(ctx context.Context, sessionID string) (MessageStats, error) {
	var (
		st          MessageStats
		meaningful  sql.NullInt64
		first, last sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(is_meaningful), COUNT(DISTINCT author_id),
		       MIN(message_timestamp), MAX(message_timestamp)
		FROM tracked_messages WHERE tracking_session_id = ?`,
		sessionID,
	).Scan(&st.Total, &meaningful, &st.Participants, &first, &last)
	if err != nil {
		return MessageStats{}, fmt.Errorf("failed to compute message stats: %w", err)
	}
	st.Meaningful = int(meaningful.Int64)
	if st.First, err = parseNullTime(first); err != nil {
		return MessageStats{}, err
	}
	if st.Last, err = parseNullTime(last); err != nil {
		return MessageStats{}, err
	}
	return st, nil
}

// CountMessagesInRange counts distinct inbound events captured in a chat with
// start <= timestamp <= end. An event recorded by several sessions counts once.
func (s *Store) CountMessagesInRange(ctx context.Context, chatID string, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT event_id) FROM tracked_messages
		WHERE chat_id = ? AND message_timestamp >= ? AND message_timestamp <= ?`,
		chatID, formatTime(start), formatTime(end),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ListChatMessagesInRange returns one copy of every event captured in a chat
// within [start, end], in arrival order.
func (s *Store) ListChatMessagesInRange(ctx context.Context, chatID string, start, end time.Time) ([]TrackedMessage, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM tracked_messages
		WHERE id IN (
			SELECT MIN(id) FROM tracked_messages
			WHERE chat_id = ? AND message_timestamp >= ? AND message_timestamp <= ?
			GROUP BY event_id
		)
		ORDER BY id`,
		chatID, formatTime(start), formatTime(end),
	)
}

// DeleteSessionMessagesUpTo removes a session's messages with id <= maxID.
// Rows appended after a snapshot was taken are kept.
func (s *Store) DeleteSessionMessagesUpTo(ctx context.Context, sessionID string, maxID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_messages WHERE tracking_session_id = ? AND id <= ?`,
		sessionID, maxID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session messages: %w", err)
	}
	return res.RowsAffected()
}

// PurgeEndedSessionMessages deletes messages of sessions that left the active
// state before cutoff.
func (s *Store) PurgeEndedSessionMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tracked_messages WHERE tracking_session_id IN (
			SELECT id FROM tracking_sessions
			WHERE status <> 'active' AND ended_at IS NOT NULL AND ended_at < ?
		)`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	return res.RowsAffected()
}
