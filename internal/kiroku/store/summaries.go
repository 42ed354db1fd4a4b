package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const summaryColumns = `id, chat_id, summary_type, content, message_count, start_time, end_time,
	metadata, created_at, status, delivered_to_user`

func scanSummary(row rowScanner) (*ConversationSummary, error) {
	var (
		sum                 ConversationSummary
		summaryType, status string
		start, end, created string
		metadata            sql.NullString
		delivered           int
	)
	err := row.Scan(
		&sum.ID, &sum.ChatID, &summaryType, &sum.Content, &sum.MessageCount, &start, &end,
		&metadata, &created, &status, &delivered,
	)
	if err != nil {
		return nil, err
	}
	sum.Type = SummaryType(summaryType)
	sum.Status = SummaryStatus(status)
	sum.DeliveredToUser = delivered != 0
	if sum.StartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if sum.EndTime, err = parseTime(end); err != nil {
		return nil, err
	}
	if sum.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sum.Metadata); err != nil {
			return nil, fmt.Errorf("decode summary metadata: %w", err)
		}
	}
	return &sum, nil
}

// CreateSummary persists a summary row.
func (s *Store) CreateSummary(ctx context.Context, sum *ConversationSummary) error {
	if !sum.Type.Valid() {
		return fmt.Errorf("create summary: invalid type %q", sum.Type)
	}
	if sum.Status == "" {
		sum.Status = SummaryCompleted
	}
	metadata, err := json.Marshal(sum.Metadata)
	if err != nil {
		return fmt.Errorf("encode summary metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_summaries (`+summaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.ChatID, string(sum.Type), sum.Content, sum.MessageCount,
		formatTime(sum.StartTime), formatTime(sum.EndTime), string(metadata),
		formatTime(sum.CreatedAt), string(sum.Status), boolToInt(sum.DeliveredToUser),
	)
	if err != nil {
		return fmt.Errorf("failed to create summary: %w", err)
	}
	return nil
}

// GetSummary returns a summary by id.
func (s *Store) GetSummary(ctx context.Context, id string) (*ConversationSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM conversation_summaries WHERE id = ?`, id)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary %s: %w", id, err)
	}
	return sum, nil
}

// LatestSummaryOfType returns the newest summary of the given type for a chat.
func (s *Store) LatestSummaryOfType(ctx context.Context, chatID string, t SummaryType) (*ConversationSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+summaryColumns+` FROM conversation_summaries
		WHERE chat_id = ? AND summary_type = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		chatID, string(t),
	)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s summary: %w", t, err)
	}
	return sum, nil
}

// LatestSummary returns the newest summary of any type for a chat.
func (s *Store) LatestSummary(ctx context.Context, chatID string) (*ConversationSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+summaryColumns+` FROM conversation_summaries
		WHERE chat_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		chatID,
	)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest summary: %w", err)
	}
	return sum, nil
}

// MarkSummaryDelivered flags a summary as posted to the chat.
func (s *Store) MarkSummaryDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversation_summaries SET delivered_to_user = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark summary delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark summary delivered: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSummaries returns how many summaries exist for a chat and type.
func (s *Store) CountSummaries(ctx context.Context, chatID string, t SummaryType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_summaries WHERE chat_id = ? AND summary_type = ?`,
		chatID, string(t),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count summaries: %w", err)
	}
	return n, nil
}
