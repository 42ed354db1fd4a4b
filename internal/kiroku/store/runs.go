package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecordSchedulerRun logs the outcome of one scheduler run.
func (s *Store) RecordSchedulerRun(ctx context.Context, run SchedulerRun) error {
	var errorsJSON sql.NullString
	if len(run.Errors) > 0 {
		b, err := json.Marshal(run.Errors)
		if err != nil {
			return fmt.Errorf("failed to marshal run errors: %w", err)
		}
		errorsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_runs (trace_id, summary_type, processed, errors, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.TraceID, string(run.SummaryType), run.Processed, errorsJSON, run.Duration.Milliseconds(), formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to record scheduler run: %w", err)
	}
	return nil
}

// ListSchedulerRuns returns the most recent runs, newest first.
func (s *Store) ListSchedulerRuns(ctx context.Context, limit int) ([]SchedulerRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, summary_type, processed, errors, duration_ms, started_at
		FROM scheduler_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduler runs: %w", err)
	}
	defer rows.Close()

	var runs []SchedulerRun
	for rows.Next() {
		var (
			run         SchedulerRun
			summaryType string
			errorsJSON  sql.NullString
			durationMs  int64
			startedAt   string
		)
		if err := rows.Scan(&run.ID, &run.TraceID, &summaryType, &run.Processed, &errorsJSON, &durationMs, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduler run: %w", err)
		}
		run.SummaryType = SummaryType(summaryType)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if errorsJSON.Valid {
			if err := json.Unmarshal([]byte(errorsJSON.String), &run.Errors); err != nil {
				return nil, fmt.Errorf("failed to decode run errors: %w", err)
			}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduler runs: %w", err)
	}
	return runs, nil
}
