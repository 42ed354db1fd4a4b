// Package settings stores the per-chat choice of scheduled summary cadences
// in the application SQLite database.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

// ErrNotFound is returned by Get when the chat has no settings row.
var ErrNotFound = errors.New("settings: chat not found")

// ChatSettings is the scheduling opt-in of a single chat.
type ChatSettings struct {
	ChatID    string
	Title     string
	Active    bool
	Hourly    bool
	Daily     bool
	Weekly    bool
	Monthly   bool
	UpdatedAt time.Time
}

// Enabled reports whether the chat receives summaries of type t. Inactive
// chats receive none.
func (c ChatSettings) Enabled(t store.SummaryType) bool {
	if !c.Active {
		return false
	}
	switch t {
	case store.SummaryHourly:
		return c.Hourly
	case store.SummaryDaily:
		return c.Daily
	case store.SummaryWeekly:
		return c.Weekly
	case store.SummaryMonthly:
		return c.Monthly
	case store.SummaryManual:
		return false
	}
	return false
}

// Cadences returns the scheduled types the chat has switched on, regardless
// of Active.
func (c ChatSettings) Cadences() []store.SummaryType {
	var out []store.SummaryType
	flags := map[store.SummaryType]bool{
		store.SummaryHourly:  c.Hourly,
		store.SummaryDaily:   c.Daily,
		store.SummaryWeekly:  c.Weekly,
		store.SummaryMonthly: c.Monthly,
	}
	for _, t := range store.ScheduledTypes {
		if flags[t] {
			out = append(out, t)
		}
	}
	return out
}

// Store is the read/write interface for chat settings.
type Store interface {
	// Get returns the settings of a chat, or ErrNotFound.
	Get(ctx context.Context, chatID string) (ChatSettings, error)

	// Ensure creates an active settings row with every cadence off when the
	// chat has none, and refreshes the title when one is given.
	Ensure(ctx context.Context, chatID, title string) error

	// SetCadence turns a scheduled cadence on or off for a chat, creating the
	// row when needed.
	SetCadence(ctx context.Context, chatID string, t store.SummaryType, on bool) error

	// SetActive pauses or resumes all scheduled summaries for a chat without
	// touching its cadence choices.
	SetActive(ctx context.Context, chatID string, active bool) error

	// ListEnabled returns the chats that receive summaries of type t, ordered
	// by chat id.
	ListEnabled(ctx context.Context, t store.SummaryType) ([]ChatSettings, error)
}

type sqliteStore struct {
	db  *store.Store
	now func() time.Time
}

// New creates a Store backed by the application SQLite database.
func New(db *store.Store) Store {
	return &sqliteStore{db: db, now: time.Now}
}

func cadenceColumn(t store.SummaryType) (string, error) {
	switch t {
	case store.SummaryHourly:
		return "hourly", nil
	case store.SummaryDaily:
		return "daily", nil
	case store.SummaryWeekly:
		return "weekly", nil
	case store.SummaryMonthly:
		return "monthly", nil
	case store.SummaryManual:
	}
	return "", fmt.Errorf("settings: %q is not a scheduled cadence", t)
}

func (s *sqliteStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func scan(row interface{ Scan(...any) error }) (ChatSettings, error) {
	var (
		c                                       ChatSettings
		active, hourly, daily, weekly, monthly int
		updatedAt                               string
	)
	if err := row.Scan(&c.ChatID, &c.Title, &active, &hourly, &daily, &weekly, &monthly, &updatedAt); err != nil {
		return ChatSettings{}, err
	}
	c.Active = active != 0
	c.Hourly = hourly != 0
	c.Daily = daily != 0
	c.Weekly = weekly != 0
	c.Monthly = monthly != 0
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return c, nil
}

const columns = `chat_id, title, active, hourly, daily, weekly, monthly, updated_at`

func (s *sqliteStore) Get(ctx context.Context, chatID string) (ChatSettings, error) {
	c, err := scan(s.db.DB().QueryRowContext(ctx,
		`SELECT `+columns+` FROM chat_settings WHERE chat_id = ?`, chatID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSettings{}, ErrNotFound
	}
	if err != nil {
		return ChatSettings{}, fmt.Errorf("settings: get %q: %w", chatID, err)
	}
	return c, nil
}

func (s *sqliteStore) Ensure(ctx context.Context, chatID, title string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO chat_settings (chat_id, title, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE chat_settings.title END
	`, chatID, title, s.stamp())
	if err != nil {
		return fmt.Errorf("settings: ensure %q: %w", chatID, err)
	}
	return nil
}

func (s *sqliteStore) SetCadence(ctx context.Context, chatID string, t store.SummaryType, on bool) error {
	col, err := cadenceColumn(t)
	if err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	// col comes from a closed switch, never from input.
	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO chat_settings (chat_id, `+col+`, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			`+col+`    = excluded.`+col+`,
			updated_at = excluded.updated_at
	`, chatID, v, s.stamp())
	if err != nil {
		return fmt.Errorf("settings: set %s for %q: %w", t, chatID, err)
	}
	return nil
}

func (s *sqliteStore) SetActive(ctx context.Context, chatID string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO chat_settings (chat_id, active, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			active     = excluded.active,
			updated_at = excluded.updated_at
	`, chatID, v, s.stamp())
	if err != nil {
		return fmt.Errorf("settings: set active for %q: %w", chatID, err)
	}
	return nil
}

func (s *sqliteStore) ListEnabled(ctx context.Context, t store.SummaryType) ([]ChatSettings, error) {
	col, err := cadenceColumn(t)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+columns+` FROM chat_settings WHERE active = 1 AND `+col+` = 1 ORDER BY chat_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("settings: list %s: %w", t, err)
	}
	defer rows.Close()

	var out []ChatSettings
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("settings: list scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings: list rows: %w", err)
	}
	return out, nil
}
