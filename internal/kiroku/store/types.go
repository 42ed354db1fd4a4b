package store

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a TrackingSession.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionStopped    SessionStatus = "stopped"
	SessionSummarized SessionStatus = "summarized"
	SessionExpired    SessionStatus = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionStopped, SessionSummarized, SessionExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionSummarized, SessionExpired:
		return true
	case SessionActive, SessionStopped:
		return false
	}
	return false
}

// SummaryType distinguishes manual session summaries from scheduled cadences.
type SummaryType string

const (
	SummaryManual  SummaryType = "manual"
	SummaryHourly  SummaryType = "hourly"
	SummaryDaily   SummaryType = "daily"
	SummaryWeekly  SummaryType = "weekly"
	SummaryMonthly SummaryType = "monthly"
)

// ScheduledTypes lists the cadences the scheduler can run, shortest first.
var ScheduledTypes = []SummaryType{SummaryHourly, SummaryDaily, SummaryWeekly, SummaryMonthly}

// ParseSummaryType converts a raw string into a SummaryType.
func ParseSummaryType(v string) (SummaryType, error) {
	t := SummaryType(v)
	if !t.Valid() {
		return "", fmt.Errorf("unknown summary type %q", v)
	}
	return t, nil
}

// Valid reports whether t is one of the known summary types.
func (t SummaryType) Valid() bool {
	switch t {
	case SummaryManual, SummaryHourly, SummaryDaily, SummaryWeekly, SummaryMonthly:
		return true
	}
	return false
}

// Scheduled reports whether t is produced by the batch scheduler.
func (t SummaryType) Scheduled() bool {
	switch t {
	case SummaryHourly, SummaryDaily, SummaryWeekly, SummaryMonthly:
		return true
	case SummaryManual:
		return false
	}
	return false
}

// Window is the look-back window for a scheduled cadence. It doubles as the
// minimum spacing between two summaries of that type for one chat. Manual
// summaries have no window.
func (t SummaryType) Window() time.Duration {
	switch t {
	case SummaryHourly:
		return time.Hour
	case SummaryDaily:
		return 24 * time.Hour
	case SummaryWeekly:
		return 7 * 24 * time.Hour
	case SummaryMonthly:
		return 30 * 24 * time.Hour
	case SummaryManual:
		return 0
	}
	return 0
}

// MinMessages is the per-type message floor below which no summary is made.
func (t SummaryType) MinMessages() int {
	switch t {
	case SummaryManual, SummaryHourly:
		return 5
	case SummaryDaily:
		return 10
	case SummaryWeekly:
		return 20
	case SummaryMonthly:
		return 50
	}
	return 0
}

// TrackingSession is one recording episode of a user in a chat.
type TrackingSession struct {
	ID                 string
	UserID             string
	ChatID             string
	Status             SessionStatus
	StartedAt          time.Time
	EndedAt            *time.Time
	LastMessageAt      time.Time
	UniqueParticipants int
	SummaryGenerated   bool
	SummaryGeneratedAt *time.Time
	SummaryID          string
}

// TrackedMessage is a single captured chat message owned by a session.
type TrackedMessage struct {
	ID           int64
	SessionID    string
	ChatID       string
	EventID      string
	AuthorID     string
	AuthorName   string
	Content      string
	MessageType  string
	Timestamp    time.Time
	IsMeaningful bool
}

// MessageStats aggregates the messages of a session.
type MessageStats struct {
	Total        int
	Meaningful   int
	Participants int
	First        *time.Time
	Last         *time.Time
}

// SummaryStatus is the persisted state of a summary row.
type SummaryStatus string

const SummaryCompleted SummaryStatus = "completed"

// SummaryMetadata is stored as JSON next to the summary text.
type SummaryMetadata struct {
	Model            string   `json:"model,omitempty"`
	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	CompletionTokens int      `json:"completion_tokens,omitempty"`
	TotalTokens      int      `json:"total_tokens,omitempty"`
	KeyParticipants  []string `json:"key_participants,omitempty"`
	MainTopics       []string `json:"main_topics,omitempty"`
	Sentiment        string   `json:"sentiment,omitempty"`
	Confidence       float64  `json:"confidence,omitempty"`
	ProcessingMillis int64    `json:"processing_ms,omitempty"`
	MeaningfulCount  int      `json:"meaningful_count,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	OmittedMessages  int      `json:"omitted_messages,omitempty"`
}

// ConversationSummary is a durable generated summary.
type ConversationSummary struct {
	ID              string
	ChatID          string
	Type            SummaryType
	Content         string
	MessageCount    int
	StartTime       time.Time
	EndTime         time.Time
	Metadata        SummaryMetadata
	CreatedAt       time.Time
	Status          SummaryStatus
	DeliveredToUser bool
}

// SchedulerRun is the bookkeeping row written after every scheduler run.
type SchedulerRun struct {
	ID          int64
	TraceID     string
	SummaryType SummaryType
	Processed   int
	Errors      []string
	Duration    time.Duration
	StartedAt   time.Time
}
