package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

// Message is an inbound chat event offered to the collector.
type Message struct {
	EventID     string
	AuthorID    string
	AuthorName  string
	Content     string
	MessageType string
	Timestamp   time.Time
}

// Collector appends inbound messages to active sessions.
type Collector struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewCollector creates a Collector. If logger is nil, the default slog logger
// is used.
func NewCollector(st Store, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{store: st, logger: logger, now: time.Now}
}

// Record appends msg to every active session in chatID and returns how many
// sessions received it. Untracked chats yield 0 and no error.
func (c *Collector) Record(ctx context.Context, chatID string, msg Message) (int, error) {
	sessions, err := c.store.ListActiveSessionsForChat(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("record message: %w", err)
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	msg = c.normalise(msg)
	appended := 0
	for _, sess := range sessions {
		if err := c.append(ctx, sess, msg); err != nil {
			return appended, err
		}
		appended++
	}
	return appended, nil
}

// RecordToSession appends msg to one session. It reports false without error
// when the session is missing or no longer active.
func (c *Collector) RecordToSession(ctx context.Context, sessionID string, msg Message) (bool, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record message: %w", err)
	}
	if sess.Status != store.SessionActive {
		return false, nil
	}
	if err := c.append(ctx, sess, c.normalise(msg)); err != nil {
		return false, err
	}
	return true, nil
}

// CountSince counts distinct messages captured in chatID within [start, end].
func (c *Collector) CountSince(ctx context.Context, chatID string, start, end time.Time) (int, error) {
	n, err := c.store.CountMessagesInRange(ctx, chatID, start, end)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (c *Collector) normalise(msg Message) Message {
	if msg.EventID == "" {
		msg.EventID = "$local-" + uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	if msg.MessageType == "" {
		msg.MessageType = TypeText
	}
	return msg
}

func (c *Collector) append(ctx context.Context, sess *store.TrackingSession, msg Message) error {
	tm := &store.TrackedMessage{
		SessionID:    sess.ID,
		ChatID:       sess.ChatID,
		EventID:      msg.EventID,
		AuthorID:     msg.AuthorID,
		AuthorName:   msg.AuthorName,
		Content:      msg.Content,
		MessageType:  msg.MessageType,
		Timestamp:    msg.Timestamp,
		IsMeaningful: IsMeaningful(msg.MessageType, msg.Content),
	}
	if err := c.store.InsertMessage(ctx, tm); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	if err := c.store.TouchSession(ctx, sess.ID, msg.Timestamp); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	c.logger.Debug("message captured",
		"session_id", sess.ID,
		"chat_id", sess.ChatID,
		"meaningful", tm.IsMeaningful,
	)
	return nil
}

// Matrix message types relevant to the meaningful heuristic.
const (
	TypeText   = "m.text"
	TypeEmote  = "m.emote"
	TypeNotice = "m.notice"
)

var acknowledgements = map[string]struct{}{
	"ok": {}, "okay": {}, "k": {}, "kk": {}, "+1": {}, "-1": {}, "ty": {}, "thx": {},
	"yes": {}, "no": {}, "yep": {}, "nope": {}, "lol": {}, "haha": {},
}

// IsMeaningful classifies a message as substantive content. Notices, service
// events, bot commands, empty payloads and bare acknowledgements are noise.
func IsMeaningful(messageType, content string) bool {
	if messageType != TypeText && messageType != TypeEmote {
		return false
	}
	text := strings.TrimSpace(content)
	if text == "" {
		return false
	}
	if strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") {
		return false
	}
	if _, ok := acknowledgements[strings.ToLower(strings.TrimRight(text, ".!?"))]; ok {
		return false
	}
	return hasWordRune(text)
}

// hasWordRune rejects emoji-only and punctuation-only messages.
func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
