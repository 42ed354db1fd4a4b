// Package notify posts summaries and replies back into chats.
//
// Delivery is best effort. Callers log a failed Send and carry on; nothing
// that was already persisted is rolled back because a chat could not be
// reached.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Kiroku/common/trace"
)

// Options controls how a message is rendered.
type Options struct {
	// Markdown renders the text as HTML with a plain-text fallback.
	Markdown bool
	// Notice sends m.notice instead of m.text, so other bots ignore it.
	Notice bool
	// ReplyTo threads the message under an existing event.
	ReplyTo string
}

// Notifier sends text to a chat.
type Notifier interface {
	Send(ctx context.Context, chatID, text string, opts Options) error
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
type Sender interface {
	SendFormatted(ctx context.Context, roomID, html, plain string, notice bool, replyTo string) error
}

// MatrixNotifier posts to Matrix rooms.
type MatrixNotifier struct {
	sender Sender
	logger *slog.Logger
}

// NewMatrixNotifier creates a MatrixNotifier. If logger is nil, the default
// slog logger is used.
func NewMatrixNotifier(sender Sender, logger *slog.Logger) *MatrixNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixNotifier{sender: sender, logger: logger}
}

// Send posts text to chatID.
func (n *MatrixNotifier) Send(ctx context.Context, chatID, text string, opts Options) error {
	if chatID == "" {
		return fmt.Errorf("notify: empty chat id")
	}
	html := ""
	if opts.Markdown {
		html = Markdown(text)
	}
	if err := n.sender.SendFormatted(ctx, chatID, html, text, opts.Notice, opts.ReplyTo); err != nil {
		n.logger.Warn("notifier: failed to send message",
			"room", chatID, "trace_id", trace.FromContext(ctx), "err", err)
		return fmt.Errorf("notify %s: %w", chatID, err)
	}
	n.logger.Debug("notifier: sent message", "room", chatID, "trace_id", trace.FromContext(ctx))
	return nil
}

// Noop is used when no chat transport is configured.
type Noop struct{}

// Send does nothing.
func (Noop) Send(context.Context, string, string, Options) error { return nil }
