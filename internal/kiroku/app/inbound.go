package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Kiroku/common/trace"
	"github.com/bdobrica/Kiroku/internal/kiroku/commands"
	"github.com/bdobrica/Kiroku/internal/kiroku/matrix"
	"github.com/bdobrica/Kiroku/internal/kiroku/notify"
	"github.com/bdobrica/Kiroku/internal/kiroku/tracking"
)

// recorder captures inbound messages into active sessions.
type recorder interface {
	Record(ctx context.Context, chatID string, msg tracking.Message) (int, error)
}

// nameResolver maps a user id to a display name.
type nameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

var _ recorder = (*tracking.Collector)(nil)

// inbound handles every message the Matrix client delivers: the message is
// offered to the collector, then commands are routed and answered.
type inbound struct {
	collector recorder
	router    *commands.Router
	notifier  notify.Notifier
	names     nameResolver
	logger    *slog.Logger
}

func (in *inbound) handle(ctx context.Context, evt *event.Event, msg matrix.Message) {
	ctx, traceID := trace.Ensure(ctx)
	logger := in.logger.With("trace_id", traceID, "room", msg.RoomID)

	author := msg.Sender
	if in.names != nil {
		author = in.names.DisplayName(ctx, msg.Sender)
	}
	n, err := in.collector.Record(ctx, msg.RoomID, tracking.Message{
		EventID:     msg.EventID,
		AuthorID:    msg.Sender,
		AuthorName:  author,
		Content:     msg.Body,
		MessageType: msg.MsgType,
		Timestamp:   msg.Timestamp,
	})
	if err != nil {
		logger.Error("failed to record message", "event_id", msg.EventID, "err", err)
	} else if n > 0 {
		logger.Debug("message recorded", "event_id", msg.EventID, "sessions", n)
	}

	// Bots talk in notices; only plain text can carry a command.
	if msg.MsgType != tracking.TypeText || !in.router.IsCommand(msg.Body) {
		return
	}

	reply, err := in.router.Route(ctx, msg.Body, evt)
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		reply = "Unknown command. Try `/kiroku help`."
	case err != nil:
		logger.Error("command failed", "sender", msg.Sender, "err", err)
		reply = fmt.Sprintf("❌ Something went wrong. Reference: `%s`", traceID)
	}
	if reply == "" {
		return
	}
	if err := in.notifier.Send(ctx, msg.RoomID, reply, notify.Options{Markdown: true, ReplyTo: msg.EventID}); err != nil {
		logger.Error("failed to send reply", "err", err)
	}
}
