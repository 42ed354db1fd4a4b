// Package matrix connects Kiroku to a Matrix homeserver: it syncs room
// events, joins rooms it is invited to and sends replies and summaries.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kiroku/common/retry"
	"github.com/bdobrica/Kiroku/common/version"
	"github.com/bdobrica/Kiroku/internal/kiroku/observability"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined on start in addition to rooms already joined.
	Rooms []string
	// AutoJoin accepts room invites.
	AutoJoin bool
	// DB persists the sync token so history is not replayed on restart.
	// When nil an in-memory store is used.
	DB *sql.DB
}

// Message is an inbound room message.
type Message struct {
	RoomID    string
	EventID   string
	Sender    string
	MsgType   string
	Body      string
	Timestamp time.Time
}

// MessageHandler processes inbound messages. evt is the raw event msg was
// decoded from.
type MessageHandler func(ctx context.Context, evt *event.Event, msg Message)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	config  *Config
	stopCh  chan struct{}
	handler MessageHandler
	logger  *slog.Logger

	names sync.Map // user id -> display name
}

// New creates a Client. If logger is nil, the default slog logger is used.
func New(config *Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	client.UserAgent = version.UserAgent()

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
		logger: logger,
	}
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		logger.Info("Matrix sync store: using persistent SQLite store")
	} else {
		logger.Warn("Matrix sync store: no DB configured, history will replay on restart")
	}
	return c, nil
}

// Start joins the configured rooms and begins syncing in the background.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("unexpected Matrix syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := c.client.SyncWithContext(ctx)
			if err == nil {
				return
			}
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Matrix sync stopped; reconnecting",
				"err", observability.RedactSecrets(err.Error(), c.config.AccessToken), "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	return nil
}

// Stop stops syncing.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.client.StopSync()
}

// SendFormatted sends a message with an optional HTML body. notice selects
// m.notice; replyTo, when set, threads the message as a reply.
func (c *Client) SendFormatted(ctx context.Context, roomID, html, plain string, notice bool, replyTo string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    plain,
	}
	if notice {
		content.MsgType = event.MsgNotice
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	if replyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)},
		}
	}

	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// DisplayName returns a user's display name, falling back to the user id.
// Results are cached for the life of the client.
func (c *Client) DisplayName(ctx context.Context, userID string) string {
	if v, ok := c.names.Load(userID); ok {
		return v.(string)
	}
	name := userID
	profile, err := c.client.GetProfile(ctx, id.UserID(userID))
	if err != nil {
		c.logger.Debug("failed to get profile", "user", userID, "err", err)
	} else if profile.DisplayName != "" {
		name = profile.DisplayName
	}
	c.names.Store(userID, name)
	return name
}

// RoomName returns the room's m.room.name, or "" when unset.
func (c *Client) RoomName(ctx context.Context, roomID string) string {
	var content event.RoomNameEventContent
	err := c.client.StateEvent(ctx, id.RoomID(roomID), event.StateRoomName, "", &content)
	if err != nil {
		return ""
	}
	return content.Name
}

// UserID returns the bot's user id.
func (c *Client) UserID() string {
	return c.config.UserID
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	msg := toMessage(evt)
	if msg == nil || c.handler == nil {
		return
	}
	c.handler(ctx, evt, *msg)
}

// toMessage converts a room message event. Edits are dropped so an edited
// message is not captured twice.
func toMessage(evt *event.Event) *Message {
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return nil
	}
	return &Message{
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		MsgType:   string(content.MsgType),
		Body:      content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
	}
}

func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	if !c.config.AutoJoin || evt.GetStateKey() != c.config.UserID {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if err := c.joinRoom(ctx, evt.RoomID); err != nil {
		c.logger.Warn("failed to accept invite", "room", evt.RoomID, "inviter", evt.Sender, "err", err)
		return
	}
	c.logger.Info("joined room on invite", "room", evt.RoomID, "inviter", evt.Sender)
}

// joinRoom joins a room, retrying transient failures.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, mautrix.MForbidden) && !errors.Is(err, mautrix.MNotFound)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Debug("join failed, retrying", "room", roomID, "attempt", attempt, "delay", delay, "err", err)
		},
	}, func() error {
		_, err := c.client.JoinRoomByID(ctx, roomID)
		return err
	})
}
