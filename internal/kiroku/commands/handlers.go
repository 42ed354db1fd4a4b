package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Kiroku/common/version"
	"github.com/bdobrica/Kiroku/internal/kiroku/notify"
	"github.com/bdobrica/Kiroku/internal/kiroku/observability"
	"github.com/bdobrica/Kiroku/internal/kiroku/ratelimit"
	"github.com/bdobrica/Kiroku/internal/kiroku/settings"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/summary"
	"github.com/bdobrica/Kiroku/internal/kiroku/tracking"
)

// Tracker is the session lifecycle used by the track commands.
type Tracker interface {
	Start(ctx context.Context, userID, chatID string) (*store.TrackingSession, error)
	Stop(ctx context.Context, userID, chatID string) (*tracking.StopResult, error)
	CurrentOrRecent(ctx context.Context, userID, chatID string) (*store.TrackingSession, error)
	Status(ctx context.Context, userID, chatID string) (*tracking.Status, error)
}

// Summaries runs summary requests.
type Summaries interface {
	Execute(ctx context.Context, req summary.Request) (*summary.Outcome, error)
}

// TitleSource resolves a chat's display title.
type TitleSource interface {
	RoomName(ctx context.Context, roomID string) string
}

// Deliveries records that a summary reached its chat.
type Deliveries interface {
	MarkSummaryDelivered(ctx context.Context, id string) error
}

var (
	_ Tracker    = (*tracking.Manager)(nil)
	_ Summaries  = (*summary.Orchestrator)(nil)
	_ Deliveries = (*store.Store)(nil)
)

// HandlersConfig holds the dependencies of Handlers. Limiter, Titles,
// Notifier and Deliveries may be nil. Without a Notifier a summary is returned
// as the command reply and left unmarked.
type HandlersConfig struct {
	Tracker    Tracker
	Summaries  Summaries
	Settings   settings.Store
	Limiter    *ratelimit.Limiter
	Titles     TitleSource
	Notifier   notify.Notifier
	Deliveries Deliveries
	Logger     *slog.Logger
}

// Handlers holds all command handlers and dependencies
type Handlers struct {
	tracker    Tracker
	summaries  Summaries
	settings   settings.Store
	limiter    *ratelimit.Limiter
	titles     TitleSource
	notifier   notify.Notifier
	deliveries Deliveries
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		tracker:    cfg.Tracker,
		summaries:  cfg.Summaries,
		settings:   cfg.Settings,
		limiter:    cfg.Limiter,
		titles:     cfg.Titles,
		notifier:   cfg.Notifier,
		deliveries: cfg.Deliveries,
		logger:     logger,
		now:        time.Now,
	}
}

// Register binds every Kiroku command to r.
func (h *Handlers) Register(r *Router) {
	r.Register("help", h.HandleHelp)
	r.Register("version", h.HandleVersion)
	r.Register("track", h.HandleTrackHelp)
	r.Register("track.start", h.HandleTrackStart)
	r.Register("track.stop", h.HandleTrackStop)
	r.Register("track.status", h.HandleTrackStatus)
	r.Register("summary", h.HandleSummary)
	r.Register("schedule", h.HandleSchedule)
}

// HandleHelp shows available commands
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	help := `**Kiroku**

**Tracking:**
• /kiroku track start - Start recording this conversation
• /kiroku track stop - Stop recording
• /kiroku track status - Show your current or last session

**Summaries:**
• /kiroku summary - Summarise your current or last session
  Flags: --decisions, --questions, --anonymize, --language <name>
• /kiroku summary --resend - Post the latest summary of this chat again

**Scheduled summaries:**
• /kiroku schedule list - Show this chat's schedule
• /kiroku schedule <hourly|daily|weekly|monthly> <on|off> - Switch a cadence
• /kiroku schedule pause - Pause all scheduled summaries
• /kiroku schedule resume - Resume scheduled summaries

**General:**
• /kiroku help - Show this help message
• /kiroku version - Show version information`
	return help, nil
}

// HandleVersion shows version information
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**Kiroku**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

// HandleTrackHelp answers a bare or unknown track subcommand.
func (h *Handlers) HandleTrackHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if cmd.Subcommand != "" {
		return fmt.Sprintf("Unknown track command %q. Use start, stop or status.", cmd.Subcommand), nil
	}
	return "Usage: /kiroku track <start|stop|status>", nil
}

// HandleTrackStart opens a tracking session for the sender.
func (h *Handlers) HandleTrackStart(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	user, chat := evt.Sender.String(), evt.RoomID.String()
	if msg, ok := h.allow(user, ratelimit.ActionTrack); !ok {
		return msg, nil
	}

	sess, err := h.tracker.Start(ctx, user, chat)
	switch {
	case errors.Is(err, tracking.ErrAlreadyActive):
		return "You are already tracking this conversation. Use `/kiroku track stop` to end it.", nil
	case err != nil:
		return "", fmt.Errorf("start tracking: %w", err)
	}
	h.ensureSettings(ctx, chat)

	return fmt.Sprintf("🔴 Tracking started at %s UTC. Every message from now on is recorded until you run `/kiroku track stop`.",
		sess.StartedAt.UTC().Format("15:04")), nil
}

// HandleTrackStop ends the sender's session and reports its stats.
func (h *Handlers) HandleTrackStop(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	user, chat := evt.Sender.String(), evt.RoomID.String()
	if msg, ok := h.allow(user, ratelimit.ActionTrack); !ok {
		return msg, nil
	}

	res, err := h.tracker.Stop(ctx, user, chat)
	switch {
	case errors.Is(err, tracking.ErrNotActive):
		return "You are not tracking this conversation. Use `/kiroku track start` first.", nil
	case err != nil:
		return "", fmt.Errorf("stop tracking: %w", err)
	}

	var b strings.Builder
	b.WriteString("⏹ Tracking stopped.\n")
	writeStats(&b, res.Stats)
	if res.Stats.MessageCount >= store.SummaryManual.MinMessages() {
		b.WriteString("\nRun `/kiroku summary` to summarise it.")
	}
	return b.String(), nil
}

// HandleTrackStatus shows the sender's latest session.
func (h *Handlers) HandleTrackStatus(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	st, err := h.tracker.Status(ctx, evt.Sender.String(), evt.RoomID.String())
	if err != nil {
		return "", fmt.Errorf("track status: %w", err)
	}
	if st == nil {
		return "You have never tracked this conversation.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Session** `%s`\nStatus: %s\nStarted: %s UTC\n",
		st.Session.ID, st.Session.Status, st.Session.StartedAt.UTC().Format("2006-01-02 15:04"))
	if st.Session.EndedAt != nil {
		fmt.Fprintf(&b, "Ended: %s UTC\n", st.Session.EndedAt.UTC().Format("2006-01-02 15:04"))
	}
	writeStats(&b, st.Stats)
	if st.Session.SummaryGenerated {
		b.WriteString("\nThis session has been summarised.")
	}
	return b.String(), nil
}

// HandleSummary summarises the sender's current or most recent session, or
// resends the chat's latest summary.
func (h *Handlers) HandleSummary(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	user, chat := evt.Sender.String(), evt.RoomID.String()
	if msg, ok := h.allow(user, ratelimit.ActionSummary); !ok {
		return msg, nil
	}

	req := summary.Request{
		Action: summary.ActionGenerate,
		ChatID: chat,
		Type:   store.SummaryManual,
		Prefs: summary.Preferences{
			FocusDecisions: cmd.HasFlag("decisions"),
			FocusQuestions: cmd.HasFlag("questions"),
			Anonymize:      cmd.HasFlag("anonymize"),
			Language:       languageFlag(cmd),
		},
	}

	if cmd.HasFlag("resend") {
		req.Action = summary.ActionResend
	} else {
		sess, err := h.tracker.CurrentOrRecent(ctx, user, chat)
		if err != nil {
			return "", fmt.Errorf("summary: %w", err)
		}
		if sess == nil {
			st, err := h.tracker.Status(ctx, user, chat)
			if err != nil {
				return "", fmt.Errorf("summary: %w", err)
			}
			if st != nil && st.Session.SummaryGenerated {
				return h.summaryError(ctx, summary.ErrAlreadySummarized)
			}
			if st != nil && st.Session.Status == store.SessionExpired {
				return h.summaryError(ctx, summary.ErrSessionExpired)
			}
			return "There is no session to summarise. Start one with `/kiroku track start`.", nil
		}
		req.SessionID = sess.ID
	}

	out, err := h.summaries.Execute(ctx, req)
	if err != nil {
		return h.summaryError(ctx, err)
	}
	return h.deliverSummary(ctx, evt, out.Summary)
}

// deliverSummary posts sum as a reply and flags it delivered. The summary is
// already persisted, so a failed send only leaves it unmarked for a resend.
func (h *Handlers) deliverSummary(ctx context.Context, evt *event.Event, sum *store.ConversationSummary) (string, error) {
	text := notify.FormatSummary(sum)
	if h.notifier == nil {
		return text, nil
	}
	opts := notify.Options{Markdown: true, ReplyTo: evt.ID.String()}
	if err := h.notifier.Send(ctx, evt.RoomID.String(), text, opts); err != nil {
		return "", fmt.Errorf("deliver summary %s: %w", sum.ID, err)
	}
	if h.deliveries != nil && !sum.DeliveredToUser {
		if err := h.deliveries.MarkSummaryDelivered(ctx, sum.ID); err != nil {
			observability.Trace(ctx, h.logger).Warn("failed to mark summary delivered", "summary_id", sum.ID, "err", err)
		}
	}
	return "", nil
}

// HandleSchedule lists or changes the chat's scheduled summaries.
func (h *Handlers) HandleSchedule(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	chat := evt.RoomID.String()
	if msg, ok := h.allow(evt.Sender.String()); !ok {
		return msg, nil
	}

	switch cmd.Subcommand {
	case "", "list":
		return h.scheduleList(ctx, chat)
	case "pause", "resume":
		h.ensureSettings(ctx, chat)
		if err := h.settings.SetActive(ctx, chat, cmd.Subcommand == "resume"); err != nil {
			return "", fmt.Errorf("schedule %s: %w", cmd.Subcommand, err)
		}
		if cmd.Subcommand == "pause" {
			return "⏸ Scheduled summaries paused for this chat.", nil
		}
		return "▶️ Scheduled summaries resumed for this chat.", nil
	}

	t, err := store.ParseSummaryType(cmd.Subcommand)
	if err != nil || !t.Scheduled() {
		return fmt.Sprintf("Unknown cadence %q. Use hourly, daily, weekly or monthly.", cmd.Subcommand), nil
	}
	state, _ := cmd.GetArg(0)
	var on bool
	switch strings.ToLower(state) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return fmt.Sprintf("Usage: /kiroku schedule %s <on|off>", t), nil
	}

	h.ensureSettings(ctx, chat)
	if err := h.settings.SetCadence(ctx, chat, t, on); err != nil {
		return "", fmt.Errorf("schedule %s: %w", t, err)
	}
	if on {
		return fmt.Sprintf("✅ %s summaries enabled. A summary is posted when at least %d messages were sent in the last %s.",
			capitalize(string(t)), t.MinMessages(), humanWindow(t.Window())), nil
	}
	return fmt.Sprintf("%s summaries disabled.", capitalize(string(t))), nil
}

func (h *Handlers) scheduleList(ctx context.Context, chat string) (string, error) {
	cs, err := h.settings.Get(ctx, chat)
	if errors.Is(err, settings.ErrNotFound) {
		return "No scheduled summaries for this chat. Enable one with `/kiroku schedule daily on`.", nil
	}
	if err != nil {
		return "", fmt.Errorf("schedule list: %w", err)
	}

	var b strings.Builder
	b.WriteString("**Scheduled summaries**\n")
	enabled := make(map[store.SummaryType]bool)
	for _, t := range cs.Cadences() {
		enabled[t] = true
	}
	for _, t := range store.ScheduledTypes {
		mark := "off"
		if enabled[t] {
			mark = "on"
		}
		fmt.Fprintf(&b, "• %s: %s\n", t, mark)
	}
	if !cs.Active {
		b.WriteString("\nPaused. Use `/kiroku schedule resume` to resume.")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// summaryError turns orchestrator errors into replies. Unexpected errors are
// logged and answered generically.
func (h *Handlers) summaryError(ctx context.Context, err error) (string, error) {
	var insufficient *summary.InsufficientMessagesError
	switch {
	case errors.As(err, &insufficient):
		if insufficient.Count >= insufficient.Minimum && insufficient.Meaningful == 0 {
			return "Nothing worth summarising yet: the session has no meaningful messages.", nil
		}
		return fmt.Sprintf("Not enough messages to summarise yet (%d of %d needed).",
			insufficient.Count, insufficient.Minimum), nil
	case errors.Is(err, summary.ErrAlreadySummarized):
		return "This session has already been summarised. Use `/kiroku summary --resend` to see it again.", nil
	case errors.Is(err, summary.ErrNoSummary):
		return "There is no summary for this chat yet.", nil
	case errors.Is(err, summary.ErrSessionExpired):
		return "Your last session expired after a period of inactivity and cannot be summarised. Start a new one with `/kiroku track start`.", nil
	case errors.Is(err, summary.ErrSessionNotFound):
		return "That session no longer exists.", nil
	case errors.Is(err, summary.ErrLLMFailure):
		observability.Trace(ctx, h.logger).Error("summary generation failed", "err", err)
		return "⚠️ The summary could not be generated right now. Your messages are kept, please try again later.", nil
	case errors.Is(err, summary.ErrStorageFailure):
		observability.Trace(ctx, h.logger).Error("summary storage failed", "err", err)
		return "⚠️ The summary could not be saved. Please try again later.", nil
	}
	return "", fmt.Errorf("summary: %w", err)
}

// allow consults the global limit plus the given actions. The reply is set
// when the call is rejected.
func (h *Handlers) allow(user string, actions ...string) (string, bool) {
	if h.limiter == nil {
		return "", true
	}
	res := h.limiter.CheckMultipleLimits(user, append([]string{ratelimit.ActionGlobal}, actions...)...)
	if res.Allowed {
		return "", true
	}
	wait := res.ResetAt.Sub(h.now()).Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return fmt.Sprintf("⏳ Slow down: %s. Try again in %s.", res.Reason, wait), false
}

func (h *Handlers) ensureSettings(ctx context.Context, chat string) {
	if h.settings == nil {
		return
	}
	title := ""
	if h.titles != nil {
		title = h.titles.RoomName(ctx, chat)
	}
	if err := h.settings.Ensure(ctx, chat, title); err != nil {
		observability.Trace(ctx, h.logger).Warn("failed to ensure chat settings", "chat_id", chat, "err", err)
	}
}

func writeStats(b *strings.Builder, st tracking.Stats) {
	fmt.Fprintf(b, "Messages: %d (%d meaningful)\nParticipants: %d\nDuration: %s",
		st.MessageCount, st.MeaningfulCount, st.Participants, st.Duration.Round(time.Minute))
}

// languageFlag accepts "--language German" and "--language=German".
func languageFlag(cmd *Command) string {
	lang := cmd.GetFlag("language", "")
	if lang == "true" {
		return ""
	}
	return lang
}

func humanWindow(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "hour"
	case d == 24*time.Hour:
		return "24 hours"
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d days", d/(24*time.Hour))
	}
	return d.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
