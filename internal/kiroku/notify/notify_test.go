package notify_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kiroku/common/trace"
	"github.com/bdobrica/Kiroku/internal/kiroku/notify"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

type sent struct {
	room, html, plain string
	notice            bool
	replyTo           string
}

// fakeSender records messages for assertion.
type fakeSender struct {
	msgs []sent
	err  error
}

func (f *fakeSender) SendFormatted(_ context.Context, roomID, html, plain string, notice bool, replyTo string) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{roomID, html, plain, notice, replyTo})
	return nil
}

func TestMatrixNotifier_SendsMarkdownNotice(t *testing.T) {
	sender := &fakeSender{}
	n := notify.NewMatrixNotifier(sender, nil)
	ctx := trace.WithTraceID(context.Background(), "t_abc123")

	err := n.Send(ctx, "!room:example.com", "**hi** there", notify.Options{Markdown: true, Notice: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sender.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.msgs))
	}
	got := sender.msgs[0]
	if got.room != "!room:example.com" || !got.notice {
		t.Errorf("unexpected routing: %+v", got)
	}
	if got.html != "<strong>hi</strong> there" {
		t.Errorf("html = %q", got.html)
	}
	if got.plain != "**hi** there" {
		t.Errorf("plain = %q", got.plain)
	}
}

func TestMatrixNotifier_PlainReply(t *testing.T) {
	sender := &fakeSender{}
	n := notify.NewMatrixNotifier(sender, nil)

	if err := n.Send(context.Background(), "!room:example.com", "ok", notify.Options{ReplyTo: "$evt"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sender.msgs[0].html != "" || sender.msgs[0].replyTo != "$evt" {
		t.Errorf("unexpected message: %+v", sender.msgs[0])
	}
}

func TestMatrixNotifier_ReportsFailure(t *testing.T) {
	boom := errors.New("homeserver unavailable")
	n := notify.NewMatrixNotifier(&fakeSender{err: boom}, nil)

	err := n.Send(context.Background(), "!room:example.com", "text", notify.Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped sender error, got %v", err)
	}
	if err := n.Send(context.Background(), "", "text", notify.Options{}); err == nil {
		t.Fatal("expected error for empty chat id")
	}
}

func TestNoop(t *testing.T) {
	if err := (notify.Noop{}).Send(context.Background(), "!room:example.com", "x", notify.Options{}); err != nil {
		t.Fatalf("Noop.Send: %v", err)
	}
}

func TestMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"bold", "a **b** c", "a <strong>b</strong> c"},
		{"inline code", "run `ls`", "run <code>ls</code>"},
		{"newlines", "one\ntwo", "one<br/>two"},
		{"escapes html", "<script>&", "&lt;script&gt;&amp;"},
		{"unmatched bold", "a **b", "a **b"},
		{"fenced", "x\n```\n<a>\n```", "x<br/><pre><code>&lt;a&gt;\n</code></pre>"},
		{"unterminated fence", "```\ncode", "<pre><code>code\n</code></pre>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := notify.Markdown(tt.in); got != tt.want {
				t.Errorf("Markdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatSummary(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sum := &store.ConversationSummary{
		Type:         store.SummaryDaily,
		Content:      "  The team agreed on Friday.  ",
		MessageCount: 42,
		StartTime:    start,
		EndTime:      start.Add(24 * time.Hour),
		Metadata: store.SummaryMetadata{
			MainTopics:      []string{"release", "QA"},
			KeyParticipants: []string{"Alice", "Bob"},
			OmittedMessages: 3,
		},
	}

	got := notify.FormatSummary(sum)
	for _, want := range []string{
		"**Daily summary**",
		"42 messages",
		"Mar 1 09:00",
		"Mar 2 09:00",
		"The team agreed on Friday.",
		"**Topics:** release, QA",
		"**Participants:** Alice, Bob",
		"3 earlier messages",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatSummary missing %q:\n%s", want, got)
		}
	}

	sum.Metadata = store.SummaryMetadata{}
	if got := notify.FormatSummary(sum); strings.Contains(got, "Topics") || strings.Contains(got, "earlier") {
		t.Errorf("expected no optional sections:\n%s", got)
	}
}
