package commands_test

import (
	"context"
	"errors"
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Kiroku/internal/kiroku/commands"
)

func TestParse(t *testing.T) {
	r := commands.NewRouter(commands.Prefix)

	tests := []struct {
		name      string
		input     string
		wantName  string
		wantSub   string
		wantArgs  []string
		wantFlags map[string]string
		wantErr   error
	}{
		{
			name:     "bare prefix is help",
			input:    "/kiroku",
			wantName: "help",
		},
		{
			name:     "command with subcommand",
			input:    "/kiroku track start",
			wantName: "track",
			wantSub:  "start",
		},
		{
			name:     "subcommand with argument",
			input:    "/kiroku schedule daily on",
			wantName: "schedule",
			wantSub:  "daily",
			wantArgs: []string{"on"},
		},
		{
			name:      "boolean and valued flags",
			input:     "/kiroku summary --decisions --language German --anonymize",
			wantName:  "summary",
			wantFlags: map[string]string{"decisions": "true", "language": "German", "anonymize": "true"},
		},
		{
			name:      "equals flag",
			input:     "/kiroku summary --language=French",
			wantName:  "summary",
			wantFlags: map[string]string{"language": "French"},
		},
		{
			name:     "case folded",
			input:    "  /kiroku TRACK Status  ",
			wantName: "track",
			wantSub:  "status",
		},
		{
			name:    "no prefix",
			input:   "hello there",
			wantErr: commands.ErrNotACommand,
		},
		{
			name:    "prefix must be a whole word",
			input:   "/kirokuhelp",
			wantErr: commands.ErrNotACommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := r.Parse(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.input, err)
			}
			if cmd.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", cmd.Name, tt.wantName)
			}
			if cmd.Subcommand != tt.wantSub {
				t.Errorf("Subcommand = %q, want %q", cmd.Subcommand, tt.wantSub)
			}
			if len(cmd.Args) != len(tt.wantArgs) {
				t.Fatalf("Args = %v, want %v", cmd.Args, tt.wantArgs)
			}
			for i := range tt.wantArgs {
				if cmd.Args[i] != tt.wantArgs[i] {
					t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], tt.wantArgs[i])
				}
			}
			for k, v := range tt.wantFlags {
				if got := cmd.GetFlag(k, ""); got != v {
					t.Errorf("flag %q = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestRoute(t *testing.T) {
	r := commands.NewRouter(commands.Prefix)
	var called string
	handler := func(name string) commands.Handler {
		return func(ctx context.Context, cmd *commands.Command, evt *event.Event) (string, error) {
			called = name
			return name, nil
		}
	}
	r.Register("track", handler("track"))
	r.Register("track.start", handler("track.start"))

	tests := []struct {
		input string
		want  string
	}{
		{"/kiroku track start", "track.start"},
		{"/kiroku track", "track"},
		{"/kiroku track bogus", "track"},
	}
	for _, tt := range tests {
		called = ""
		got, err := r.Route(context.Background(), tt.input, fakeEvent("@alice:example.com"))
		if err != nil {
			t.Fatalf("Route(%q): %v", tt.input, err)
		}
		if got != tt.want || called != tt.want {
			t.Errorf("Route(%q) = %q (called %q), want %q", tt.input, got, called, tt.want)
		}
	}

	if _, err := r.Route(context.Background(), "/kiroku nope", fakeEvent("@alice:example.com")); !errors.Is(err, commands.ErrUnknownCommand) {
		t.Errorf("unknown command error = %v, want ErrUnknownCommand", err)
	}
}

func TestCommandHelpers(t *testing.T) {
	cmd := &commands.Command{
		Name:       "schedule",
		Subcommand: "daily",
		Args:       []string{"on"},
		Flags:      map[string]string{"x": "1"},
	}
	if got := cmd.FullCommand(); got != "schedule daily" {
		t.Errorf("FullCommand = %q", got)
	}
	if v, ok := cmd.GetArg(0); !ok || v != "on" {
		t.Errorf("GetArg(0) = %q, %v", v, ok)
	}
	if _, ok := cmd.GetArg(1); ok {
		t.Error("GetArg(1) should be out of range")
	}
	if !cmd.HasFlag("x") || cmd.HasFlag("y") {
		t.Error("HasFlag mismatch")
	}
	if got := cmd.GetFlag("y", "def"); got != "def" {
		t.Errorf("GetFlag default = %q", got)
	}
}
