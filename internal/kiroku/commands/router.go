// Package commands parses and routes /kiroku chat commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Prefix starts every command.
const Prefix = "/kiroku"

// Command is a parsed command.
type Command struct {
	Name       string
	Subcommand string
	Args       []string
	Flags      map[string]string
	RawText    string
}

// ErrNotACommand is returned by Parse when the message does not start with the
// command prefix.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// ErrUnknownCommand is returned by Route when no handler matches.
var ErrUnknownCommand = errors.New("unknown command")

// Handler handles a command and returns the Markdown reply.
type Handler func(ctx context.Context, cmd *Command, evt *event.Event) (string, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a router for the given prefix.
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Register binds a handler to "name" or "name.subcommand".
func (r *Router) Register(key string, handler Handler) {
	r.handlers[key] = handler
}

// Keys returns the registered handler keys, sorted.
func (r *Router) Keys() []string {
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsCommand reports whether text carries the prefix as a whole word.
func (r *Router) IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	rest, ok := strings.CutPrefix(text, r.prefix)
	return ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n')
}

// Parse parses a message into a command. Flags are "--name" or
// "--name value"; everything else after the subcommand is an argument.
func (r *Router) Parse(text string) (*Command, error) {
	if !r.IsCommand(text) {
		return nil, ErrNotACommand
	}
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), r.prefix))
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return &Command{Name: "help", Args: []string{}, Flags: map[string]string{}}, nil
	}

	cmd := &Command{
		Name:    strings.ToLower(parts[0]),
		Args:    []string{},
		Flags:   make(map[string]string),
		RawText: text,
	}
	parts = parts[1:]
	if len(parts) > 0 && !strings.HasPrefix(parts[0], "-") {
		cmd.Subcommand = strings.ToLower(parts[0])
		parts = parts[1:]
	}

	for i := 0; i < len(parts); i++ {
		name, ok := strings.CutPrefix(parts[i], "--")
		if !ok {
			cmd.Args = append(cmd.Args, parts[i])
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("empty flag name")
		}
		if k, v, hasValue := strings.Cut(name, "="); hasValue {
			cmd.Flags[k] = v
			continue
		}
		if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "--") {
			cmd.Flags[name] = parts[i+1]
			i++
			continue
		}
		cmd.Flags[name] = "true"
	}
	return cmd, nil
}

// Route parses text and runs the matching handler. "name.subcommand" wins
// over "name".
func (r *Router) Route(ctx context.Context, text string, evt *event.Event) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}

	key := cmd.Name
	if cmd.Subcommand != "" {
		key = cmd.Name + "." + cmd.Subcommand
	}
	handler, ok := r.handlers[key]
	if !ok {
		if handler, ok = r.handlers[cmd.Name]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.FullCommand())
		}
	}
	return handler(ctx, cmd, evt)
}

// HasFlag reports whether a flag is present.
func (c *Command) HasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// GetFlag returns a flag value with a default.
func (c *Command) GetFlag(name, defaultValue string) string {
	if val, ok := c.Flags[name]; ok {
		return val
	}
	return defaultValue
}

// GetArg returns an argument by index.
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

// FullCommand returns "name subcommand".
func (c *Command) FullCommand() string {
	if c.Subcommand != "" {
		return c.Name + " " + c.Subcommand
	}
	return c.Name
}
