// Package llm is the summarisation collaborator: it turns a prepared prompt
// into a structured summary using an OpenAI-compatible chat completions API.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by the Unconfigured summarizer.
var ErrNotConfigured = errors.New("llm: summarizer not configured")

// Request is a fully prepared summarisation prompt.
type Request struct {
	// Instructions is the system prompt: chat context, cadence and focus.
	Instructions string
	// Transcript is the bounded conversation transcript, oldest line first.
	Transcript string
	// ParticipantCount is echoed into the response metadata.
	ParticipantCount int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the structured summary returned by the provider.
type Response struct {
	Summary          string
	KeyParticipants  []string
	MainTopics       []string
	Sentiment        string
	Confidence       float64
	ParticipantCount int
	Model            string
	Usage            Usage
	ProcessingTime   time.Duration
}

// Summarizer generates a summary from a prepared request.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Response, error)
}

// Unconfigured is used when no API key is available. Every call fails, so
// manual and scheduled summaries report an LLM failure instead of silently
// producing nothing.
type Unconfigured struct{}

// Summarize always returns ErrNotConfigured.
func (Unconfigured) Summarize(context.Context, Request) (*Response, error) {
	return nil, ErrNotConfigured
}

var _ Summarizer = Unconfigured{}
