package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"

	"github.com/bdobrica/Kiroku/common/retry"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 800

	defaultMaxAttempts = 3

	// plainTextConfidence is reported when the model ignored the JSON format.
	plainTextConfidence = 0.5

	replyFormat = `Reply with a single JSON object and nothing else:
{"summary": string, "key_participants": [string], "main_topics": [string], "sentiment": "positive"|"neutral"|"negative"|"mixed", "confidence": number between 0 and 1}`
)

const replySchemaJSON = `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"key_participants": {"type": "array", "items": {"type": "string"}},
		"main_topics": {"type": "array", "items": {"type": "string"}},
		"sentiment": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

var replySchema = jsonschema.MustCompileString("kiroku://llm/summary-reply.json", replySchemaJSON)

// ErrInvalidReply is returned when the model answered with JSON that does not
// match the expected summary shape.
var ErrInvalidReply = errors.New("llm: invalid summary reply")

// Config configures the OpenAI-compatible client.
type Config struct {
	// APIKey is the bearer token for authentication.
	APIKey string

	// BaseURL overrides the API endpoint. Defaults to https://api.openai.com/v1.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini.
	Model string

	// Timeout bounds a single summarisation call. Defaults to 60 s.
	Timeout time.Duration

	// MaxTokens caps the completion length. Defaults to 800.
	MaxTokens int

	// MaxAttempts bounds calls per summary when the provider is rate
	// limiting or failing. Defaults to 3.
	MaxAttempts int

	// RetryDelay is the first backoff delay. Defaults to 1 s.
	RetryDelay time.Duration
}

// OpenAI implements Summarizer on top of go-openai.
// It is safe for concurrent use.
type OpenAI struct {
	cfg    Config
	client *openai.Client
	now    func() time.Time
}

// NewOpenAI creates a Summarizer backed by an OpenAI-compatible chat API.
func NewOpenAI(cfg Config) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &OpenAI{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
		now:    time.Now,
	}
}

// Model returns the configured model name.
func (o *OpenAI) Model() string { return o.cfg.Model }

// Summarize sends the prompt and decodes the structured reply.
func (o *OpenAI) Summarize(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	start := o.now()
	chatReq := openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.Instructions + "\n\n" + replyFormat},
			{Role: openai.ChatMessageRoleUser, Content: req.Transcript},
		},
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var resp openai.ChatCompletionResponse
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  o.cfg.MaxAttempts,
		InitialDelay: o.cfg.RetryDelay,
		MaxDelay:     10 * o.cfg.RetryDelay,
		ShouldRetry:  isTransient,
	}, func() error {
		var err error
		resp, err = o.client.CreateChatCompletion(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: no choices returned")
	}

	out, err := parseReply(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	out.ParticipantCount = req.ParticipantCount
	out.Model = resp.Model
	if out.Model == "" {
		out.Model = o.cfg.Model
	}
	out.Usage = Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	out.ProcessingTime = o.now().Sub(start)
	return out, nil
}

type reply struct {
	Summary         string   `json:"summary"`
	KeyParticipants []string `json:"key_participants"`
	MainTopics      []string `json:"main_topics"`
	Sentiment       string   `json:"sentiment"`
	Confidence      *float64 `json:"confidence"`
}

// parseReply decodes the model output. Output that is not JSON at all is
// kept verbatim as the summary with a reduced confidence.
func parseReply(content string) (*Response, error) {
	text := stripCodeFence(strings.TrimSpace(content))
	if text == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidReply)
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return &Response{Summary: text, Sentiment: "neutral", Confidence: plainTextConfidence}, nil
	}
	if err := replySchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}

	var r reply
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	out := &Response{
		Summary:         strings.TrimSpace(r.Summary),
		KeyParticipants: r.KeyParticipants,
		MainTopics:      r.MainTopics,
		Sentiment:       r.Sentiment,
		Confidence:      plainTextConfidence,
	}
	if out.Sentiment == "" {
		out.Sentiment = "neutral"
	}
	if r.Confidence != nil {
		out.Confidence = *r.Confidence
	}
	return out, nil
}

// isTransient reports whether a provider error may succeed on retry: rate
// limits, server errors and transport failures. Timeouts of the overall call
// are not retried.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var _ Summarizer = (*OpenAI)(nil)
