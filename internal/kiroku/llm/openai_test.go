package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionServer(t *testing.T, status int, content string, got *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		if got != nil {
			assert.NoError(t, json.Unmarshal(body, got))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini-2024",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSummarize_StructuredReply(t *testing.T) {
	var got capturedRequest
	srv := completionServer(t, http.StatusOK,
		`{"summary":"The team agreed to ship on Friday.","key_participants":["alice","bob"],"main_topics":["release"],"sentiment":"positive","confidence":0.9}`,
		&got)

	c := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", MaxTokens: 300})
	resp, err := c.Summarize(context.Background(), Request{
		Instructions:     "Summarise the chat.",
		Transcript:       "alice: ship friday?\nbob: yes",
		ParticipantCount: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, "The team agreed to ship on Friday.", resp.Summary)
	assert.Equal(t, []string{"alice", "bob"}, resp.KeyParticipants)
	assert.Equal(t, []string{"release"}, resp.MainTopics)
	assert.Equal(t, "positive", resp.Sentiment)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	assert.Equal(t, 2, resp.ParticipantCount)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
	assert.Equal(t, Usage{PromptTokens: 120, CompletionTokens: 40, TotalTokens: 160}, resp.Usage)

	assert.Equal(t, defaultModel, got.Model)
	assert.Equal(t, 300, got.MaxTokens)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.True(t, strings.HasPrefix(got.Messages[0].Content, "Summarise the chat."))
	assert.Equal(t, "alice: ship friday?\nbob: yes", got.Messages[1].Content)
}

func TestSummarize_PlainTextFallback(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "They talked about lunch.", nil)

	c := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	resp, err := c.Summarize(context.Background(), Request{Transcript: "x"})
	require.NoError(t, err)
	assert.Equal(t, "They talked about lunch.", resp.Summary)
	assert.InDelta(t, 0.5, resp.Confidence, 1e-9)
}

func TestSummarize_ProviderError(t *testing.T) {
	srv := completionServer(t, http.StatusInternalServerError, "", nil)

	c := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", RetryDelay: time.Millisecond})
	_, err := c.Summarize(context.Background(), Request{Transcript: "x"})
	require.Error(t, err)
}

func TestSummarize_RetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"rate limited", http.StatusTooManyRequests, 3},
		{"server error", http.StatusBadGateway, 3},
		{"bad request", http.StatusBadRequest, 1},
		{"unauthorized", http.StatusUnauthorized, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"error"}}`))
			}))
			t.Cleanup(srv.Close)

			c := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", RetryDelay: time.Millisecond})
			_, err := c.Summarize(context.Background(), Request{Transcript: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestSummarize_RecoversAfterTransientError(t *testing.T) {
	var calls atomic.Int32
	ok := completionServer(t, http.StatusOK, `{"summary":"Recovered."}`, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"busy","type":"server_error"}}`))
			return
		}
		ok.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", RetryDelay: time.Millisecond})
	resp, err := c.Summarize(context.Background(), Request{Transcript: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", resp.Summary)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSummarize_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	c := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", Timeout: 50 * time.Millisecond})
	_, err := c.Summarize(context.Background(), Request{Transcript: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantErr    bool
		summary    string
		confidence float64
		sentiment  string
	}{
		{
			name:       "full object",
			content:    `{"summary":"ok then","confidence":0.7,"sentiment":"mixed"}`,
			summary:    "ok then",
			confidence: 0.7,
			sentiment:  "mixed",
		},
		{
			name:       "code fenced",
			content:    "```json\n{\"summary\":\"fenced\"}\n```",
			summary:    "fenced",
			confidence: 0.5,
			sentiment:  "neutral",
		},
		{
			name:    "missing summary",
			content: `{"main_topics":["x"]}`,
			wantErr: true,
		},
		{
			name:    "confidence out of range",
			content: `{"summary":"x","confidence":3}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			content: `42`,
			wantErr: true,
		},
		{
			name:    "empty",
			content: "   ",
			wantErr: true,
		},
		{
			name:       "prose",
			content:    "Nothing notable happened.",
			summary:    "Nothing notable happened.",
			confidence: 0.5,
			sentiment:  "neutral",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReply(tt.content)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidReply)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.summary, got.Summary)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
			assert.Equal(t, tt.sentiment, got.Sentiment)
		})
	}
}

func TestUnconfigured(t *testing.T) {
	_, err := Unconfigured{}.Summarize(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
