package redact_test

import (
	"testing"

	"github.com/bdobrica/Kiroku/common/redact"
)

func TestString(t *testing.T) {
	const (
		accessToken = "syt_a2lyb2t1_XyZabc123"
		apiKey      = "sk-proj-kiroku-0001"
	)
	tests := []struct {
		name   string
		in     string
		values []string
		want   string
	}{
		{
			name:   "sync error carrying the access token",
			in:     "GET /sync?access_token=syt_a2lyb2t1_XyZabc123: 502",
			values: []string{accessToken},
			want:   "GET /sync?access_token=[REDACTED]: 502",
		},
		{
			name:   "every value and every occurrence",
			in:     "key=sk-proj-kiroku-0001 retry key=sk-proj-kiroku-0001 token=syt_a2lyb2t1_XyZabc123",
			values: []string{accessToken, apiKey},
			want:   "key=[REDACTED] retry key=[REDACTED] token=[REDACTED]",
		},
		{
			name:   "short values are left alone",
			in:     "room abc joined",
			values: []string{"abc"},
			want:   "room abc joined",
		},
		{
			name:   "unset secret",
			in:     "no secrets here",
			values: []string{""},
			want:   "no secrets here",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact.String(tt.in, tt.values...); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMap(t *testing.T) {
	fields := map[string]any{
		"matrix.homeserver":   "https://matrix.example.com",
		"matrix.access_token": "syt_a2lyb2t1_XyZabc123",
		"llm.api_key":         "sk-proj-kiroku-0001",
		"scheduler.token":     "",
		"scheduler.batch":     10,
	}
	out := redact.Map(fields)

	want := map[string]any{
		"matrix.homeserver":   "https://matrix.example.com",
		"matrix.access_token": "[REDACTED]",
		"llm.api_key":         "[REDACTED]",
		"scheduler.token":     "",
		"scheduler.batch":     10,
	}
	for k, v := range want {
		if out[k] != v {
			t.Errorf("%s = %v, want %v", k, out[k], v)
		}
	}
	if fields["llm.api_key"] != "sk-proj-kiroku-0001" {
		t.Error("Map modified its input")
	}
}

func TestIsSensitiveKey(t *testing.T) {
	tests := map[string]bool{
		"access_token":   true,
		"LLM_API_KEY":    true,
		"db_password":    true,
		"homeserver":     false,
		"auto_join":      false,
		"scheduler_mode": false,
	}
	for key, want := range tests {
		if got := redact.IsSensitiveKey(key); got != want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
