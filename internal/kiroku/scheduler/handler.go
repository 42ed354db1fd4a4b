package scheduler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Kiroku/common/trace"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

const maxRequestBody = 64 << 10

const runRequestSchema = `{
	"type": "object",
	"properties": {
		"summaryType": {"type": "string", "enum": ["hourly", "daily", "weekly", "monthly"]}
	},
	"required": ["summaryType"],
	"additionalProperties": false
}`

var runRequest = jsonschema.MustCompileString("kiroku://scheduler/run-request.json", runRequestSchema)

// Trigger starts a scheduler run.
type Trigger interface {
	Run(ctx context.Context, t store.SummaryType) (*Result, error)
}

var _ Trigger = (*Scheduler)(nil)

type runResponse struct {
	Success     bool     `json:"success"`
	SummaryType string   `json:"summaryType,omitempty"`
	Processed   int      `json:"processed"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors"`
	Duration    int64    `json:"duration"`
	TraceID     string   `json:"traceId,omitempty"`
}

type statusResponse struct {
	Success  bool   `json:"success"`
	Disabled bool   `json:"disabled,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Handler serves POST /scheduler/run.
type Handler struct {
	trigger Trigger
	token   string
	logger  *slog.Logger
}

// NewHandler creates a Handler. When token is non-empty requests must carry
// "Authorization: Bearer <token>". If logger is nil, the default slog logger
// is used.
func NewHandler(trigger Trigger, token string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{trigger: trigger, token: token, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, statusResponse{Error: "method not allowed"})
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, statusResponse{Error: "unauthorized"})
		return
	}

	t, err := decodeRunRequest(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Error: err.Error()})
		return
	}

	traceID := trace.GenerateID()
	// The run outlives a caller that hangs up.
	ctx := trace.WithTraceID(context.WithoutCancel(r.Context()), traceID)

	res, err := h.trigger.Run(ctx, t)
	switch {
	case errors.Is(err, ErrSchedulerDisabled):
		writeJSON(w, http.StatusOK, statusResponse{Disabled: true, Message: "scheduler is disabled"})
		return
	case err != nil:
		h.logger.Error("scheduler run failed", "trace_id", traceID, "summary_type", string(t), "err", err)
		writeJSON(w, http.StatusInternalServerError, statusResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		Success:     true,
		SummaryType: string(res.SummaryType),
		Processed:   res.Processed,
		Skipped:     res.Skipped,
		Errors:      res.Errors,
		Duration:    res.Duration.Milliseconds(),
		TraceID:     res.TraceID,
	})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func decodeRunRequest(body io.Reader) (store.SummaryType, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxRequestBody))
	if err != nil {
		return "", errors.New("failed to read request body")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", errors.New("request body must be JSON")
	}
	if err := runRequest.Validate(doc); err != nil {
		return "", errors.New("invalid request: summaryType must be one of hourly, daily, weekly, monthly")
	}
	t, _ := doc.(map[string]any)["summaryType"].(string)
	return store.SummaryType(t), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if res, ok := v.(runResponse); ok && res.Errors == nil {
		res.Errors = []string{}
		v = res
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
