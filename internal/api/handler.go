// Package api provides HTTP handlers for the talkrecorder API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/talkrecorder/internal/events"
	"github.com/ashureev/talkrecorder/internal/ledger"
	"github.com/ashureev/talkrecorder/internal/session"
)

// Downloads hands out Mode B recordings once.
type Downloads interface {
	Take(id string) (*ledger.Download, error)
}

// Handler serves the session API.
type Handler struct {
	ctrl      *session.Controller
	hub       *events.Hub
	downloads Downloads
	logger    *slog.Logger

	folderAccess      bool
	recognizerEnabled bool
	maxRecordingBytes int64
	sseKeepalive      time.Duration
	sseRetry          time.Duration
}

// Options configures a Handler.
type Options struct {
	Downloads         Downloads
	Logger            *slog.Logger
	FolderAccess      bool
	RecognizerEnabled bool
	MaxRecordingBytes int64
	SSEKeepalive      time.Duration
	SSERetry          time.Duration
}

// NewHandler creates a new Handler over the session controller and event hub.
func NewHandler(ctrl *session.Controller, hub *events.Hub, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRecordingBytes <= 0 {
		opts.MaxRecordingBytes = 64 << 20
	}
	if opts.SSEKeepalive <= 0 {
		opts.SSEKeepalive = 10 * time.Second
	}
	if opts.SSERetry <= 0 {
		opts.SSERetry = 5 * time.Second
	}
	return &Handler{
		ctrl:              ctrl,
		hub:               hub,
		downloads:         opts.Downloads,
		logger:            opts.Logger,
		folderAccess:      opts.FolderAccess,
		recognizerEnabled: opts.RecognizerEnabled,
		maxRecordingBytes: opts.MaxRecordingBytes,
		sseKeepalive:      opts.SSEKeepalive,
		sseRetry:          opts.SSERetry,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorBody is the rendered form of a session error.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Fail writes err as a named condition with its matching status code.
func Fail(w http.ResponseWriter, err error) {
	condition := session.Condition(err)
	JSON(w, statusFor(condition, err), errorBody{Error: condition, Message: err.Error()})
}

func statusFor(condition string, err error) int {
	switch condition {
	case "capability_denied":
		return http.StatusForbidden
	case "capability_unsupported", "capability_revoked", "playback_unavailable", "onboarding_required":
		return http.StatusConflict
	case "owner_required", "invalid_name":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	}
	if errors.Is(err, session.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// warning names a non-fatal failure: the operation took effect in memory but
// could not be flushed.
func warning(err error) string {
	if err == nil {
		return ""
	}
	return session.Condition(err)
}
