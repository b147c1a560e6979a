package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/flowpbx/vmstore/internal/voicemail"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 64 << 10

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// readJSON decodes exactly one JSON object from the request body into dst,
// rejecting unknown fields.
func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single json object")
	}
	return nil
}

// statusOf maps a mailbox operation error onto an HTTP status and a
// client-facing message.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, voicemail.ErrMailboxNotFound):
		return http.StatusNotFound, "mailbox not found"
	case errors.Is(err, voicemail.ErrMessageNotFound):
		return http.StatusNotFound, "message not found"
	case errors.Is(err, voicemail.ErrCapacityExceeded):
		return http.StatusInsufficientStorage, "mailbox full"
	case errors.Is(err, voicemail.ErrLockTimeout):
		return http.StatusServiceUnavailable, "mailbox busy, retry later"
	case errors.Is(err, voicemail.ErrBackendUnavailable):
		return http.StatusBadGateway, "storage backend unavailable"
	case errors.Is(err, voicemail.ErrAuthFailed):
		return http.StatusUnauthorized, "authentication failed"
	case errors.Is(err, voicemail.ErrSessionState):
		return http.StatusConflict, "invalid session state"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
