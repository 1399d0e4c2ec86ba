// Package httputil provides common HTTP utilities for the command-surface handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/csaworkbench/engine/infrastructure/logging"
)

// ErrorResponse represents the error half of the discriminated command-surface envelope.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var defaultLogger = logging.NewFromEnv("httputil")

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		defaultLogger.WithError(err).Warn("write json response")
	}
}

func traceIDFromRequestOrResponse(w http.ResponseWriter, r *http.Request) string {
	if r != nil {
		if traceID := logging.GetTraceID(r.Context()); traceID != "" {
			return traceID
		}
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			return traceID
		}
	}
	return w.Header().Get("X-Trace-ID")
}

// WriteErrorResponse writes the error half of the command-surface envelope: `{"err": {...}}`.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}

	traceID := traceIDFromRequestOrResponse(w, r)
	if traceID != "" && w.Header().Get("X-Trace-ID") == "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	WriteJSON(w, status, map[string]interface{}{
		"err": ErrorResponse{
			Code:    code,
			Message: message,
			Details: details,
			TraceID: traceID,
		},
	})
}

// WriteOK writes the success half of the command-surface envelope: `{"ok": payload}`.
func WriteOK(w http.ResponseWriter, status int, payload interface{}) {
	WriteJSON(w, status, map[string]interface{}{"ok": payload})
}
