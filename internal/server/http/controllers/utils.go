package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/calder-io/calder/internal/dispatch"
	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/group"
	"github.com/calder-io/calder/internal/namespace"
	"github.com/calder-io/calder/internal/queue"
	"github.com/calder-io/calder/internal/record"
	"github.com/calder-io/calder/internal/runtime"
	"github.com/calder-io/calder/internal/topic"
)

// Helper functions for common HTTP responses

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONStatus writes a JSON response with an explicit status code.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, topic.ErrNotFound),
		errors.Is(err, runtime.ErrNamespaceUnknown), errors.Is(err, dispatch.ErrEndpointNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrLockLost), errors.Is(err, topic.ErrLockLost),
		errors.Is(err, queue.ErrSessionLocked), errors.Is(err, topic.ErrSessionLocked),
		errors.Is(err, group.ErrPartitionHeld):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, group.ErrNotMember), errors.Is(err, group.ErrNotAssigned):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrValidationExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, dispatch.ErrBadChallenge):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrCapacityExceeded), errors.Is(err, eventlog.ErrCapacityExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, queue.ErrRecordTooLarge), errors.Is(err, topic.ErrRecordTooLarge),
		errors.Is(err, queue.ErrHeadersTooLarge), errors.Is(err, topic.ErrHeadersTooLarge),
		errors.Is(err, queue.ErrSessionRequired), errors.Is(err, record.ErrInvalidName),
		errors.Is(err, namespace.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// requirePost rejects non-POST requests and decodes the JSON body.
func requirePost(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// requireGet rejects non-GET requests.
func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// parseLimit parses a limit string, 0 for empty or invalid values.
func parseLimit(limitStr string) int {
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}

// durationMs converts a wire millisecond count into a duration.
func durationMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func parseUint32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func parseUint64(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
