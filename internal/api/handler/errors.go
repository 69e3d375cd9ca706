// Package handler implements the REST endpoints over jobs, annotations,
// result files and API keys.
package handler

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/api/response"
	"github.com/kiranshivaraju/amrhunter/internal/ingest"
	"github.com/kiranshivaraju/amrhunter/internal/lifecycle"
	"github.com/kiranshivaraju/amrhunter/internal/store"
)

// errorMapping is checked in order; the first sentinel err matches decides
// the response.
var errorMapping = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{lifecycle.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION", "Job cannot move to the requested status"},
	{store.ErrStatusConflict, http.StatusConflict, "STATUS_CONFLICT", "Job status changed concurrently"},
	{lifecycle.ErrNotRunning, http.StatusConflict, "JOB_NOT_RUNNING", "Progress can only be reported for running jobs"},
	{lifecycle.ErrProgressRegression, http.StatusConflict, "PROGRESS_REGRESSION", "Progress cannot decrease"},
	{lifecycle.ErrNotRetryable, http.StatusConflict, "NOT_RETRYABLE", "Job is not eligible for retry"},
	{store.ErrDuplicateKey, http.StatusConflict, "DUPLICATE", "Resource already exists"},
	{store.ErrUnsupported, http.StatusMethodNotAllowed, "UNSUPPORTED_OPERATION", "Operation not supported"},
	{store.ErrConnection, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage is unavailable"},
	{lifecycle.ErrJobNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found"},
	{store.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"},
	{lifecycle.ErrInvalidProgress, http.StatusBadRequest, "VALIDATION_ERROR", "Progress must be between 0 and 100"},
	{store.ErrInvalidRecord, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid record"},
	{ingest.ErrMalformed, http.StatusBadRequest, "VALIDATION_ERROR", "Malformed annotation input"},
	{ingest.ErrUnknownFormat, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown annotation format"},
}

// writeError maps a service error onto the JSON error envelope.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			details := map[string]string{"error": err.Error()}
			if m.status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "5")
				details = nil
			}
			response.Error(w, m.status, m.code, m.message, details)
			return
		}
	}
	log.Error("request failed", zap.Error(err))
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

func badRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

func notFound(w http.ResponseWriter, what string) {
	response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", what+" not found", nil)
}

// intParam reads a non-negative integer query parameter, falling back to def
// when it is absent.
func intParam(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
