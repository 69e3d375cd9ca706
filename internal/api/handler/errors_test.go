package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/ingest"
	"github.com/kiranshivaraju/amrhunter/internal/lifecycle"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid transition", &lifecycle.InvalidTransitionError{JobID: "j", From: models.JobStatusSubmitted, To: models.JobStatusCompleted}, http.StatusConflict, "INVALID_TRANSITION"},
		{"status conflict", &store.DAOError{Op: "jobs.ApplyStatusChange", Err: store.ErrStatusConflict}, http.StatusConflict, "STATUS_CONFLICT"},
		{"duplicate", &store.DAOError{Op: "jobs.Save", Err: store.ErrDuplicateKey}, http.StatusConflict, "DUPLICATE"},
		{"unsupported", &store.DAOError{Op: "annotations.Update", Err: &store.UnsupportedOperationError{Entity: "annotations", Operation: "Update"}}, http.StatusMethodNotAllowed, "UNSUPPORTED_OPERATION"},
		{"unavailable", &store.ConnectionError{Kind: store.ErrStorageUnavailable}, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
		{"job not found", errors.Wrap(lifecycle.ErrJobNotFound, "job x"), http.StatusNotFound, "RESOURCE_NOT_FOUND"},
		{"invalid record", &store.DAOError{Op: "jobs.Save", Err: store.ErrInvalidRecord}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed input", errors.Wrap(ingest.ErrMalformed, "line 3"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, zap.NewNop(), tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"].(map[string]any)["code"])
		})
	}
}

func TestWriteError_HidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, zap.NewNop(), errors.New("password=hunter2"))
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestIntParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/?limit=20&offset=-1&bad=x", nil)

	n, ok := intParam(r, "limit", 50)
	assert.True(t, ok)
	assert.Equal(t, 20, n)

	n, ok = intParam(r, "missing", 50)
	assert.True(t, ok)
	assert.Equal(t, 50, n)

	_, ok = intParam(r, "offset", 0)
	assert.False(t, ok)
	_, ok = intParam(r, "bad", 0)
	assert.False(t, ok)
}
