package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/amrhunter/internal/api"
	mw "github.com/kiranshivaraju/amrhunter/internal/api/middleware"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

const readKey = "amr_readonly_router_test_key"

// --- stub key store: knows one read-only key ---

type stubKeys struct {
	key *models.APIKey
}

func newStubKeys(t *testing.T) *stubKeys {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(readKey), bcrypt.MinCost)
	require.NoError(t, err)
	return &stubKeys{key: &models.APIKey{
		ID:        uuid.New(),
		Name:      "reader",
		KeyHash:   string(h),
		KeyPrefix: readKey[:mw.KeyPrefixLen],
		Scopes:    []string{store.ScopeRead},
	}}
}

func (s *stubKeys) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	if prefix == s.key.KeyPrefix {
		return []*models.APIKey{s.key}, nil
	}
	return nil, nil
}

func (s *stubKeys) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- stub counter ---

type stubCounter struct{}

func (stubCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- router tests ---

func newTestRouter(t *testing.T) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(newStubKeys(t), nil),
		RateLimit: mw.NewRateLimit(stubCounter{}, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		},
		ListJobs: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
}

func serve(router http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	w := serve(newTestRouter(t), "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/jobs"},
		{"POST", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/job-001"},
		{"POST", "/api/v1/jobs/job-001/transitions"},
		{"GET", "/api/v1/jobs/job-001/annotations"},
		{"POST", "/api/v1/jobs/job-001/annotations"},
		{"GET", "/api/v1/jobs/job-001/files/tsv"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/stats"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := serve(router, ep.method, ep.path, "")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "INVALID_TOKEN", errorCode(t, w))
		})
	}
}

func TestRouter_UnknownKeyRejected(t *testing.T) {
	w := serve(newTestRouter(t), "GET", "/api/v1/jobs", "amr_unknown_key_value")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_ReadKey(t *testing.T) {
	router := newTestRouter(t)

	w := serve(router, "GET", "/api/v1/jobs", readKey)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(router, "GET", "/api/v1/jobs/job-001/contigs", readKey)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "NOT_IMPLEMENTED", errorCode(t, w))
}

func TestRouter_WriteAndAdminScopes(t *testing.T) {
	router := newTestRouter(t)

	for _, ep := range []struct{ method, path string }{
		{"POST", "/api/v1/jobs"},
		{"DELETE", "/api/v1/jobs/job-001"},
		{"POST", "/api/v1/jobs/job-001/progress"},
		{"PUT", "/api/v1/jobs/job-001/parameters/genome"},
		{"POST", "/api/v1/jobs/job-001/retry"},
		{"POST", "/api/v1/jobs/job-001/annotations"},
		{"GET", "/api/v1/admin/keys"},
		{"POST", "/api/v1/admin/cache/clear"},
	} {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := serve(router, ep.method, ep.path, readKey)
			assert.Equal(t, http.StatusForbidden, w.Code)
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	w := serve(newTestRouter(t), "GET", "/api/v1/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
