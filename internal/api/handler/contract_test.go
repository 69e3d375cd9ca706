package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/amrhunter/internal/api"
	"github.com/kiranshivaraju/amrhunter/internal/api/handler"
	mw "github.com/kiranshivaraju/amrhunter/internal/api/middleware"
	"github.com/kiranshivaraju/amrhunter/internal/batch"
	"github.com/kiranshivaraju/amrhunter/internal/cache"
	"github.com/kiranshivaraju/amrhunter/internal/ingest"
	"github.com/kiranshivaraju/amrhunter/internal/lifecycle"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
	"github.com/kiranshivaraju/amrhunter/pkg/query"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	adminRawKey = "amr_admin_contract_key_1234567890"
	readRawKey  = "amr_read__contract_key_1234567890"
)

func keyFor(t *testing.T, raw string, scopes ...string) *models.APIKey {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      "key-" + raw[:mw.KeyPrefixLen],
		KeyHash:   string(h),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}
}

// ─── mock job store ──────────────────────────────────────────────────────────

type mockJobs struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	history map[string][]*models.StatusHistory
	getErr  error
}

func newMockJobs() *mockJobs {
	return &mockJobs{jobs: map[string]*models.Job{}, history: map[string][]*models.StatusHistory{}}
}

func (m *mockJobs) GetByID(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobs) Save(_ context.Context, job *models.Job) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if _, ok := m.jobs[cp.ID]; ok {
		return nil, &store.DAOError{Op: "jobs.Save", Err: store.ErrDuplicateKey}
	}
	cp.CreatedAt = time.Now()
	m.jobs[cp.ID] = &cp
	m.history[cp.ID] = []*models.StatusHistory{{JobID: cp.ID, Status: cp.Status}}
	out := cp
	return &out, nil
}

func (m *mockJobs) ApplyStatusChange(_ context.Context, c store.StatusChange) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[c.JobID]
	if j.Status != c.From {
		return nil, &store.DAOError{Op: "jobs.ApplyStatusChange", Err: store.ErrStatusConflict}
	}
	j.Status = c.To
	if c.ResultFile != nil {
		j.ResultFile = c.ResultFile
	}
	if c.ErrorMessage != nil {
		j.ErrorMessage = c.ErrorMessage
	}
	if c.Progress != nil {
		j.Progress = *c.Progress
	}
	m.history[c.JobID] = append(m.history[c.JobID], &models.StatusHistory{JobID: c.JobID, Status: c.To, Message: c.Message})
	cp := *j
	return &cp, nil
}

func (m *mockJobs) UpdateProgress(_ context.Context, id string, progress float64) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, &store.DAOError{Op: "jobs.UpdateProgress", Err: store.ErrNotFound}
	}
	if j.Status != models.JobStatusRunning {
		return nil, &store.DAOError{Op: "jobs.UpdateProgress", Err: store.ErrNotRunning}
	}
	if progress < j.Progress {
		return nil, &store.DAOError{Op: "jobs.UpdateProgress", Err: store.ErrProgressRegression}
	}
	j.Progress = progress
	cp := *j
	return &cp, nil
}

func (m *mockJobs) GetJobStatusHistory(_ context.Context, id string) ([]*models.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[id], nil
}

func (m *mockJobs) GetAll(_ context.Context, f store.JobFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *mockJobs) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	delete(m.jobs, id)
	return ok, nil
}

func (m *mockJobs) SetParameter(_ context.Context, jobID, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return &store.DAOError{Op: "jobs.SetParameter", Err: store.ErrNotFound}
	}
	if j.Parameters == nil {
		j.Parameters = map[string]string{}
	}
	j.Parameters[name] = value
	return nil
}

func (m *mockJobs) CountByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.JobStatus]int{}
	for _, s := range models.AllJobStatuses {
		counts[s] = 0
	}
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// ─── mock annotation and file stores ─────────────────────────────────────────

type mockAnnotations struct {
	mu   sync.Mutex
	anns []*models.Annotation
}

func (m *mockAnnotations) byJob(jobID string) []*models.Annotation {
	out := []*models.Annotation{}
	for _, a := range m.anns {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

func (m *mockAnnotations) GetAll(_ context.Context, f store.AnnotationFilter) ([]*models.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return query.Filter(f.Query, m.byJob(f.JobID))
}

func (m *mockAnnotations) GetByJobID(_ context.Context, jobID string) ([]*models.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byJob(jobID), nil
}

func (m *mockAnnotations) GetByFeatureType(_ context.Context, jobID, ft string) ([]*models.Annotation, error) {
	return m.GetAll(context.Background(), store.AnnotationFilter{JobID: jobID, Query: query.New().Where("feature_type", query.Equals, ft)})
}

func (m *mockAnnotations) GetByFeatureID(_ context.Context, jobID, fid string) (*models.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byJob(jobID) {
		if a.FeatureID == fid {
			return a, nil
		}
	}
	return nil, nil
}

func (m *mockAnnotations) distinct(jobID string, pick func(*models.Annotation) string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	out := []string{}
	for _, a := range m.byJob(jobID) {
		if v := pick(a); !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func (m *mockAnnotations) GetFeatureTypes(_ context.Context, jobID string) ([]string, error) {
	return m.distinct(jobID, func(a *models.Annotation) string { return a.FeatureType }), nil
}

func (m *mockAnnotations) GetContigs(_ context.Context, jobID string) ([]string, error) {
	return m.distinct(jobID, func(a *models.Annotation) string { return a.Contig }), nil
}

func (m *mockAnnotations) GetInRange(_ context.Context, jobID, contig string, start, end int64) ([]*models.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Annotation{}
	for _, a := range m.byJob(jobID) {
		if a.Contig == contig && a.Overlaps(start, end) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAnnotations) ReplaceForJob(_ context.Context, jobID string, anns []*models.Annotation) ([]*models.Annotation, batch.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.anns[:0]
	for _, a := range m.anns {
		if a.JobID != jobID {
			kept = append(kept, a)
		}
	}
	m.anns = append(kept, anns...)
	return anns, batch.Result{Success: true, Processed: len(anns), Batches: 1}, nil
}

type mockFiles struct {
	mu    sync.Mutex
	files []*models.ResultFile
}

func (m *mockFiles) Save(_ context.Context, f *models.ResultFile) (*models.ResultFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append(m.files, f)
	return f, nil
}

func (m *mockFiles) GetByJobID(_ context.Context, jobID string) ([]*models.ResultFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.ResultFile{}
	for _, f := range m.files {
		if f.JobID == jobID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockFiles) GetByFileType(_ context.Context, jobID, ft string) (*models.ResultFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.JobID == jobID && f.FileType == ft {
			return f, nil
		}
	}
	return nil, nil
}

// ─── mock key store ──────────────────────────────────────────────────────────

type mockKeys struct {
	mu   sync.Mutex
	keys []*models.APIKey
}

func (m *mockKeys) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *mockKeys) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (m *mockKeys) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockKeys) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.APIKey(nil), m.keys...), nil
}

func (m *mockKeys) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range m.keys {
		if k.ID == id {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			return nil
		}
	}
	return &store.DAOError{Op: "api_keys.RevokeAPIKey", Err: store.ErrNotFound}
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	t      *testing.T
	router http.Handler
	jobs   *mockJobs
	anns   *mockAnnotations
	files  *mockFiles
	keys   *mockKeys
	cache  *cache.MemoryCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	h := &harness{
		t:     t,
		jobs:  newMockJobs(),
		anns:  &mockAnnotations{},
		files: &mockFiles{},
		keys:  &mockKeys{},
		cache: cache.NewMemoryCache(time.Minute),
	}
	t.Cleanup(func() { _ = h.cache.Close() })
	h.keys.keys = []*models.APIKey{
		keyFor(t, adminRawKey, store.ScopeRead, store.ScopeWrite, store.ScopeAdmin),
		keyFor(t, readRawKey, store.ScopeRead),
	}

	manager := lifecycle.NewManager(h.jobs, log)
	jobs := handler.NewJobHandler(manager, h.jobs, log)
	anns := handler.NewAnnotationHandler(h.anns, ingest.NewIngester(h.anns, h.files, log), log)
	files := handler.NewFileHandler(h.files, log)
	admin := handler.NewAdminHandler(h.keys, h.cache, log)

	h.router = api.NewRouter(api.Dependencies{
		Logger:    log,
		Auth:      mw.NewAuth(h.keys, log),
		RateLimit: mw.NewRateLimit(h.cache, 1000),

		CreateJob:      jobs.Create,
		ListJobs:       jobs.List,
		GetJob:         jobs.Get,
		DeleteJob:      jobs.Delete,
		TransitionJob:  jobs.Transition,
		UpdateProgress: jobs.Progress,
		JobHistory:     jobs.History,
		SetParameter:   jobs.SetParameter,
		RetryJob:       jobs.Retry,
		Stats:          jobs.Stats,

		ListAnnotations:   anns.List,
		GetAnnotation:     anns.GetFeature,
		IngestAnnotations: anns.Ingest,
		ExportAnnotations: anns.Export,
		FeatureTypes:      anns.FeatureTypes,
		Contigs:           anns.Contigs,

		ListFiles: files.List,
		GetFile:   files.Get,

		CreateKeyHandler: admin.CreateKey,
		ListKeysHandler:  admin.ListKeys,
		RevokeKeyHandler: admin.RevokeKey,
		ClearCache:       admin.ClearCache,
	})
	return h
}

func (h *harness) do(method, path, key string, body io.Reader) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) doJSON(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(b)
	}
	return h.do(method, path, adminRawKey, r)
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body["data"].(map[string]any)
}

func list(t *testing.T, w *httptest.ResponseRecorder) []any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body["data"].([]any)
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body["error"].(map[string]any)["code"].(string)
}

const baktaTSV = "#Sequence Id\tType\tStart\tStop\tStrand\tLocus Tag\tGene\tProduct\tDbXrefs\n" +
	"contig_1\tcds\t100\t200\t+\tABC_0001\tblaTEM-1\tclass A beta-lactamase TEM-1\t\n" +
	"contig_1\tcds\t150\t250\t-\tABC_0002\ttetA\ttetracycline efflux MFS transporter TetA\t\n" +
	"contig_2\ttRNA\t300\t400\t+\tABC_0003\t\ttRNA-Ala\t\n"

// ─── job contract ────────────────────────────────────────────────────────────

func TestContract_JobLifecycle(t *testing.T) {
	h := newHarness(t)

	w := h.doJSON("POST", "/api/v1/jobs", map[string]any{"id": "job-001", "parameters": map[string]string{"model": "esm2"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := data(t, w)
	assert.Equal(t, "Submitted", job["status"])
	assert.ElementsMatch(t, []any{"Running", "Cancelled"}, job["next_statuses"])

	w = h.doJSON("POST", "/api/v1/jobs/job-001/transitions", map[string]any{"status": "Running"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.doJSON("POST", "/api/v1/jobs/job-001/progress", map[string]any{"progress": 45})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(45), data(t, w)["progress"])

	w = h.doJSON("POST", "/api/v1/jobs/job-001/progress", map[string]any{"progress": 10})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "PROGRESS_REGRESSION", errCode(t, w))

	w = h.doJSON("POST", "/api/v1/jobs/job-001/progress", map[string]any{"progress": 140})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.doJSON("POST", "/api/v1/jobs/job-001/transitions", map[string]any{"status": "Completed", "result_file": "out.tsv"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	job = data(t, w)
	assert.Equal(t, "Completed", job["status"])
	assert.Equal(t, float64(100), job["progress"])
	assert.Equal(t, "out.tsv", job["result_file"])

	w = h.doJSON("GET", "/api/v1/jobs/job-001/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, list(t, w), 3)
}

func TestContract_InvalidTransition(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.doJSON("POST", "/api/v1/jobs", map[string]any{"id": "job-002"}).Code)

	w := h.doJSON("POST", "/api/v1/jobs/job-002/transitions", map[string]any{"status": "Completed"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errCode(t, w))

	w = h.doJSON("POST", "/api/v1/jobs/job-002/transitions", map[string]any{"status": "Bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.doJSON("POST", "/api/v1/jobs/job-002/progress", map[string]any{"progress": 5})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "JOB_NOT_RUNNING", errCode(t, w))
}

func TestContract_JobNotFound(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/v1/jobs/missing"},
		{"GET", "/api/v1/jobs/missing/history"},
		{"DELETE", "/api/v1/jobs/missing"},
	} {
		w := h.doJSON(tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
		assert.Equal(t, "RESOURCE_NOT_FOUND", errCode(t, w))
	}
	w := h.doJSON("POST", "/api/v1/jobs/missing/transitions", map[string]any{"status": "Running"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContract_StorageUnavailable(t *testing.T) {
	h := newHarness(t)
	h.jobs.getErr = &store.DAOError{Op: "jobs.GetByID", Err: &store.ConnectionError{Kind: store.ErrPoolExhausted}}

	w := h.doJSON("GET", "/api/v1/jobs/job-001", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STORAGE_UNAVAILABLE", errCode(t, w))
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestContract_ListAndStats(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		require.Equal(t, http.StatusCreated, h.doJSON("POST", "/api/v1/jobs", map[string]any{"id": id}).Code)
	}
	require.Equal(t, http.StatusOK, h.doJSON("POST", "/api/v1/jobs/job-b/transitions", map[string]any{"status": "Running"}).Code)

	w := h.doJSON("GET", "/api/v1/jobs?status=running", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := list(t, w)
	require.Len(t, items, 1)
	assert.Equal(t, "job-b", items[0].(map[string]any)["id"])

	w = h.doJSON("GET", "/api/v1/jobs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.doJSON("GET", "/api/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	counts := data(t, w)["jobs_by_status"].(map[string]any)
	assert.Equal(t, float64(2), counts["Submitted"])
	assert.Equal(t, float64(1), counts["Running"])
	assert.Equal(t, float64(0), counts["Archived"])
}

func TestContract_ParametersAndRetry(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.doJSON("POST", "/api/v1/jobs", map[string]any{"id": "job-r"}).Code)

	w := h.doJSON("PUT", "/api/v1/jobs/job-r/parameters/genome", map[string]any{"value": "g.fasta"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.doJSON("POST", "/api/v1/jobs/job-r/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_RETRYABLE", errCode(t, w))

	require.Equal(t, http.StatusOK, h.doJSON("POST", "/api/v1/jobs/job-r/transitions", map[string]any{"status": "Running"}).Code)
	require.Equal(t, http.StatusOK, h.doJSON("POST", "/api/v1/jobs/job-r/transitions", map[string]any{"status": "Error", "error_message": "oom"}).Code)

	w = h.doJSON("POST", "/api/v1/jobs/job-r/retry", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	retry := data(t, w)
	params := retry["parameters"].(map[string]any)
	assert.Equal(t, "g.fasta", params["genome"])
	assert.Equal(t, "job-r", params[lifecycle.ParamRetryOf])
	assert.Equal(t, "2", params[lifecycle.ParamAttempt])
}

// ─── annotation contract ─────────────────────────────────────────────────────

func TestContract_Annotations(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.doJSON("POST", "/api/v1/jobs", map[string]any{"id": "job-001"}).Code)

	w := h.do("POST", "/api/v1/jobs/job-001/annotations?format=tsv&file_path=/data/out.tsv", adminRawKey, strings.NewReader(baktaTSV))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	report := data(t, w)
	assert.Equal(t, float64(3), report["parsed"])
	assert.Equal(t, float64(3), report["saved"])

	w = h.do("GET", "/api/v1/jobs/job-001/annotations", readRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, list(t, w), 3)

	w = h.do("GET", "/api/v1/jobs/job-001/annotations?feature_type=cds", readRawKey, nil)
	assert.Len(t, list(t, w), 2)

	w = h.do("GET", "/api/v1/jobs/job-001/annotations?contig=contig_1&start=180&end=220", readRawKey, nil)
	assert.Len(t, list(t, w), 2)

	w = h.do("GET", "/api/v1/jobs/job-001/annotations?contig=contig_1&start=x&end=220", readRawKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do("GET", "/api/v1/jobs/job-001/annotations?where=contig:eq:contig_1&or=strand:eq:-&or=gene:eq:none", readRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	items := list(t, w)
	require.Len(t, items, 1)
	assert.Equal(t, "ABC_0002", items[0].(map[string]any)["feature_id"])

	w = h.do("GET", "/api/v1/jobs/job-001/annotations?where=contig:like:x", readRawKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do("GET", "/api/v1/jobs/job-001/annotations/ABC_0003", readRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tRNA", data(t, w)["feature_type"])

	w = h.do("GET", "/api/v1/jobs/job-001/annotations/NOPE", readRawKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do("GET", "/api/v1/jobs/job-001/feature-types", readRawKey, nil)
	assert.Equal(t, []any{"cds", "tRNA"}, list(t, w))

	w = h.do("GET", "/api/v1/jobs/job-001/contigs", readRawKey, nil)
	assert.Equal(t, []any{"contig_1", "contig_2"}, list(t, w))

	w = h.do("GET", "/api/v1/jobs/job-001/annotations/export", readRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/tab-separated-values", w.Header().Get("Content-Type"))
	assert.Len(t, strings.Split(strings.TrimSpace(w.Body.String()), "\n"), 4)

	w = h.do("GET", "/api/v1/jobs/job-001/files/tsv", readRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/data/out.tsv", data(t, w)["file_path"])

	w = h.do("GET", "/api/v1/jobs/job-001/files/gff3", readRawKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do("GET", "/api/v1/jobs/job-001/files", readRawKey, nil)
	assert.Len(t, list(t, w), 1)
}

func TestContract_IngestRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	w := h.do("POST", "/api/v1/jobs/job-001/annotations?format=gff3", adminRawKey, strings.NewReader(""))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do("POST", "/api/v1/jobs/job-001/annotations?format=json", adminRawKey, strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, w))
}

// ─── auth and admin contract ─────────────────────────────────────────────────

func TestContract_Scopes(t *testing.T) {
	h := newHarness(t)

	w := h.do("POST", "/api/v1/jobs", readRawKey, strings.NewReader(`{"id":"x"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do("GET", "/api/v1/admin/keys", readRawKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do("GET", "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestContract_AdminKeys(t *testing.T) {
	h := newHarness(t)

	w := h.doJSON("POST", "/api/v1/admin/keys", map[string]any{"name": "worker", "scopes": []string{"read", "write"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := data(t, w)
	raw := created["key"].(string)
	assert.True(t, strings.HasPrefix(raw, store.APIKeyPrefix))
	_, leaked := created["key_hash"]
	assert.False(t, leaked)

	w = h.do("GET", "/api/v1/jobs", raw, nil)
	assert.Equal(t, http.StatusOK, w.Code, "new key authenticates")

	w = h.doJSON("POST", "/api/v1/admin/keys", map[string]any{"name": "bad", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.doJSON("GET", "/api/v1/admin/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, list(t, w), 3)

	w = h.doJSON("DELETE", "/api/v1/admin/keys/"+created["id"].(string), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.doJSON("DELETE", "/api/v1/admin/keys/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.doJSON("DELETE", "/api/v1/admin/keys/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContract_ClearCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cache.Set(context.Background(), "ann:job-001:all", []byte("[]"), time.Minute))

	w := h.doJSON("POST", "/api/v1/admin/cache/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(t, w)["cleared"])

	_, found, err := h.cache.Get(context.Background(), "ann:job-001:all")
	require.NoError(t, err)
	assert.False(t, found)
}
