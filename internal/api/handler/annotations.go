package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/api/response"
	"github.com/kiranshivaraju/amrhunter/internal/ingest"
	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
	"github.com/kiranshivaraju/amrhunter/pkg/query"
)

// maxUploadBytes bounds an annotation upload.
const maxUploadBytes = 64 << 20

// AnnotationReader is implemented by *store.AnnotationDAO.
type AnnotationReader interface {
	GetAll(ctx context.Context, filter store.AnnotationFilter) ([]*models.Annotation, error)
	GetByJobID(ctx context.Context, jobID string) ([]*models.Annotation, error)
	GetByFeatureType(ctx context.Context, jobID, featureType string) ([]*models.Annotation, error)
	GetByFeatureID(ctx context.Context, jobID, featureID string) (*models.Annotation, error)
	GetFeatureTypes(ctx context.Context, jobID string) ([]string, error)
	GetContigs(ctx context.Context, jobID string) ([]string, error)
	GetInRange(ctx context.Context, jobID, contig string, start, end int64) ([]*models.Annotation, error)
}

// Ingester is implemented by *ingest.Ingester.
type Ingester interface {
	Ingest(ctx context.Context, jobID, format string, r io.Reader, file ingest.ResultFile) (*ingest.Report, error)
}

// AnnotationHandler serves /api/v1/jobs/{jobID}/annotations and the
// vocabulary endpoints.
type AnnotationHandler struct {
	annotations AnnotationReader
	ingester    Ingester
	log         *zap.Logger
}

func NewAnnotationHandler(annotations AnnotationReader, ingester Ingester, log *zap.Logger) *AnnotationHandler {
	return &AnnotationHandler{annotations: annotations, ingester: ingester, log: logging.OrNop(log)}
}

// List handles GET /api/v1/jobs/{jobID}/annotations.
//
// Without parameters it returns every annotation of the job. feature_type,
// or contig with start and end, select the cached type and range reads.
// where=field:op:value (repeatable, ANDed) and or=field:op:value
// (repeatable, one OR group) run a structured query instead, together with
// limit and offset.
func (h *AnnotationHandler) List(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	q := r.URL.Query()

	if len(q["where"]) > 0 || len(q["or"]) > 0 {
		h.query(w, r, jobID)
		return
	}

	var (
		anns []*models.Annotation
		err  error
	)
	switch {
	case q.Get("contig") != "" || q.Get("start") != "" || q.Get("end") != "":
		start, errStart := strconv.ParseInt(q.Get("start"), 10, 64)
		end, errEnd := strconv.ParseInt(q.Get("end"), 10, 64)
		if q.Get("contig") == "" || errStart != nil || errEnd != nil {
			badRequest(w, "contig, start and end must be given together; start and end must be integers")
			return
		}
		anns, err = h.annotations.GetInRange(r.Context(), jobID, q.Get("contig"), start, end)
	case q.Get("feature_type") != "":
		anns, err = h.annotations.GetByFeatureType(r.Context(), jobID, q.Get("feature_type"))
	default:
		anns, err = h.annotations.GetByJobID(r.Context(), jobID)
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, anns)
}

func (h *AnnotationHandler) query(w http.ResponseWriter, r *http.Request, jobID string) {
	q := r.URL.Query()
	b := query.New()
	for _, expr := range q["where"] {
		c, err := query.Parse(expr)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		b.Where(c.Field, c.Operator, c.Value)
	}
	var or []query.Condition
	for _, expr := range q["or"] {
		c, err := query.Parse(expr)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		or = append(or, c)
	}
	if len(or) > 0 {
		b.Or(or...)
	}
	if err := b.Err(); err != nil {
		badRequest(w, err.Error())
		return
	}

	limit, ok := intParam(r, "limit", defaultPageLimit)
	if !ok || limit == 0 || limit > maxPageLimit {
		badRequest(w, "limit must be between 1 and 500")
		return
	}
	offset, ok := intParam(r, "offset", 0)
	if !ok {
		badRequest(w, "offset must be a non-negative integer")
		return
	}

	anns, err := h.annotations.GetAll(r.Context(), store.AnnotationFilter{
		JobID:  jobID,
		Query:  b,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.Collection(w, anns, response.PaginationMeta{
		Limit:   limit,
		Offset:  offset,
		Count:   len(anns),
		HasNext: len(anns) == limit,
	})
}

// GetFeature handles GET /api/v1/jobs/{jobID}/annotations/{featureID}.
func (h *AnnotationHandler) GetFeature(w http.ResponseWriter, r *http.Request) {
	ann, err := h.annotations.GetByFeatureID(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "featureID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if ann == nil {
		notFound(w, "Feature")
		return
	}
	response.JSON(w, ann)
}

// FeatureTypes handles GET /api/v1/jobs/{jobID}/feature-types.
func (h *AnnotationHandler) FeatureTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.annotations.GetFeatureTypes(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, types)
}

// Contigs handles GET /api/v1/jobs/{jobID}/contigs.
func (h *AnnotationHandler) Contigs(w http.ResponseWriter, r *http.Request) {
	contigs, err := h.annotations.GetContigs(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, contigs)
}

// Ingest handles POST /api/v1/jobs/{jobID}/annotations?format=tsv|json.
// The request body is the Bakta output. file_path and download_url record
// where the file came from.
func (h *AnnotationHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	report, err := h.ingester.Ingest(r.Context(), chi.URLParam(r, "jobID"), q.Get("format"), body, ingest.ResultFile{
		FilePath:    q.Get("file_path"),
		DownloadURL: q.Get("download_url"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if !report.Batch.Success {
		response.MultiStatus(w, report)
		return
	}
	response.Created(w, report)
}

// Export handles GET /api/v1/jobs/{jobID}/annotations/export.
func (h *AnnotationHandler) Export(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	anns, err := h.annotations.GetByJobID(r.Context(), jobID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "text/tab-separated-values")
	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`_annotations.tsv"`)
	if err := ingest.ExportTSV(w, anns); err != nil {
		h.log.Error("annotation export failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
