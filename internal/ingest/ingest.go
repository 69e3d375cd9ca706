package ingest

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/batch"
	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// Input formats.
const (
	FormatTSV  = "tsv"
	FormatJSON = "json"
)

// ErrUnknownFormat is returned for a format other than tsv or json.
var ErrUnknownFormat = errors.New("unknown annotation format")

// AnnotationStore is the annotation persistence used by the Ingester.
// *store.AnnotationDAO implements it.
type AnnotationStore interface {
	ReplaceForJob(ctx context.Context, jobID string, anns []*models.Annotation) ([]*models.Annotation, batch.Result, error)
}

// ResultFileStore is implemented by *store.ResultFileDAO.
type ResultFileStore interface {
	Save(ctx context.Context, f *models.ResultFile) (*models.ResultFile, error)
}

// ResultFile describes where the ingested file lives. An empty FilePath
// skips recording it.
type ResultFile struct {
	FilePath    string
	DownloadURL string
}

// Report summarizes one ingestion.
type Report struct {
	JobID      string             `json:"job_id"`
	Format     string             `json:"format"`
	Parsed     int                `json:"parsed"`
	Saved      int                `json:"saved"`
	Batch      batch.Result       `json:"batch"`
	ResultFile *models.ResultFile `json:"result_file,omitempty"`
}

// Ingester parses annotation outputs and stores them for a job.
type Ingester struct {
	annotations AnnotationStore
	files       ResultFileStore
	log         *zap.Logger
}

func NewIngester(annotations AnnotationStore, files ResultFileStore, log *zap.Logger) *Ingester {
	return &Ingester{annotations: annotations, files: files, log: logging.OrNop(log)}
}

// Parse dispatches on format.
func Parse(format string, r io.Reader, jobID string) ([]*models.Annotation, error) {
	switch strings.ToLower(format) {
	case FormatTSV, "":
		return ParseBaktaTSV(r, jobID)
	case FormatJSON:
		return ParseBaktaJSON(r, jobID)
	}
	return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
}

// Ingest replaces the job's annotations with the ones parsed from r and
// records the source file. Chunks that fail to save are reported in
// Report.Batch; the error return is reserved for parse and storage failures.
func (in *Ingester) Ingest(ctx context.Context, jobID, format string, r io.Reader, file ResultFile) (*Report, error) {
	anns, err := Parse(format, r, jobID)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatTSV
	}

	saved, res, err := in.annotations.ReplaceForJob(ctx, jobID, anns)
	if err != nil {
		return nil, err
	}
	report := &Report{JobID: jobID, Format: format, Parsed: len(anns), Saved: len(saved), Batch: res}

	if file.FilePath != "" && in.files != nil {
		rf := &models.ResultFile{
			JobID:        jobID,
			FileType:     strings.ToLower(format),
			FilePath:     file.FilePath,
			DownloadedAt: time.Now().UTC(),
		}
		if file.DownloadURL != "" {
			rf.DownloadURL = &file.DownloadURL
		}
		stored, err := in.files.Save(ctx, rf)
		if err != nil {
			return nil, err
		}
		report.ResultFile = stored
	}

	in.log.Info("annotations ingested",
		zap.String("job_id", jobID),
		zap.String("format", format),
		zap.Int("parsed", report.Parsed),
		zap.Int("saved", report.Saved),
		zap.Int("failed_batches", res.Failed))
	return report, nil
}
