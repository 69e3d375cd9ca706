package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/batch"
	"github.com/kiranshivaraju/amrhunter/internal/cache"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
	"github.com/kiranshivaraju/amrhunter/pkg/query"
)

// AnnotationOptions configures batching and read caching.
type AnnotationOptions struct {
	BatchSize     int
	JobTTL        time.Duration
	VocabularyTTL time.Duration
	RangeTTL      time.Duration
}

// DefaultAnnotationOptions returns the standard batch size and TTLs.
func DefaultAnnotationOptions() AnnotationOptions {
	return AnnotationOptions{
		BatchSize:     batch.DefaultSize,
		JobTTL:        5 * time.Minute,
		VocabularyTTL: 10 * time.Minute,
		RangeTTL:      2 * time.Minute,
	}
}

// AnnotationFilter narrows GetAll. Query is rendered to SQL; a nil Query
// matches every annotation of the job.
type AnnotationFilter struct {
	JobID  string
	Query  *query.Builder
	Limit  int
	Offset int
}

// AnnotationDAO stores annotation records. Rows are immutable: Update and
// Delete of a single row are rejected; a job's annotations are replaced as a
// whole with ReplaceForJob.
type AnnotationDAO struct {
	base
	cache cache.Cache
	opts  AnnotationOptions
}

var _ DAO[models.Annotation, int64, AnnotationFilter] = (*AnnotationDAO)(nil)

// NewAnnotationDAO builds the DAO. A nil cache disables read caching.
func NewAnnotationDAO(pool *Pool, c cache.Cache, log *zap.Logger, opts AnnotationOptions) *AnnotationDAO {
	def := DefaultAnnotationOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = def.JobTTL
	}
	if opts.VocabularyTTL <= 0 {
		opts.VocabularyTTL = def.VocabularyTTL
	}
	if opts.RangeTTL <= 0 {
		opts.RangeTTL = def.RangeTTL
	}
	return &AnnotationDAO{base: newBase(pool, log, "annotations"), cache: c, opts: opts}
}

// BatchSize is the number of rows written per transaction by SaveBatch.
func (d *AnnotationDAO) BatchSize() int {
	return d.opts.BatchSize
}

const annotationColumns = `id, job_id, feature_id, feature_type, contig, start_pos, end_pos, strand, attributes, created_at`

var copyColumns = []string{"job_id", "feature_id", "feature_type", "contig", "start_pos", "end_pos", "strand", "attributes"}

func scanAnnotation(row pgx.Row) (*models.Annotation, error) {
	var a models.Annotation
	if err := row.Scan(&a.ID, &a.JobID, &a.FeatureID, &a.FeatureType, &a.Contig,
		&a.Start, &a.End, &a.Strand, &a.Attributes, &a.CreatedAt); err != nil {
		return nil, err
	}
	if a.Attributes == nil {
		a.Attributes = map[string]string{}
	}
	return &a, nil
}

func collectAnnotations(rows pgx.Rows) ([]*models.Annotation, error) {
	defer rows.Close()
	out := []*models.Annotation{}
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *AnnotationDAO) list(ctx context.Context, sql string, args ...any) ([]*models.Annotation, error) {
	var out []*models.Annotation
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = collectAnnotations(rows)
		return err
	})
	return out, err
}

func attributesOf(a *models.Annotation) map[string]string {
	if a.Attributes == nil {
		return map[string]string{}
	}
	return a.Attributes
}

// GetByID returns one annotation, or (nil, nil) if it does not exist.
func (d *AnnotationDAO) GetByID(ctx context.Context, id int64) (*models.Annotation, error) {
	var ann *models.Annotation
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		a, err := scanAnnotation(conn.QueryRow(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		ann = a
		return err
	})
	if err != nil {
		return nil, d.fail("GetByID", err, zap.Int64("id", id))
	}
	return ann, nil
}

// GetAll runs a structured query against the annotations table. Results are
// ordered by contig, start position and id.
func (d *AnnotationDAO) GetAll(ctx context.Context, filter AnnotationFilter) ([]*models.Annotation, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.JobID != "" {
		conditions = append(conditions, fmt.Sprintf("job_id = $%d", argIdx))
		args = append(args, filter.JobID)
		argIdx++
	}
	if !filter.Query.Empty() {
		clause, qargs, err := filter.Query.ToSQL(query.AnnotationColumns, argIdx)
		if err != nil {
			return nil, d.fail("GetAll", errors.Wrap(ErrInvalidRecord, err.Error()))
		}
		conditions = append(conditions, "("+clause+")")
		args = append(args, qargs...)
		argIdx += len(qargs)
	}

	sql := `SELECT ` + annotationColumns + ` FROM annotations`
	for i, c := range conditions {
		if i == 0 {
			sql += " WHERE " + c
		} else {
			sql += " AND " + c
		}
	}
	sql += " ORDER BY contig, start_pos, id"
	if filter.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	out, err := d.list(ctx, sql, args...)
	if err != nil {
		return nil, d.fail("GetAll", err, zap.String("job_id", filter.JobID))
	}
	return out, nil
}

// Save inserts one annotation and invalidates the cached reads of its job.
func (d *AnnotationDAO) Save(ctx context.Context, ann *models.Annotation) (*models.Annotation, error) {
	if err := ann.Validate(); err != nil {
		return nil, d.fail("Save", errors.Wrap(ErrInvalidRecord, err.Error()))
	}
	var saved *models.Annotation
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		a, err := scanAnnotation(conn.QueryRow(ctx,
			`INSERT INTO annotations (job_id, feature_id, feature_type, contig, start_pos, end_pos, strand, attributes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING `+annotationColumns,
			ann.JobID, ann.FeatureID, ann.FeatureType, ann.Contig, ann.Start, ann.End, ann.Strand, attributesOf(ann)))
		saved = a
		return err
	})
	if err != nil {
		return nil, d.fail("Save", err, zap.String("job_id", ann.JobID), zap.String("feature_id", ann.FeatureID))
	}
	d.Invalidate(ctx, ann.JobID)
	return saved, nil
}

// Update always fails: annotations are immutable once stored.
func (d *AnnotationDAO) Update(_ context.Context, _ *models.Annotation) (*models.Annotation, error) {
	return nil, d.unsupported("Update")
}

// Delete always fails: remove a job's annotations with DeleteByJobID.
func (d *AnnotationDAO) Delete(_ context.Context, _ int64) (bool, error) {
	return false, d.unsupported("Delete")
}

// SaveBatch writes annotations and returns the stored rows in input order.
//
// Up to BatchSize records are written in a single transaction: any failure
// saves nothing and is returned as a *DAOError. Larger inputs are split into
// BatchSize chunks, one transaction each. A failing chunk is reported in the
// returned batch.Result while the other chunks are still written, so the call
// as a whole is not atomic; the returned slice holds the rows of the chunks
// that succeeded.
func (d *AnnotationDAO) SaveBatch(ctx context.Context, anns []*models.Annotation) ([]*models.Annotation, batch.Result, error) {
	if len(anns) == 0 {
		return []*models.Annotation{}, batch.Result{Success: true}, nil
	}
	defer d.invalidateJobs(ctx, anns)

	if len(anns) <= d.opts.BatchSize {
		saved, err := d.insertChunk(ctx, anns)
		if err != nil {
			return nil, batch.Result{}, d.fail("SaveBatch", err, zap.Int("count", len(anns)))
		}
		return saved, batch.Result{Success: true, Processed: len(saved), Batches: 1}, nil
	}

	results := make([][]*models.Annotation, len(batch.Chunk(anns, d.opts.BatchSize)))
	res := batch.Process(ctx, anns, d.opts.BatchSize, func(ctx context.Context, index int, chunk []*models.Annotation) error {
		saved, err := d.insertChunk(ctx, chunk)
		if err != nil {
			return classify(err)
		}
		results[index] = saved
		return nil
	})

	saved := make([]*models.Annotation, 0, res.Processed)
	for _, r := range results {
		saved = append(saved, r...)
	}
	if !res.Success {
		d.log.Warn("annotation batch partially failed",
			zap.Int("batches", res.Batches),
			zap.Int("failed", res.Failed),
			zap.Int("saved", res.Processed),
			zap.Error(res.Err()))
	}
	return saved, res, nil
}

// insertChunk copies one chunk in a transaction and reads the stored rows back.
func (d *AnnotationDAO) insertChunk(ctx context.Context, chunk []*models.Annotation) ([]*models.Annotation, error) {
	rows := make([][]any, len(chunk))
	jobIDs := make([]string, len(chunk))
	featureIDs := make([]string, len(chunk))
	for i, a := range chunk {
		if err := a.Validate(); err != nil {
			return nil, errors.Wrap(ErrInvalidRecord, err.Error())
		}
		rows[i] = []any{a.JobID, a.FeatureID, a.FeatureType, a.Contig, a.Start, a.End, a.Strand, attributesOf(a)}
		jobIDs[i] = a.JobID
		featureIDs[i] = a.FeatureID
	}

	var stored []*models.Annotation
	err := d.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"annotations"}, copyColumns, pgx.CopyFromRows(rows)); err != nil {
			return err
		}
		r, err := tx.Query(ctx,
			`SELECT `+annotationColumns+` FROM annotations
			 WHERE (job_id, feature_id) IN (SELECT * FROM unnest($1::text[], $2::text[]))`,
			jobIDs, featureIDs)
		if err != nil {
			return err
		}
		stored, err = collectAnnotations(r)
		return err
	})
	if err != nil {
		return nil, err
	}

	byKey := make(map[[2]string]*models.Annotation, len(stored))
	for _, a := range stored {
		byKey[[2]string{a.JobID, a.FeatureID}] = a
	}
	out := make([]*models.Annotation, 0, len(chunk))
	for _, a := range chunk {
		if s, ok := byKey[[2]string{a.JobID, a.FeatureID}]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// DeleteByJobID removes every annotation of a job and returns the count.
func (d *AnnotationDAO) DeleteByJobID(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM annotations WHERE job_id = $1`, jobID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, d.fail("DeleteByJobID", err, zap.String("job_id", jobID))
	}
	d.Invalidate(ctx, jobID)
	return n, nil
}

// ReplaceForJob deletes a job's annotations and saves anns in their place.
// Every record must belong to jobID.
func (d *AnnotationDAO) ReplaceForJob(ctx context.Context, jobID string, anns []*models.Annotation) ([]*models.Annotation, batch.Result, error) {
	for _, a := range anns {
		if a.JobID != jobID {
			return nil, batch.Result{}, d.fail("ReplaceForJob",
				errors.Wrapf(ErrInvalidRecord, "annotation %q belongs to job %q", a.FeatureID, a.JobID))
		}
	}
	if _, err := d.DeleteByJobID(ctx, jobID); err != nil {
		return nil, batch.Result{}, err
	}
	return d.SaveBatch(ctx, anns)
}

// Invalidate drops every cached read of one job.
func (d *AnnotationDAO) Invalidate(ctx context.Context, jobID string) {
	if d.cache == nil {
		return
	}
	if _, err := d.cache.DeletePrefix(ctx, cache.AnnotationJobPrefix(jobID)); err != nil {
		d.log.Warn("cache invalidation failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (d *AnnotationDAO) invalidateJobs(ctx context.Context, anns []*models.Annotation) {
	seen := map[string]bool{}
	for _, a := range anns {
		if !seen[a.JobID] {
			seen[a.JobID] = true
			d.Invalidate(ctx, a.JobID)
		}
	}
}

// GetByJobID returns every annotation of a job, cached for JobTTL.
func (d *AnnotationDAO) GetByJobID(ctx context.Context, jobID string) ([]*models.Annotation, error) {
	return cache.Memoize(ctx, d.cache, d.log, cache.AnnotationsByJobKey(jobID), d.opts.JobTTL,
		func(ctx context.Context) ([]*models.Annotation, error) {
			out, err := d.list(ctx,
				`SELECT `+annotationColumns+` FROM annotations WHERE job_id = $1 ORDER BY contig, start_pos, id`, jobID)
			if err != nil {
				return nil, d.fail("GetByJobID", err, zap.String("job_id", jobID))
			}
			return out, nil
		})
}

// GetByFeatureType returns a job's annotations of one type, cached for JobTTL.
func (d *AnnotationDAO) GetByFeatureType(ctx context.Context, jobID, featureType string) ([]*models.Annotation, error) {
	return cache.Memoize(ctx, d.cache, d.log, cache.AnnotationsByTypeKey(jobID, featureType), d.opts.JobTTL,
		func(ctx context.Context) ([]*models.Annotation, error) {
			out, err := d.list(ctx,
				`SELECT `+annotationColumns+` FROM annotations WHERE job_id = $1 AND feature_type = $2
				 ORDER BY contig, start_pos, id`, jobID, featureType)
			if err != nil {
				return nil, d.fail("GetByFeatureType", err, zap.String("job_id", jobID))
			}
			return out, nil
		})
}

// GetByFeatureID looks a feature up among the job's cached annotations.
// It returns (nil, nil) when the job has no such feature.
func (d *AnnotationDAO) GetByFeatureID(ctx context.Context, jobID, featureID string) (*models.Annotation, error) {
	anns, err := d.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, a := range anns {
		if a.FeatureID == featureID {
			return a, nil
		}
	}
	return nil, nil
}

// GetFeatureTypes returns the distinct feature types of a job, sorted.
func (d *AnnotationDAO) GetFeatureTypes(ctx context.Context, jobID string) ([]string, error) {
	return cache.Memoize(ctx, d.cache, d.log, cache.FeatureTypesKey(jobID), d.opts.VocabularyTTL,
		func(ctx context.Context) ([]string, error) {
			out, err := d.distinct(ctx, "feature_type", jobID)
			if err != nil {
				return nil, d.fail("GetFeatureTypes", err, zap.String("job_id", jobID))
			}
			return out, nil
		})
}

// GetContigs returns the distinct contigs of a job, sorted.
func (d *AnnotationDAO) GetContigs(ctx context.Context, jobID string) ([]string, error) {
	return cache.Memoize(ctx, d.cache, d.log, cache.ContigsKey(jobID), d.opts.VocabularyTTL,
		func(ctx context.Context) ([]string, error) {
			out, err := d.distinct(ctx, "contig", jobID)
			if err != nil {
				return nil, d.fail("GetContigs", err, zap.String("job_id", jobID))
			}
			return out, nil
		})
}

// distinct reads one of the fixed vocabulary columns; column is never user input.
func (d *AnnotationDAO) distinct(ctx context.Context, column, jobID string) ([]string, error) {
	out := []string{}
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT DISTINCT `+column+` FROM annotations WHERE job_id = $1`, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	sort.Strings(out)
	return out, err
}

// GetInRange returns the features on contig that overlap the closed window
// [start, end], cached for RangeTTL.
func (d *AnnotationDAO) GetInRange(ctx context.Context, jobID, contig string, start, end int64) ([]*models.Annotation, error) {
	if end < start {
		return nil, d.fail("GetInRange", errors.Wrapf(ErrInvalidRecord, "range end %d is before start %d", end, start))
	}
	return cache.Memoize(ctx, d.cache, d.log, cache.AnnotationRangeKey(jobID, contig, start, end), d.opts.RangeTTL,
		func(ctx context.Context) ([]*models.Annotation, error) {
			out, err := d.list(ctx,
				`SELECT `+annotationColumns+` FROM annotations
				 WHERE job_id = $1 AND contig = $2 AND NOT (end_pos < $3 OR start_pos > $4)
				 ORDER BY start_pos, id`,
				jobID, contig, start, end)
			if err != nil {
				return nil, d.fail("GetInRange", err, zap.String("job_id", jobID), zap.String("contig", contig))
			}
			return out, nil
		})
}

// CountByJob returns how many annotations a job has.
func (d *AnnotationDAO) CountByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM annotations WHERE job_id = $1`, jobID).Scan(&n)
	})
	if err != nil {
		return 0, d.fail("CountByJob", err, zap.String("job_id", jobID))
	}
	return n, nil
}
