package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// ResultFileFilter narrows GetAll. An empty JobID lists every file.
type ResultFileFilter struct {
	JobID    string
	FileType string
}

// ResultFileDAO stores the output artifacts downloaded for a job. There is
// at most one file per (job, type); saving again replaces it.
type ResultFileDAO struct {
	base
}

var _ DAO[models.ResultFile, int64, ResultFileFilter] = (*ResultFileDAO)(nil)

func NewResultFileDAO(pool *Pool, log *zap.Logger) *ResultFileDAO {
	return &ResultFileDAO{base: newBase(pool, log, "result_files")}
}

const resultFileColumns = `id, job_id, file_type, file_path, download_url, downloaded_at`

func scanResultFile(row pgx.Row) (*models.ResultFile, error) {
	var f models.ResultFile
	if err := row.Scan(&f.ID, &f.JobID, &f.FileType, &f.FilePath, &f.DownloadURL, &f.DownloadedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetByID returns one result file, or (nil, nil) if it does not exist.
func (d *ResultFileDAO) GetByID(ctx context.Context, id int64) (*models.ResultFile, error) {
	var file *models.ResultFile
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		f, err := scanResultFile(conn.QueryRow(ctx, `SELECT `+resultFileColumns+` FROM result_files WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		file = f
		return err
	})
	if err != nil {
		return nil, d.fail("GetByID", err, zap.Int64("id", id))
	}
	return file, nil
}

// GetAll lists result files ordered by job and type.
func (d *ResultFileDAO) GetAll(ctx context.Context, filter ResultFileFilter) ([]*models.ResultFile, error) {
	sql := `SELECT ` + resultFileColumns + ` FROM result_files
	        WHERE ($1 = '' OR job_id = $1) AND ($2 = '' OR file_type = $2)
	        ORDER BY job_id, file_type`

	files := []*models.ResultFile{}
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		rows, err := conn.Query(ctx, sql, filter.JobID, filter.FileType)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanResultFile(rows)
			if err != nil {
				return err
			}
			files = append(files, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, d.fail("GetAll", err, zap.String("job_id", filter.JobID))
	}
	return files, nil
}

// GetByJobID lists every result file of a job.
func (d *ResultFileDAO) GetByJobID(ctx context.Context, jobID string) ([]*models.ResultFile, error) {
	return d.GetAll(ctx, ResultFileFilter{JobID: jobID})
}

// GetByFileType returns a job's file of one type, or (nil, nil).
func (d *ResultFileDAO) GetByFileType(ctx context.Context, jobID, fileType string) (*models.ResultFile, error) {
	var file *models.ResultFile
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		f, err := scanResultFile(conn.QueryRow(ctx,
			`SELECT `+resultFileColumns+` FROM result_files WHERE job_id = $1 AND file_type = $2`, jobID, fileType))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		file = f
		return err
	})
	if err != nil {
		return nil, d.fail("GetByFileType", err, zap.String("job_id", jobID), zap.String("file_type", fileType))
	}
	return file, nil
}

// GetFilePath returns the local path of a job's file of one type, or "" if
// there is none.
func (d *ResultFileDAO) GetFilePath(ctx context.Context, jobID, fileType string) (string, error) {
	f, err := d.GetByFileType(ctx, jobID, fileType)
	if err != nil || f == nil {
		return "", err
	}
	return f.FilePath, nil
}

// Save upserts on (job_id, file_type): the newest download replaces the old row.
func (d *ResultFileDAO) Save(ctx context.Context, file *models.ResultFile) (*models.ResultFile, error) {
	if file.JobID == "" || file.FileType == "" || file.FilePath == "" {
		return nil, d.fail("Save", errors.Wrap(ErrInvalidRecord, "job id, file type and file path are required"))
	}
	downloadedAt := file.DownloadedAt
	if downloadedAt.IsZero() {
		downloadedAt = time.Now().UTC()
	}

	var saved *models.ResultFile
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		f, err := scanResultFile(conn.QueryRow(ctx,
			`INSERT INTO result_files (job_id, file_type, file_path, download_url, downloaded_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (job_id, file_type) DO UPDATE SET
			   file_path = EXCLUDED.file_path,
			   download_url = EXCLUDED.download_url,
			   downloaded_at = EXCLUDED.downloaded_at
			 RETURNING `+resultFileColumns,
			file.JobID, file.FileType, file.FilePath, file.DownloadURL, downloadedAt))
		saved = f
		return err
	})
	if err != nil {
		return nil, d.fail("Save", err, zap.String("job_id", file.JobID), zap.String("file_type", file.FileType))
	}
	return saved, nil
}

// Update rewrites the path and URL of an existing row by id.
func (d *ResultFileDAO) Update(ctx context.Context, file *models.ResultFile) (*models.ResultFile, error) {
	var updated *models.ResultFile
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		f, err := scanResultFile(conn.QueryRow(ctx,
			`UPDATE result_files SET file_path = $2, download_url = $3, downloaded_at = NOW()
			 WHERE id = $1
			 RETURNING `+resultFileColumns,
			file.ID, file.FilePath, file.DownloadURL))
		updated = f
		return err
	})
	if err != nil {
		return nil, d.fail("Update", err, zap.Int64("id", file.ID))
	}
	return updated, nil
}

// Delete always fails: result files are removed with their job.
func (d *ResultFileDAO) Delete(_ context.Context, _ int64) (bool, error) {
	return false, d.unsupported("Delete")
}
