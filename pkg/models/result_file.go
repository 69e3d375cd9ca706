package models

import "time"

// Common result file types. Annotation outputs use Bakta's file extensions.
const (
	FileTypeGFF3       = "gff3"
	FileTypeJSON       = "json"
	FileTypeTSV        = "tsv"
	FileTypeEMBL       = "embl"
	FileTypeGenBank    = "gbff"
	FileTypeFAA        = "faa"
	FileTypeFFN        = "ffn"
	FileTypeFNA        = "fna"
	FileTypePNG        = "png"
	FileTypeSVG        = "svg"
	FileTypePrediction = "prediction"
)

// ResultFile records a downloaded output artifact of a job.
// At most one row exists per (job_id, file_type); later saves replace it.
type ResultFile struct {
	ID           int64     `db:"id"            json:"id"`
	JobID        string    `db:"job_id"        json:"job_id"`
	FileType     string    `db:"file_type"     json:"file_type"`
	FilePath     string    `db:"file_path"     json:"file_path"`
	DownloadURL  *string   `db:"download_url"  json:"download_url,omitempty"`
	DownloadedAt time.Time `db:"downloaded_at" json:"downloaded_at"`
}
