package models

import (
	"fmt"
	"strings"
	"time"
)

// Feature types reported by Bakta. The set is open: unknown types are stored as-is.
const (
	FeatureCDS         = "cds"
	FeatureTRNA        = "tRNA"
	FeatureTMRNA       = "tmRNA"
	FeatureRRNA        = "rRNA"
	FeatureNCRNA       = "ncRNA"
	FeatureNCRNARegion = "ncRNA-region"
	FeatureCRISPR      = "crispr"
	FeatureSORF        = "sorf"
	FeatureGap         = "gap"
	FeatureOriC        = "oriC"
	FeatureOriV        = "oriV"
	FeatureOriT        = "oriT"
)

// Strand values. "." marks features without a strand (e.g. gaps, origins).
const (
	StrandForward = "+"
	StrandReverse = "-"
	StrandUnknown = "."
)

// Annotation is one genomic feature produced by the annotation service for a job.
// Positions are 1-based and inclusive. Rows are immutable once stored.
type Annotation struct {
	ID          int64             `db:"id"           json:"id"`
	JobID       string            `db:"job_id"       json:"job_id"`
	FeatureID   string            `db:"feature_id"   json:"feature_id"`
	FeatureType string            `db:"feature_type" json:"feature_type"`
	Contig      string            `db:"contig"       json:"contig"`
	Start       int64             `db:"start_pos"    json:"start"`
	End         int64             `db:"end_pos"      json:"end"`
	Strand      string            `db:"strand"       json:"strand"`
	Attributes  map[string]string `db:"attributes"   json:"attributes"`
	CreatedAt   time.Time         `db:"created_at"   json:"created_at"`
}

// Validate checks the record invariants before it is written.
func (a *Annotation) Validate() error {
	if a.JobID == "" {
		return fmt.Errorf("annotation %q: job id is required", a.FeatureID)
	}
	if a.FeatureID == "" {
		return fmt.Errorf("annotation: feature id is required")
	}
	if a.FeatureType == "" {
		return fmt.Errorf("annotation %q: feature type is required", a.FeatureID)
	}
	if a.Contig == "" {
		return fmt.Errorf("annotation %q: contig is required", a.FeatureID)
	}
	if a.Start < 1 {
		return fmt.Errorf("annotation %q: start must be >= 1, got %d", a.FeatureID, a.Start)
	}
	if a.End < a.Start {
		return fmt.Errorf("annotation %q: end %d is before start %d", a.FeatureID, a.End, a.Start)
	}
	switch a.Strand {
	case StrandForward, StrandReverse, StrandUnknown:
	default:
		return fmt.Errorf("annotation %q: invalid strand %q", a.FeatureID, a.Strand)
	}
	return nil
}

// Overlaps reports whether the feature intersects the closed window [start, end].
func (a *Annotation) Overlaps(start, end int64) bool {
	return !(a.End < start || a.Start > end)
}

// Length is the feature length in bases.
func (a *Annotation) Length() int64 {
	return a.End - a.Start + 1
}

// Field returns the value of a named field for filtering. Attribute values are
// addressed as "attributes.<key>" or by their bare key when it does not shadow a
// column name.
func (a *Annotation) Field(name string) (any, bool) {
	switch name {
	case "id":
		return a.ID, true
	case "job_id":
		return a.JobID, true
	case "feature_id":
		return a.FeatureID, true
	case "feature_type", "type":
		return a.FeatureType, true
	case "contig":
		return a.Contig, true
	case "start":
		return a.Start, true
	case "end", "stop":
		return a.End, true
	case "strand":
		return a.Strand, true
	case "length":
		return a.Length(), true
	}
	key := strings.TrimPrefix(name, "attributes.")
	v, ok := a.Attributes[key]
	return v, ok
}

// NormalizeStrand maps the strand spellings seen in annotation outputs to the
// stored form.
func NormalizeStrand(s string) string {
	switch strings.TrimSpace(s) {
	case "+", "1", "+1", "forward":
		return StrandForward
	case "-", "-1", "reverse":
		return StrandReverse
	default:
		return StrandUnknown
	}
}
