// Package ingest loads annotation outputs into the store and exports stored
// annotations back to tabular form.
package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gocarina/gocsv"

	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// ErrMalformed is returned for input that cannot be parsed as annotations.
var ErrMalformed = errors.New("malformed annotation input")

// Attribute keys filled from Bakta columns.
const (
	AttrLocusTag = "locus_tag"
	AttrGene     = "gene"
	AttrProduct  = "product"
	AttrDbXrefs  = "db_xrefs"
)

// baktaRow is one line of a Bakta .tsv table. Columns are positional:
// Sequence Id, Type, Start, Stop, Strand, Locus Tag, Gene, Product, DbXrefs.
type baktaRow struct {
	Contig   string `csv:"Sequence Id"`
	Type     string `csv:"Type"`
	Start    int64  `csv:"Start"`
	Stop     int64  `csv:"Stop"`
	Strand   string `csv:"Strand"`
	LocusTag string `csv:"Locus Tag"`
	Gene     string `csv:"Gene"`
	Product  string `csv:"Product"`
	DbXrefs  string `csv:"DbXrefs"`
}

func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr
}

// ParseBaktaTSV reads a Bakta feature table. Lines starting with '#',
// including the column header, are skipped.
func ParseBaktaTSV(r io.Reader, jobID string) ([]*models.Annotation, error) {
	var rows []*baktaRow
	err := gocsv.UnmarshalCSVWithoutHeaders(newTSVReader(r), &rows)
	if errors.Is(err, gocsv.ErrEmptyCSVFile) {
		return []*models.Annotation{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "bakta tsv: %v", err)
	}

	anns := make([]*models.Annotation, 0, len(rows))
	for i, row := range rows {
		attrs := map[string]string{}
		setAttr(attrs, AttrLocusTag, row.LocusTag)
		setAttr(attrs, AttrGene, row.Gene)
		setAttr(attrs, AttrProduct, row.Product)
		setAttr(attrs, AttrDbXrefs, row.DbXrefs)

		a := &models.Annotation{
			JobID:       jobID,
			FeatureID:   featureID(row.LocusTag, row.Contig, row.Type, row.Start, row.Stop),
			FeatureType: strings.TrimSpace(row.Type),
			Contig:      strings.TrimSpace(row.Contig),
			Start:       row.Start,
			End:         row.Stop,
			Strand:      models.NormalizeStrand(row.Strand),
			Attributes:  attrs,
		}
		if err := a.Validate(); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "bakta tsv row %d: %v", i+1, err)
		}
		anns = append(anns, a)
	}
	return anns, nil
}

type baktaJSON struct {
	Features []baktaFeature `json:"features"`
}

type baktaFeature struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Contig  string   `json:"contig"`
	Start   int64    `json:"start"`
	Stop    int64    `json:"stop"`
	Strand  string   `json:"strand"`
	Locus   string   `json:"locus"`
	Gene    string   `json:"gene"`
	Product string   `json:"product"`
	DbXrefs []string `json:"db_xrefs"`
}

// ParseBaktaJSON reads the features array of a Bakta .json result.
func ParseBaktaJSON(r io.Reader, jobID string) ([]*models.Annotation, error) {
	var doc baktaJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "bakta json: %v", err)
	}

	anns := make([]*models.Annotation, 0, len(doc.Features))
	for i, f := range doc.Features {
		attrs := map[string]string{}
		setAttr(attrs, AttrLocusTag, f.Locus)
		setAttr(attrs, AttrGene, f.Gene)
		setAttr(attrs, AttrProduct, f.Product)
		setAttr(attrs, AttrDbXrefs, strings.Join(f.DbXrefs, ", "))

		id := f.Locus
		if id == "" {
			id = f.ID
		}
		a := &models.Annotation{
			JobID:       jobID,
			FeatureID:   featureID(id, f.Contig, f.Type, f.Start, f.Stop),
			FeatureType: f.Type,
			Contig:      f.Contig,
			Start:       f.Start,
			End:         f.Stop,
			Strand:      models.NormalizeStrand(f.Strand),
			Attributes:  attrs,
		}
		if err := a.Validate(); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "bakta json feature %d: %v", i, err)
		}
		anns = append(anns, a)
	}
	return anns, nil
}

// featureID prefers the locus tag; features without one (gaps, origins) get
// an id derived from their position.
func featureID(locus, contig, typ string, start, stop int64) string {
	if locus = strings.TrimSpace(locus); locus != "" {
		return locus
	}
	return fmt.Sprintf("%s:%s:%d-%d", strings.TrimSpace(contig), strings.TrimSpace(typ), start, stop)
}

func setAttr(attrs map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		attrs[key] = value
	}
}
