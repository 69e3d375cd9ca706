package ingest

import (
	"encoding/csv"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gocarina/gocsv"

	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// exportRow is one line of the annotation export table.
type exportRow struct {
	Contig    string `csv:"contig"`
	Type      string `csv:"type"`
	Start     int64  `csv:"start"`
	End       int64  `csv:"end"`
	Strand    string `csv:"strand"`
	FeatureID string `csv:"feature_id"`
	Gene      string `csv:"gene"`
	Product   string `csv:"product"`
	DbXrefs   string `csv:"db_xrefs"`
}

// ExportTSV writes annotations as a tab separated table with a header row.
func ExportTSV(w io.Writer, anns []*models.Annotation) error {
	rows := make([]*exportRow, 0, len(anns))
	for _, a := range anns {
		rows = append(rows, &exportRow{
			Contig:    a.Contig,
			Type:      a.FeatureType,
			Start:     a.Start,
			End:       a.End,
			Strand:    a.Strand,
			FeatureID: a.FeatureID,
			Gene:      a.Attributes[AttrGene],
			Product:   a.Attributes[AttrProduct],
			DbXrefs:   a.Attributes[AttrDbXrefs],
		})
	}

	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := gocsv.MarshalCSV(rows, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return errors.Wrap(err, "export annotations")
	}
	return nil
}
