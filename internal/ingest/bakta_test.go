package ingest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

const baktaTSV = "# Annotated with Bakta\n" +
	"# Software: v1.9.4\n" +
	"#Sequence Id\tType\tStart\tStop\tStrand\tLocus Tag\tGene\tProduct\tDbXrefs\n" +
	"contig_1\tcds\t100\t200\t+\tABC_0001\tblaTEM-1\tclass A beta-lactamase TEM-1\tUniRef:UniRef90_P62593, NCBIProtein:WP_000027057.1\n" +
	"contig_1\tcds\t150\t250\t-\tABC_0002\ttetA\ttetracycline efflux MFS transporter TetA\t\n" +
	"contig_2\ttRNA\t300\t400\t+\tABC_0003\t\ttRNA-Ala\t\n" +
	"\n" +
	"contig_2\toriC\t500\t620\t?\t\t\t\t\n"

func TestParseBaktaTSV(t *testing.T) {
	anns, err := ParseBaktaTSV(strings.NewReader(baktaTSV), "job-001")
	require.NoError(t, err)
	require.Len(t, anns, 4)

	first := anns[0]
	assert.Equal(t, "job-001", first.JobID)
	assert.Equal(t, "ABC_0001", first.FeatureID)
	assert.Equal(t, models.FeatureCDS, first.FeatureType)
	assert.Equal(t, "contig_1", first.Contig)
	assert.Equal(t, int64(100), first.Start)
	assert.Equal(t, int64(200), first.End)
	assert.Equal(t, models.StrandForward, first.Strand)
	assert.Equal(t, "blaTEM-1", first.Attributes[AttrGene])
	assert.Equal(t, "ABC_0001", first.Attributes[AttrLocusTag])
	assert.Contains(t, first.Attributes[AttrDbXrefs], "UniRef90_P62593")

	assert.Equal(t, models.StrandReverse, anns[1].Strand)
	_, hasXrefs := anns[1].Attributes[AttrDbXrefs]
	assert.False(t, hasXrefs, "empty columns are not stored")

	origin := anns[3]
	assert.Equal(t, "contig_2:oriC:500-620", origin.FeatureID)
	assert.Equal(t, models.StrandUnknown, origin.Strand)
	assert.Empty(t, origin.Attributes)
}

func TestParseBaktaTSV_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad number":   "contig_1\tcds\tabc\t200\t+\tX_1\t\t\t\n",
		"end < start":  "contig_1\tcds\t300\t200\t+\tX_1\t\t\t\n",
		"missing type": "contig_1\t\t100\t200\t+\tX_1\t\t\t\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBaktaTSV(strings.NewReader(input), "job-001")
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestParseBaktaTSV_Empty(t *testing.T) {
	anns, err := ParseBaktaTSV(strings.NewReader("# only comments\n"), "job-001")
	require.NoError(t, err)
	assert.Empty(t, anns)
}

const baktaJSONDoc = `{
  "genome": {"genus": "Escherichia"},
  "features": [
    {"type": "cds", "contig": "contig_1", "start": 100, "stop": 200, "strand": "+",
     "locus": "ABC_0001", "gene": "blaTEM-1", "product": "class A beta-lactamase TEM-1",
     "db_xrefs": ["UniRef:UniRef90_P62593", "NCBIProtein:WP_000027057.1"]},
    {"type": "gap", "id": "gap_1", "contig": "contig_2", "start": 10, "stop": 60, "strand": "?"},
    {"type": "crispr", "contig": "contig_2", "start": 700, "stop": 900, "strand": "-"}
  ]
}`

func TestParseBaktaJSON(t *testing.T) {
	anns, err := ParseBaktaJSON(strings.NewReader(baktaJSONDoc), "job-002")
	require.NoError(t, err)
	require.Len(t, anns, 3)

	assert.Equal(t, "ABC_0001", anns[0].FeatureID)
	assert.Equal(t, "UniRef:UniRef90_P62593, NCBIProtein:WP_000027057.1", anns[0].Attributes[AttrDbXrefs])
	assert.Equal(t, "gap_1", anns[1].FeatureID)
	assert.Equal(t, models.StrandUnknown, anns[1].Strand)
	assert.Equal(t, "contig_2:crispr:700-900", anns[2].FeatureID)
	assert.Equal(t, models.StrandReverse, anns[2].Strand)
	for _, a := range anns {
		assert.Equal(t, "job-002", a.JobID)
	}
}

func TestParseBaktaJSON_Invalid(t *testing.T) {
	_, err := ParseBaktaJSON(strings.NewReader(`{"features": [`), "job-002")
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = ParseBaktaJSON(strings.NewReader(`{"features": [{"type": "cds", "contig": "c", "start": 0, "stop": 5}]}`), "job-002")
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestExportTSV(t *testing.T) {
	anns, err := ParseBaktaTSV(strings.NewReader(baktaTSV), "job-001")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportTSV(&buf, anns[:2]))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "contig\ttype\tstart\tend\tstrand\tfeature_id\tgene\tproduct\tdb_xrefs", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "contig_1\tcds\t100\t200\t+\tABC_0001\tblaTEM-1\t"))
	assert.True(t, strings.HasPrefix(lines[2], "contig_1\tcds\t150\t250\t-\tABC_0002\ttetA\t"))
}

func TestExportTSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportTSV(&buf, nil))
	assert.Equal(t, "contig\ttype\tstart\tend\tstrand\tfeature_id\tgene\tproduct\tdb_xrefs\n", buf.String())
}
