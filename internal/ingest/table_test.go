package ingest

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/composite-cli/internal/model"
)

func TestParseTable_HeaderAliases(t *testing.T) {
	header := []string{"\ufeffCAS No", "Compound", "Area %", "Classification", "Match"}
	records := [][]string{
		{"5989-27-5", "Limonene", "70.5%", "component", "92"},
		{"", "Water", "0,4", "", ""},
	}

	tbl := ParseTable(header, records)

	require.Empty(t, tbl.Failure)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "5989-27-5", tbl.Rows[0].CAS)
	assert.Equal(t, "Limonene", tbl.Rows[0].Name)
	assert.InDelta(t, 70.5, tbl.Rows[0].Percentage, 1e-9)
	require.NotNil(t, tbl.Rows[0].Type)
	assert.Equal(t, model.ComponentTypeComponent, *tbl.Rows[0].Type)
	require.NotNil(t, tbl.Rows[0].Confidence)
	assert.InDelta(t, 92.0, *tbl.Rows[0].Confidence, 1e-9)

	assert.Equal(t, 3, tbl.Rows[1].Line)
	assert.InDelta(t, 0.4, tbl.Rows[1].Percentage, 1e-9)
	assert.Nil(t, tbl.Rows[1].Type)
}

func TestParseTable_MissingColumns(t *testing.T) {
	tbl := ParseTable([]string{"name", "notes"}, nil)
	assert.Contains(t, tbl.Failure, "percentage column")

	tbl = ParseTable([]string{"percentage", "notes"}, nil)
	assert.Contains(t, tbl.Failure, "component or CAS column")
}

func TestMapColumns_ErrorHasStack(t *testing.T) {
	_, err := mapColumns([]string{"name", "notes"})
	require.Error(t, err)
	assert.Equal(t, "could not identify a percentage column in header [name notes]", err.Error())
	assert.NotEmpty(t, eris.Unpack(err).ErrRoot.Stack)
}

func TestParseTable_RowDiagnostics(t *testing.T) {
	header := []string{"component", "cas", "percentage", "type"}
	records := [][]string{
		{"Limonene", "not-a-cas", "10", ""},
		{"", "", "5", ""},
		{"Linalool", "", "", ""},
		{"Citral", "", "abc", ""},
		{"Pinene", "", "2", "solvent"},
		{"", "", "", ""},
	}

	tbl := ParseTable(header, records)

	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, "Limonene", tbl.Rows[0].Name)
	assert.Empty(t, tbl.Rows[0].CAS)
	assert.Equal(t, []string{
		`line 2: unrecognized CAS number "not-a-cas", using component name`,
		"line 3: missing component name",
		"line 4: missing percentage",
		`line 5: invalid percentage "abc"`,
		`line 6: unknown component type "solvent"`,
	}, tbl.Diagnostics)
}

func TestParseTable_ShortRecords(t *testing.T) {
	tbl := ParseTable([]string{"name", "percentage", "confidence"}, [][]string{{"A", "12"}})
	require.Len(t, tbl.Rows, 1)
	assert.Nil(t, tbl.Rows[0].Confidence)
}

func TestParseTable_FeedsBuild(t *testing.T) {
	tbl := ParseTable(
		[]string{"name", "percentage"},
		[][]string{{"A", "60"}, {"a", "10"}, {"B", "NaN"}},
	)
	rec := Build("m1", tbl, 2, Metadata{}, DefaultOptions())

	assert.Equal(t, model.ProcessingProcessed, rec.Status)
	assert.InDelta(t, 70.0, rec.Ledger["name:a"].Percentage, 1e-9)
	assert.Contains(t, rec.ProcessingNotes, "line 4: percentage is not a finite number")
}

func TestParsePercentage(t *testing.T) {
	cases := map[string]float64{
		"12.5":   12.5,
		" 12.5%": 12.5,
		"12,5":   12.5,
		"0":      0,
	}
	for in, want := range cases {
		got, err := ParsePercentage(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}

	_, err := ParsePercentage("1,234.5")
	assert.Error(t, err)
}
