package labfile

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/model"
)

func writeXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, v := range rowData {
				row.AddCell().SetString(v)
			}
		}
	}
	p := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, f.Save(p))
	return p
}

func writeZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "batch.zip")
	out, err := os.Create(p)
	require.NoError(t, err)
	defer out.Close() //nolint:errcheck

	w := zip.NewWriter(out)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return p
}

func TestDetectFormat(t *testing.T) {
	f, err := DetectFormat("LOT-1.CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = DetectFormat("report.xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	_, err = DetectFormat("scan.pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestRead_CSV(t *testing.T) {
	input := "\n\nComponent,CAS,Percentage\nLimonene,5989-27-5,70.5\nLinalool,78-70-6,5\n"
	sheet, err := Read(context.Background(), "lot1.csv", strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"Component", "CAS", "Percentage"}, sheet.Header)
	require.Len(t, sheet.Records, 2)

	tbl := sheet.Table()
	require.Empty(t, tbl.Failure)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "5989-27-5", tbl.Rows[0].CAS)
}

func TestRead_SemicolonAndDecimalComma(t *testing.T) {
	input := "Name;Area %\nLimonene;70,5\nCitral;3,25\n"
	sheet, err := Read(context.Background(), "lot1.csv", strings.NewReader(input))
	require.NoError(t, err)

	tbl := sheet.Table()
	require.Len(t, tbl.Rows, 2)
	assert.InDelta(t, 70.5, tbl.Rows[0].Percentage, 1e-9)
	assert.InDelta(t, 3.25, tbl.Rows[1].Percentage, 1e-9)
}

func TestRead_TSV(t *testing.T) {
	sheet, err := Read(context.Background(), "lot1.tsv", strings.NewReader("name\tpercentage\nA\t1\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "1"}}, sheet.Records)
}

func TestRead_Windows1252Fallback(t *testing.T) {
	// "Ménthol" with é as the single byte 0xE9.
	input := []byte("name,percentage\nM\xe9nthol,12\n")
	sheet, err := Read(context.Background(), "lot1.csv", strings.NewReader(string(input)))
	require.NoError(t, err)
	require.Len(t, sheet.Records, 1)
	assert.Equal(t, "Ménthol", sheet.Records[0][0])
}

func TestDecode_StripsBOM(t *testing.T) {
	out, err := Decode([]byte("\xef\xbb\xbfname"))
	require.NoError(t, err)
	assert.Equal(t, "name", string(out))
}

func TestRead_EmptyFile(t *testing.T) {
	sheet, err := Read(context.Background(), "lot1.csv", strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "file is empty", sheet.Table().Failure)
}

func TestRead_XLSX(t *testing.T) {
	p := writeXLSX(t, map[string][][]string{
		"Results": {
			{"Compound", "Area%", "Type"},
			{"Limonene", "70", "COMPONENT"},
			{"Water", "0.3", ""},
		},
	})

	sheet, err := ReadFile(context.Background(), p)
	require.NoError(t, err)

	rec := ingest.Build("m1", sheet.Table(), 1, ingest.Metadata{Filename: "report.xlsx"}, ingest.DefaultOptions())
	assert.Equal(t, model.ProcessingProcessed, rec.Status)
	assert.Equal(t, model.ComponentTypeImpurity, rec.Ledger["name:water"].Type)
}

func TestReadXLSX_SheetSelection(t *testing.T) {
	p := writeXLSX(t, map[string][][]string{
		"Summary": {{"x"}},
		"Peaks":   {{"name", "percentage"}, {"A", "1"}},
	})

	rows, err := ReadXLSX(p, XLSXOptions{SheetName: "Peaks"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"name", "percentage"}, {"A", "1"}}, rows)

	_, err = ReadXLSX(p, XLSXOptions{SheetName: "Missing"})
	assert.Error(t, err)

	_, err = ReadXLSX(p, XLSXOptions{SheetIndex: 5})
	assert.Error(t, err)
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

func TestExtractBatch(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{
		"lot2.csv":            "name,percentage\nA,1\n",
		"sub/lot1.csv":        "name,percentage\nA,2\n",
		"notes.txt.pdf":       "skip",
		"readme.txt":          "Batch 42, see lot sheets",
		"sub/NOTES.TXT":       "skip",
		"__MACOSX/._lot2.csv": "skip",
		"sub/~$lot1.xlsx":     "skip",
	})
	dest := t.TempDir()

	paths, err := ExtractBatch(zipPath, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dest, "lot2.csv"),
		filepath.Join(dest, "sub", "lot1.csv"),
	}, paths)
}

func TestBatchMember(t *testing.T) {
	assert.True(t, batchMember("lot.csv"))
	assert.True(t, batchMember("lot.tsv"))
	assert.True(t, batchMember("sub/lot.XLSX"))
	assert.False(t, batchMember("readme.txt"))
	assert.False(t, batchMember("scan.pdf"))

	// Single files with a .txt extension are still read as CSV.
	f, err := DetectFormat("export.txt")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
}

func TestExtractBatch_ZipSlip(t *testing.T) {
	zipPath := writeZIP(t, map[string]string{"../evil.csv": "x"})
	_, err := ExtractBatch(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractBatch_InvalidArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0o644))
	_, err := ExtractBatch(p, t.TempDir())
	assert.Error(t, err)
}
