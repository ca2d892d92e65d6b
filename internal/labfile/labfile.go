// Package labfile reads chromatography exports (CSV, XLSX) from local disk,
// ZIP batch archives, and FTP lab drops into raw header and record rows.
package labfile

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/composite-cli/internal/ingest"
)

// Format identifies a supported lab export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
var ErrUnsupportedFormat = eris.New("labfile: unsupported file format")

// DetectFormat maps a filename extension to a Format.
func DetectFormat(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt", ".tsv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Wrapf(ErrUnsupportedFormat, "%q", name)
}

// Sheet is the raw content of a lab export: the first non-empty row as header
// and every following row as a record.
type Sheet struct {
	Header  []string
	Records [][]string
}

// Table maps the sheet onto ingest rows.
func (s Sheet) Table() ingest.Table {
	if len(s.Header) == 0 {
		return ingest.Table{Failure: "file is empty"}
	}
	return ingest.ParseTable(s.Header, s.Records)
}

// Read parses r according to the extension of name.
func Read(ctx context.Context, name string, r io.Reader) (Sheet, error) {
	format, err := DetectFormat(name)
	if err != nil {
		return Sheet{}, err
	}

	switch format {
	case FormatXLSX:
		data, err := io.ReadAll(r)
		if err != nil {
			return Sheet{}, eris.Wrap(err, "labfile: read xlsx")
		}
		rows, err := ReadXLSXBytes(data, XLSXOptions{})
		if err != nil {
			return Sheet{}, err
		}
		return split(rows), nil
	default:
		dec, err := DecodeReader(r)
		if err != nil {
			return Sheet{}, err
		}
		rows, err := ReadCSV(ctx, dec, CSVOptions{Delimiter: delimiterFor(name)})
		if err != nil {
			return Sheet{}, err
		}
		return split(rows), nil
	}
}

// ReadFile opens path and parses it with Read.
func ReadFile(ctx context.Context, path string) (Sheet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sheet{}, eris.Wrap(err, "labfile: open")
	}
	return Read(ctx, filepath.Base(path), bytes.NewReader(data))
}

func delimiterFor(name string) rune {
	if strings.EqualFold(filepath.Ext(name), ".tsv") {
		return '\t'
	}
	return 0
}

func split(rows [][]string) Sheet {
	for i, row := range rows {
		if !blankRow(row) {
			return Sheet{Header: row, Records: rows[i+1:]}
		}
	}
	return Sheet{}
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
