package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/composite-cli/internal/model"
)

// Header aliases seen in chromatograph exports. Matching is on the lowercased,
// trimmed header cell.
var (
	casColumns        = []string{"cas", "cas_number", "cas number", "cas no", "cas_no", "casnumber", "cas no."}
	componentColumns  = []string{"component", "compound", "name", "component_name", "substance", "chemical"}
	percentageColumns = []string{"percentage", "%", "percent", "concentration", "amount", "area%", "area_percent", "area %"}
	typeColumns       = []string{"type", "component_type", "classification"}
	confidenceColumns = []string{"confidence", "confidence_level", "match", "match quality"}
)

type columnMap struct {
	cas, component, percentage, ctype, confidence int
}

// ParseTable maps a header and its data records to rows. Records are
// numbered from line 2 (the header is line 1). Malformed rows are skipped with
// a diagnostic; a missing component or percentage column fails the table.
func ParseTable(header []string, records [][]string) Table {
	cols, err := mapColumns(header)
	if err != nil {
		return Table{Failure: err.Error()}
	}

	var tbl Table
	for i, rec := range records {
		line := i + 2
		if blank(rec) {
			continue
		}
		row, diags, ok := parseRecord(rec, cols, line)
		tbl.Diagnostics = append(tbl.Diagnostics, diags...)
		if ok {
			tbl.Rows = append(tbl.Rows, row)
		}
	}
	return tbl
}

func mapColumns(header []string) (columnMap, error) {
	cols := columnMap{cas: -1, component: -1, percentage: -1, ctype: -1, confidence: -1}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch {
		case cols.cas < 0 && contains(casColumns, name):
			cols.cas = i
		case cols.component < 0 && contains(componentColumns, name):
			cols.component = i
		case cols.percentage < 0 && contains(percentageColumns, name):
			cols.percentage = i
		case cols.ctype < 0 && contains(typeColumns, name):
			cols.ctype = i
		case cols.confidence < 0 && contains(confidenceColumns, name):
			cols.confidence = i
		}
	}
	if cols.component < 0 && cols.cas < 0 {
		return cols, eris.Errorf("could not identify a component or CAS column in header %v", header)
	}
	if cols.percentage < 0 {
		return cols, eris.Errorf("could not identify a percentage column in header %v", header)
	}
	return cols, nil
}

func parseRecord(rec []string, cols columnMap, line int) (Row, []string, bool) {
	row := Row{Line: line, Name: cell(rec, cols.component)}

	var diags []string
	if raw := cell(rec, cols.cas); raw != "" {
		if cas, ok := CleanCAS(raw); ok {
			row.CAS = cas
		} else {
			diags = append(diags, lineMsg(line, fmt.Sprintf("unrecognized CAS number %q, using component name", raw)))
		}
	}

	if row.Name == "" && row.CAS == "" {
		return row, append(diags, lineMsg(line, "missing component name")), false
	}

	rawPct := cell(rec, cols.percentage)
	if rawPct == "" {
		return row, append(diags, lineMsg(line, "missing percentage")), false
	}
	pct, err := ParsePercentage(rawPct)
	if err != nil {
		return row, append(diags, lineMsg(line, fmt.Sprintf("invalid percentage %q", rawPct))), false
	}
	row.Percentage = pct

	if raw := cell(rec, cols.ctype); raw != "" {
		t, err := model.ParseComponentType(raw)
		if err != nil {
			return row, append(diags, lineMsg(line, fmt.Sprintf("unknown component type %q", raw))), false
		}
		row.Type = &t
	}

	if raw := cell(rec, cols.confidence); raw != "" {
		c, err := ParsePercentage(raw)
		if err != nil {
			diags = append(diags, lineMsg(line, fmt.Sprintf("invalid confidence %q, ignored", raw)))
		} else {
			row.Confidence = &c
		}
	}

	return row, diags, true
}

// ParsePercentage accepts "12.5", "12.5 %", and decimal-comma "12,5".
// Non-finite spellings such as "NaN" parse successfully and are rejected by Build.
func ParsePercentage(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "%", ""))
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", ".")
	}
	return strconv.ParseFloat(s, 64)
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
