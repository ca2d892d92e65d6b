// Package ingest turns parsed lab tables into validated analysis records.
package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sells-group/composite-cli/internal/model"
)

// DefaultImpurityThreshold classifies untyped components below 1% as impurities.
const DefaultImpurityThreshold = 1.0

// Options configures record building.
type Options struct {
	// ImpurityThreshold is the percentage below which a component with no
	// explicit type is classified as an impurity.
	ImpurityThreshold float64
}

// DefaultOptions returns the builder defaults.
func DefaultOptions() Options {
	return Options{ImpurityThreshold: DefaultImpurityThreshold}
}

// Row is one parsed line of a chromatographic table. Type and Confidence are
// nil when the file did not report them.
type Row struct {
	Line       int
	Name       string
	CAS        string
	Percentage float64
	Type       *model.ComponentType
	Confidence *float64
}

// Table is the output of parsing an uploaded file. Failure is set when the
// file as a whole is unusable (e.g. no percentage column).
type Table struct {
	Rows        []Row
	Diagnostics []string
	Failure     string
}

// Metadata describes the upload.
type Metadata struct {
	Filename      string
	BatchNumber   string
	Supplier      string
	LabTechnician string
	AnalysisDate  *time.Time
}

type merged struct {
	name        string
	cas         string
	percentage  float64
	explicit    []model.ComponentType
	confidences []float64
}

// Build validates tbl and returns an analysis record. It never fails: invalid
// input yields a FAILED record whose ProcessingNotes say why, so the upload is
// kept and can be listed.
func Build(materialID string, tbl Table, weight float64, meta Metadata, opts Options) *model.AnalysisRecord {
	rec := &model.AnalysisRecord{
		MaterialID:    materialID,
		Filename:      meta.Filename,
		BatchNumber:   meta.BatchNumber,
		Supplier:      meta.Supplier,
		LabTechnician: meta.LabTechnician,
		AnalysisDate:  meta.AnalysisDate,
		Weight:        weight,
		Ledger:        model.Ledger{},
		Status:        model.ProcessingPending,
	}

	diags := append([]string(nil), tbl.Diagnostics...)

	if tbl.Failure != "" {
		return fail(rec, tbl.Failure, diags)
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight <= 0 {
		return fail(rec, fmt.Sprintf("weight must be a positive finite number, got %v", weight), diags)
	}
	if len(tbl.Rows) == 0 {
		return fail(rec, "file contains no component rows", diags)
	}

	entries := make(map[string]*merged)
	var order []string
	for _, row := range tbl.Rows {
		key := model.ComponentKey(row.CAS, row.Name)
		if key == "" {
			diags = append(diags, lineMsg(row.Line, "missing component name and CAS number"))
			continue
		}
		if math.IsNaN(row.Percentage) || math.IsInf(row.Percentage, 0) {
			diags = append(diags, lineMsg(row.Line, "percentage is not a finite number"))
			continue
		}
		if row.Percentage < 0 {
			diags = append(diags, lineMsg(row.Line, fmt.Sprintf("negative percentage %v", row.Percentage)))
			continue
		}
		if row.Type != nil && !row.Type.Valid() {
			diags = append(diags, lineMsg(row.Line, fmt.Sprintf("unknown component type %q", *row.Type)))
			continue
		}

		e, ok := entries[key]
		if !ok {
			e = &merged{name: strings.TrimSpace(row.Name), cas: strings.TrimSpace(row.CAS)}
			if e.name == "" {
				e.name = e.cas
			}
			entries[key] = e
			order = append(order, key)
		}
		e.percentage += row.Percentage
		if row.Type != nil {
			e.explicit = append(e.explicit, *row.Type)
		}
		if row.Confidence != nil {
			c := *row.Confidence
			if math.IsNaN(c) || c < 0 || c > 100 {
				diags = append(diags, lineMsg(row.Line, fmt.Sprintf("confidence %v outside 0-100, ignored", c)))
			} else {
				e.confidences = append(e.confidences, c)
			}
		}
	}

	if len(entries) == 0 {
		return fail(rec, "no valid component rows", diags)
	}

	for _, key := range order {
		e := entries[key]
		rec.Ledger[key] = model.Component{
			Key:        key,
			Name:       e.name,
			CAS:        e.cas,
			Percentage: e.percentage,
			Type:       resolveType(e, opts.ImpurityThreshold),
			Confidence: meanConfidence(e.confidences),
		}
	}

	rec.Status = model.ProcessingProcessed
	rec.ProcessingNotes = strings.Join(diags, "; ")
	return rec
}

// Failed returns a FAILED record for an upload that could not be read at all.
func Failed(materialID string, weight float64, meta Metadata, reason string) *model.AnalysisRecord {
	return Build(materialID, Table{Failure: reason}, weight, meta, DefaultOptions())
}

func fail(rec *model.AnalysisRecord, reason string, diags []string) *model.AnalysisRecord {
	rec.Status = model.ProcessingFailed
	rec.Ledger = model.Ledger{}
	rec.ProcessingNotes = strings.Join(append([]string{reason}, diags...), "; ")
	return rec
}

// resolveType: an explicit COMPONENT on any duplicate wins, then an explicit
// IMPURITY, then the threshold applied to the merged percentage.
func resolveType(e *merged, threshold float64) model.ComponentType {
	sawImpurity := false
	for _, t := range e.explicit {
		if t == model.ComponentTypeComponent {
			return model.ComponentTypeComponent
		}
		sawImpurity = true
	}
	if sawImpurity {
		return model.ComponentTypeImpurity
	}
	if e.percentage < threshold {
		return model.ComponentTypeImpurity
	}
	return model.ComponentTypeComponent
}

func meanConfidence(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	return &m
}

func lineMsg(line int, msg string) string {
	if line <= 0 {
		return msg
	}
	return fmt.Sprintf("line %d: %s", line, msg)
}
