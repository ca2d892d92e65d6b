package model

import "time"

// ProcessingStatus is the outcome of parsing an uploaded analysis.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "PENDING"
	ProcessingProcessed ProcessingStatus = "PROCESSED"
	ProcessingFailed    ProcessingStatus = "FAILED"
)

// Valid reports whether s is a known processing status.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingPending, ProcessingProcessed, ProcessingFailed:
		return true
	}
	return false
}

// AnalysisRecord is one uploaded chromatographic run. It is immutable once
// processed; a re-upload creates a new record.
type AnalysisRecord struct {
	ID              string           `json:"id" yaml:"id"`
	MaterialID      string           `json:"material_id" yaml:"material_id"`
	Filename        string           `json:"filename" yaml:"filename"`
	BatchNumber     string           `json:"batch_number,omitempty" yaml:"batch_number,omitempty"`
	Supplier        string           `json:"supplier,omitempty" yaml:"supplier,omitempty"`
	LabTechnician   string           `json:"lab_technician,omitempty" yaml:"lab_technician,omitempty"`
	AnalysisDate    *time.Time       `json:"analysis_date,omitempty" yaml:"analysis_date,omitempty"`
	Weight          float64          `json:"weight" yaml:"weight"`
	Ledger          Ledger           `json:"components" yaml:"components"`
	Status          ProcessingStatus `json:"status" yaml:"status"`
	ProcessingNotes string           `json:"processing_notes,omitempty" yaml:"processing_notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at" yaml:"created_at"`
}

// Usable reports whether the record may contribute to an aggregation.
func (a *AnalysisRecord) Usable() bool {
	return a.Status == ProcessingProcessed
}
