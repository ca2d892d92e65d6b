package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Origin records how a composite was produced.
type Origin string

const (
	OriginLab        Origin = "LAB"
	OriginCalculated Origin = "CALCULATED"
	OriginManual     Origin = "MANUAL"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	switch o {
	case OriginLab, OriginCalculated, OriginManual:
		return true
	}
	return false
}

// ParseOrigin parses an origin case-insensitively. Empty input yields
// OriginCalculated, the origin of composites built purely from analyses.
func ParseOrigin(s string) (Origin, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return OriginCalculated, nil
	}
	o := Origin(strings.ToUpper(s))
	if !o.Valid() {
		return "", eris.Errorf("unknown origin %q", s)
	}
	return o, nil
}

// CompositeStatus is the composite-level lifecycle state.
type CompositeStatus string

const (
	CompositeDraft           CompositeStatus = "DRAFT"
	CompositePendingApproval CompositeStatus = "PENDING_APPROVAL"
	CompositeApproved        CompositeStatus = "APPROVED"
	CompositeRejected        CompositeStatus = "REJECTED"
	CompositeArchived        CompositeStatus = "ARCHIVED"
)

// Valid reports whether s is a known composite status.
func (s CompositeStatus) Valid() bool {
	switch s {
	case CompositeDraft, CompositePendingApproval, CompositeApproved, CompositeRejected, CompositeArchived:
		return true
	}
	return false
}

// Terminal reports whether the status accepts no ordinary transitions.
func (s CompositeStatus) Terminal() bool {
	return s == CompositeApproved || s == CompositeRejected || s == CompositeArchived
}

// ParseCompositeStatus parses a status case-insensitively.
func ParseCompositeStatus(s string) (CompositeStatus, error) {
	st := CompositeStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", eris.Errorf("unknown composite status %q", s)
	}
	return st, nil
}

// CompositeMetadata is provenance attached at creation time.
type CompositeMetadata struct {
	AnalysisIDs       []string `json:"analysis_ids,omitempty" yaml:"analysis_ids,omitempty"`
	AnalysisCount     int      `json:"analysis_count,omitempty" yaml:"analysis_count,omitempty"`
	SkippedIDs        []string `json:"skipped_analysis_ids,omitempty" yaml:"skipped_analysis_ids,omitempty"`
	Batches           []string `json:"batches,omitempty" yaml:"batches,omitempty"`
	Suppliers         []string `json:"suppliers,omitempty" yaml:"suppliers,omitempty"`
	CalculationMethod string   `json:"calculation_method,omitempty" yaml:"calculation_method,omitempty"`
	DenominatorPolicy string   `json:"denominator_policy,omitempty" yaml:"denominator_policy,omitempty"`
	ReviewOfVersion   int      `json:"review_of_version,omitempty" yaml:"review_of_version,omitempty"`
}

// Composite is a versioned chemical profile of a material. Its ledger is
// never edited after creation; corrections produce a new version.
type Composite struct {
	ID         string            `json:"id" yaml:"id"`
	MaterialID string            `json:"material_id" yaml:"material_id"`
	Version    int               `json:"version" yaml:"version"`
	Origin     Origin            `json:"origin" yaml:"origin"`
	Status     CompositeStatus   `json:"status" yaml:"status"`
	Ledger     Ledger            `json:"components" yaml:"components"`
	Metadata   CompositeMetadata `json:"metadata" yaml:"metadata"`
	Notes      string            `json:"notes,omitempty" yaml:"notes,omitempty"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
	ApprovedAt *time.Time        `json:"approved_at,omitempty" yaml:"approved_at,omitempty"`
}
