package model

// ComponentChange describes one component's movement between two composites.
// OldPercentage is nil for added components and NewPercentage is nil for
// removed ones. ChangePercent is nil when the old percentage is zero.
type ComponentChange struct {
	Key           string        `json:"key" yaml:"key"`
	Name          string        `json:"name" yaml:"name"`
	CAS           string        `json:"cas_number,omitempty" yaml:"cas_number,omitempty"`
	OldPercentage *float64      `json:"old_percentage,omitempty" yaml:"old_percentage,omitempty"`
	NewPercentage *float64      `json:"new_percentage,omitempty" yaml:"new_percentage,omitempty"`
	OldType       ComponentType `json:"old_type,omitempty" yaml:"old_type,omitempty"`
	NewType       ComponentType `json:"new_type,omitempty" yaml:"new_type,omitempty"`
	Change        float64       `json:"change" yaml:"change"`
	ChangePercent *float64      `json:"change_percent,omitempty" yaml:"change_percent,omitempty"`
}

// Comparison is the diff of two composites' ledgers.
type Comparison struct {
	OldCompositeID     string            `json:"old_composite_id" yaml:"old_composite_id"`
	NewCompositeID     string            `json:"new_composite_id" yaml:"new_composite_id"`
	OldVersion         int               `json:"old_version" yaml:"old_version"`
	NewVersion         int               `json:"new_version" yaml:"new_version"`
	CrossMaterial      bool              `json:"cross_material,omitempty" yaml:"cross_material,omitempty"`
	Added              []ComponentChange `json:"components_added" yaml:"components_added"`
	Removed            []ComponentChange `json:"components_removed" yaml:"components_removed"`
	Changed            []ComponentChange `json:"components_changed" yaml:"components_changed"`
	TotalChangeScore   float64           `json:"total_change_score" yaml:"total_change_score"`
	MaxComponentChange float64           `json:"max_component_change" yaml:"max_component_change"`
	SignificantChanges bool              `json:"significant_changes" yaml:"significant_changes"`
	Reasons            []string          `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// Empty reports whether no component differs.
func (c Comparison) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}
