// Package compare quantifies drift between two composite ledgers.
package compare

import (
	"fmt"
	"math"
	"sort"

	"github.com/sells-group/composite-cli/internal/model"
)

// Thresholds decide when a comparison is significant.
type Thresholds struct {
	// TotalScore is the aggregate drift, in percentage points, above which a
	// comparison is significant.
	TotalScore float64 `mapstructure:"total_score" validate:"gte=0"`
	// PerComponent is the single-component drift above which a comparison is
	// significant.
	PerComponent float64 `mapstructure:"per_component" validate:"gte=0"`
	// Tolerance is the absolute difference below which two percentages are
	// treated as equal.
	Tolerance float64 `mapstructure:"tolerance" validate:"gte=0"`
}

// DefaultThresholds returns 5.0 points total, 2.0 points per component, and
// a 0.0001 point tolerance.
func DefaultThresholds() Thresholds {
	return Thresholds{TotalScore: 5.0, PerComponent: 2.0, Tolerance: 1e-4}
}

// Compare joins the ledgers of prev and next by component key. Added and
// removed components count with a zero on the missing side. The change on
// every component is next minus prev, so Compare(a, b) and Compare(b, a) have
// the same partitions with added and removed swapped and negated changes.
func Compare(prev, next *model.Composite, th Thresholds) model.Comparison {
	cmp := model.Comparison{
		OldCompositeID: prev.ID,
		NewCompositeID: next.ID,
		OldVersion:     prev.Version,
		NewVersion:     next.Version,
		CrossMaterial:  prev.MaterialID != next.MaterialID,
		Added:          []model.ComponentChange{},
		Removed:        []model.ComponentChange{},
		Changed:        []model.ComponentChange{},
	}

	for _, key := range next.Ledger.Keys() {
		nc := next.Ledger[key]
		oc, ok := prev.Ledger[key]
		if !ok {
			cmp.Added = append(cmp.Added, change(nil, &nc))
			continue
		}
		if math.Abs(nc.Percentage-oc.Percentage) > th.Tolerance || nc.Type != oc.Type {
			cmp.Changed = append(cmp.Changed, change(&oc, &nc))
		}
	}
	for _, key := range prev.Ledger.Keys() {
		if _, ok := next.Ledger[key]; ok {
			continue
		}
		oc := prev.Ledger[key]
		cmp.Removed = append(cmp.Removed, change(&oc, nil))
	}

	for _, part := range [][]model.ComponentChange{cmp.Added, cmp.Removed, cmp.Changed} {
		for _, ch := range part {
			abs := math.Abs(ch.Change)
			cmp.TotalChangeScore += abs
			cmp.MaxComponentChange = math.Max(cmp.MaxComponentChange, abs)
		}
	}
	for _, part := range [][]model.ComponentChange{cmp.Added, cmp.Removed, cmp.Changed} {
		sortByMagnitude(part)
	}

	if cmp.TotalChangeScore > th.TotalScore {
		cmp.Reasons = append(cmp.Reasons, fmt.Sprintf("total change %.2f exceeds %.2f", cmp.TotalChangeScore, th.TotalScore))
	}
	if cmp.MaxComponentChange > th.PerComponent {
		cmp.Reasons = append(cmp.Reasons, fmt.Sprintf("component change %.2f exceeds %.2f", cmp.MaxComponentChange, th.PerComponent))
	}
	cmp.SignificantChanges = len(cmp.Reasons) > 0
	return cmp
}

func change(prev, next *model.Component) model.ComponentChange {
	ch := model.ComponentChange{}
	var oldPct, newPct float64
	if prev != nil {
		ch.Key, ch.Name, ch.CAS = prev.Key, prev.Name, prev.CAS
		ch.OldType = prev.Type
		oldPct = prev.Percentage
		ch.OldPercentage = &oldPct
	}
	if next != nil {
		ch.Key, ch.Name, ch.CAS = next.Key, next.Name, next.CAS
		ch.NewType = next.Type
		newPct = next.Percentage
		ch.NewPercentage = &newPct
	}
	ch.Change = newPct - oldPct
	if oldPct > 0 {
		pct := ch.Change / oldPct * 100
		ch.ChangePercent = &pct
	}
	return ch
}

// sortByMagnitude orders changes by descending |change|, ties by key.
func sortByMagnitude(changes []model.ComponentChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		ai, aj := math.Abs(changes[i].Change), math.Abs(changes[j].Change)
		if ai != aj {
			return ai > aj
		}
		return changes[i].Key < changes[j].Key
	})
}
