// Package aggregate reduces a set of analysis records into a single
// weight-averaged component ledger.
package aggregate

import (
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/composite-cli/internal/model"
)

// Policy decides how a record that did not report a component contributes to
// that component's denominator.
type Policy string

const (
	// PolicyZeroFill counts a missing component as 0% in that record, so every
	// contributing record's weight is in every denominator.
	PolicyZeroFill Policy = "zero_fill"
	// PolicyPresentOnly divides only by the weights of records that reported
	// the component.
	PolicyPresentOnly Policy = "present_only"
)

// MethodWeightedAverage is recorded in composite metadata.
const MethodWeightedAverage = "weighted_average"

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyZeroFill || p == PolicyPresentOnly
}

// ParsePolicy parses a configured policy name. Empty means zero-fill.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PolicyZeroFill, nil
	}
	p := Policy(s)
	if !p.Valid() {
		return "", model.NewError(model.KindValidation, "unknown denominator policy %q", s)
	}
	return p, nil
}

// Options configures Aggregate.
type Options struct {
	Policy Policy
	// Workers bounds the goroutines used for the per-component reduction.
	// Zero uses GOMAXPROCS.
	Workers int
}

// DefaultOptions returns zero-fill with GOMAXPROCS workers.
func DefaultOptions() Options {
	return Options{Policy: PolicyZeroFill}
}

// Result is the reduced ledger plus provenance for the composite metadata.
type Result struct {
	Ledger   model.Ledger
	Metadata model.CompositeMetadata
}

// minChunk keeps tiny ledgers on a single goroutine.
const minChunk = 32

// Aggregate computes the weighted average of every component across the
// PROCESSED records in records. Records in any other status are skipped and
// listed in the metadata. When every contributing record has the same weight,
// unit weights are used so that a single record reproduces its ledger exactly.
//
// The result does not depend on goroutine scheduling: each component is
// reduced by exactly one goroutine, summing contributions in record order.
func Aggregate(records []model.AnalysisRecord, opts Options) (*Result, error) {
	if opts.Policy == "" {
		opts.Policy = PolicyZeroFill
	}
	if !opts.Policy.Valid() {
		return nil, model.NewError(model.KindValidation, "unknown denominator policy %q", opts.Policy)
	}

	var usable []model.AnalysisRecord
	meta := model.CompositeMetadata{
		CalculationMethod: MethodWeightedAverage,
		DenominatorPolicy: string(opts.Policy),
	}
	batches := newOrderedSet()
	suppliers := newOrderedSet()
	for _, rec := range records {
		if !rec.Usable() {
			meta.SkippedIDs = append(meta.SkippedIDs, rec.ID)
			continue
		}
		usable = append(usable, rec)
		meta.AnalysisIDs = append(meta.AnalysisIDs, rec.ID)
		batches.add(rec.BatchNumber)
		suppliers.add(rec.Supplier)
	}
	if len(usable) == 0 {
		return nil, model.NewError(model.KindNoUsableAnalyses, "no PROCESSED analyses among %d supplied", len(records))
	}
	meta.AnalysisCount = len(usable)
	meta.Batches = batches.items
	meta.Suppliers = suppliers.items

	weights := effectiveWeights(usable)
	var totalWeight float64
	for _, w := range weights {
		totalWeight += w
	}

	keys := unionKeys(usable)
	out := make([]model.Component, len(keys))

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunk := (len(keys) + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < len(keys); start += chunk {
		end := min(start+chunk, len(keys))
		g.Go(func() error {
			for i := start; i < end; i++ {
				out[i] = reduce(keys[i], usable, weights, totalWeight, opts.Policy)
			}
			return nil
		})
	}
	_ = g.Wait() // reducers never fail

	ledger := make(model.Ledger, len(out))
	for _, c := range out {
		ledger[c.Key] = c
	}
	return &Result{Ledger: ledger, Metadata: meta}, nil
}

// reduce computes one component across all usable records.
func reduce(key string, records []model.AnalysisRecord, weights []float64, totalWeight float64, policy Policy) model.Component {
	var (
		c          model.Component
		found      bool
		weighted   float64
		present    float64
		confSum    float64
		confWeight float64
		components int
		impurities int
	)
	for i, rec := range records {
		rc, ok := rec.Ledger[key]
		if !ok {
			continue
		}
		w := weights[i]
		if !found {
			c = model.Component{Key: key, Name: rc.Name, CAS: rc.CAS}
			found = true
		}
		weighted += w * rc.Percentage
		present += w
		if rc.Confidence != nil {
			confSum += w * *rc.Confidence
			confWeight += w
		}
		if rc.Type == model.ComponentTypeImpurity {
			impurities++
		} else {
			components++
		}
	}

	denom := totalWeight
	if policy == PolicyPresentOnly {
		denom = present
	}
	c.Percentage = weighted / denom

	c.Type = model.ComponentTypeComponent
	if impurities > components {
		c.Type = model.ComponentTypeImpurity
	}
	if confWeight > 0 {
		v := confSum / confWeight
		c.Confidence = &v
	}
	return c
}

func effectiveWeights(records []model.AnalysisRecord) []float64 {
	weights := make([]float64, len(records))
	uniform := true
	for i, rec := range records {
		weights[i] = rec.Weight
		if rec.Weight != records[0].Weight {
			uniform = false
		}
	}
	if uniform {
		for i := range weights {
			weights[i] = 1
		}
	}
	return weights
}

func unionKeys(records []model.AnalysisRecord) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, rec := range records {
		for _, k := range rec.Ledger.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}
