package model

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

// ComponentType classifies a ledger entry.
type ComponentType string

const (
	ComponentTypeComponent ComponentType = "COMPONENT"
	ComponentTypeImpurity  ComponentType = "IMPURITY"
)

// Valid reports whether t is one of the known component types.
func (t ComponentType) Valid() bool {
	return t == ComponentTypeComponent || t == ComponentTypeImpurity
}

// ParseComponentType parses a component type case-insensitively.
func ParseComponentType(s string) (ComponentType, error) {
	t := ComponentType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", eris.Errorf("unknown component type %q", s)
	}
	return t, nil
}

// Component is a single chemical entry of a ledger.
type Component struct {
	Key        string        `json:"key" yaml:"key"`
	Name       string        `json:"name" yaml:"name"`
	CAS        string        `json:"cas_number,omitempty" yaml:"cas_number,omitempty"`
	Percentage float64       `json:"percentage" yaml:"percentage"`
	Type       ComponentType `json:"type" yaml:"type"`
	Confidence *float64      `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// NormalizeName folds case, trims, and collapses internal whitespace so that
// "  d-Limonene " and "D-LIMONENE" share an identity.
func NormalizeName(name string) string {
	folded := cases.Fold().String(name)
	return strings.Join(strings.Fields(folded), " ")
}

// ComponentKey returns the natural identity key: the CAS number when present,
// otherwise the normalized name. Returns "" when neither is usable.
func ComponentKey(cas, name string) string {
	if cas = strings.TrimSpace(cas); cas != "" {
		return "cas:" + cas
	}
	if n := NormalizeName(name); n != "" {
		return "name:" + n
	}
	return ""
}

// Ledger is a keyed collection of components. Keys are ComponentKey values.
type Ledger map[string]Component

// NewLedger builds a ledger, filling in missing keys. Later entries with the
// same key replace earlier ones.
func NewLedger(components ...Component) Ledger {
	l := make(Ledger, len(components))
	for _, c := range components {
		l.Put(c)
	}
	return l
}

// Put stores c, deriving its key from CAS/name when unset.
func (l Ledger) Put(c Component) {
	if c.Key == "" {
		c.Key = ComponentKey(c.CAS, c.Name)
	}
	l[c.Key] = c
}

// Keys returns the ledger keys in lexical order.
func (l Ledger) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sorted returns components by descending percentage, ties broken by key.
// The order is for presentation only.
func (l Ledger) Sorted() []Component {
	out := make([]Component, 0, len(l))
	for _, c := range l {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Percentage != out[j].Percentage {
			return out[i].Percentage > out[j].Percentage
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Total sums the percentages. Lab ledgers rarely sum to exactly 100.
func (l Ledger) Total() float64 {
	var sum float64
	for _, k := range l.Keys() {
		sum += l[k].Percentage
	}
	return sum
}

// Clone returns a deep copy.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for k, c := range l {
		if c.Confidence != nil {
			v := *c.Confidence
			c.Confidence = &v
		}
		out[k] = c
	}
	return out
}

// MarshalJSON encodes the ledger as a sorted array.
func (l Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Sorted())
}

// UnmarshalJSON decodes the array form produced by MarshalJSON.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var components []Component
	if err := json.Unmarshal(data, &components); err != nil {
		return eris.Wrap(err, "ledger: unmarshal")
	}
	*l = NewLedger(components...)
	return nil
}

// MarshalYAML encodes the ledger as a sorted list.
func (l Ledger) MarshalYAML() (any, error) {
	return l.Sorted(), nil
}
