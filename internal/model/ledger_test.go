package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestComponentKey_PrefersCAS(t *testing.T) {
	assert.Equal(t, "cas:5989-27-5", ComponentKey("5989-27-5", "Limonene"))
	assert.Equal(t, "cas:5989-27-5", ComponentKey(" 5989-27-5 ", ""))
}

func TestComponentKey_NormalizesName(t *testing.T) {
	assert.Equal(t, "name:d-limonene", ComponentKey("", "  D-Limonene "))
	assert.Equal(t, "name:alpha pinene", ComponentKey("", "Alpha   PINENE"))
	assert.Equal(t, ComponentKey("", "ÉTHANOL"), ComponentKey("", "éthanol"))
}

func TestComponentKey_Empty(t *testing.T) {
	assert.Equal(t, "", ComponentKey("", "   "))
}

func TestParseComponentType(t *testing.T) {
	ct, err := ParseComponentType(" impurity ")
	require.NoError(t, err)
	assert.Equal(t, ComponentTypeImpurity, ct)

	_, err = ParseComponentType("solvent")
	assert.Error(t, err)
}

func TestLedger_SortedAndTotal(t *testing.T) {
	l := NewLedger(
		Component{Name: "Citral", Percentage: 5},
		Component{Name: "Limonene", Percentage: 70},
		Component{Name: "Linalool", Percentage: 5},
	)

	sorted := l.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, "name:limonene", sorted[0].Key)
	assert.Equal(t, "name:citral", sorted[1].Key)
	assert.Equal(t, "name:linalool", sorted[2].Key)
	assert.InDelta(t, 80.0, l.Total(), 1e-9)
}

func TestLedger_CloneIsDeep(t *testing.T) {
	conf := 90.0
	l := NewLedger(Component{Name: "Limonene", Percentage: 70, Confidence: &conf})
	c := l.Clone()

	*c["name:limonene"].Confidence = 10
	assert.InDelta(t, 90.0, *l["name:limonene"].Confidence, 1e-9)
}

func TestLedger_JSONRoundTripKeepsKeys(t *testing.T) {
	l := NewLedger(
		Component{CAS: "5989-27-5", Name: "Limonene", Percentage: 70, Type: ComponentTypeComponent},
		Component{Name: "Water", Percentage: 0.4, Type: ComponentTypeImpurity},
	)

	data, err := json.Marshal(l)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"key":"cas:5989-27-5"`)

	var back Ledger
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, l, back)
}

func TestLedger_YAMLIsSortedList(t *testing.T) {
	l := NewLedger(
		Component{Name: "B", Percentage: 1},
		Component{Name: "A", Percentage: 2},
	)
	out, err := yaml.Marshal(l)
	require.NoError(t, err)
	assert.Regexp(t, `(?s)name: A.*name: B`, string(out))
}
