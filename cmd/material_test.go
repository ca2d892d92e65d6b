//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/composite-cli/internal/labfile"
)

func TestCatalogRows(t *testing.T) {
	sheet := labfile.Sheet{
		Header: []string{"Code", "Name", "CAS Number", "Supplier", "Ignored"},
		Records: [][]string{
			{"RM-001", " Orange oil ", "8008-57-9", "Citrus Co", "x"},
			{"", "", "", "", ""},
			{"RM-002", "Lemon oil"},
		},
	}
	materials, err := catalogRows(sheet)
	require.NoError(t, err)
	require.Len(t, materials, 2)
	assert.Equal(t, "RM-001", materials[0].ReferenceCode)
	assert.Equal(t, "Orange oil", materials[0].Name)
	assert.Equal(t, "8008-57-9", materials[0].CASNumber)
	assert.Equal(t, "Citrus Co", materials[0].Supplier)
	assert.Equal(t, "Lemon oil", materials[1].Name)
	assert.Empty(t, materials[1].Supplier)
}

func TestCatalogRows_MissingColumns(t *testing.T) {
	_, err := catalogRows(labfile.Sheet{Header: []string{"name"}})
	assert.ErrorContains(t, err, "reference_code")

	_, err = catalogRows(labfile.Sheet{Header: []string{"code"}})
	assert.ErrorContains(t, err, "name")
}

func TestReadCatalog_YAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`materials:
  - reference_code: RM-001
    name: Orange oil
    cas_number: 8008-57-9
  - reference_code: RM-002
    name: Lemon oil
`), 0o644))

	materials, err := readCatalog(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, materials, 2)
	assert.Equal(t, "8008-57-9", materials[0].CASNumber)
	assert.Equal(t, "RM-002", materials[1].ReferenceCode)
}

func TestReadCatalog_CSV(t *testing.T) {
	p := filepath.Join(t.TempDir(), "catalog.csv")
	require.NoError(t, os.WriteFile(p, []byte("reference_code,name,type\nRM-001,Orange oil,essential oil\n"), 0o644))

	materials, err := readCatalog(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, materials, 1)
	assert.Equal(t, "essential oil", materials[0].MaterialType)
}

func TestReadCatalog_InvalidYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "catalog.yml")
	require.NoError(t, os.WriteFile(p, []byte("materials: [unclosed"), 0o644))
	_, err := readCatalog(context.Background(), p)
	assert.ErrorContains(t, err, "parse catalog")
}
