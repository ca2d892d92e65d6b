//go:build !integration

package main

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
)

func writeBatchZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "batch.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func TestCollectSources_FilesAndZip(t *testing.T) {
	cfg = testConfig(t)
	dir := t.TempDir()
	single := filepath.Join(dir, "run-1.csv")
	require.NoError(t, os.WriteFile(single, []byte(runA), 0o644))
	archive := writeBatchZIP(t, map[string]string{
		"run-2.csv":          runA,
		"run-3.csv":          runB,
		"__MACOSX/._run.csv": "junk",
		"readme.txt":         "not a lab export",
	})

	sources, err := collectSources(context.Background(), []string{single, archive}, t.TempDir(), newRemoteBreakers())
	require.NoError(t, err)

	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"run-1.csv", "run-2.csv", "run-3.csv"}, names)

	rc, err := sources[0].Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}

func TestCollectSources_BadZip(t *testing.T) {
	cfg = testConfig(t)
	p := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0o644))
	_, err := collectSources(context.Background(), []string{p}, t.TempDir(), newRemoteBreakers())
	assert.Error(t, err)
}

func TestCollectSources_BreakerPerFTPHost(t *testing.T) {
	cfg = testConfig(t)
	breakers := newRemoteBreakers()

	sources, err := collectSources(context.Background(), []string{
		"ftp://lab-a.example.com/runs/lot-1.csv",
		"ftp://LAB-B.example.com:2121/lot-2.csv",
		"ftp://lab-a.example.com/runs/lot-3.xlsx",
	}, t.TempDir(), breakers)
	require.NoError(t, err)
	require.Len(t, sources, 3)
	assert.Equal(t, "lot-2.csv", sources[1].Name)

	states := breakers.States()
	assert.Len(t, states, 2)
	assert.Equal(t, resilience.CircuitClosed, states["ftp://lab-a.example.com"])
	assert.Equal(t, resilience.CircuitClosed, states["ftp://lab-b.example.com:2121"])
}

func TestFTPEndpoint(t *testing.T) {
	got, err := ftpEndpoint("ftp://Lab.Example.com/drop/")
	require.NoError(t, err)
	assert.Equal(t, "ftp://lab.example.com", got)

	_, err = ftpEndpoint("ftp:///drop/lot.csv")
	assert.Error(t, err)
}

func TestIngestSources(t *testing.T) {
	cfg = testConfig(t)
	ctx := context.Background()
	env, err := initEnv(ctx, "cli")
	require.NoError(t, err)
	defer env.Close()

	m := &model.Material{ReferenceCode: "RM-001", Name: "Orange oil"}
	require.NoError(t, env.Engine.CreateMaterial(ctx, m))

	dir := t.TempDir()
	good := filepath.Join(dir, "good.csv")
	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(good, []byte(runA), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("Name,Area\nLimonene,90\n"), 0o644))

	sources := []labSource{fileSource(good), fileSource(bad), fileSource(filepath.Join(dir, "missing.csv"))}
	results := ingestSources(ctx, env.Engine, m.ID, sources, 1, ingest.Metadata{BatchNumber: "B-7"}, 2)
	require.Len(t, results, 3)

	assert.Equal(t, "good.csv", results[0].Source)
	require.NotNil(t, results[0].Record)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, model.ProcessingProcessed, results[0].Record.Status)
	assert.Equal(t, "B-7", results[0].Record.BatchNumber)
	assert.Equal(t, "good.csv", results[0].Record.Filename)

	require.NotNil(t, results[1].Record)
	assert.Equal(t, model.ProcessingFailed, results[1].Record.Status)
	assert.NotEmpty(t, results[1].Error)

	assert.Nil(t, results[2].Record)
	assert.Contains(t, results[2].Error, "open lab export")
}
