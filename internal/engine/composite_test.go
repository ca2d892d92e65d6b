package engine

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/store"
)

func TestAggregate_WeightedZeroFill(t *testing.T) {
	e, obs := newTestEngine(t)
	m := createMaterial(t, e, "RM-001")
	a1 := ingestRows(t, e, m.ID, 2, row("Limonene", "", 70), row("Citral", "", 5))
	a2 := ingestRows(t, e, m.ID, 1, row("Limonene", "", 60), row("Linalool", "", 10))

	c, err := e.Aggregate(context.Background(), m.ID, []string{a1.ID, a2.ID}, "", "first pass")
	require.NoError(t, err)

	assert.Equal(t, 1, c.Version)
	assert.Equal(t, model.OriginCalculated, c.Origin)
	assert.Equal(t, model.CompositeDraft, c.Status)
	assert.Equal(t, "first pass", c.Notes)
	assert.InDelta(t, 66.6667, c.Ledger["name:limonene"].Percentage, 1e-4)
	assert.InDelta(t, 3.3333, c.Ledger["name:citral"].Percentage, 1e-4)
	assert.InDelta(t, 3.3333, c.Ledger["name:linalool"].Percentage, 1e-4)
	assert.Equal(t, []string{a1.ID, a2.ID}, c.Metadata.AnalysisIDs)
	assert.Equal(t, []model.Origin{model.OriginCalculated}, obs.created)

	stored, err := e.GetComposite(context.Background(), c.ID)
	require.NoError(t, err)
	assert.InDelta(t, c.Ledger["name:limonene"].Percentage, stored.Ledger["name:limonene"].Percentage, 1e-9)
	assert.Equal(t, "zero_fill", stored.Metadata.DenominatorPolicy)
}

func TestAggregate_PresentOnlyPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Aggregate.DenominatorPolicy = "present_only"
	e, err := New(cfg, newTestStore(t), nil)
	require.NoError(t, err)
	m := createMaterial(t, e, "RM-001")
	a1 := ingestRows(t, e, m.ID, 2, row("Limonene", "", 70), row("Citral", "", 5))
	a2 := ingestRows(t, e, m.ID, 1, row("Limonene", "", 60))

	c, err := e.Aggregate(context.Background(), m.ID, []string{a1.ID, a2.ID}, model.OriginLab, "")
	require.NoError(t, err)
	assert.Equal(t, model.OriginLab, c.Origin)
	assert.InDelta(t, 5.0, c.Ledger["name:citral"].Percentage, 1e-9)
}

func TestAggregate_VersionsNeverReused(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMaterial(t, e, "RM-001")
	a := ingestRows(t, e, m.ID, 1, row("Limonene", "", 90))

	c1, err := e.Aggregate(ctx, m.ID, []string{a.ID}, "", "")
	require.NoError(t, err)
	c2, err := e.Aggregate(ctx, m.ID, []string{a.ID}, "", "")
	require.NoError(t, err)
	require.NoError(t, e.DeleteDraft(ctx, c2.ID))
	c3, err := e.Aggregate(ctx, m.ID, []string{a.ID}, "", "")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, []int{c1.Version, c2.Version, c3.Version})
}

func TestAggregate_ConcurrentCallsGetDistinctVersions(t *testing.T) {
	e, _ := newTestEngine(t)
	m := createMaterial(t, e, "RM-001")
	a := ingestRows(t, e, m.ID, 1, row("Limonene", "", 90))

	const n = 8
	versions := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := e.Aggregate(context.Background(), m.ID, []string{a.ID}, "", "")
			if assert.NoError(t, err) {
				versions[i] = c.Version
			}
		}()
	}
	wg.Wait()

	sort.Ints(versions)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, versions)
}

func TestAggregate_NoUsableAnalyses(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMaterial(t, e, "RM-001")

	_, err := e.Aggregate(ctx, m.ID, nil, "", "")
	assert.ErrorIs(t, err, model.ErrNoUsableAnalyses)

	failed, ingestErr := e.IngestAnalysis(ctx, IngestRequest{MaterialID: m.ID, Weight: 1})
	require.Error(t, ingestErr)
	_, err = e.Aggregate(ctx, m.ID, []string{failed.ID}, "", "")
	assert.ErrorIs(t, err, model.ErrNoUsableAnalyses)

	list, err := e.ListComposites(ctx, store.CompositeFilter{MaterialID: m.ID})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAggregate_SkipsFailedAnalyses(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMaterial(t, e, "RM-001")
	good := ingestRows(t, e, m.ID, 1, row("Limonene", "", 90))
	failed, _ := e.IngestAnalysis(ctx, IngestRequest{MaterialID: m.ID, Weight: 1})

	c, err := e.Aggregate(ctx, m.ID, []string{good.ID, failed.ID}, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{failed.ID}, c.Metadata.SkippedIDs)
	assert.InDelta(t, 90.0, c.Ledger["name:limonene"].Percentage, 1e-9)
}

func TestAggregate_RejectsForeignAndDuplicateAnalyses(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	m1 := createMaterial(t, e, "RM-001")
	m2 := createMaterial(t, e, "RM-002")
	a1 := ingestRows(t, e, m1.ID, 1, row("Limonene", "", 90))
	a2 := ingestRows(t, e, m2.ID, 1, row("Limonene", "", 90))

	_, err := e.Aggregate(ctx, m1.ID, []string{a1.ID, a2.ID}, "", "")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = e.Aggregate(ctx, m1.ID, []string{a1.ID, a1.ID}, "", "")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = e.Aggregate(ctx, m1.ID, []string{"missing"}, "", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAggregate_ManualOriginRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	m := createMaterial(t, e, "RM-001")
	a := ingestRows(t, e, m.ID, 1, row("Limonene", "", 90))

	_, err := e.Aggregate(context.Background(), m.ID, []string{a.ID}, model.OriginManual, "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAggregateAll(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMaterial(t, e, "RM-001")
	a1 := ingestRows(t, e, m.ID, 1, row("Limonene", "", 80))
	a2 := ingestRows(t, e, m.ID, 1, row("Limonene", "", 90))
	_, _ = e.IngestAnalysis(ctx, IngestRequest{MaterialID: m.ID, Weight: 1})

	c, err := e.AggregateAll(ctx, m.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID, a2.ID}, c.Metadata.AnalysisIDs)
	assert.InDelta(t, 85.0, c.Ledger["name:limonene"].Percentage, 1e-9)
}

func TestCreateManual(t *testing.T) {
	e, obs := newTestEngine(t)
	m := createMaterial(t, e, "RM-001")

	c, err := e.CreateManual(context.Background(), m.ID, []ingest.Row{
		row("Limonene", casLimonene, 95),
		row("Myrcene", "", 2),
	}, "from supplier CoA")
	require.NoError(t, err)

	assert.Equal(t, model.OriginManual, c.Origin)
	assert.Equal(t, model.CompositeDraft, c.Status)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, "manual", c.Metadata.CalculationMethod)
	assert.InDelta(t, 95.0, c.Ledger["cas:"+casLimonene].Percentage, 1e-9)
	assert.Equal(t, []model.Origin{model.OriginManual}, obs.created)

	_, err = e.CreateManual(context.Background(), m.ID, []ingest.Row{row("Limonene", "", -1)}, "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCompare_SelfIsEmpty(t *testing.T) {
	e, obs := newTestEngine(t)
	m := createMaterial(t, e, "RM-001")
	a := ingestRows(t, e, m.ID, 1, row("Limonene", "", 90), row("Citral", "", 4))
	c, err := e.Aggregate(context.Background(), m.ID, []string{a.ID}, "", "")
	require.NoError(t, err)

	cmp, err := e.Compare(context.Background(), c.ID, c.ID)
	require.NoError(t, err)
	assert.True(t, cmp.Empty())
	assert.Zero(t, cmp.TotalChangeScore)
	assert.False(t, cmp.SignificantChanges)
	assert.Equal(t, 1, obs.drifts)
}

func TestCompare_AntiSymmetric(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMaterial(t, e, "RM-001")
	a1 := ingestRows(t, e, m.ID, 1, row("Limonene", "", 90), row("Citral", "", 4))
	a2 := ingestRows(t, e, m.ID, 1, row("Limonene", "", 80), row("Linalool", "", 6))
	c1, err := e.Aggregate(ctx, m.ID, []string{a1.ID}, "", "")
	require.NoError(t, err)
	c2, err := e.Aggregate(ctx, m.ID, []string{a2.ID}, "", "")
	require.NoError(t, err)

	ab, err := e.Compare(ctx, c1.ID, c2.ID)
	require.NoError(t, err)
	ba, err := e.Compare(ctx, c2.ID, c1.ID)
	require.NoError(t, err)

	require.Len(t, ab.Changed, 1)
	require.Len(t, ba.Changed, 1)
	assert.InDelta(t, -ab.Changed[0].Change, ba.Changed[0].Change, 1e-12)
	assert.Len(t, ab.Added, len(ba.Removed))
	assert.True(t, ab.SignificantChanges)
}

func TestCompare_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Compare(context.Background(), "a", "b")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteDraft_OnlyDrafts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMaterial(t, e, "RM-001")
	a := ingestRows(t, e, m.ID, 1, row("Limonene", "", 90))
	c, err := e.Aggregate(ctx, m.ID, []string{a.ID}, "", "")
	require.NoError(t, err)
	_, err = e.SubmitForApproval(ctx, c.ID, "")
	require.NoError(t, err)

	err = e.DeleteDraft(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	err = e.DeleteDraft(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
