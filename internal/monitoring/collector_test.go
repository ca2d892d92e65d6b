package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
	"github.com/sells-group/composite-cli/internal/store"
)

// fakeSource serves canned composites and workflows.
type fakeSource struct {
	composites []model.Composite
	workflows  []model.ApprovalWorkflow
	dlqCount   int
	listErr    error
	dlqErr     error
}

func (f *fakeSource) ListComposites(_ context.Context, filter store.CompositeFilter) ([]model.Composite, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.Composite
	for _, c := range f.composites {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeSource) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]model.ApprovalWorkflow, error) {
	var out []model.ApprovalWorkflow
	for _, wf := range f.workflows {
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func (f *fakeSource) CountDLQ(context.Context) (int, error) {
	return f.dlqCount, f.dlqErr
}

func TestCollector_EmptyStore(t *testing.T) {
	snap, err := NewCollector(&fakeSource{}).Collect(context.Background())
	require.NoError(t, err)

	assert.Len(t, snap.CompositesByStatus, 5)
	assert.Equal(t, 0, snap.CompositesByStatus[model.CompositeDraft])
	assert.Zero(t, snap.PendingWorkflows)
	assert.Nil(t, snap.OldestPending)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_CountsByStatus(t *testing.T) {
	old := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		composites: []model.Composite{
			{ID: "c1", Status: model.CompositeDraft},
			{ID: "c2", Status: model.CompositeDraft},
			{ID: "c3", Status: model.CompositePendingApproval},
			{ID: "c4", Status: model.CompositeApproved},
		},
		workflows: []model.ApprovalWorkflow{
			{ID: "w1", Status: model.WorkflowPending, CreatedAt: old.Add(48 * time.Hour)},
			{ID: "w2", Status: model.WorkflowInReview, CreatedAt: old},
			{ID: "w3", Status: model.WorkflowApproved, CreatedAt: old.Add(-time.Hour)},
		},
		dlqCount: 3,
	}

	snap, err := NewCollector(src).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, snap.CompositesByStatus[model.CompositeDraft])
	assert.Equal(t, 1, snap.CompositesByStatus[model.CompositePendingApproval])
	assert.Equal(t, 1, snap.CompositesByStatus[model.CompositeApproved])
	assert.Equal(t, 0, snap.CompositesByStatus[model.CompositeArchived])
	assert.Equal(t, 1, snap.PendingWorkflows)
	assert.Equal(t, 1, snap.InReviewWorkflows)
	require.NotNil(t, snap.OldestPending)
	assert.Equal(t, old, *snap.OldestPending)
	assert.Equal(t, 3, snap.UndeliveredAlerts)
}

func TestCollector_ListError(t *testing.T) {
	_, err := NewCollector(&fakeSource{listErr: errors.New("db down")}).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestCollector_DLQError(t *testing.T) {
	_, err := NewCollector(&fakeSource{dlqErr: errors.New("no table")}).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count undelivered alerts")
}

func TestCollector_BreakerStates(t *testing.T) {
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	_ = breakers.Get("ftp://lab-a.example.com").Execute(context.Background(), func(context.Context) error {
		return errors.New("530 login incorrect")
	})
	breakers.Get("ftp://lab-b.example.com")

	snap, err := NewCollector(&fakeSource{}).WithBreakers(breakers).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"ftp://lab-a.example.com": "open",
		"ftp://lab-b.example.com": "closed",
	}, snap.Breakers)
}

func TestCollector_NoBreakersSeen(t *testing.T) {
	var none *resilience.ServiceBreakers
	snap, err := NewCollector(&fakeSource{}).WithBreakers(none).Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Breakers)
}
