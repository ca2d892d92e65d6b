package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
	"github.com/sells-group/composite-cli/internal/store"
)

// scanLimit bounds each list query made while collecting a snapshot.
const scanLimit = 10000

var compositeStatuses = []model.CompositeStatus{
	model.CompositeDraft,
	model.CompositePendingApproval,
	model.CompositeApproved,
	model.CompositeRejected,
	model.CompositeArchived,
}

// Source is the read side of the store the collector needs.
type Source interface {
	ListComposites(ctx context.Context, filter store.CompositeFilter) ([]model.Composite, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]model.ApprovalWorkflow, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Snapshot is a point-in-time view of the approval pipeline.
type Snapshot struct {
	CompositesByStatus map[model.CompositeStatus]int `json:"composites_by_status"`
	PendingWorkflows   int                           `json:"pending_workflows"`
	InReviewWorkflows  int                           `json:"in_review_workflows"`
	// OldestPending is when the longest-waiting open workflow was created.
	OldestPending     *time.Time `json:"oldest_pending,omitempty"`
	UndeliveredAlerts int        `json:"undelivered_alerts"`
	// Breakers maps each remote endpoint seen by this process to its
	// circuit state.
	Breakers    map[string]string `json:"breakers,omitempty"`
	CollectedAt time.Time         `json:"collected_at"`
}

// BreakerSource reports the circuit state of each remote endpoint.
type BreakerSource interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers snapshots from the store.
type Collector struct {
	src      Source
	breakers BreakerSource
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// WithBreakers adds breaker states to every snapshot.
func (c *Collector) WithBreakers(b BreakerSource) *Collector {
	c.breakers = b
	return c
}

// Collect counts composites per status, open workflows, and parked alerts.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		CompositesByStatus: make(map[model.CompositeStatus]int, len(compositeStatuses)),
		CollectedAt:        time.Now().UTC(),
	}

	for _, st := range compositeStatuses {
		list, err := c.src.ListComposites(ctx, store.CompositeFilter{Status: st, Limit: scanLimit})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list %s composites", st)
		}
		snap.CompositesByStatus[st] = len(list)
	}

	for _, st := range []model.WorkflowStatus{model.WorkflowPending, model.WorkflowInReview} {
		list, err := c.src.ListWorkflows(ctx, store.WorkflowFilter{Status: st, Limit: scanLimit})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list %s workflows", st)
		}
		if st == model.WorkflowPending {
			snap.PendingWorkflows = len(list)
		} else {
			snap.InReviewWorkflows = len(list)
		}
		for _, wf := range list {
			if snap.OldestPending == nil || wf.CreatedAt.Before(*snap.OldestPending) {
				created := wf.CreatedAt
				snap.OldestPending = &created
			}
		}
	}

	n, err := c.src.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count undelivered alerts")
	}
	snap.UndeliveredAlerts = n

	if c.breakers != nil {
		if states := c.breakers.States(); len(states) > 0 {
			snap.Breakers = make(map[string]string, len(states))
			for name, st := range states {
				snap.Breakers[name] = st.String()
			}
		}
	}
	return snap, nil
}

// CompositeStatuses returns the statuses a snapshot counts, in lifecycle order.
func CompositeStatuses() []model.CompositeStatus {
	return append([]model.CompositeStatus(nil), compositeStatuses...)
}
