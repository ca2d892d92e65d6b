package monitoring

import (
	"context"

	"github.com/sells-group/composite-cli/internal/model"
)

// Notifier forwards engine events to the metrics and raises an alert when an
// approval overrides significant drift. Either field may be nil.
type Notifier struct {
	Metrics *Metrics
	Alerter *Alerter
}

func (n *Notifier) AnalysisIngested(status model.ProcessingStatus) {
	if n.Metrics != nil {
		n.Metrics.AnalysisIngested(status)
	}
}

func (n *Notifier) CompositeCreated(origin model.Origin) {
	if n.Metrics != nil {
		n.Metrics.CompositeCreated(origin)
	}
}

func (n *Notifier) CompositeTransitioned(from, to model.CompositeStatus) {
	if n.Metrics != nil {
		n.Metrics.CompositeTransitioned(from, to)
	}
}

func (n *Notifier) DriftMeasured(cmp *model.Comparison) {
	if n.Metrics != nil {
		n.Metrics.DriftMeasured(cmp)
	}
}

// ApprovalOverridden sends an approval_override alert when a webhook is
// configured.
func (n *Notifier) ApprovalOverridden(ctx context.Context, c *model.Composite, cmp *model.Comparison, comments string) {
	if n.Alerter == nil || !n.Alerter.Enabled() {
		return
	}
	n.Alerter.SendAlerts(ctx, []Alert{OverrideAlert(c, cmp, comments)})
}
