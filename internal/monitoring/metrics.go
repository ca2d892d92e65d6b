package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/composite-cli/internal/model"
)

const namespace = "composite"

// Metrics holds the Prometheus collectors for the engine. It satisfies
// engine.Observer.
type Metrics struct {
	AnalysesIngested  *prometheus.CounterVec
	CompositesCreated *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	DriftScore        prometheus.Histogram
	AlertsSent        *prometheus.CounterVec

	CompositesByStatus *prometheus.GaugeVec
	OpenWorkflows      *prometheus.GaugeVec
	UndeliveredAlerts  prometheus.Gauge
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AnalysesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_ingested_total",
			Help:      "Analysis records stored, by processing status.",
		}, []string{"status"}),
		CompositesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composites_created_total",
			Help:      "Composites created, by origin.",
		}, []string{"origin"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_transitions_total",
			Help:      "Composite status transitions, by source and target status.",
		}, []string{"from", "to"}),
		DriftScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drift_total_change_score",
			Help:      "Total change score of composite comparisons.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 50},
		}),
		AlertsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Webhook alert deliveries, by type and result.",
		}, []string{"type", "result"}),
		CompositesByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "composites",
			Help:      "Composites currently in each status.",
		}, []string{"status"}),
		OpenWorkflows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_workflows",
			Help:      "Approval workflows awaiting a decision, by status.",
		}, []string{"status"}),
		UndeliveredAlerts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "undelivered_alerts",
			Help:      "Alerts parked in the dead letter queue.",
		}),
	}
}

// AnalysisIngested counts a stored analysis record.
func (m *Metrics) AnalysisIngested(status model.ProcessingStatus) {
	m.AnalysesIngested.WithLabelValues(string(status)).Inc()
}

// CompositeCreated counts a new composite version.
func (m *Metrics) CompositeCreated(origin model.Origin) {
	m.CompositesCreated.WithLabelValues(string(origin)).Inc()
}

// CompositeTransitioned counts a persisted status change.
func (m *Metrics) CompositeTransitioned(from, to model.CompositeStatus) {
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// DriftMeasured records the total change score of a comparison.
func (m *Metrics) DriftMeasured(cmp *model.Comparison) {
	m.DriftScore.Observe(cmp.TotalChangeScore)
}

// ObserveSnapshot sets the gauges from a collected snapshot.
func (m *Metrics) ObserveSnapshot(snap *Snapshot) {
	for _, st := range compositeStatuses {
		m.CompositesByStatus.WithLabelValues(string(st)).Set(float64(snap.CompositesByStatus[st]))
	}
	m.OpenWorkflows.WithLabelValues(string(model.WorkflowPending)).Set(float64(snap.PendingWorkflows))
	m.OpenWorkflows.WithLabelValues(string(model.WorkflowInReview)).Set(float64(snap.InReviewWorkflows))
	m.UndeliveredAlerts.Set(float64(snap.UndeliveredAlerts))
}

func (m *Metrics) alertResult(t AlertType, result string) {
	if m == nil {
		return
	}
	m.AlertsSent.WithLabelValues(string(t), result).Inc()
}
