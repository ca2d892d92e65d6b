package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/composite-cli/internal/config"
)

// Checker refreshes the pipeline gauges and watches the undelivered-alert
// backlog in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	cfg       config.MonitoringConfig
}

// NewChecker creates a background checker. metrics and alerter may be nil.
func NewChecker(collector *Collector, alerter *Alerter, metrics *Metrics, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Run checks once immediately and then on every interval. It blocks until
// ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting checker", zap.Duration("interval", interval))

	c.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot, updates the gauges, and alerts when the backlog
// of undelivered alerts exceeds the configured threshold. It returns the
// snapshot, or nil when collection failed.
func (c *Checker) Check(ctx context.Context) *Snapshot {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		zap.L().Error("monitoring: failed to collect snapshot", zap.Error(err))
		return nil
	}
	if c.metrics != nil {
		c.metrics.ObserveSnapshot(snap)
	}

	if alerts := c.Evaluate(snap); len(alerts) > 0 && c.alerter != nil {
		c.alerter.SendAlerts(ctx, alerts)
	}
	return snap
}

// Evaluate returns the alerts a snapshot warrants.
func (c *Checker) Evaluate(snap *Snapshot) []Alert {
	if c.cfg.BacklogThreshold <= 0 || snap.UndeliveredAlerts <= c.cfg.BacklogThreshold {
		return nil
	}
	return []Alert{{
		Type:     AlertBacklog,
		Severity: "high",
		Message: fmt.Sprintf("%d undelivered alerts exceed the backlog threshold of %d",
			snap.UndeliveredAlerts, c.cfg.BacklogThreshold),
		Details: map[string]any{
			"undelivered": snap.UndeliveredAlerts,
			"threshold":   c.cfg.BacklogThreshold,
		},
		Timestamp: snap.CollectedAt,
	}}
}
