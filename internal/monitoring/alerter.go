package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/composite-cli/internal/compare"
	"github.com/sells-group/composite-cli/internal/config"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCompositeDrift   AlertType = "composite_drift"
	AlertApprovalOverride AlertType = "approval_override"
	AlertBacklog          AlertType = "alert_backlog"
)

// Redelivery backoff for parked alerts.
const (
	redeliverBase = time.Minute
	redeliverMax  = 6 * time.Hour
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type        AlertType      `json:"type"`
	Severity    string         `json:"severity"`
	Message     string         `json:"message"`
	MaterialID  string         `json:"material_id,omitempty"`
	CompositeID string         `json:"composite_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// DeadLetters parks alerts the webhook did not accept.
type DeadLetters interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// DriftAlert describes a significant change between a material's approved
// composite and a fresh one.
func DriftAlert(material *model.Material, cmp *model.Comparison, th compare.Thresholds) Alert {
	severity := "medium"
	if cmp.TotalChangeScore > 2*th.TotalScore {
		severity = "high"
	}
	details := map[string]any{
		"reference_code":       material.ReferenceCode,
		"old_version":          cmp.OldVersion,
		"new_version":          cmp.NewVersion,
		"total_change_score":   cmp.TotalChangeScore,
		"max_component_change": cmp.MaxComponentChange,
		"added":                len(cmp.Added),
		"removed":              len(cmp.Removed),
		"changed":              len(cmp.Changed),
	}
	return Alert{
		Type:     AlertCompositeDrift,
		Severity: severity,
		Message: fmt.Sprintf("Material %s drifted %.2f points from approved v%d",
			material.ReferenceCode, cmp.TotalChangeScore, cmp.OldVersion),
		MaterialID:  material.ID,
		CompositeID: cmp.NewCompositeID,
		Details:     details,
		Timestamp:   time.Now().UTC(),
	}
}

// OverrideAlert records an approval that was forced through despite
// significant drift.
func OverrideAlert(c *model.Composite, cmp *model.Comparison, comments string) Alert {
	return Alert{
		Type:     AlertApprovalOverride,
		Severity: "medium",
		Message: fmt.Sprintf("Composite v%d approved over a %.2f point change from v%d",
			c.Version, cmp.TotalChangeScore, cmp.OldVersion),
		MaterialID:  c.MaterialID,
		CompositeID: c.ID,
		Details: map[string]any{
			"reasons":  cmp.Reasons,
			"comments": comments,
		},
		Timestamp: time.Now().UTC(),
	}
}

// Alerter delivers alerts to a webhook. Deliveries are rate limited, retried
// on transient failures, and short-circuited while the endpoint is failing.
// Alerts that still fail are parked in the dead letter queue.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	dlq     DeadLetters
	metrics *Metrics
}

// NewAlerter creates an Alerter. dlq may be nil, in which case failed alerts
// are only logged.
func NewAlerter(cfg config.MonitoringConfig, retry resilience.RetryConfig, dlq DeadLetters) *Alerter {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	breakerCfg := resilience.FromCircuitConfig(cfg.FailureThreshold, cfg.ResetTimeoutSecs)
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("monitoring: webhook circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		retry:   retry,
		dlq:     dlq,
	}
}

// WithMetrics counts deliveries on m.
func (a *Alerter) WithMetrics(m *Metrics) *Alerter {
	a.metrics = m
	return a
}

// Enabled reports whether a webhook is configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.WebhookURL != ""
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if !a.Enabled() || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		payload, err := json.Marshal(alert)
		if err != nil {
			zap.L().Error("monitoring: marshal alert", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		if err := a.deliver(ctx, payload); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			a.metrics.alertResult(alert.Type, "failed")
			a.park(ctx, alert, payload, err)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		a.metrics.alertResult(alert.Type, "sent")
		sent++
	}
	return sent
}

// RedeliverResult summarizes one pass over the dead letter queue.
type RedeliverResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Redeliver retries parked alerts that are due. Delivered entries are removed;
// failed ones are rescheduled with a doubling delay until they exhaust their
// retry budget.
func (a *Alerter) Redeliver(ctx context.Context, limit int) (RedeliverResult, error) {
	var res RedeliverResult
	if a.dlq == nil {
		return res, nil
	}
	if !a.Enabled() {
		return res, eris.New("monitoring: no webhook configured")
	}

	entries, err := a.dlq.DequeueDLQ(ctx, resilience.DLQFilter{Limit: limit})
	if err != nil {
		return res, eris.Wrap(err, "monitoring: dequeue undelivered alerts")
	}

	for i := range entries {
		e := &entries[i]
		res.Attempted++
		if err := a.deliver(ctx, e.Payload); err != nil {
			res.Failed++
			next := e.NextAttempt(time.Now().UTC(), redeliverBase, redeliverMax)
			if incErr := a.dlq.IncrementDLQRetry(ctx, e.ID, next, err.Error()); incErr != nil {
				return res, eris.Wrapf(incErr, "monitoring: reschedule alert %s", e.ID)
			}
			zap.L().Warn("monitoring: redelivery failed",
				zap.String("dlq_id", e.ID),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Time("next_retry_at", next),
				zap.Error(err),
			)
			continue
		}
		if err := a.dlq.RemoveDLQ(ctx, e.ID); err != nil {
			return res, eris.Wrapf(err, "monitoring: remove delivered alert %s", e.ID)
		}
		res.Delivered++
	}
	return res, nil
}

func (a *Alerter) deliver(ctx context.Context, payload []byte) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "monitoring: rate limit wait")
	}
	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.breaker.Execute(ctx, func(ctx context.Context) error {
			return a.post(ctx, payload)
		})
	})
}

// post sends a single payload to the webhook URL.
func (a *Alerter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}

func (a *Alerter) park(ctx context.Context, alert Alert, payload []byte, cause error) {
	if a.dlq == nil {
		return
	}
	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		CompositeID:  alert.CompositeID,
		MaterialID:   alert.MaterialID,
		Payload:      payload,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		MaxRetries:   a.cfg.MaxRedeliveries,
		NextRetryAt:  now.Add(redeliverBase),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := a.dlq.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("monitoring: park undelivered alert", zap.String("type", string(alert.Type)), zap.Error(err))
	}
}
