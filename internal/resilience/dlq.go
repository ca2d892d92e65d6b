package resilience

import (
	"time"
)

// DLQEntry is a drift alert whose delivery failed and is parked for
// redelivery.
type DLQEntry struct {
	ID           string    `json:"id"`
	CompositeID  string    `json:"composite_id"`
	MaterialID   string    `json:"material_id"`
	Payload      []byte    `json:"payload"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextAttempt returns when the entry should be retried after another failure,
// doubling base per prior attempt up to max.
func (e *DLQEntry) NextAttempt(now time.Time, base, max time.Duration) time.Time {
	d := base
	for i := 0; i < e.RetryCount && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return now.Add(d)
}
