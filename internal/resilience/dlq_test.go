package resilience

import (
	"testing"
	"time"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 0, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			if got := e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDLQEntry_NextAttempt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{10, time.Hour},
	}
	for _, tt := range tests {
		e := DLQEntry{RetryCount: tt.retries}
		if got := e.NextAttempt(now, time.Minute, time.Hour); !got.Equal(now.Add(tt.want)) {
			t.Errorf("retries=%d: got %s, want +%s", tt.retries, got, tt.want)
		}
	}
}
