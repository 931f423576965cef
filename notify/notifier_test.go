package notify

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 16 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{8, time.Hour},
		{50, time.Hour},
	}

	for _, tt := range tests {
		if got := BackoffDelay(tt.attempts); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
