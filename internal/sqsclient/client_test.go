package sqsclient

import (
	"testing"
	"time"
)

func TestVisibilitySeconds(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want int32
	}{
		{"zero", 0, 0},
		{"negative", -time.Second, 0},
		{"rounds up partial second", 1500 * time.Millisecond, 2},
		{"whole seconds", 30 * time.Second, 30},
		{"clamped to max", 24 * time.Hour, 43200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VisibilitySeconds(tt.in); got != tt.want {
				t.Errorf("VisibilitySeconds(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
