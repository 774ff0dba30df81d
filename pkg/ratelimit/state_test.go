package ratelimit

import (
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		state    *State
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &State{LastUpdate: now},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &State{LastUpdate: now.Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
		{
			name:     "just under max age",
			state:    &State{LastUpdate: now.Add(-4 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.state.IsStale(now, tt.maxAge)
			if result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		expected Level
	}{
		{name: "no failures", failures: 0, expected: Healthy},
		{name: "below warning", failures: FailureThresholdWarning - 1, expected: Healthy},
		{name: "at warning", failures: FailureThresholdWarning, expected: Degraded},
		{name: "below critical", failures: FailureThresholdCritical - 1, expected: Degraded},
		{name: "at critical", failures: FailureThresholdCritical, expected: Offline},
		{name: "far past critical", failures: 100, expected: Offline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := levelFor(tt.failures, FailureThresholdWarning, FailureThresholdCritical)
			if result != tt.expected {
				t.Errorf("levelFor(%d) = %v, want %v", tt.failures, result, tt.expected)
			}
		})
	}
}

func TestState_NeedsThrottling(t *testing.T) {
	tests := []struct {
		level    Level
		throttle bool
		offline  bool
	}{
		{Healthy, false, false},
		{Degraded, true, false},
		{Offline, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			s := &State{Level: tt.level}
			if got := s.NeedsThrottling(); got != tt.throttle {
				t.Errorf("NeedsThrottling() = %v, want %v", got, tt.throttle)
			}
			if got := s.IsOffline(); got != tt.offline {
				t.Errorf("IsOffline() = %v, want %v", got, tt.offline)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{Healthy, Degraded, Offline} {
		got, err := ParseLevel(l.String())
		if err != nil || got != l {
			t.Errorf("ParseLevel(%q) = %v, %v, want %v", l.String(), got, err, l)
		}
	}
	if _, err := ParseLevel("sideways"); err == nil {
		t.Error("ParseLevel() should reject unknown levels")
	}
}

func TestParseOfflineMode(t *testing.T) {
	tests := []struct {
		input   string
		want    OfflineMode
		wantErr bool
	}{
		{"", ModeContinue, false},
		{"continue", ModeContinue, false},
		{" Suspend ", ModeSuspend, false},
		{"pause", ModeContinue, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOfflineMode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOfflineMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseOfflineMode(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
