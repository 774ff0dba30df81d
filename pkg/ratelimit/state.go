// Package ratelimit tracks the health of the cluster API from fetch outcomes
// and gates fetch attempts on it. Consecutive retryable failures move the
// tracker from Healthy to Degraded (attempts are throttled) and then to
// Offline (background retries may be suspended); one success resets it.
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Redis keys for shared health state.
const (
	RedisKeyLevel      = "navipod:health:level"
	RedisKeyFailures   = "navipod:health:failures"
	RedisKeyLastUpdate = "navipod:health:last_update"
)

// Thresholds for health decisions, in consecutive retryable failures.
const (
	// FailureThresholdWarning throttles attempts once reached.
	FailureThresholdWarning = 3

	// FailureThresholdCritical declares the upstream offline once reached.
	FailureThresholdCritical = 8
)

// Level is the coarse upstream health.
type Level int

const (
	Healthy Level = iota
	Degraded
	Offline
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "healthy":
		return Healthy, nil
	case "degraded":
		return Degraded, nil
	case "offline":
		return Offline, nil
	default:
		return Healthy, fmt.Errorf("unknown health level %q", s)
	}
}

// OfflineMode decides what happens to background retries while Offline.
type OfflineMode string

const (
	// ModeContinue keeps retrying with backoff.
	ModeContinue OfflineMode = "continue"

	// ModeSuspend fails exhausted work at once and stops scheduling retries.
	ModeSuspend OfflineMode = "suspend"
)

// ParseOfflineMode parses a mode name; empty means ModeContinue.
func ParseOfflineMode(s string) (OfflineMode, error) {
	switch OfflineMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeContinue:
		return ModeContinue, nil
	case ModeSuspend:
		return ModeSuspend, nil
	default:
		return ModeContinue, fmt.Errorf("unknown offline mode %q (want continue or suspend)", s)
	}
}

// State is a snapshot of upstream health.
type State struct {
	Level Level `json:"level"`

	// ConsecutiveFailures counts retryable failures since the last success
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastFailure and LastSuccess are zero until the first such outcome
	LastFailure time.Time `json:"last_failure"`
	LastSuccess time.Time `json:"last_success"`

	// LastClass is the class of the most recent failure
	LastClass string `json:"last_class,omitempty"`

	// LastUpdate is when this state last changed
	LastUpdate time.Time `json:"last_update"`
}

// IsStale reports whether the state is older than maxAge at now.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// NeedsThrottling reports whether attempts should be delayed.
func (s *State) NeedsThrottling() bool {
	return s.Level >= Degraded
}

// IsOffline reports whether the upstream is considered unreachable.
func (s *State) IsOffline() bool {
	return s.Level == Offline
}

// levelFor derives the level from a failure count.
func levelFor(failures, warning, critical int) Level {
	switch {
	case failures >= critical:
		return Offline
	case failures >= warning:
		return Degraded
	default:
		return Healthy
	}
}
