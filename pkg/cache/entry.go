package cache

import (
	"time"
)

// State is the freshness state of a cache entry.
type State int

const (
	// StateEmpty means the entry exists but has never held data.
	StateEmpty State = iota

	// StateFetching means exactly one fetch for the key is in flight.
	StateFetching

	// StateFresh means the payload is younger than its TTL.
	StateFresh

	// StateStale means the payload outlived its TTL or was invalidated.
	StateStale

	// StateError means the last fetch failed. A previous payload may remain.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a point-in-time copy of a cache entry.
// Callers never see the store's internal record; mutating an Entry has no effect.
type Entry struct {
	// Key identifies the entry
	Key Key

	// Payload holds the last successfully fetched records (nil until the first success)
	Payload any

	// LastFetched is when Payload was committed
	LastFetched time.Time

	// TTL is the freshness window measured from LastFetched
	TTL time.Duration

	// State is the freshness state at the time of the read
	State State

	// Err describes the last failure when State is StateError
	Err *FetchError

	// Version increments on every accepted successful commit
	Version uint64

	// LastAccess is when the entry was last read
	LastAccess time.Time
}

// HasPayload reports whether the entry carries data from an earlier success.
func (e Entry) HasPayload() bool {
	return e.Payload != nil
}

// Age returns how long ago the payload was fetched.
// Returns 0 if there is no payload.
func (e Entry) Age(now time.Time) time.Duration {
	if e.LastFetched.IsZero() {
		return 0
	}
	age := now.Sub(e.LastFetched)
	if age < 0 {
		return 0
	}
	return age
}

// Expired returns true if the payload is older than its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.LastFetched.Add(e.TTL))
}

// Terminal reports whether the entry holds a failure that retrying won't fix.
func (e Entry) Terminal() bool {
	return e.State == StateError && e.Err != nil && e.Err.Terminal()
}

// Payload returns the entry payload as T.
// The second result is false when the entry is empty or holds another type.
func Payload[T any](e Entry) (T, bool) {
	v, ok := e.Payload.(T)
	return v, ok
}
