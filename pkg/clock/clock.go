// Package clock centralizes the injectable time source used for TTL checks.
package clock

import "time"

// Func returns the current instant; services take one so tests can pin time.
type Func func() time.Time

// UTC is the production clock.
func UTC() time.Time {
	return time.Now().UTC()
}

// OrDefault returns fn, or UTC when fn is nil.
func OrDefault(fn Func) Func {
	if fn == nil {
		return UTC
	}
	return fn
}

// Expired reports whether expiresAt has been reached at now. A deadline equal
// to now counts as expired.
func Expired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// Fixed returns a clock pinned to t.
func Fixed(t time.Time) Func {
	return func() time.Time { return t }
}
