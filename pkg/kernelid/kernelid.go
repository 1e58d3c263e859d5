// Package kernelid provides the kernel's injectable time and identifier
// sources. Components hold a clock func and an id func so tests can pin
// both; production wiring uses Now and NewID.
package kernelid

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time. Implementations must be safe for
// concurrent use.
type Clock func() time.Time

// Generator returns a fresh unique identifier.
type Generator func() string

var (
	monoMu   sync.Mutex
	monoLast time.Time
)

// Now is the kernel wall clock: UTC, microsecond precision, and monotonic
// non-decreasing even if the system clock steps backwards.
func Now() time.Time {
	monoMu.Lock()
	defer monoMu.Unlock()
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(monoLast) {
		t = monoLast.Add(time.Microsecond)
	}
	monoLast = t
	return t
}

// NewID returns a random UUID v4 string.
func NewID() string {
	return uuid.NewString()
}

// Fixed returns a clock pinned to t.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

// Stepping returns a clock that starts at t and advances by step on each
// call. Useful for tests that need distinct but deterministic timestamps.
func Stepping(t time.Time, step time.Duration) Clock {
	var mu sync.Mutex
	next := t
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur := next
		next = next.Add(step)
		return cur
	}
}

// Sequential returns a generator producing prefix-1, prefix-2, ... for
// tests that assert on identifiers.
func Sequential(prefix string) Generator {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
