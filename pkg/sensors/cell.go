package sensors

import (
	"sync/atomic"
	"time"
)

type sample[T any] struct {
	v  T
	at time.Time
}

// Cell holds the latest value published by a capture task. Readers never
// block the writer; a value older than the max age reads as absent.
type Cell[T any] struct {
	p      atomic.Pointer[sample[T]]
	maxAge time.Duration
	now    func() time.Time
}

// NewCell creates a cell. A zero maxAge means values never go stale; a nil
// now uses time.Now.
func NewCell[T any](maxAge time.Duration, now func() time.Time) *Cell[T] {
	if now == nil {
		now = time.Now
	}
	return &Cell[T]{maxAge: maxAge, now: now}
}

// Set stores v stamped with the current time.
func (c *Cell[T]) Set(v T) {
	c.p.Store(&sample[T]{v: v, at: c.now()})
}

// Get returns the latest fresh value and when it was stored.
func (c *Cell[T]) Get() (T, time.Time, bool) {
	s := c.p.Load()
	if s == nil || c.stale(s) {
		var zero T
		return zero, time.Time{}, false
	}
	return s.v, s.at, true
}

// Take returns the latest fresh value and empties the cell, so each value is
// seen by at most one reader.
func (c *Cell[T]) Take() (T, bool) {
	s := c.p.Swap(nil)
	if s == nil || c.stale(s) {
		var zero T
		return zero, false
	}
	return s.v, true
}

// Clear empties the cell.
func (c *Cell[T]) Clear() {
	c.p.Store(nil)
}

func (c *Cell[T]) stale(s *sample[T]) bool {
	return c.maxAge > 0 && c.now().Sub(s.at) > c.maxAge
}
