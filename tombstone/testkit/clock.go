// Package testkit supplies in-memory fakes of the tombstone package's
// external collaborators (Region, RegionEntry, RegionMap, VersionVector,
// Cache), grounded on the teacher's valuelocmap package: the same role of
// "the real production structure, usable standalone" applied to a much
// smaller surface.
package testkit

import (
	"sync/atomic"
	"time"
)

// Clock is the injectable cache_time_ms source. The sweeper's own sleep is
// a real timer sized from a cache-time delta, so the clock tracks real
// elapsed time as its base; Advance/Set add an offset on top so a test can
// pull the clock ahead of real time (e.g. to make a long expiry look
// already-elapsed) without actually waiting that long.
type Clock struct {
	start  time.Time
	offset int64 // ms, added atomically on top of real elapsed time
}

// NewClock returns a Clock starting at startMS.
func NewClock(startMS int64) *Clock {
	return &Clock{start: time.Now(), offset: startMS}
}

// NowMS returns the clock's current reading: real elapsed time since
// creation, plus whatever offset Advance/Set has accumulated.
func (c *Clock) NowMS() int64 {
	elapsed := time.Since(c.start).Milliseconds()
	return elapsed + atomic.LoadInt64(&c.offset)
}

// Advance adds deltaMS to the clock's offset and returns the new reading.
func (c *Clock) Advance(deltaMS int64) int64 {
	atomic.AddInt64(&c.offset, deltaMS)
	return c.NowMS()
}

// Set pins NowMS() to read ms right now, by adjusting the offset.
func (c *Clock) Set(ms int64) {
	elapsed := time.Since(c.start).Milliseconds()
	atomic.StoreInt64(&c.offset, ms-elapsed)
}
