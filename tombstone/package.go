// Package tombstone implements the tombstone reclamation subsystem of a
// distributed in-memory key/value cache that uses multi-version concurrency
// control and per-region version vectors (RVVs) to resolve concurrent
// updates across replicas.
//
// When an entry is destroyed it is not erased immediately; a tombstone is
// kept so a late-arriving update carrying a stale version can be recognized
// and discarded. This package owns the timed expiration of those markers,
// their batched and cluster-coordinated reclamation, and the bookkeeping
// that keeps a persistence barrier between "safe to reclaim" and "removed
// from memory".
//
// Region maps and their entries, the on-disk region format, the RVV data
// structure itself, the messaging/distribution layer, the partitioned-region
// bucket model, and heap monitoring are all external collaborators reached
// through the interfaces in collaborators.go; this package does not
// implement any of them.
//
// Two Sweeper instances are expected per cache, built with NewService:
//
//   - a replicated sweeper, batch mode, default 600s expiry, for replicated
//     regions with no upstream server.
//   - a non-replicated sweeper, non-batch mode, default 480s expiry, for
//     client regions and non-replicated regions.
//
// Service routes every operation to the correct one.
package tombstone

import "errors"

// ErrNoVersionStamp is logged when Schedule is asked to track an entry with
// no version stamp at all (an all-zero VersionTag); such an entry cannot be
// given a useful tombstone. The entry is dropped and counted in
// RejectedScheduleCount; Schedule itself does not return this error.
var ErrNoVersionStamp = errors.New("tombstone: entry has no version stamp")

// ErrStopped is returned by Service.Schedule once Service.Stop has been
// called.
var ErrStopped = errors.New("tombstone: service stopped")

// LogFunc matches the signature of log.Printf and is how this package
// reports conditions it does not otherwise surface through return values.
// A nil LogFunc is a valid no-op.
type LogFunc func(format string, v ...interface{})

func (f LogFunc) log(format string, v ...interface{}) {
	if f != nil {
		f(format, v...)
	}
}
