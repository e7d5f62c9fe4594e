package tombstone

// MemberID identifies the cluster member (replica) that issued a destroy.
type MemberID string

// RegionScope reports whether a region is distributed across the cluster.
type RegionScope struct {
	IsDistributed bool
}

// DataPolicy reports the replication and persistence posture of a region.
// A missing DataPolicy (the zero value) is treated as non-replicated,
// non-persistent: see the "Missing DataPolicy" resolution in DESIGN.md.
type DataPolicy struct {
	WithReplication bool
	WithPersistence bool
}

// ServerProxy marks a region as client-side, talking to a partitioned
// server rather than holding data locally. Its presence (non-nil) is what
// routes a region to the non-replicated sweeper and is required for
// gcByKeys to do anything.
type ServerProxy interface {
	// ServerProxy has no behavior this subsystem needs; its identity as a
	// non-nil interface value is the only signal consumed.
}

// VersionTag is the version stamp recorded on a destroy.
type VersionTag struct {
	MemberID      MemberID // may be the zero value; see ResolvedMemberID
	RegionVersion uint64
	EntryVersion  uint64
	TimestampMS   int64
}

// VersionVector is the per-region RVV collaborator. Implementations live
// outside this package; testkit.VersionVector provides one.
type VersionVector interface {
	// RecordGCVersion folds (member, version) into the region's GC
	// watermark, making every version <= it eligible for reclamation.
	RecordGCVersion(member MemberID, version uint64)
	// PruneOldExceptions drops RVV exception entries now below the
	// recorded GC watermark for member.
	PruneOldExceptions(member MemberID)
	// WriteGCRVV persists the current GC watermark to disk. Must be
	// called, for persistent regions, before any in-memory tombstone
	// removal it is meant to cover.
	WriteGCRVV() error
}

// RegionMap is the region's entry table collaborator.
type RegionMap interface {
	// RemoveTombstone removes the tombstone marker held by entry if t is
	// still the tombstone recorded there. destroy indicates this is a
	// real reclamation (not a cancellation-driven teardown). It reports
	// whether the tombstone was still present.
	RemoveTombstone(entry RegionEntry, t *Tombstone, cancel bool, destroy bool) (bool, error)
	// IsTombstoneNotNeeded reports whether entry has moved on (resurrected
	// or overwritten) such that the tombstone at entryVersion is defunct.
	IsTombstoneNotNeeded(entry RegionEntry, entryVersion uint64) bool
}

// RegionEntry is the region-map entry still holding a tombstone marker.
type RegionEntry interface {
	// Key returns the entry's key, used for key-set propagation in
	// gcByKeys and gcByRVV(needsKeys=true).
	Key() interface{}
}

// Region is the owning region of a tombstone.
type Region interface {
	Scope() RegionScope
	ServerProxy() ServerProxy // nil if this region has none
	DataPolicy() DataPolicy
	VersionMember() MemberID
	VersionVector() VersionVector
	RegionMap() RegionMap
	IsUsedForPartitionedRegionBucket() bool
	// DistributeTombstoneGC notifies peers that keys (may be empty) have
	// been garbage collected for this region.
	DistributeTombstoneGC(keys map[interface{}]struct{})
	FullPath() string
}

// WaitingThreadPool is the worker pool batch reclamation distributes on,
// so the sweeper's own goroutine never blocks on remote messaging.
type WaitingThreadPool interface {
	Submit(func())
}

// PerfStats receives the two sweeper queue-byte gauges.
type PerfStats interface {
	SetReplicatedTombstonesSize(bytes int64)
	SetNonReplicatedTombstonesSize(bytes int64)
}

// RuntimeMemory is the heap snapshot used by the memory-pressure heuristic.
type RuntimeMemory struct {
	FreeBytes  int64
	TotalBytes int64
	MaxBytes   int64
}

// Cache is the owning cache's collaborator surface.
type Cache interface {
	// CacheTimeMS returns the cache's notion of "now", in milliseconds.
	// Injectable so sweeper timing tests don't depend on the wall clock.
	CacheTimeMS() int64
	// CancelInProgress reports whether the cache is tearing down; when
	// true the sweeper loop exits at its next suspension point.
	CancelInProgress() bool
	WaitingThreadPool() WaitingThreadPool
	PerfStats() PerfStats
	RuntimeMemory() RuntimeMemory
}

// ResolvedMemberID returns t.MemberID if set, otherwise local, matching the
// "member id may be absent" rule in the tombstone data model.
func ResolvedMemberID(t *Tombstone, local MemberID) MemberID {
	if t.memberID != "" {
		return t.memberID
	}
	return local
}

func effectiveDataPolicy(r Region) DataPolicy {
	return r.DataPolicy()
}
