package tombstone

// Tombstone is the per-entry marker retained after a destroy. It is
// immutable once constructed: no field is mutated after NewTombstone
// returns, so a *Tombstone may be read concurrently without a lock once it
// has been handed to a caller (the sweeper's own bookkeeping of *where* a
// given tombstone currently lives is what needs locking, not the tombstone
// itself).
type Tombstone struct {
	region      Region
	entry       RegionEntry
	memberID    MemberID
	regionVersion uint64
	entryVersion  uint64
	timestampMS   int64
	keySizeEstimate int
}

// NewTombstone builds a tombstone from a destroyed entry's version tag.
// version.MemberID may be empty; it is resolved against the local member
// id at GC time (ResolvedMemberID), not at construction time, since the
// local member id is a property of wherever the tombstone is later
// inspected from.
func NewTombstone(region Region, entry RegionEntry, version VersionTag, keySizeEstimate int) *Tombstone {
	return &Tombstone{
		region:          region,
		entry:           entry,
		memberID:        version.MemberID,
		regionVersion:   version.RegionVersion,
		entryVersion:    version.EntryVersion,
		timestampMS:     version.TimestampMS,
		keySizeEstimate: keySizeEstimate,
	}
}

// Region returns the tombstone's owning region.
func (t *Tombstone) Region() Region { return t.region }

// Entry returns the region-map entry still holding the marker.
func (t *Tombstone) Entry() RegionEntry { return t.entry }

// MemberID returns the replica that issued the destroy, which may be empty.
func (t *Tombstone) MemberID() MemberID { return t.memberID }

// RegionVersion is the monotonically increasing per-member counter at the
// time of the destroy.
func (t *Tombstone) RegionVersion() uint64 { return t.regionVersion }

// EntryVersion is used by RegionMap.IsTombstoneNotNeeded to detect
// resurrection.
func (t *Tombstone) EntryVersion() uint64 { return t.entryVersion }

// TimestampMS is the destroy's wall-clock time and the basis for age
// expiration.
func (t *Tombstone) TimestampMS() int64 { return t.timestampMS }

// size returns the queue's byte accounting for this tombstone: a fixed
// per-tombstone overhead plus the estimated key size.
func (t *Tombstone) size() int64 {
	return int64(perTombstoneByteOverhead + t.keySizeEstimate)
}

// expiresAtMS is the wall-clock time (cache_time_ms domain) at which this
// tombstone becomes eligible for age-based expiration.
func (t *Tombstone) expiresAtMS(expiryMS int64) int64 {
	return t.timestampMS + expiryMS
}
