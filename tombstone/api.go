package tombstone

import (
	"sync/atomic"
	"time"
)

// schedule is C6's schedule(region, entry, destroyed_version). Entries
// without a version stamp are an input violation: rejected, logged at
// error severity, and counted in stats rather than silently dropped,
// matching spec.md §4.5/§7.
func (sw *sweeper) schedule(region Region, entry RegionEntry, version VersionTag) {
	if version.TimestampMS == 0 && version.RegionVersion == 0 && version.EntryVersion == 0 {
		sw.logError.log("tombstone: %v: %v", safeKey(entry), ErrNoVersionStamp)
		sw.rejectedScheduleCount.Add(1)
		return
	}
	keySize := estimateKeySize(entry)
	t := NewTombstone(region, entry, version, keySize)

	sw.currentLock.Lock()
	sw.queue.enqueue(t)
	sw.currentLock.Unlock()
}

// unschedule removes every tombstone of region from the queue, the current
// slot, and (in batch mode) the expired batch. The "unschedule totality"
// law of spec.md §8 requires all three; that's why expired is purged here
// too even though the sweeper's own loop normally owns it.
func (sw *sweeper) unschedule(region Region) {
	sw.currentLock.Lock()
	sw.queue.removeWhereRegion(region)
	if sw.current != nil && sw.current.region == region {
		sw.queue.queueBytes.Add(-sw.current.size())
		sw.current = nil
	}
	sw.currentLock.Unlock()

	if sw.batchMode {
		freed := sw.expiredRemoveWhere(func(t *Tombstone) bool { return t.region == region })
		sw.queue.queueBytes.Add(-freed)
	}
}

// gcByRVV is C6's forced regional GC driven by a peer's version vector. It
// intentionally nests currentLock inside the block-GC mutex: this is the
// one exception to spec.md §5's "never acquire (2) inside (1)" rule,
// documented in DESIGN.md. No other path acquires the block-GC mutex while
// already holding currentLock, so the nesting stays one-directional and
// introduces no cycle.
func (sw *sweeper) gcByRVV(region Region, gcVersions map[MemberID]uint64, needsKeys bool) (map[interface{}]struct{}, bool) {
	var keys map[interface{}]struct{}
	performed := sw.blockGC.withLock(func() bool {
		keys = sw.doGCByRVVLocked(region, gcVersions, needsKeys)
		return true
	})
	if !performed {
		return nil, false
	}
	return keys, true
}

func (sw *sweeper) doGCByRVVLocked(region Region, gcVersions map[MemberID]uint64, needsKeys bool) map[interface{}]struct{} {
	sw.currentLock.Lock()

	var matched []*Tombstone
	consider := func(t *Tombstone) bool {
		if t == nil || t.region != region {
			return false
		}
		member := ResolvedMemberID(t, sw.cfg.LocalMemberID)
		v, ok := gcVersions[member]
		return ok && v >= t.regionVersion
	}

	if consider(sw.current) {
		matched = append(matched, sw.current)
		sw.queue.queueBytes.Add(-sw.current.size())
		sw.current = nil
	}
	matched = append(matched, sw.queue.iterateMutate(consider)...)

	sw.currentLock.Unlock()

	keys := make(map[interface{}]struct{})
	if len(matched) == 0 {
		return keys
	}

	vv := region.VersionVector()
	if vv != nil {
		pruned := make(map[MemberID]struct{})
		for _, t := range matched {
			member := ResolvedMemberID(t, sw.cfg.LocalMemberID)
			vv.RecordGCVersion(member, t.regionVersion)
		}
		for _, t := range matched {
			member := ResolvedMemberID(t, sw.cfg.LocalMemberID)
			if _, done := pruned[member]; done {
				continue
			}
			pruned[member] = struct{}{}
			vv.PruneOldExceptions(member)
		}
		if effectiveDataPolicy(region).WithPersistence {
			if err := vv.WriteGCRVV(); err != nil {
				sw.logError.log("tombstone: failed to persist GC RVV for %s: %v", region.FullPath(), err)
			}
		}
	}

	for _, t := range matched {
		present := sw.removeFromRegionMap(t, false, true)
		if present && needsKeys {
			keys[t.entry.Key()] = struct{}{}
		}
	}
	return keys
}

// gcByKeys is C6's client-side path for partitioned servers: a no-op if
// region has no server proxy.
func (sw *sweeper) gcByKeys(region Region, keys map[interface{}]struct{}) {
	if region.ServerProxy() == nil {
		return
	}

	sw.currentLock.Lock()
	var matched []*Tombstone
	match := func(t *Tombstone) bool {
		if t == nil || t.region != region {
			return false
		}
		_, ok := keys[t.entry.Key()]
		return ok
	}
	if match(sw.current) {
		matched = append(matched, sw.current)
		sw.queue.queueBytes.Add(-sw.current.size())
		sw.current = nil
	}
	matched = append(matched, sw.queue.iterateMutate(match)...)
	sw.currentLock.Unlock()

	for _, t := range matched {
		sw.removeFromRegionMap(t, false, true)
	}
}

// forceBatchExpirationForTests is the C6 test hook: it does not itself run
// reclamation, it forces the next loop iteration to expire forced_expiration_count
// tombstones immediately and waits for the resulting batch to finish
// distributing.
func (sw *sweeper) forceBatchExpirationForTests(n int) bool {
	sw.testLatchMu.Lock()
	latch := make(chan struct{})
	sw.testLatch = latch
	sw.testLatchMu.Unlock()

	atomic.AddInt64(&sw.forcedExpirationCount, int64(n))
	sw.notify()

	select {
	case <-latch:
		return true
	case <-time.After(30 * time.Second):
		return false
	}
}

func safeKey(entry RegionEntry) interface{} {
	if entry == nil {
		return nil
	}
	return entry.Key()
}

// estimateKeySize is a coarse byte estimate used only for queue accounting
// (spec.md's queue_bytes is explicitly approximate, not an exact memory
// figure). String and []byte keys count their length; any other key type
// gets a fixed 16-byte guess, so no RegionEntry implementation has to
// expose a real size.
func estimateKeySize(entry RegionEntry) int {
	if entry == nil {
		return 0
	}
	switch k := entry.Key().(type) {
	case string:
		return len(k)
	case []byte:
		return len(k)
	default:
		return 16
	}
}
