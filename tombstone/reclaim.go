package tombstone

import "sync/atomic"

// reclaimBatch is C5, the batch reclamation protocol of spec.md §4.4. It
// only ever runs on the sweeper's own goroutine, synchronously, except for
// the final peer distribution step which is handed to the cache's worker
// pool so the sweeper never blocks on remote messaging.
func (sw *sweeper) reclaimBatch() {
	if !atomic.CompareAndSwapInt32(&sw.batchInProgress, 0, 1) {
		return // another pass is still distributing; at most one in flight
	}

	performed := sw.blockGC.withLock(func() bool {
		sw.doReclaimLocked()
		return true
	})
	if !performed {
		atomic.StoreInt32(&sw.batchInProgress, 0)
		return
	}
}

// doReclaimLocked runs steps 3-9 of spec.md §4.4 while the caller holds the
// block-GC mutex (step 1/2 already done by the caller).
func (sw *sweeper) doReclaimLocked() {
	items := sw.expiredDrain()
	if len(items) == 0 {
		sw.finishBatch(nil)
		return
	}

	// Step 3: every region touched by this batch gets a (possibly empty)
	// key set, regardless of whether it is a partitioned-region bucket;
	// distribute_tombstone_gc is still called per region in step 9 so
	// peers learn GC happened even when no keys are collected.
	reapedKeys := make(map[Region]map[interface{}]struct{})
	for _, t := range items {
		if _, ok := reapedKeys[t.region]; !ok {
			reapedKeys[t.region] = make(map[interface{}]struct{})
		}
	}
	regionVVs := make(map[Region]VersionVector)

	// Step 4: update RVVs.
	for _, t := range items {
		vv := t.region.VersionVector()
		if vv == nil {
			continue
		}
		regionVVs[t.region] = vv
		member := ResolvedMemberID(t, sw.cfg.LocalMemberID)
		vv.RecordGCVersion(member, t.regionVersion)
	}

	// Step 5: prune RVV exceptions per affected region/member.
	prunedMembers := make(map[Region]map[MemberID]struct{})
	for _, t := range items {
		vv := regionVVs[t.region]
		if vv == nil {
			continue
		}
		member := ResolvedMemberID(t, sw.cfg.LocalMemberID)
		seen := prunedMembers[t.region]
		if seen == nil {
			seen = make(map[MemberID]struct{})
			prunedMembers[t.region] = seen
		}
		if _, done := seen[member]; done {
			continue
		}
		seen[member] = struct{}{}
		vv.PruneOldExceptions(member)
	}

	// Step 6: persist the GC RVV for persistent regions before any
	// in-memory removal. This ordering is the protocol's safety
	// invariant: see DESIGN.md's reclaim.go notes and spec.md §9.
	for region, vv := range regionVVs {
		if !effectiveDataPolicy(region).WithPersistence {
			continue
		}
		if err := vv.WriteGCRVV(); err != nil {
			sw.logError.log("tombstone: failed to persist GC RVV for %s: %v", region.FullPath(), err)
		}
	}

	// Step 7: remove from region maps.
	var freedBytes int64
	for _, t := range items {
		present := sw.removeFromRegionMap(t, false, true)
		freedBytes += t.size()
		if present && t.region.IsUsedForPartitionedRegionBucket() {
			reapedKeys[t.region][t.entry.Key()] = struct{}{}
		}
	}

	// Step 8: decrement queueBytes. queueBytes is atomic precisely so this
	// accounting update never needs currentLock, which would otherwise nest
	// lock #2 inside the block-GC mutex (#1) that doReclaimLocked's caller
	// already holds — forbidden by spec.md §5.
	sw.queue.queueBytes.Add(-freedBytes)

	sw.finishBatch(reapedKeys)
}

// finishBatch runs step 9 (distribute) and step 10 (test latch) of
// spec.md §4.4.
func (sw *sweeper) finishBatch(reapedKeys map[Region]map[interface{}]struct{}) {
	pool := sw.cache.WaitingThreadPool()
	if pool == nil {
		sw.distributeAll(reapedKeys)
		atomic.StoreInt32(&sw.batchInProgress, 0)
		sw.countDownTestLatch()
		return
	}
	pool.Submit(func() {
		defer atomic.StoreInt32(&sw.batchInProgress, 0)
		sw.distributeAll(reapedKeys)
		sw.countDownTestLatch()
	})
}

func (sw *sweeper) distributeAll(reapedKeys map[Region]map[interface{}]struct{}) {
	for region, keys := range reapedKeys {
		region.DistributeTombstoneGC(keys)
	}
}

func (sw *sweeper) countDownTestLatch() {
	sw.testLatchMu.Lock()
	latch := sw.testLatch
	sw.testLatch = nil
	sw.testLatchMu.Unlock()
	if latch != nil {
		close(latch)
	}
}
