package tombstone

import (
	"sync"
	"sync/atomic"
	"time"
)

// sweeper is the single parameterized background task of spec.md §4.3,
// instantiated twice by Service: once in batch mode (replicated regions,
// longer expiry) and once in non-batch mode (client/non-replicated
// regions, shorter expiry). It never duplicates the loop; only expiryMS
// and batchMode differ between the two instances (SPEC_FULL.md design
// note "Two sweepers, one loop").
type sweeper struct {
	name string // "replicated" or "non-replicated", for logging/stats

	cache   Cache
	cfg     *Config
	blockGC *blockGCCounter

	batchMode      bool
	expiryMS       int64
	minRetentionMS int64
	scanIntervalMS int64
	minScanMS      int64 // floor, raised when a scan outruns its sleep budget

	// currentLock is lock #2 of spec.md §5: guards the current slot and
	// the queue together so foreachTombstone-style scans (gcByRVV,
	// gcByKeys) see one consistent logical sequence.
	currentLock sync.Mutex
	current     *Tombstone
	queue       *sweepQueue

	// expiredLock guards expired independently of currentLock: batch
	// reclamation (which holds the block-GC mutex throughout) must never
	// also take currentLock (spec.md §5's "never acquire (2) inside (1)"),
	// but unschedule still needs to purge a closing region's tombstones
	// out of expired from a different goroutine than the sweeper's own.
	expiredLock sync.Mutex
	expired     *expiredBatch // nil when !batchMode

	// condMu/cond is lock #3: used solely as the wait/notify rendezvous.
	// Never acquired while holding currentLock or the block-GC mutex.
	condMu sync.Mutex
	cond   *sync.Cond

	stopped               int32
	forceBatch            int32
	forcedExpirationCount int64
	batchInProgress       int32

	// rejectedScheduleCount counts input-violation rejections (spec.md
	// §7: unversioned entries), surfaced through Service.Stats().
	rejectedScheduleCount atomic.Int64

	testLatchMu sync.Mutex
	testLatch   chan struct{}

	lastScanMS int64
	doneCh     chan struct{}

	logCritical LogFunc
	logError    LogFunc
	logWarning  LogFunc
	logInfo     LogFunc
	logDebug    LogFunc
}

func newSweeper(name string, batchMode bool, expiryMS int64, cache Cache, cfg *Config, blockGC *blockGCCounter) *sweeper {
	sw := &sweeper{
		name:           name,
		cache:          cache,
		cfg:            cfg,
		blockGC:        blockGC,
		batchMode:      batchMode,
		expiryMS:       expiryMS,
		minRetentionMS: expiryMS / 10,
		scanIntervalMS: minInt64(cfg.TombstoneScanIntervalMS, expiryMS),
		minScanMS:      minScanFloorMS,
		queue:          newSweepQueue(),
		doneCh:         make(chan struct{}),
		logCritical:    cfg.LogCritical,
		logError:       cfg.LogError,
		logWarning:     cfg.LogWarning,
		logInfo:        cfg.LogInfo,
		logDebug:       cfg.LogDebug,
	}
	if batchMode {
		sw.expired = newExpiredBatch()
	}
	sw.cond = sync.NewCond(&sw.condMu)
	return sw
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func clampInt64(v, max int64) int64 {
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

// start launches the sweeper's background task.
func (sw *sweeper) start() {
	go sw.loop()
}

// stop requests the loop exit and waits up to bound for it to do so.
func (sw *sweeper) stop(bound time.Duration) {
	atomic.StoreInt32(&sw.stopped, 1)
	sw.notify()
	select {
	case <-sw.doneCh:
	case <-time.After(bound):
	}
}

// clearQueue drops every queued and current tombstone (and, in batch mode,
// the expired batch) without running any reclamation work. Called only
// after stop() has joined the loop goroutine.
func (sw *sweeper) clearQueue() {
	sw.currentLock.Lock()
	sw.queue = newSweepQueue()
	sw.current = nil
	sw.currentLock.Unlock()

	if sw.batchMode {
		sw.expiredLock.Lock()
		sw.expired = newExpiredBatch()
		sw.expiredLock.Unlock()
	}
}

func (sw *sweeper) isStopped() bool {
	return atomic.LoadInt32(&sw.stopped) != 0 || sw.cache.CancelInProgress()
}

func (sw *sweeper) notify() {
	sw.condMu.Lock()
	sw.cond.Broadcast()
	sw.condMu.Unlock()
}

// queueBytes reports the current accumulator. queue.queueBytes is an
// atomic counter specifically so batch reclamation can adjust it (step 8
// of spec.md §4.4) without taking currentLock while holding the block-GC
// mutex.
func (sw *sweeper) queueBytes() int64 {
	return sw.queue.queueBytes.Load()
}

// rejectedCount reports how many schedule calls this sweeper has rejected
// for lacking a version stamp.
func (sw *sweeper) rejectedCount() int64 {
	return sw.rejectedScheduleCount.Load()
}

func (sw *sweeper) expiredSize() int {
	sw.expiredLock.Lock()
	defer sw.expiredLock.Unlock()
	return sw.expired.size()
}

func (sw *sweeper) expiredIsEmpty() bool {
	sw.expiredLock.Lock()
	defer sw.expiredLock.Unlock()
	return sw.expired.isEmpty()
}

func (sw *sweeper) expiredAdd(t *Tombstone) {
	sw.expiredLock.Lock()
	sw.expired.add(t)
	sw.expiredLock.Unlock()
}

func (sw *sweeper) expiredDrain() []*Tombstone {
	sw.expiredLock.Lock()
	defer sw.expiredLock.Unlock()
	return sw.expired.drain()
}

func (sw *sweeper) expiredRemoveWhere(pred func(*Tombstone) bool) int64 {
	sw.expiredLock.Lock()
	defer sw.expiredLock.Unlock()
	return sw.expired.removeWhere(pred)
}

func (sw *sweeper) publishStats() {
	stats := sw.cache.PerfStats()
	if stats == nil {
		return
	}
	bytes := sw.queueBytes()
	if sw.batchMode {
		stats.SetReplicatedTombstonesSize(bytes)
	} else {
		stats.SetNonReplicatedTombstonesSize(bytes)
	}
}

// loop is the sweeper's single background task (spec.md §4.3). A fatal,
// unrecovered failure is logged at critical severity and re-raised rather
// than swallowed: per spec.md §7 that poisons the sweeper goroutine instead
// of letting the loop limp on in an unknown state.
func (sw *sweeper) loop() {
	defer close(sw.doneCh)
	defer func() {
		if r := recover(); r != nil {
			sw.logCritical.log("tombstone: %s sweeper: fatal: %v", sw.name, r)
			panic(r)
		}
	}()
	for {
		if sw.isStopped() {
			return
		}

		sw.publishStats()

		if sw.batchMode {
			if sw.shouldTriggerBatch() {
				sw.reclaimBatch()
			}
			sw.checkMemoryPressure()
		}

		sleepMS, restart, triggerIdleBatch := sw.runIterationLocked()
		if restart {
			continue
		}
		if triggerIdleBatch {
			sw.reclaimBatch()
		}

		sleepMS = clampInt64(sleepMS, maxSleepMS)
		sw.waitFor(time.Duration(sleepMS) * time.Millisecond)
	}
}

// runIterationLocked performs steps 4-7 of spec.md §4.3 under currentLock
// and returns the sleep duration for step 9, whether the loop body should
// restart immediately without sleeping (a scan consumed the whole sleep
// budget), and whether the idle-batch test hook (step 8) should fire.
// triggerIdleBatch is reported rather than acted on here because
// reclaimBatch acquires the block-GC mutex, and gcByRVV acquires that same
// mutex before nesting currentLock (spec.md §5's one documented exception):
// calling reclaimBatch while still holding currentLock would nest the two
// locks in the opposite order and risk deadlock.
func (sw *sweeper) runIterationLocked() (sleepMS int64, restart bool, triggerIdleBatch bool) {
	sw.currentLock.Lock()
	defer sw.currentLock.Unlock()

	if sw.current == nil {
		sw.current = sw.queue.pollHead()
	}

	now := sw.cache.CacheTimeMS()
	expireNow := false

	if sw.current == nil {
		sleepMS = sw.expiryMS
		atomic.StoreInt64(&sw.forcedExpirationCount, 0)
	} else {
		msRemaining := sw.current.expiresAtMS(sw.expiryMS) - now
		forced := atomic.LoadInt64(&sw.forcedExpirationCount)
		switch {
		case forced > 0 && msRemaining > 0 && msRemaining <= sw.minRetentionMS:
			sleepMS = msRemaining
		case forced > 0:
			atomic.AddInt64(&sw.forcedExpirationCount, -1)
			expireNow = true
		case msRemaining > 0:
			sleepMS = msRemaining
		default:
			expireNow = true
		}
	}

	if expireNow {
		sw.expireCurrentLocked()
	}

	if sleepMS > sw.minScanMS && now-sw.lastScanMS >= sw.scanIntervalMS {
		elapsed, changed := sw.defunctScanLocked(now)
		sleepMS -= elapsed
		if sleepMS <= 0 {
			sw.minScanMS = elapsed
			return 0, true, false
		}
		if changed {
			sleepMS = 0
		}
	}

	if sw.cfg.IdleExpiration && sw.batchMode && sleepMS >= sw.expiryMS && !sw.expiredIsEmpty() {
		triggerIdleBatch = true
	}

	return sleepMS, false, triggerIdleBatch
}

// expireCurrentLocked moves/removes the current tombstone. Called with
// currentLock held.
func (sw *sweeper) expireCurrentLocked() {
	t := sw.current
	sw.current = nil
	if t == nil {
		return
	}
	if sw.batchMode {
		// Moves into the expired batch; t is still present, so
		// queueBytes is untouched until batch reclamation actually
		// removes it (reclaim.go step 8).
		sw.expiredAdd(t)
		return
	}
	sw.queue.queueBytes.Add(-t.size())
	sw.removeFromRegionMap(t, false, true)
}

// defunctScanLocked implements spec.md §4.3 step 7: a periodic sweep of
// the queue (and, in batch mode, the expired batch) for tombstones the
// region map reports are no longer needed. Returns elapsed wall-clock ms
// so the caller can subtract it from the remaining sleep budget, and
// whether a not-needed removal or an aged-out relocation occurred — both
// of which force the caller's sleep to 0 per spec.md step 7's first
// bullet, independent of the elapsed-time bookkeeping.
func (sw *sweeper) defunctScanLocked(now int64) (elapsed int64, changed bool) {
	start := sw.cache.CacheTimeMS()
	sw.lastScanMS = now

	// iterateMutate decrements queueBytes for every item it removes from
	// the queue, which is correct for the not-needed (resurrected) case
	// but not for the aged-out case: that item is only relocating into
	// the expired batch, still present, so its bytes are added back.
	var relocated int64
	removedOrRelocated := sw.queue.iterateMutate(func(t *Tombstone) bool {
		if sw.isNotNeeded(t) {
			return true
		}
		if sw.batchMode && t.expiresAtMS(sw.expiryMS)-now <= 0 {
			sw.expiredAdd(t)
			relocated += t.size()
			return true
		}
		return false
	})
	if relocated != 0 {
		sw.queue.queueBytes.Add(relocated)
	}
	if len(removedOrRelocated) > 0 {
		changed = true
	}

	if sw.current != nil && sw.isNotNeeded(sw.current) {
		sw.queue.queueBytes.Add(-sw.current.size())
		sw.current = nil
		changed = true
	}

	if sw.batchMode {
		freed := sw.expiredRemoveWhere(sw.isNotNeeded)
		sw.queue.queueBytes.Add(-freed)
	}

	elapsed = sw.cache.CacheTimeMS() - start
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, changed
}

func (sw *sweeper) isNotNeeded(t *Tombstone) bool {
	rm := t.region.RegionMap()
	if rm == nil {
		return false
	}
	return rm.IsTombstoneNotNeeded(t.entry, t.entryVersion)
}

// removeFromRegionMap calls RegionMap.RemoveTombstone and applies the
// error-handling rules of spec.md §7: cancellation is swallowed silently,
// other failures are logged at warning and otherwise ignored.
func (sw *sweeper) removeFromRegionMap(t *Tombstone, cancel, destroy bool) bool {
	rm := t.region.RegionMap()
	if rm == nil {
		return false
	}
	present, err := rm.RemoveTombstone(t.entry, t, cancel, destroy)
	if err != nil {
		if sw.cache.CancelInProgress() {
			return false
		}
		sw.logWarning.log("tombstone: remove_tombstone failed for %s: %v", t.region.FullPath(), err)
		return false
	}
	return present
}

// shouldTriggerBatch is called from the sweeper's own goroutine, but
// expired is also reachable from unschedule(region) on a caller's
// goroutine, so the size check still goes through expiredLock.
func (sw *sweeper) shouldTriggerBatch() bool {
	if atomic.CompareAndSwapInt32(&sw.forceBatch, 1, 0) {
		return true
	}
	if sw.expiredSize() >= sw.cfg.ExpiredTombstoneLimit {
		return true
	}
	return sw.cfg.ForceGCMemoryEvents
}

// checkMemoryPressure implements spec.md §4.3 step 3. It only ever *sets*
// forceBatch for a later pass; it never forces age-based expiration, which
// spec.md's design notes call out explicitly as unsafe.
func (sw *sweeper) checkMemoryPressure() {
	ratio := sw.cfg.gcMemoryThresholdRatio()
	if ratio <= 0 {
		return
	}
	mem := sw.cache.RuntimeMemory()
	if mem.TotalBytes <= 0 {
		return
	}
	free := mem.FreeBytes + (mem.MaxBytes - mem.TotalBytes)
	if float64(free)/float64(mem.TotalBytes) >= ratio {
		return
	}
	if atomic.LoadInt32(&sw.batchInProgress) != 0 {
		return
	}
	if sw.expiredSize() > sw.cfg.ExpiredTombstoneLimit/4 {
		atomic.StoreInt32(&sw.forceBatch, 1)
	}
}

// waitFor blocks the sweeper's own goroutine on its condition variable for
// at most d, waking early on stop() or notify(). It is only ever called
// from loop(), so there is exactly one waiter.
func (sw *sweeper) waitFor(d time.Duration) {
	sw.condMu.Lock()
	defer sw.condMu.Unlock()
	if atomic.LoadInt32(&sw.stopped) != 0 {
		return
	}
	timer := time.AfterFunc(d, sw.notify)
	sw.cond.Wait()
	timer.Stop()
}
