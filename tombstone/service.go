package tombstone

import (
	"sync/atomic"
	"time"
)

// Service is C7: the package's public entry point. It owns exactly two
// sweepers — replicated (batch mode) and non-replicated (non-batch) — and
// the block-GC counter they share, and routes every external call to the
// sweeper that owns the region in question.
type Service struct {
	cfg     *Config
	blockGC *blockGCCounter

	replicated    *sweeper
	nonReplicated *sweeper

	stopped int32
}

// NewService builds a Service from cfg (resolved via ResolveConfig if not
// already). It does not start any background task; call Initialize for that.
func NewService(cfg *Config) *Service {
	return &Service{
		cfg:     ResolveConfig(cfg),
		blockGC: &blockGCCounter{},
	}
}

// Initialize constructs and starts both sweepers against cache, per
// spec.md §4.6.
func (s *Service) Initialize(cache Cache) error {
	s.replicated = newSweeper("replicated", true, s.cfg.ReplicatedTombstoneTimeoutMS, cache, s.cfg, s.blockGC)
	s.nonReplicated = newSweeper("non-replicated", false, s.cfg.NonReplicatedTombstoneTimeoutMS, cache, s.cfg, s.blockGC)
	s.replicated.start()
	s.nonReplicated.start()
	return nil
}

// Stop signals both sweepers, joins each with a 100ms bound, and clears
// their queues.
func (s *Service) Stop() {
	atomic.StoreInt32(&s.stopped, 1)
	const joinBound = 100 * time.Millisecond
	if s.replicated != nil {
		s.replicated.stop(joinBound)
		s.replicated.clearQueue()
	}
	if s.nonReplicated != nil {
		s.nonReplicated.stop(joinBound)
		s.nonReplicated.clearQueue()
	}
}

// sweeperFor implements the selection rule of spec.md §4.6: the replicated
// sweeper handles regions that are distributed, have no server proxy, and
// carry replication; every other region goes to the non-replicated sweeper.
func (s *Service) sweeperFor(region Region) *sweeper {
	scope := region.Scope()
	if scope.IsDistributed && region.ServerProxy() == nil && effectiveDataPolicy(region).WithReplication {
		return s.replicated
	}
	return s.nonReplicated
}

// Schedule is C6's schedule(region, entry, destroyed_version). It returns
// ErrStopped (and does nothing else) once Stop has been called.
func (s *Service) Schedule(region Region, entry RegionEntry, destroyedVersion VersionTag) error {
	if s.isStopped() {
		return ErrStopped
	}
	s.sweeperFor(region).schedule(region, entry, destroyedVersion)
	return nil
}

// Unschedule removes region's tombstones from whichever sweeper owns it.
// Both sweepers are swept defensively in case a region's routing changed
// (e.g. its DataPolicy was mutated) between schedule and unschedule. A
// region clear/destroy racing Stop is allowed to proceed: there is nothing
// left to protect once the sweepers have stopped picking work up.
func (s *Service) Unschedule(region Region) {
	s.replicated.unschedule(region)
	s.nonReplicated.unschedule(region)
}

// GCByRVV is C6's gcByRVV, routed to the sweeper that owns region.
func (s *Service) GCByRVV(region Region, gcVersions map[MemberID]uint64, needsKeys bool) (map[interface{}]struct{}, bool) {
	if s.isStopped() {
		return nil, false
	}
	return s.sweeperFor(region).gcByRVV(region, gcVersions, needsKeys)
}

// GCByKeys is C6's gcByKeys, routed to the sweeper that owns region.
func (s *Service) GCByKeys(region Region, keys map[interface{}]struct{}) {
	if s.isStopped() {
		return
	}
	s.sweeperFor(region).gcByKeys(region, keys)
}

func (s *Service) isStopped() bool {
	return atomic.LoadInt32(&s.stopped) != 0
}

// IncrementBlockGC, DecrementBlockGC and GetBlockGC maintain the
// process-wide block-GC counter shared by both sweepers.
func (s *Service) IncrementBlockGC() { s.blockGC.increment() }
func (s *Service) DecrementBlockGC() { s.blockGC.decrement() }
func (s *Service) GetBlockGC() int   { return s.blockGC.get() }

// ForceBatchExpirationForTests applies only to the replicated sweeper:
// "batch expiration" has no meaning for the non-batch sweeper, which
// expires tombstones individually rather than through expired_batch.
func (s *Service) ForceBatchExpirationForTests(n int) bool {
	return s.replicated.forceBatchExpirationForTests(n)
}

// ReplicatedQueueBytes and NonReplicatedQueueBytes expose the two gauges
// PerfStats also receives, for callers that want to poll directly (tests,
// the bench CLI) without implementing the full PerfStats interface.
func (s *Service) ReplicatedQueueBytes() int64    { return s.replicated.queueBytes() }
func (s *Service) NonReplicatedQueueBytes() int64 { return s.nonReplicated.queueBytes() }

// RejectedScheduleCount reports how many schedule calls, across both
// sweepers, were rejected for lacking a version stamp (spec.md §7's input
// violation case).
func (s *Service) RejectedScheduleCount() int64 {
	return s.replicated.rejectedCount() + s.nonReplicated.rejectedCount()
}
