package testkit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ashishtadose/geode-tombstone-gc/tombstone"
)

var errRemoveFailed = errors.New("testkit: region map remove_tombstone failed")

func fmtSprint(v interface{}) string { return fmt.Sprint(v) }

// VersionVector is a tombstone.VersionVector fake. It keeps a high-water
// GC mark per member plus an exception set, mirroring the bit-packed
// timestamp/version encoding the teacher folds into a single uint64 word
// in its on-disk format: here the two halves are just two maps, since this
// package exists to make the ordering of calls observable, not to encode
// bytes on disk.
type VersionVector struct {
	mu          sync.Mutex
	gcVersion   map[tombstone.MemberID]uint64
	exceptions  map[tombstone.MemberID]map[uint64]struct{}
	writeErr    error
	writeCalls  int32
	recordCalls int32
	pruneCalls  int32

	// Journal, if set, receives one event per call so a test can assert
	// cross-collaborator ordering (e.g. write-before-remove).
	Journal *Recorder
}

// NewVersionVector returns an empty VersionVector.
func NewVersionVector() *VersionVector {
	return &VersionVector{
		gcVersion:  make(map[tombstone.MemberID]uint64),
		exceptions: make(map[tombstone.MemberID]map[uint64]struct{}),
	}
}

// AddException records versions as out-of-order gaps for member, the way a
// delta-GII handshake would leave them before being pruned.
func (v *VersionVector) AddException(member tombstone.MemberID, versions ...uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	set := v.exceptions[member]
	if set == nil {
		set = make(map[uint64]struct{})
		v.exceptions[member] = set
	}
	for _, ver := range versions {
		set[ver] = struct{}{}
	}
}

// FailNextWrite makes the next WriteGCRVV call return a non-nil error, to
// exercise the persistence-failure logging path.
func (v *VersionVector) FailNextWrite(err error) {
	v.mu.Lock()
	v.writeErr = err
	v.mu.Unlock()
}

func (v *VersionVector) RecordGCVersion(member tombstone.MemberID, version uint64) {
	atomic.AddInt32(&v.recordCalls, 1)
	v.Journal.record("record_gc_version")
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.gcVersion[member]; !ok || version > cur {
		v.gcVersion[member] = version
	}
}

func (v *VersionVector) PruneOldExceptions(member tombstone.MemberID) {
	atomic.AddInt32(&v.pruneCalls, 1)
	v.Journal.record("prune_old_exceptions")
	v.mu.Lock()
	defer v.mu.Unlock()
	set := v.exceptions[member]
	if set == nil {
		return
	}
	watermark := v.gcVersion[member]
	for ver := range set {
		if ver <= watermark {
			delete(set, ver)
		}
	}
}

func (v *VersionVector) WriteGCRVV() error {
	atomic.AddInt32(&v.writeCalls, 1)
	v.Journal.record("write_gc_rvv")
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.writeErr != nil {
		err := v.writeErr
		v.writeErr = nil
		return err
	}
	return nil
}

// GCVersion returns the recorded GC watermark for member.
func (v *VersionVector) GCVersion(member tombstone.MemberID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gcVersion[member]
}

// ExceptionCount returns how many exception entries remain for member.
func (v *VersionVector) ExceptionCount(member tombstone.MemberID) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.exceptions[member])
}

// CallCounts reports how many times each method has been invoked, in the
// order batch reclamation is required to call them: record, prune, write.
func (v *VersionVector) CallCounts() (record, prune, write int32) {
	return atomic.LoadInt32(&v.recordCalls), atomic.LoadInt32(&v.pruneCalls), atomic.LoadInt32(&v.writeCalls)
}
