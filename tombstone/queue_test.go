package tombstone

import "testing"

func tombstoneFor(region Region, key string, version uint64, ts int64) *Tombstone {
	return NewTombstone(region, &fakeEntry{key: key}, VersionTag{
		MemberID:      "m1",
		RegionVersion: version,
		EntryVersion:  version,
		TimestampMS:   ts,
	}, len(key))
}

type fakeEntry struct{ key string }

func (e *fakeEntry) Key() interface{} { return e.key }

type fakeRegion struct{ name string }

func (r *fakeRegion) Scope() RegionScope                          { return RegionScope{} }
func (r *fakeRegion) ServerProxy() ServerProxy                    { return nil }
func (r *fakeRegion) DataPolicy() DataPolicy                      { return DataPolicy{} }
func (r *fakeRegion) VersionMember() MemberID                     { return "" }
func (r *fakeRegion) VersionVector() VersionVector                { return nil }
func (r *fakeRegion) RegionMap() RegionMap                        { return nil }
func (r *fakeRegion) IsUsedForPartitionedRegionBucket() bool      { return false }
func (r *fakeRegion) DistributeTombstoneGC(map[interface{}]struct{}) {}
func (r *fakeRegion) FullPath() string                            { return r.name }

func TestSweepQueueEnqueuePollHead(t *testing.T) {
	q := newSweepQueue()
	r := &fakeRegion{name: "r"}
	t1 := tombstoneFor(r, "a", 1, 0)
	t2 := tombstoneFor(r, "b", 2, 0)
	q.enqueue(t1)
	q.enqueue(t2)

	if got := q.queueBytes.Load(); got != t1.size()+t2.size() {
		t.Fatalf("queueBytes = %d, want %d", got, t1.size()+t2.size())
	}
	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}

	head := q.pollHead()
	if head != t1 {
		t.Fatalf("pollHead returned %v, want t1", head)
	}
	// pollHead only moves a tombstone out of the queue and into the
	// sweeper's current slot; it is still present, so queueBytes is
	// unchanged until final disposition.
	if got := q.queueBytes.Load(); got != t1.size()+t2.size() {
		t.Fatalf("queueBytes after pollHead = %d, want %d", got, t1.size()+t2.size())
	}

	if q.pollHead() != t2 {
		t.Fatal("second pollHead should return t2")
	}
	if q.pollHead() != nil {
		t.Fatal("pollHead on empty queue should return nil")
	}
	if got := q.queueBytes.Load(); got != t1.size()+t2.size() {
		t.Fatalf("queueBytes should be unchanged by pollHead, got %d want %d", got, t1.size()+t2.size())
	}
}

func TestSweepQueueIterateMutate(t *testing.T) {
	q := newSweepQueue()
	r := &fakeRegion{name: "r"}
	t1 := tombstoneFor(r, "a", 1, 0)
	t2 := tombstoneFor(r, "b", 2, 0)
	t3 := tombstoneFor(r, "c", 3, 0)
	q.enqueue(t1)
	q.enqueue(t2)
	q.enqueue(t3)

	removed := q.iterateMutate(func(t *Tombstone) bool { return t == t2 })
	if len(removed) != 1 || removed[0] != t2 {
		t.Fatalf("removed = %v, want [t2]", removed)
	}
	if q.len() != 2 {
		t.Fatalf("len after removal = %d, want 2", q.len())
	}
	if got := q.queueBytes.Load(); got != t1.size()+t3.size() {
		t.Fatalf("queueBytes = %d, want %d", got, t1.size()+t3.size())
	}
}

func TestSweepQueueRemoveWhereRegion(t *testing.T) {
	q := newSweepQueue()
	r1 := &fakeRegion{name: "r1"}
	r2 := &fakeRegion{name: "r2"}
	t1 := tombstoneFor(r1, "a", 1, 0)
	t2 := tombstoneFor(r2, "b", 2, 0)
	q.enqueue(t1)
	q.enqueue(t2)

	freed := q.removeWhereRegion(r1)
	if freed != t1.size() {
		t.Fatalf("freed = %d, want %d", freed, t1.size())
	}
	if q.len() != 1 {
		t.Fatalf("len = %d, want 1", q.len())
	}
	if q.pollHead() != t2 {
		t.Fatal("remaining item should be t2")
	}
}
