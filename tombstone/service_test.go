package tombstone_test

import (
	"testing"
	"time"

	"github.com/ashishtadose/geode-tombstone-gc/tombstone"
	"github.com/ashishtadose/geode-tombstone-gc/tombstone/testkit"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newTestService(t *testing.T, cfg *tombstone.Config) (*tombstone.Service, *testkit.Cache) {
	t.Helper()
	cache := testkit.NewCache(0)
	svc := tombstone.NewService(cfg)
	if err := svc.Initialize(cache); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc, cache
}

// Property 1: age expiry, non-batch.
func TestAgeExpiryNonBatch(t *testing.T) {
	svc, cache := newTestService(t, &tombstone.Config{
		NonReplicatedTombstoneTimeoutMS: 80,
		TombstoneScanIntervalMS:         20,
		LocalMemberID:                   "m1",
	})
	region := testkit.NewNonReplicatedRegion("r")

	for i := 0; i < 3; i++ {
		key := string(rune('a' + i))
		entry := &testkit.Entry{KeyVal: key}
		// Versions start at 1: an all-zero VersionTag is rejected as unstamped.
		region.Map.Put(key, uint64(i+1))
		if err := svc.Schedule(region, entry, tombstone.VersionTag{
			MemberID:      "m1",
			RegionVersion: uint64(i + 1),
			EntryVersion:  uint64(i + 1),
			TimestampMS:   cache.Clock.NowMS(),
		}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	waitUntil(t, 2*time.Second, func() bool {
		return len(region.Map.Removed()) == 3 && svc.NonReplicatedQueueBytes() == 0
	})
}

// Property 2: batch expiry with persistence observes the ordered
// write-before-remove-before-distribute protocol.
func TestBatchExpiryWithPersistenceOrdering(t *testing.T) {
	svc, cache := newTestService(t, &tombstone.Config{
		ReplicatedTombstoneTimeoutMS: 60 * 1000, // long; forced expiration plus the idle-batch hook fire the pass
		IdleExpiration:               true,
		LocalMemberID:                "m1",
	})
	region := testkit.NewReplicatedRegion("r", true)
	region.Bucket = true
	rec := testkit.NewRecorder()
	region.WireJournal(rec)

	for i := 0; i < 2; i++ {
		key := string(rune('a' + i))
		entry := &testkit.Entry{KeyVal: key}
		// Versions start at 1: an all-zero VersionTag is rejected as unstamped.
		region.Map.Put(key, uint64(i+1))
		if err := svc.Schedule(region, entry, tombstone.VersionTag{
			MemberID:      "m1",
			RegionVersion: uint64(i + 1),
			EntryVersion:  uint64(i + 1),
			TimestampMS:   cache.Clock.NowMS(),
		}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	if ok := svc.ForceBatchExpirationForTests(2); !ok {
		t.Fatal("ForceBatchExpirationForTests timed out")
	}
	cache.Pool.Wait()

	waitUntil(t, time.Second, func() bool { return len(region.Map.Removed()) == 2 })

	events := rec.Events()
	if len(events) == 0 {
		t.Fatal("expected recorded events")
	}
	writeIdx, removeIdx, distributeIdx := -1, -1, -1
	removeCount := 0
	for i, e := range events {
		switch e {
		case "write_gc_rvv":
			if writeIdx == -1 {
				writeIdx = i
			}
		case "remove_tombstone":
			removeCount++
			if removeIdx == -1 {
				removeIdx = i
			}
		case "distribute_tombstone_gc":
			if distributeIdx == -1 {
				distributeIdx = i
			}
		}
	}
	if writeIdx == -1 || removeIdx == -1 || distributeIdx == -1 {
		t.Fatalf("missing expected event in %v", events)
	}
	if removeCount != 2 {
		t.Fatalf("remove_tombstone called %d times, want 2", removeCount)
	}
	if !(writeIdx < removeIdx && removeIdx < distributeIdx) {
		t.Fatalf("events out of order: %v", events)
	}
	if got := svc.ReplicatedQueueBytes(); got != 0 {
		t.Fatalf("ReplicatedQueueBytes = %d, want 0", got)
	}
}

// Property 3: block-GC.
func TestBlockGC(t *testing.T) {
	svc, cache := newTestService(t, &tombstone.Config{
		ReplicatedTombstoneTimeoutMS: 60 * 1000,
		LocalMemberID:                "m1",
	})
	region := testkit.NewReplicatedRegion("r", false)
	region.Bucket = true

	key := "k"
	entry := &testkit.Entry{KeyVal: key}
	region.Map.Put(key, 1)
	if err := svc.Schedule(region, entry, tombstone.VersionTag{
		MemberID: "m1", RegionVersion: 1, EntryVersion: 1, TimestampMS: cache.Clock.NowMS(),
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	svc.IncrementBlockGC()
	if _, performed := svc.GCByRVV(region, map[tombstone.MemberID]uint64{"m1": 1}, false); performed {
		t.Fatal("GCByRVV should report not-performed while blocked")
	}
	if len(region.Map.Removed()) != 0 {
		t.Fatal("nothing should have been removed while blocked")
	}
	svc.DecrementBlockGC()

	keys, performed := svc.GCByRVV(region, map[tombstone.MemberID]uint64{"m1": 1}, true)
	if !performed {
		t.Fatal("GCByRVV should perform once unblocked")
	}
	if _, ok := keys[key]; !ok {
		t.Fatalf("expected key %q in result, got %v", key, keys)
	}
}

// Property 4: resurrection.
func TestResurrectionRemovesWithoutDestroy(t *testing.T) {
	svc, cache := newTestService(t, &tombstone.Config{
		// Longer than the sweeper's 10s maximum sleep, so its first wake
		// finds the tombstone unexpired and the defunct scan removes it.
		NonReplicatedTombstoneTimeoutMS: 60 * 1000,
		TombstoneScanIntervalMS:         20,
		LocalMemberID:                   "m1",
	})
	region := testkit.NewNonReplicatedRegion("r")
	key := "k"
	entry := &testkit.Entry{KeyVal: key}
	region.Map.Put(key, 1)
	if err := svc.Schedule(region, entry, tombstone.VersionTag{
		MemberID: "m1", RegionVersion: 1, EntryVersion: 1, TimestampMS: cache.Clock.NowMS(),
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	region.Map.MarkNotNeeded(key)

	waitUntil(t, 15*time.Second, func() bool { return svc.NonReplicatedQueueBytes() == 0 })
	if len(region.Map.Removed()) != 0 {
		t.Fatalf("resurrected tombstone should not go through remove_tombstone(destroy=true), got %v", region.Map.Removed())
	}
}

// Property 5: GC by RVV.
func TestGCByRVVPartialMatch(t *testing.T) {
	svc, cache := newTestService(t, &tombstone.Config{
		ReplicatedTombstoneTimeoutMS: 60 * 1000,
		LocalMemberID:                "m1",
	})
	region := testkit.NewReplicatedRegion("r", false)
	region.Bucket = true

	versions := []struct {
		member tombstone.MemberID
		rv     uint64
		key    string
	}{
		{"A", 1, "k1"},
		{"A", 2, "k2"},
		{"B", 3, "k3"},
	}
	for _, v := range versions {
		entry := &testkit.Entry{KeyVal: v.key}
		region.Map.Put(v.key, v.rv)
		if err := svc.Schedule(region, entry, tombstone.VersionTag{
			MemberID: v.member, RegionVersion: v.rv, EntryVersion: v.rv, TimestampMS: cache.Clock.NowMS(),
		}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	keys, performed := svc.GCByRVV(region, map[tombstone.MemberID]uint64{"A": 2}, true)
	if !performed {
		t.Fatal("GCByRVV should be performed")
	}
	if len(keys) != 2 {
		t.Errorf("len(keys) = %d, want 2", len(keys))
	}
	if _, ok := keys["k1"]; !ok {
		t.Errorf("expected k1 in result")
	}
	if _, ok := keys["k2"]; !ok {
		t.Errorf("expected k2 in result")
	}
	if _, ok := keys["k3"]; ok {
		t.Errorf("k3 should not be reclaimed yet")
	}

	keys2, performed2 := svc.GCByRVV(region, map[tombstone.MemberID]uint64{"A": 2}, false)
	if !performed2 || len(keys2) != 0 {
		t.Fatalf("second gcByRVV should be idempotent with empty result, got %v", keys2)
	}
}

// Property 6: GC by keys (client).
func TestGCByKeysClientRegion(t *testing.T) {
	svc, cache := newTestService(t, &tombstone.Config{
		NonReplicatedTombstoneTimeoutMS: 60 * 1000,
		LocalMemberID:                   "m1",
	})
	region := testkit.NewClientRegion("c")
	for _, key := range []string{"k1", "k2", "k3"} {
		entry := &testkit.Entry{KeyVal: key}
		region.Map.Put(key, 1)
		if err := svc.Schedule(region, entry, tombstone.VersionTag{
			MemberID: "m1", RegionVersion: 1, EntryVersion: 1, TimestampMS: cache.Clock.NowMS(),
		}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	svc.GCByKeys(region, map[interface{}]struct{}{"k1": {}, "k3": {}})

	removed := region.Map.Removed()
	if len(removed) != 2 {
		t.Fatalf("removed = %v, want 2 entries", removed)
	}
}

func TestUnscheduleTotality(t *testing.T) {
	svc, cache := newTestService(t, &tombstone.Config{
		ReplicatedTombstoneTimeoutMS: 60 * 1000,
		LocalMemberID:                "m1",
	})
	region := testkit.NewReplicatedRegion("r", false)
	for i := 0; i < 2; i++ {
		key := string(rune('a' + i))
		entry := &testkit.Entry{KeyVal: key}
		region.Map.Put(key, uint64(i+1))
		if err := svc.Schedule(region, entry, tombstone.VersionTag{
			MemberID: "m1", RegionVersion: uint64(i + 1), EntryVersion: uint64(i + 1), TimestampMS: cache.Clock.NowMS(),
		}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	svc.Unschedule(region)

	if got := svc.ReplicatedQueueBytes(); got != 0 {
		t.Fatalf("ReplicatedQueueBytes after unschedule = %d, want 0", got)
	}
	keys, performed := svc.GCByRVV(region, map[tombstone.MemberID]uint64{"m1": 10}, true)
	if !performed || len(keys) != 0 {
		t.Fatalf("no tombstones should remain for region after unschedule, got %v", keys)
	}
}
