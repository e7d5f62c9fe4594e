package testkit

import (
	"runtime"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/ashishtadose/geode-tombstone-gc/tombstone"
)

// Entry is a tombstone.RegionEntry fake: just a comparable key.
type Entry struct {
	KeyVal interface{}
}

func (e *Entry) Key() interface{} { return e.KeyVal }

type entryState struct {
	version   uint64
	present   bool
	notNeeded bool
}

// RegionMap is a tombstone.RegionMap fake striped across
// runtime.GOMAXPROCS(0) lock shards keyed by a murmur3 hash of the entry's
// key, the same sharded design valuelocmap uses for its bucket table, so
// concurrent schedule/removeTombstone calls exercise real lock contention
// instead of a single global mutex.
type RegionMap struct {
	shards []regionMapShard

	mu       sync.Mutex
	removed  []interface{}
	failNext bool

	// Journal, if set, receives one "remove_tombstone" event per
	// successful removal.
	Journal *Recorder
}

type regionMapShard struct {
	mu      sync.RWMutex
	entries map[interface{}]*entryState
}

// NewRegionMap builds a RegionMap with GOMAXPROCS(0) shards.
func NewRegionMap() *RegionMap {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	rm := &RegionMap{shards: make([]regionMapShard, n)}
	for i := range rm.shards {
		rm.shards[i].entries = make(map[interface{}]*entryState)
	}
	return rm
}

func (rm *RegionMap) shardFor(key interface{}) *regionMapShard {
	h := murmur3.Sum32([]byte(keyBytes(key)))
	return &rm.shards[int(h)%len(rm.shards)]
}

func keyBytes(key interface{}) string {
	switch k := key.(type) {
	case string:
		return k
	case []byte:
		return string(k)
	default:
		return fmtSprint(key)
	}
}

// Put registers a live tombstone for key at entryVersion, as Schedule would
// have done through the production region map.
func (rm *RegionMap) Put(key interface{}, entryVersion uint64) {
	shard := rm.shardFor(key)
	shard.mu.Lock()
	shard.entries[key] = &entryState{version: entryVersion, present: true}
	shard.mu.Unlock()
}

// MarkNotNeeded simulates a resurrection or overwrite: the next
// IsTombstoneNotNeeded(key, *) call returns true regardless of version.
func (rm *RegionMap) MarkNotNeeded(key interface{}) {
	shard := rm.shardFor(key)
	shard.mu.Lock()
	if st, ok := shard.entries[key]; ok {
		st.notNeeded = true
	} else {
		shard.entries[key] = &entryState{notNeeded: true}
	}
	shard.mu.Unlock()
}

// FailNextRemove makes the next RemoveTombstone call return a non-nil,
// non-cancellation error, to exercise the logWarning path of SPEC_FULL.md §7.
func (rm *RegionMap) FailNextRemove() {
	rm.mu.Lock()
	rm.failNext = true
	rm.mu.Unlock()
}

func (rm *RegionMap) RemoveTombstone(entry tombstone.RegionEntry, t *tombstone.Tombstone, cancel bool, destroy bool) (bool, error) {
	rm.mu.Lock()
	if rm.failNext {
		rm.failNext = false
		rm.mu.Unlock()
		return false, errRemoveFailed
	}
	rm.mu.Unlock()

	key := entry.Key()
	shard := rm.shardFor(key)
	shard.mu.Lock()
	st, ok := shard.entries[key]
	present := ok && st.present && st.version == t.EntryVersion()
	if present {
		st.present = false
	}
	shard.mu.Unlock()

	if present {
		rm.mu.Lock()
		rm.removed = append(rm.removed, key)
		rm.mu.Unlock()
		rm.Journal.record("remove_tombstone")
	}
	return present, nil
}

func (rm *RegionMap) IsTombstoneNotNeeded(entry tombstone.RegionEntry, entryVersion uint64) bool {
	key := entry.Key()
	shard := rm.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	st, ok := shard.entries[key]
	if !ok {
		return false
	}
	if st.notNeeded {
		return true
	}
	return st.present && st.version != entryVersion
}

// Removed returns the keys RemoveTombstone has actually removed, in call
// order.
func (rm *RegionMap) Removed() []interface{} {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]interface{}, len(rm.removed))
	copy(out, rm.removed)
	return out
}

// Region is a tombstone.Region fake. Exported fields are plain test
// configuration; DistributeTombstoneGC calls are recorded for assertions.
type Region struct {
	Name             string
	ScopeVal         tombstone.RegionScope
	ServerProxyVal   tombstone.ServerProxy
	DataPolicyVal    tombstone.DataPolicy
	VersionMemberVal tombstone.MemberID
	VV               *VersionVector
	Map              *RegionMap
	Bucket           bool

	mu          sync.Mutex
	distributed []distributeCall

	// Journal, if set, receives one "distribute_tombstone_gc" event per call.
	Journal *Recorder
}

type distributeCall struct {
	keys map[interface{}]struct{}
}

// NewReplicatedRegion builds a distributed, replicated region with no server
// proxy, persistent when persistent is true: the configuration that routes
// to the replicated sweeper.
func NewReplicatedRegion(name string, persistent bool) *Region {
	return &Region{
		Name:          name,
		ScopeVal:      tombstone.RegionScope{IsDistributed: true},
		DataPolicyVal: tombstone.DataPolicy{WithReplication: true, WithPersistence: persistent},
		VV:            NewVersionVector(),
		Map:           NewRegionMap(),
	}
}

// NewNonReplicatedRegion builds a region with no distribution and no
// replication, the default routing target for anything that is neither a
// replicated peer-to-peer region nor a server-proxy client region.
func NewNonReplicatedRegion(name string) *Region {
	return &Region{
		Name: name,
		VV:   NewVersionVector(),
		Map:  NewRegionMap(),
	}
}

// NewClientRegion builds a region fronted by a server proxy, which routes
// to the non-replicated sweeper and is required for gcByKeys to act.
func NewClientRegion(name string) *Region {
	return &Region{
		Name:           name,
		ScopeVal:       tombstone.RegionScope{IsDistributed: true},
		ServerProxyVal: &proxyMarker{},
		VV:             NewVersionVector(),
		Map:            NewRegionMap(),
	}
}

// WireJournal attaches rec to r, r.VV and r.Map so every call batch
// reclamation makes against this region lands in one ordered event log.
func (r *Region) WireJournal(rec *Recorder) {
	r.Journal = rec
	if r.VV != nil {
		r.VV.Journal = rec
	}
	if r.Map != nil {
		r.Map.Journal = rec
	}
}

// proxyMarker is a stand-in ServerProxy: the interface has no methods of
// its own, only non-nil identity matters to the sweeper.
type proxyMarker struct{}

func (r *Region) Scope() tombstone.RegionScope     { return r.ScopeVal }
func (r *Region) ServerProxy() tombstone.ServerProxy { return r.ServerProxyVal }
func (r *Region) DataPolicy() tombstone.DataPolicy { return r.DataPolicyVal }
func (r *Region) VersionMember() tombstone.MemberID { return r.VersionMemberVal }
func (r *Region) VersionVector() tombstone.VersionVector {
	if r.VV == nil {
		return nil
	}
	return r.VV
}
func (r *Region) RegionMap() tombstone.RegionMap {
	if r.Map == nil {
		return nil
	}
	return r.Map
}
func (r *Region) IsUsedForPartitionedRegionBucket() bool { return r.Bucket }
func (r *Region) FullPath() string                       { return "/" + r.Name }

func (r *Region) DistributeTombstoneGC(keys map[interface{}]struct{}) {
	r.mu.Lock()
	r.distributed = append(r.distributed, distributeCall{keys: keys})
	r.mu.Unlock()
	r.Journal.record("distribute_tombstone_gc")
}

// DistributeCalls returns the key sets passed to DistributeTombstoneGC, in
// call order.
func (r *Region) DistributeCalls() []map[interface{}]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[interface{}]struct{}, len(r.distributed))
	for i, c := range r.distributed {
		out[i] = c.keys
	}
	return out
}
