// Command tombstone-bench exercises the tombstone Reclamation API (C6)
// against the in-memory testkit fakes, the same role
// brimstore-valuesstore/main.go plays against a real on-disk ValuesStore:
// a go-flags option struct, a positional list of phases to run, and a
// summary printed at exit. It is a demonstration harness, not a cache
// server; it carries no region map beyond the testkit fakes.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/gholt/brimutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/ashishtadose/geode-tombstone-gc/tombstone"
	"github.com/ashishtadose/geode-tombstone-gc/tombstone/testkit"
)

type optsStruct struct {
	Cores      int    `long:"cores" description:"Number of cores. Default: CPU core count"`
	Keys       int    `short:"n" long:"keys" description:"Number of keys per phase" default:"1000"`
	ExpiryMS   int64  `long:"expiry-ms" description:"Replicated sweeper expiry override, milliseconds"`
	Persistent bool   `long:"persistent" description:"Run the replicated region as a persistent region"`
	Random     int    `long:"random" description:"Random seed for key ordering. Default: 0"`
	Positional struct {
		Phases []string `name:"phases" description:"schedule age gc-rvv gc-keys stress-block-gc"`
	} `positional-args:"yes"`
	keyspace []byte
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	if opts.Cores > 0 {
		runtime.GOMAXPROCS(opts.Cores)
	}

	// Scramble a keyspace buffer the way brimstore-valuesstore scrambles
	// its fill bytes, so each key "schedule"/"age" destroys carries a
	// reproducible scrambled salt instead of being the bare key-%d; keys
	// are still scheduled in index order.
	opts.keyspace = make([]byte, opts.Keys*8)
	brimutil.NewSeededScrambled(int64(opts.Random)).Read(opts.keyspace)

	cache := testkit.NewCache(0)
	cfg := &tombstone.Config{
		ReplicatedTombstoneTimeoutMS: 5000,
		LocalMemberID:                "bench-local",
	}
	if opts.ExpiryMS > 0 {
		cfg.ReplicatedTombstoneTimeoutMS = opts.ExpiryMS
	}
	svc := tombstone.NewService(cfg)
	if err := svc.Initialize(cache); err != nil {
		fmt.Fprintln(os.Stderr, "initialize:", err)
		os.Exit(1)
	}
	defer svc.Stop()

	region := testkit.NewReplicatedRegion("bench", opts.Persistent)
	region.Bucket = true

	for _, phase := range opts.Positional.Phases {
		switch phase {
		case "schedule":
			runSchedule(svc, cache, region)
		case "age":
			runAge(svc, cache, region)
		case "gc-rvv":
			runGCByRVV(svc, region)
		case "gc-keys":
			runGCByKeys(svc)
		case "stress-block-gc":
			runStressBlockGC(svc, cache, region)
		default:
			fmt.Fprintf(os.Stderr, "unknown phase %q\n", phase)
		}
	}

	fmt.Println(svc.Stats().String())
}

func runSchedule(svc *tombstone.Service, cache *testkit.Cache, region *testkit.Region) {
	now := cache.Clock.NowMS()
	for i := 0; i < opts.Keys; i++ {
		key := fmt.Sprintf("key-%d-%d", i, keyspaceSalt(i))
		entry := &testkit.Entry{KeyVal: key}
		region.Map.Put(key, uint64(i))
		svc.Schedule(region, entry, tombstone.VersionTag{
			MemberID:      "bench-local",
			RegionVersion: uint64(i),
			EntryVersion:  uint64(i),
			TimestampMS:   now,
		})
	}
}

// keyspaceSalt reads the scrambled keyspace buffer at index i so repeated
// runs with the same --random seed schedule the same keys, while different
// seeds exercise different insertion/removal orderings against the region
// map's sharded locks.
func keyspaceSalt(i int) uint64 {
	off := (i * 8) % len(opts.keyspace)
	return binary.LittleEndian.Uint64(opts.keyspace[off : off+8])
}

func runAge(svc *tombstone.Service, cache *testkit.Cache, region *testkit.Region) {
	runSchedule(svc, cache, region)
	cache.Clock.Advance(10 * 1000)
	svc.ForceBatchExpirationForTests(opts.Keys)
	cache.Pool.Wait()
}

func runGCByRVV(svc *tombstone.Service, region *testkit.Region) {
	gcVersions := map[tombstone.MemberID]uint64{"bench-local": uint64(opts.Keys)}
	svc.GCByRVV(region, gcVersions, true)
}

func runGCByKeys(svc *tombstone.Service) {
	client := testkit.NewClientRegion("bench-client")
	entry := &testkit.Entry{KeyVal: "client-key"}
	client.Map.Put("client-key", 1)
	svc.Schedule(client, entry, tombstone.VersionTag{
		MemberID:      "bench-local",
		RegionVersion: 1,
		EntryVersion:  1,
		TimestampMS:   0,
	})
	svc.GCByKeys(client, map[interface{}]struct{}{"client-key": {}})
}

func runStressBlockGC(svc *tombstone.Service, cache *testkit.Cache, region *testkit.Region) {
	svc.IncrementBlockGC()
	runSchedule(svc, cache, region)
	cache.Clock.Advance(10 * 1000)
	_, performed := svc.GCByRVV(region, map[tombstone.MemberID]uint64{"bench-local": uint64(opts.Keys)}, false)
	if performed {
		fmt.Fprintln(os.Stderr, "gc-rvv unexpectedly performed while blocked")
	}
	svc.DecrementBlockGC()
	time.Sleep(10 * time.Millisecond)
}
