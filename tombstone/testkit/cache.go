package testkit

import (
	"sync"
	"sync/atomic"

	"github.com/ashishtadose/geode-tombstone-gc/tombstone"
)

// Pool is a trivial WaitingThreadPool that runs submitted work on a new
// goroutine, the same "don't block the sweeper" contract the teacher's own
// worker pools provide without pretending to bound concurrency.
type Pool struct {
	wg sync.WaitGroup
}

// Submit runs fn on its own goroutine.
func (p *Pool) Submit(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Wait blocks until every submitted fn has returned. Test-only; production
// callers never need to drain a fire-and-forget pool.
func (p *Pool) Wait() { p.wg.Wait() }

// Stats is a recording tombstone.PerfStats fake.
type Stats struct {
	replicatedBytes    int64
	nonReplicatedBytes int64
}

func (s *Stats) SetReplicatedTombstonesSize(n int64)    { atomic.StoreInt64(&s.replicatedBytes, n) }
func (s *Stats) SetNonReplicatedTombstonesSize(n int64) { atomic.StoreInt64(&s.nonReplicatedBytes, n) }
func (s *Stats) ReplicatedTombstonesSize() int64        { return atomic.LoadInt64(&s.replicatedBytes) }
func (s *Stats) NonReplicatedTombstonesSize() int64     { return atomic.LoadInt64(&s.nonReplicatedBytes) }

// Cache is a tombstone.Cache fake backed by a Clock, an optional Pool, and
// a mutable RuntimeMemory snapshot a test can edit to drive the
// memory-pressure heuristic.
type Cache struct {
	Clock *Clock
	Pool  *Pool
	Stats *Stats

	mu         sync.Mutex
	canceled   bool
	memory     tombstone.RuntimeMemory
}

// NewCache returns a Cache whose clock starts at startMS and whose worker
// pool runs distribution asynchronously.
func NewCache(startMS int64) *Cache {
	return &Cache{
		Clock: NewClock(startMS),
		Pool:  &Pool{},
		Stats: &Stats{},
	}
}

func (c *Cache) CacheTimeMS() int64 { return c.Clock.NowMS() }

func (c *Cache) CancelInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// Cancel flips CancelInProgress to true, simulating the cache tearing down.
func (c *Cache) Cancel() {
	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
}

func (c *Cache) WaitingThreadPool() tombstone.WaitingThreadPool {
	if c.Pool == nil {
		return nil
	}
	return c.Pool
}
func (c *Cache) PerfStats() tombstone.PerfStats                 { return c.Stats }

func (c *Cache) RuntimeMemory() tombstone.RuntimeMemory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory
}

// SetRuntimeMemory overwrites the memory snapshot RuntimeMemory reports,
// letting a test drive checkMemoryPressure deterministically.
func (c *Cache) SetRuntimeMemory(mem tombstone.RuntimeMemory) {
	c.mu.Lock()
	c.memory = mem
	c.mu.Unlock()
}
