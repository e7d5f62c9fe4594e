package tombstone

// expiredBatch holds age-expired tombstones awaiting cluster-coordinated
// reclamation. It is batch-mode-sweeper-only. Per spec.md §3 it is normally
// touched only by the sweeper's own goroutine, but unschedule(region) also
// has to purge it from the caller's goroutine (the unschedule-totality law
// in spec.md §8 requires a region's tombstones to be gone from the queue,
// current slot, *and* expired batch), so callers serialize access through
// the sweeper's expiredLock rather than the current-tombstone lock.
//
// Order doesn't matter here (spec.md calls it "an unordered collection"),
// so removal is a filter-in-place rather than a container/list splice.
type expiredBatch struct {
	items []*Tombstone
}

func newExpiredBatch() *expiredBatch {
	return &expiredBatch{}
}

func (b *expiredBatch) add(t *Tombstone) {
	b.items = append(b.items, t)
}

func (b *expiredBatch) size() int { return len(b.items) }

func (b *expiredBatch) isEmpty() bool { return len(b.items) == 0 }

// removeWhere drops every tombstone for which remove reports true and
// returns how many bytes were freed.
func (b *expiredBatch) removeWhere(remove func(*Tombstone) bool) int64 {
	var freed int64
	out := b.items[:0]
	for _, t := range b.items {
		if remove(t) {
			freed += t.size()
			continue
		}
		out = append(out, t)
	}
	b.items = out
	return freed
}

// drain empties the batch and returns everything that was in it.
func (b *expiredBatch) drain() []*Tombstone {
	items := b.items
	b.items = nil
	return items
}
