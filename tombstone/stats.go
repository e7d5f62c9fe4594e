package tombstone

import (
	"fmt"

	"github.com/gholt/brimtext"
)

// Stats is a point-in-time snapshot of both sweepers' queue accounting,
// the summary the bench CLI prints at exit the way the teacher's
// ValuesStoreStats.String prints its channel and page-size counters.
type Stats struct {
	ReplicatedQueueBytes    int64
	NonReplicatedQueueBytes int64
	BlockGCCount            int
	// RejectedScheduleCount counts schedule calls dropped for lacking a
	// version stamp (spec.md §7's input-violation case), across both
	// sweepers.
	RejectedScheduleCount int64
}

// Stats snapshots both sweepers' current queue_bytes, the block-GC
// counter, and the running rejected-schedule count.
func (s *Service) Stats() Stats {
	return Stats{
		ReplicatedQueueBytes:    s.ReplicatedQueueBytes(),
		NonReplicatedQueueBytes: s.NonReplicatedQueueBytes(),
		BlockGCCount:            s.GetBlockGC(),
		RejectedScheduleCount:   s.RejectedScheduleCount(),
	}
}

// String renders the snapshot as an aligned two-column table, the same
// brimtext.Align the teacher's ValuesStoreStats.String uses.
func (s Stats) String() string {
	return brimtext.Align([][]string{
		{"replicated_queue_bytes", fmt.Sprintf("%d", s.ReplicatedQueueBytes)},
		{"non_replicated_queue_bytes", fmt.Sprintf("%d", s.NonReplicatedQueueBytes)},
		{"block_gc_count", fmt.Sprintf("%d", s.BlockGCCount)},
		{"rejected_schedule_count", fmt.Sprintf("%d", s.RejectedScheduleCount)},
	}, nil)
}
