package forkgc

import "sync/atomic"

// GcBatch is a fixed-capacity array of retired candidates produced by
// one mutator's retirement queue. Batches form a singly-linked
// pending list owned by the submission frontier; ownership transfers
// to the collector at Submit, and a batch is either freed or spliced
// into the next cycle's carry-forward input at the end of a cycle.
type GcBatch struct {
	Ptrs []Candidate // len <= cap, capacity fixed at creation

	next atomic.Pointer[GcBatch] // pending-list / carry-forward linkage
}

// NewGcBatch allocates an empty batch with room for capacity
// candidates, sized from Options.PtrsPerThread by convention.
func NewGcBatch(capacity int) *GcBatch {
	return &GcBatch{Ptrs: make([]Candidate, 0, capacity)}
}

// Full reports whether the batch has reached its per-mutator capacity
// and should be submitted.
func (b *GcBatch) Full() bool { return len(b.Ptrs) == cap(b.Ptrs) }

// Retire appends addr to the batch. The caller (the per-thread
// batching queue, a host-side concern this module does not implement)
// is responsible for not calling this on a Full batch.
func (b *GcBatch) Retire(addr uintptr, allocSz int) {
	b.Ptrs = append(b.Ptrs, Candidate{Addr: mask(addr), AllocSz: allocSz})
}

// pendingList is the collector's lock-free LIFO of submitted batches:
// submit pushes one batch onto the head; the collector loop steals
// the entire list in one atomic swap before running a cycle. This is
// the Go realization of the original's mutex-guarded g_gc_data
// singly-linked list (forkgc.c's forkgc_initiate_collection), made
// lock-free with a CAS-retry-loop push/steal-all pair.
type pendingList struct {
	head atomic.Pointer[GcBatch]
}

// push splices batch onto the head of the list.
func (l *pendingList) push(batch *GcBatch) {
	for {
		head := l.head.Load()
		batch.next.Store(head)
		if l.head.CompareAndSwap(head, batch) {
			return
		}
	}
}

// stealAll atomically detaches the entire list, returning its former
// head (or nil if the list was empty), and resets the list to empty.
// Used by the collector loop to grab every batch submitted since the
// last cycle in one shot.
func (l *pendingList) stealAll() *GcBatch {
	return l.head.Swap(nil)
}

// empty reports whether the list currently has no batches. Racy by
// construction (another submit may land immediately after); only used
// to decide whether the collector should park.
func (l *pendingList) empty() bool {
	return l.head.Load() == nil
}

// appendBatchList walks from head following next, returning the
// batches as a slice in list order. Used by the scan aggregator, which
// needs to iterate pending+carry-forward lists rather than just steal
// them.
func appendBatchList(head *GcBatch) []*GcBatch {
	var out []*GcBatch
	for b := head; b != nil; b = b.next.Load() {
		out = append(out, b)
	}
	return out
}
