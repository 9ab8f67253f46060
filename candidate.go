package forkgc

import "sync/atomic"

// aliveMark is the overloaded low bit of a candidate's address: once
// set, the candidate has been claimed for sweeping this cycle and
// will not be unset again until the next cycle. Allocator blocks are
// always word-aligned, so bit 0 is otherwise unused. Ported from the
// original's PTR_MASK/BCAS-on-bit-0 scheme (forkgc.c).
const aliveMark = uintptr(1)

// mask strips the claim bit, returning the real address.
func mask(addr uintptr) uintptr { return addr &^ aliveMark }

// marked reports whether addr's claim bit is set.
func marked(addr uintptr) bool { return addr&aliveMark != 0 }

// Candidate is a single retired heap pointer awaiting reclamation.
// One cycle's WorkingSet does not hold Candidates: it keeps a slice of
// candidateSlot (addr+refs) alongside parallel allocSz and minimap
// arrays (see workingset.go) so the conservative scanner and the sweeper can walk
// cache-friendly contiguous memory instead of chasing pointers, and
// so the arrays can live in a single shared mapping visible across the
// clone boundary. Candidate itself is only used as the in-flight
// per-mutator staging representation, before aggregation.
type Candidate struct {
	// Addr is the raw retired pointer value. Bit 0 is always clear
	// here; it is only set once the candidate has entered a
	// WorkingSet and been claimed by the sweeper.
	Addr uintptr

	// AllocSz is the block size passed to Retire. Aggregation copies it
	// into the WorkingSet, where the query-allocator step then
	// overwrites it with the allocator-reported usable size.
	AllocSz int
}

// candidateSlot is the WorkingSet's atomic per-candidate state: a
// claimable address word plus a non-negative reference count. Two
// fields so refs can be bumped by many concurrent scan workers
// without contending on the same word as the claim bit.
type candidateSlot struct {
	addr atomic.Uintptr
	refs atomic.Int32
}

// tryClaim attempts the 0->1 CAS transition on the slot's low bit,
// taking exclusive sweep rights over this candidate for the remainder
// of the pass. Returns false if another worker already claimed it or
// the stored address changed out from under the caller.
func (s *candidateSlot) tryClaim() bool {
	cur := s.addr.Load()
	if cur&aliveMark != 0 {
		return false
	}
	return s.addr.CompareAndSwap(cur, cur|aliveMark)
}

// isClaimed reports whether the slot's low bit is currently set. A
// plain load is safe here: the bit is monotonic within a pass (set,
// never unset, until the next cycle's aggregation rebuilds the
// WorkingSet from scratch).
func (s *candidateSlot) isClaimed() bool {
	return s.addr.Load()&aliveMark != 0
}

func (s *candidateSlot) maskedAddr() uintptr {
	return mask(s.addr.Load())
}
