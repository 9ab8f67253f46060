package forkgc

import "unsafe"

// WorkingSet is the scan aggregator's sorted, contiguous, page-aligned
// representation of this cycle's candidates: parallel addr/refs
// arrays (candidateSlot) plus an allocSz array and a minimap index,
// all carved out of a single shared anonymous mapping so the forked
// child and the parent see the same physical pages. Built once per
// cycle, before the fork, and torn down by the parent after the sweep
// fixpoint.
type WorkingSet struct {
	mapping []byte // the raw shared mapping backing everything below

	slots   []candidateSlot // addr[] + refs[], parallel, sorted by addr
	allocSz []int32         // allocator-reported usable size, one per slot
	minimap []uintptr       // one entry per pageSize/wordSize slots

	minAddr, maxAddr uintptr // full quick-reject range, set once after fill+sort
}

func slotSize() int { return int(unsafe.Sizeof(candidateSlot{})) }

// newWorkingSet allocates a shared mapping sized to hold n candidates
// plus their minimap, each array starting on its own page — the
// original's aggregate_gc_data bump-allocates addr[]/minimap[]/refs[]/
// alloc_sz[] out of one big mmap; here unsafe.Slice views typed slices
// directly over sub-ranges of that one []byte mapping.
func newWorkingSet(n int) (*WorkingSet, error) {
	if n <= 0 {
		return nil, fatalf("newWorkingSet", "n must be > 0, got %d", n)
	}

	slotsBytes := roundUpPages(n * slotSize()) * pageSize
	minimapEntries := roundUpPages(n*wordSize) + 1
	minimapBytes := roundUpPages(minimapEntries*wordSize) * pageSize
	allocSzBytes := roundUpPages(n*4) * pageSize

	total := slotsBytes + minimapBytes + allocSzBytes
	mapping, err := mmapShared(total)
	if err != nil {
		return nil, err
	}

	offset := 0
	slots := unsafe.Slice((*candidateSlot)(unsafe.Pointer(&mapping[offset])), n)
	offset += slotsBytes

	minimap := unsafe.Slice((*uintptr)(unsafe.Pointer(&mapping[offset])), minimapEntries)
	offset += minimapBytes

	allocSz := unsafe.Slice((*int32)(unsafe.Pointer(&mapping[offset])), n)

	return &WorkingSet{
		mapping: mapping,
		slots:   slots,
		allocSz: allocSz,
		minimap: minimap,
	}, nil
}

// release returns the WorkingSet's shared mapping to the OS.
func (ws *WorkingSet) release() error {
	return munmapShared(ws.mapping)
}

// len reports the number of live slots (after any compaction).
func (ws *WorkingSet) len() int { return len(ws.slots) }

// shrinkTo trims the parallel arrays to the first n entries, used
// after a sweeper compaction pass reduces the candidate count.
func (ws *WorkingSet) shrinkTo(n int) {
	ws.slots = ws.slots[:n]
	ws.allocSz = ws.allocSz[:n]
}

// buildMinimap populates minimap[k] = addr[k * page_size/word_size],
// one sample per page of the addr array, used to bracket the binary
// search range and minimise page faults on cold scans.
func (ws *WorkingSet) buildMinimap() {
	stride := pageSize / wordSize
	if stride == 0 {
		stride = 1
	}
	n := 0
	for i := 0; i < len(ws.slots); i += stride {
		ws.minimap[n] = ws.slots[i].maskedAddr()
		n++
	}
	ws.minimap = ws.minimap[:n]
}

// bracket uses the minimap to narrow [0, len) down to the page-sized
// range that could contain addr, for binarySearch to then refine.
func (ws *WorkingSet) bracket(addr uintptr) (lo, hi int) {
	stride := pageSize / wordSize
	if stride == 0 {
		stride = 1
	}
	if len(ws.minimap) == 0 {
		return 0, len(ws.slots)
	}
	page := binarySearchMinimap(ws.minimap, addr)
	lo = page * stride
	hi = lo + stride
	if hi > len(ws.slots) {
		hi = len(ws.slots)
	}
	if lo > len(ws.slots) {
		lo = len(ws.slots)
	}
	// The minimap samples the *first* address of each page, so the
	// true hit may live one page earlier than the bracket search
	// lands on; widen by one page to the left to stay correct.
	if page > 0 {
		lo -= stride
		if lo < 0 {
			lo = 0
		}
	}
	return lo, hi
}

func binarySearchMinimap(minimap []uintptr, addr uintptr) int {
	lo, hi := 0, len(minimap)
	for lo < hi {
		mid := (lo + hi) / 2
		if minimap[mid] < addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 {
		lo--
	}
	return lo
}
