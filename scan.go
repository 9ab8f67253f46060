package forkgc

import (
	"encoding/binary"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// prepareWorkingSet runs the part of the scan aggregator that must
// happen before the process clone: the WorkingSet's backing mapping
// is MAP_SHARED, so it is only visible to both the parent and the
// forked child if it exists before fork() creates the child's address
// space — built afterward by the child alone, it would be invisible
// to the parent's sweep. Returns a nil WorkingSet and n==0 if there is
// nothing to scan this cycle.
func (c *Collector) prepareWorkingSet(pending, carryForward *GcBatch) (*WorkingSet, int, error) {
	ws, n, err := c.aggregate(pending, carryForward)
	if err != nil || n == 0 {
		return ws, n, err
	}
	if err := c.queryAllocatorSizes(ws); err != nil {
		return nil, 0, err
	}
	ws.buildMinimap()
	return ws, n, nil
}

// runChildScan is the scan aggregator's child-only half. It runs in
// the child role snapshotTake returned: the process is a
// private copy-on-write copy of the parent, so it may scan freely
// without further coordination with any mutator. On return the child
// reports total bytes scanned over sp.PipeWrite; the caller
// (collector.go) then exits the process.
func (c *Collector) runChildScan(sp *SnapshotProcess, ws *WorkingSet, mem MemoryView, roots []RootRegion) error {
	bytesScanned, err := c.conservativeScan(ws, mem, roots)
	if err != nil {
		return err
	}
	return c.reportBytesScanned(sp, bytesScanned)
}

// aggregate walks the pending and carry-forward batch lists, totals
// the candidate count, allocates a WorkingSet sized to hold them, and
// fills+sorts addr[].
func (c *Collector) aggregate(pending, carryForward *GcBatch) (*WorkingSet, int, error) {
	batches := append(appendBatchList(carryForward), appendBatchList(pending)...)
	n := 0
	for _, b := range batches {
		n += len(b.Ptrs)
	}
	if n == 0 {
		return nil, 0, nil
	}

	ws, err := newWorkingSet(n)
	if err != nil {
		return nil, 0, err
	}

	i := 0
	for _, b := range batches {
		for _, cand := range b.Ptrs {
			ws.slots[i].addr.Store(cand.Addr)
			ws.slots[i].refs.Store(0)
			ws.allocSz[i] = int32(cand.AllocSz)
			i++
		}
	}

	sortAddrs(ws.slots, c.opts.SortThreshold)
	if c.opts.Debug {
		assertMonotonic(ws.slots)
	}

	ws.minAddr = ws.slots[0].maskedAddr()
	ws.maxAddr = ws.slots[len(ws.slots)-1].maskedAddr()

	return ws, n, nil
}

func assertMonotonic(slots []candidateSlot) {
	var last uintptr
	for i, s := range slots {
		addr := s.maskedAddr()
		if i > 0 && addr < last {
			panic("forkgc: addr[] is not monotonic after sort")
		}
		last = addr
	}
}

// queryAllocatorSizes fills allocSz[i] for every slot. A reported
// size of 0 is fatal — it means the allocator
// doesn't recognize the address as live, which should be impossible
// for a pointer the mutator itself retired.
func (c *Collector) queryAllocatorSizes(ws *WorkingSet) error {
	for i := range ws.slots {
		addr := ws.slots[i].maskedAddr()
		sz, ok := c.allocator.UsableSize(addr)
		if !ok || sz == 0 {
			return fatalf("queryAllocatorSizes", "allocator reported size 0 for %#x", addr)
		}
		ws.allocSz[i] = int32(sz)
	}
	return nil
}

// conservativeScan walks every root region word by word, bumping
// refs[] on every apparent hit, sharded across a bounded worker pool.
// Returns total bytes scanned for the diagnostic report.
func (c *Collector) conservativeScan(ws *WorkingSet, mem MemoryView, roots []RootRegion) (int64, error) {
	var bytesScanned int64
	mu := make(chan struct{}, 1) // simple counting guard for bytesScanned
	mu <- struct{}{}

	g := new(errgroup.Group)
	g.SetLimit(c.opts.MaxWorkers)

	for _, root := range roots {
		root := root
		g.Go(func() error {
			n := scanRegion(root, ws, mem)
			<-mu
			bytesScanned += n
			mu <- struct{}{}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, fatalf("conservativeScan", "scan worker: %w", err)
	}
	return bytesScanned, nil
}

// scanRegion walks [root.Low, root.High) one word at a time, and for
// every word that plausibly names a live candidate, atomically bumps
// its refs. Returns the number of bytes walked.
func scanRegion(root RootRegion, ws *WorkingSet, mem MemoryView) int64 {
	var scanned int64
	for addr := root.Low; addr+uintptr(wordSize) <= root.High; addr += uintptr(wordSize) {
		w := mask(mem.ReadWord(addr))
		scanned += int64(wordSize)
		if w < ws.minAddr || w > ws.maxAddr {
			continue // quick-reject: outside the full addressable range.
		}
		lo, hi := ws.bracket(w)
		loc := binarySearch(w, ws.slots, lo, hi)
		if isRef(ws.slots, loc, w) {
			ws.slots[loc].refs.Add(1)
		}
	}
	return scanned
}

// reportBytesScanned writes a single word to the pipe. A short write
// here is fatal in the parent's corresponding read (see sweep.go's
// readChildReport).
func (c *Collector) reportBytesScanned(sp *SnapshotProcess, n int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	written := 0
	for written < len(buf) {
		m, err := unix.Write(sp.PipeWrite, buf[written:])
		if err != nil {
			return fatalf("reportBytesScanned", "write: %w", err)
		}
		written += m
	}
	return nil
}
