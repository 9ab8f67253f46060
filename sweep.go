package forkgc

import (
	"encoding/binary"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// readChildReport reads the single-word bytes-scanned report the
// child writes at the end of runChildScan. A short read is fatal.
func readChildReport(fd int) (int64, error) {
	var buf [8]byte
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			return 0, fatalf("readChildReport", "read: %w", err)
		}
		if n == 0 {
			return 0, fatalf("readChildReport", "pipe closed after %d/%d bytes", read, len(buf))
		}
		read += n
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// runParentSweep is the cycle-aware sweeper. It runs in the parent
// role after the child scanner has exited: refs[] now
// reflects apparent references found in live roots only. Heap-
// internal references (one dead block pointing to another) are
// accounted for here via transitive decrement, so chains of dead
// blocks are reclaimed; a cycle whose members reference only each
// other is not (doc.go, limitation 5).
func (c *Collector) runParentSweep(ws *WorkingSet, mem MemoryView) (freedBytes int64, err error) {
	for {
		savings, err := c.sweepPass(ws, mem)
		if err != nil {
			return freedBytes, err
		}
		freedBytes += savings.bytesFreed
		if savings.claimed == 0 {
			break
		}
		n := compact(ws.slots, ws.allocSz)
		ws.shrinkTo(n)
		if ws.len() == 0 {
			break
		}
	}
	return freedBytes, nil
}

// buildCarryForward packs ws's surviving slots (refs > 0 after the
// sweep fixpoint; anything claimed was freed and is gone) into a fresh
// chain of GcBatches, reusing PtrsPerThread-sized capacity rather than
// wrapping every survivor in its own single-candidate batch — the
// original's g_uncollected_data packing loop in garbage_collect.
func (c *Collector) buildCarryForward(ws *WorkingSet) *GcBatch {
	var head, cur *GcBatch
	for i := 0; i < ws.len(); i++ {
		if ws.slots[i].isClaimed() {
			continue
		}
		if cur == nil || cur.Full() {
			b := NewGcBatch(c.opts.PtrsPerThread)
			if head == nil {
				head = b
			} else {
				cur.next.Store(b)
			}
			cur = b
		}
		cur.Retire(ws.slots[i].maskedAddr(), int(ws.allocSz[i]))
	}
	return head
}

type sweepResult struct {
	claimed    int
	bytesFreed int64
}

// sweepPass runs one data-parallel pass over ws: split [0, M) into
// ceil(M/AddrsPerWorker) shards (at most MaxWorkers), find provisional garbage
// roots (unmarked, refs == 0), CAS-claim them, and unref each winner.
func (c *Collector) sweepPass(ws *WorkingSet, mem MemoryView) (sweepResult, error) {
	n := ws.len()
	if n == 0 {
		return sweepResult{}, nil
	}

	workers := (n + c.opts.AddrsPerWorker - 1) / c.opts.AddrsPerWorker
	if workers > c.opts.MaxWorkers {
		workers = c.opts.MaxWorkers
	}
	shard := n / workers
	if shard == 0 {
		shard = n
	}

	uc := &unrefContext{
		ws:       ws,
		mem:      mem,
		allocr:   c.allocator,
		minAddr:  0,
		maxAddr:  ^uintptr(0),
		maxDepth: c.opts.MaxUnrefDepth,
		debug:    c.opts.Debug,
	}

	// Each worker only ever writes to its own index of results, so no
	// atomics are needed to merge them after the join — mirroring the
	// original's per-thread `savings` local, summed once threads exit.
	results := make([]sweepResult, workers)
	g := new(errgroup.Group)
	for w := 0; w < workers; w++ {
		w := w
		begin := w * shard
		end := begin + shard
		if w == workers-1 {
			end = n
		}
		g.Go(func() error {
			results[w] = sweepRange(uc, begin, end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sweepResult{}, fatalf("sweepPass", "sweep worker: %w", err)
	}

	var total sweepResult
	for _, r := range results {
		total.claimed += r.claimed
		total.bytesFreed += r.bytesFreed
	}
	return total, nil
}

// sweepRange scans ws.slots[begin:end] for provisional garbage roots
// and unrefs each one it successfully claims.
func sweepRange(uc *unrefContext, begin, end int) sweepResult {
	var res sweepResult
	for i := begin; i < end; i++ {
		if uc.ws.slots[i].isClaimed() || uc.ws.slots[i].refs.Load() != 0 {
			continue
		}
		if !uc.ws.slots[i].tryClaim() {
			continue
		}
		res.claimed++
		res.bytesFreed += uc.unref(i, uc.maxDepth)
	}
	return res
}

// unrefContext bundles the state unref needs without threading five
// parameters through every recursive call.
type unrefContext struct {
	ws       *WorkingSet
	mem      MemoryView
	allocr   Allocator
	minAddr  uintptr
	maxAddr  uintptr
	maxDepth int
	debug    bool
}

// unref is the sweeper's algorithmic core: slot i has already been
// claimed as provisional garbage. Walk every word of its block; for
// each word that names another candidate, zero it defensively, then
// atomically decrement that candidate's refs. If the decrement
// reaches zero and depth remains, claim and recurse — this is what
// lets chains of dead blocks collapse together in one claim. Returns
// the number of bytes released to the allocator by this call and its
// recursive descendants. Ported near line-for-line from the
// original's unref_addr (forkgc.c), generalized to quick-reject
// against the full address range (sweepPass passes [0, ^uintptr(0)])
// rather than the original's narrower [addr[0], addr[n-1]] — see DESIGN.md's Open
// Question decisions.
func (uc *unrefContext) unref(i int, depth int) int64 {
	slot := &uc.ws.slots[i]
	addr := slot.maskedAddr()
	sz := int(uc.ws.allocSz[i])
	elements := sz / wordSize

	freed := int64(sz)
	p := addr
	for k := 0; k < elements; k++ {
		wordAddr := p + uintptr(k*wordSize)
		deepAddr := mask(uc.mem.ReadWord(wordAddr))
		if deepAddr < uc.minAddr || deepAddr > uc.maxAddr {
			continue
		}

		// Zero the dead word: prevents later mis-scans of freed
		// memory reporting phantom references, and eases debugging.
		uc.mem.WriteWord(wordAddr, 0)

		var lo, hi int
		if deepAddr < addr {
			lo, hi = 0, i
		} else {
			lo, hi = i, uc.ws.len()
		}
		loc := binarySearch(deepAddr, uc.ws.slots, lo, hi)
		if !isRef(uc.ws.slots, loc, deepAddr) {
			continue
		}

		remaining := uc.ws.slots[loc].refs.Add(-1)
		assertf(uc.debug, remaining >= 0, "refs[%d] went negative", loc)
		if remaining == 0 && depth > 0 && uc.ws.slots[loc].tryClaim() {
			freed += uc.unref(loc, depth-1)
		}
	}

	uc.allocr.Free(addr)
	return freed
}
