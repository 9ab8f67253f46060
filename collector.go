package forkgc

import (
	"os"
	"runtime"
	"sync/atomic"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sys/unix"
)

// RootProvider contributes root regions beyond a mutator's own stack
// bounds — global/static data segments the host application knows
// about. Optional: a Collector with no registered RootProvider still
// scans every mutator's stack.
type RootProvider interface {
	Roots() []RootRegion
}

// Collector is the reclamation engine: a value with an explicit
// New → Run → Shutdown lifecycle, replacing the original's global
// state (g_forkgc_*, the single static forkgc_thread). One Collector
// owns one submission frontier, one mutator registry, and runs at
// most one cycle at a time on its own OS-thread-pinned goroutine.
type Collector struct {
	opts        Options
	allocator   Allocator
	interrupter AsyncInterrupter
	mem         MemoryView
	logger      zerolog.Logger

	registry *mutatorRegistry
	roots    []RootProvider

	pending pendingList
	idle    *parker

	acksReceived atomic.Int32
	cycleCounter atomic.Int32

	carryForward atomic.Pointer[GcBatch]
	childPID     atomic.Int32

	cycleCount       atomic.Int64
	peakBytesScanned atomic.Int64
	totalBytesFreed  atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Collector bound to allocator, a malloc/free
// collaborator the host must supply — wiring a real allocator is the
// host application's job, not this module's. opts.validate()'s result
// is returned as a fatal error; zero-value Options is never silently
// accepted.
//
// New also tunes the process for the container it's running in: CPU
// quota via automaxprocs, memory limit via automemlimit. Both are
// no-ops outside a cgroup, so calling New outside a container is
// harmless.
func New(allocator Allocator, opts Options) (*Collector, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	logger := newLogger(opts.Debug)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		logger.Debug().Msgf(format, a...)
	})); err != nil {
		logger.Warn().Err(err).Msg("automaxprocs: GOMAXPROCS unchanged")
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		logger.Warn().Err(err).Msg("automemlimit: GOMEMLIMIT unchanged")
	}

	c := &Collector{
		opts:        opts,
		allocator:   allocator,
		interrupter: newDefaultInterrupter(),
		mem:         processMemory{},
		logger:      logger,
		registry:    newMutatorRegistry(),
		idle:        newParker(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	return c, nil
}

// AddRootProvider registers an additional source of root regions
// (globals, BSS-equivalent segments) scanned every cycle alongside
// mutator stacks.
func (c *Collector) AddRootProvider(rp RootProvider) {
	c.roots = append(c.roots, rp)
}

// Run starts the collector loop on its own OS-thread-pinned goroutine
// and returns immediately; use Shutdown to stop it. Mirrors the
// original's forkgc_thread running as a dedicated pthread for the
// process's lifetime.
func (c *Collector) Run() {
	go c.collectorLoop()
}

// Submit hands batch's ownership to the collector: it is spliced onto
// the pending list and the collector is woken if it was idle-parked.
func (c *Collector) Submit(batch *GcBatch) {
	c.pending.push(batch)
	c.idle.ready()
}

// Shutdown stops the collector loop and, if a cycle's child scanner is
// still outstanding, kills it — the process-exit safety net the
// original's process_death destructor provided. Go has no portable
// destructor-attribute equivalent, so the host must call this
// explicitly before exit.
func (c *Collector) Shutdown() {
	close(c.stopCh)
	c.idle.ready()
	<-c.doneCh

	if pid := c.childPID.Load(); pid != 0 {
		_ = unix.Kill(int(pid), unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(int(pid), &ws, 0, nil)
	}
}

// collectorLoop is the engine's main loop: idle-park while the
// pending list is empty, steal it whole, run one cycle, repeat.
func (c *Collector) collectorLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.doneCh)

	for {
		for c.pending.empty() {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.idle.park()
		}
		select {
		case <-c.stopCh:
			return
		default:
		}

		head := c.pending.stealAll()
		if head == nil {
			continue
		}

		batches := appendBatchList(head)
		ptrs := 0
		for _, b := range batches {
			ptrs += len(b.Ptrs)
		}
		c.logger.Debug().
			Int("batches_waiting", len(batches)).
			Int("ptrs_waiting", ptrs).
			Msg("forkgc: collects waiting")

		if err := c.runCycle(head); err != nil {
			c.logger.Fatal().Err(err).Msg("forkgc: cycle aborted")
			return
		}
	}
}

// runCycle performs one full reclamation cycle: build the WorkingSet
// before the clone so it's visible to both resulting processes,
// snapshot, scan in the child, sweep in the parent. Mirrors the
// original's garbage_collect end to end.
func (c *Collector) runCycle(pending *GcBatch) error {
	carryForward := c.carryForward.Swap(nil)

	ws, n, err := c.prepareWorkingSet(pending, carryForward)
	if err != nil {
		return err
	}
	if n == 0 {
		c.logger.Debug().Msg("forkgc: nothing to collect this cycle")
		return nil
	}
	defer func() {
		if releaseErr := ws.release(); releaseErr != nil {
			c.logger.Warn().Err(releaseErr).Msg("forkgc: WorkingSet release failed")
		}
	}()

	mutators := c.registry.snapshot()
	defer func() {
		for _, md := range mutators {
			md.unpin(c.registry)
		}
	}()

	sp, err := c.snapshotTake(mutators)
	if err != nil {
		return err
	}

	if sp.Role == roleChild {
		c.runChildRole(sp, ws, mutators)
		panic("unreachable: runChildRole always exits the process")
	}

	return c.runParentRole(sp, ws)
}

// runChildRole scans in the clone and always exits the process: the
// original's child scanner never returns to the collector loop, it
// has its own address space and reporting that address space back to
// the caller would require the clone never to have happened.
func (c *Collector) runChildRole(sp *SnapshotProcess, ws *WorkingSet, mutators []*MutatorDescriptor) {
	roots := collectRoots(mutators, c.roots)
	if err := c.runChildScan(sp, ws, c.mem, roots); err != nil {
		c.logger.Error().Err(err).Msg("forkgc: child scan failed")
		os.Exit(1)
	}
	os.Exit(0)
}

// runParentRole waits for the child scanner to exit, reads its report,
// runs the sweep fixpoint, and packs survivors into next cycle's
// carry-forward list.
func (c *Collector) runParentRole(sp *SnapshotProcess, ws *WorkingSet) error {
	c.childPID.Store(int32(sp.ChildPID))
	defer c.childPID.Store(0)

	bytesScanned, reportErr := readChildReport(sp.PipeRead)
	_ = unix.Close(sp.PipeRead)

	var status unix.WaitStatus
	if _, err := unix.Wait4(sp.ChildPID, &status, 0, nil); err != nil {
		return fatalf("runParentRole", "wait4: %w", err)
	}
	if reportErr != nil {
		return reportErr
	}
	if !status.Exited() || status.ExitStatus() != 0 {
		return fatalf("runParentRole", "child scanner exited abnormally: %v", status)
	}

	bumpPeak(&c.peakBytesScanned, bytesScanned)

	freed, err := c.runParentSweep(ws, c.mem)
	if err != nil {
		return err
	}

	c.totalBytesFreed.Add(freed)
	c.cycleCount.Add(1)
	c.carryForward.Store(c.buildCarryForward(ws))

	c.logger.Debug().
		Int64("bytes_scanned", bytesScanned).
		Int64("bytes_freed", freed).
		Int("survivors", ws.len()).
		Msg("forkgc: cycle complete")
	return nil
}

// bumpPeak CASes dst up to v if v is larger, without ever requiring the
// caller to hold a lock around the read-compare-write.
func bumpPeak(dst *atomic.Int64, v int64) {
	for {
		cur := dst.Load()
		if v <= cur || dst.CompareAndSwap(cur, v) {
			return
		}
	}
}

// collectRoots assembles every root region the conservative scan
// should walk this cycle: each live mutator's stack, plus whatever
// RootProviders the host has registered.
func collectRoots(mutators []*MutatorDescriptor, providers []RootProvider) []RootRegion {
	roots := make([]RootRegion, 0, len(mutators))
	for _, md := range mutators {
		roots = append(roots, md.Root())
	}
	for _, rp := range providers {
		roots = append(roots, rp.Roots()...)
	}
	return roots
}

// Stats is a point-in-time snapshot of the engine's lifetime counters,
// gathered by statsSnapshot for PrintStatistics's text line and log
// fields.
type Stats struct {
	Cycles           int64
	PeakBytesScanned int64
	TotalBytesFreed  int64
	SystemMemory     uint64
}

// statsSnapshot gathers Collector's lifetime counters without
// requiring callers to reach into unexported fields.
func (c *Collector) statsSnapshot() Stats {
	return Stats{
		Cycles:           c.cycleCount.Load(),
		PeakBytesScanned: c.peakBytesScanned.Load(),
		TotalBytesFreed:  c.totalBytesFreed.Load(),
		SystemMemory:     memory.TotalMemory(),
	}
}
