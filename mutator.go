package forkgc

import (
	"runtime"
	"sync/atomic"
)

// RootRegion is a contiguous range of memory the conservative scanner
// treats as a root: every machine word in [Low, High) is a candidate
// pointer. A MutatorDescriptor's stack bounds are one RootRegion; a
// RootProvider collaborator can contribute more (globals, BSS-
// equivalent segments).
type RootRegion struct {
	Low, High uintptr
}

// MutatorDescriptor is the collector's per-thread record: stack
// bounds, a reference count pinning it against teardown while the
// collector is mid-scan, and the registry linkage. Mirrors the
// original's thread_data_t (util.c), with the queue-of-pending-
// pointers half of that struct modeled separately as GcBatch, since
// the per-thread batching queue that feeds the engine is a host-side
// collaborator rather than part of the core.
type MutatorDescriptor struct {
	stackLow, stackHigh uintptr
	tid                 int32 // OS thread id, for AsyncInterrupter.Signal

	refCount atomic.Int32
	exited   atomic.Bool

	next *MutatorDescriptor
}

// Root returns the descriptor's stack bounds as a RootRegion.
func (md *MutatorDescriptor) Root() RootRegion {
	return RootRegion{Low: md.stackLow, High: md.stackHigh}
}

// pin takes a reference, preventing teardown until a matching unpin.
// The collector must pin a descriptor before reading its stack bounds
// for a scan: this is how the staged-free-list race is resolved — a
// descriptor whose thread has exited but that is still pinned stays
// on the registry until the last pin is released.
func (md *MutatorDescriptor) pin() { md.refCount.Add(1) }

// unpin releases a reference taken by pin. If this was the last
// reference and the owning thread has already called UnregisterThread,
// the descriptor is staged for removal from the registry.
func (md *MutatorDescriptor) unpin(reg *mutatorRegistry) {
	if md.refCount.Add(-1) == 0 && md.exited.Load() {
		reg.remove(md)
	}
}

// mutatorRegistry is the collector's live set of MutatorDescriptors,
// mutex-guarded exactly like the original's thread_list_t
// (util.c's forkgc_util_thread_list_*).
type mutatorRegistry struct {
	mu    chan struct{} // binary semaphore; see lock/unlock below
	head  *MutatorDescriptor
	count int
}

func newMutatorRegistry() *mutatorRegistry {
	r := &mutatorRegistry{mu: make(chan struct{}, 1)}
	r.mu <- struct{}{}
	return r
}

func (r *mutatorRegistry) lock()   { <-r.mu }
func (r *mutatorRegistry) unlock() { r.mu <- struct{}{} }

// register adds a freshly created descriptor to the registry.
func (r *mutatorRegistry) register(md *MutatorDescriptor) {
	r.lock()
	defer r.unlock()
	md.next = r.head
	r.head = md
	r.count++
}

// remove unlinks md from the registry. Called only once its ref
// count has reached zero and its owning thread has exited.
func (r *mutatorRegistry) remove(md *MutatorDescriptor) {
	r.lock()
	defer r.unlock()
	if r.head == md {
		r.head = md.next
		r.count--
		return
	}
	for cur := r.head; cur != nil; cur = cur.next {
		if cur.next == md {
			cur.next = md.next
			r.count--
			return
		}
	}
}

// snapshot pins and returns every currently registered descriptor and
// its thread id, for the AsyncInterrupter to signal and the scan
// aggregator to walk as root regions. Callers must unpin each
// returned descriptor when done with it.
func (r *mutatorRegistry) snapshot() []*MutatorDescriptor {
	r.lock()
	defer r.unlock()
	out := make([]*MutatorDescriptor, 0, r.count)
	for cur := r.head; cur != nil; cur = cur.next {
		cur.pin()
		out = append(out, cur)
	}
	return out
}

// RegisterThread records a mutator's stack bounds with the collector,
// returning a descriptor the mutator must pass to WaitForSnapshot from
// its safepoint handler and to UnregisterThread on exit. stackLow and
// stackHigh are supplied by the caller: deriving them is the
// signal-handler prologue's job, which lives on the host side.
func (c *Collector) RegisterThread(stackLow, stackHigh uintptr, tid int32) *MutatorDescriptor {
	md := &MutatorDescriptor{stackLow: stackLow, stackHigh: stackHigh, tid: tid}
	md.refCount.Store(1)
	c.registry.register(md)
	return md
}

// UnregisterThread marks md's owning thread as exited. The descriptor
// is only actually freed once every pin taken by an in-flight scan has
// been released (see unpin) — the thread-exit hook every mutator must
// call before it goes away.
func (c *Collector) UnregisterThread(md *MutatorDescriptor) {
	md.exited.Store(true)
	md.unpin(c.registry)
}

// WaitForSnapshot is the mutator safepoint entry point, called from
// the signal-handler prologue after it has spilled registers onto its
// own stack. It acknowledges the snapshot request and busy-waits until
// the coordinator has taken the process clone and advanced the cycle
// counter.
func (c *Collector) WaitForSnapshot(md *MutatorDescriptor) {
	oldCycle := c.cycleCounter.Load()
	c.acksReceived.Add(1)
	for oldCycle == c.cycleCounter.Load() {
		runtime.Gosched()
	}
}
