// A minimalist fork-based concurrent garbage reclamation engine for
// non-managed heaps: application threads ("mutators") retire pointers
// they no longer intend to dereference, and a single collector
// determines — conservatively, without stopping the world for long —
// which retired pointers are truly unreachable, then hands them back
// to the allocator.
//
// The hard part is the reclamation cycle: a coherent snapshot of every
// mutator's roots, derived cheaply via a copy-on-write process clone;
// a conservative pointer scan against the retired set inside the
// clone; transitive reference-count decrements so that chains of dead
// nodes held only by other dead nodes are reclaimed (see limitation
// 5); and a final free set released to the parent.
//
// Known limitations:
//
// 1. This is conservative, not precise: any word that looks like a
//    retired address is treated as a live reference to it.
// 2. A single in-flight cycle has no cancellation or timeout contract.
//    A fork failure mid-cycle is fatal — mutators are parked with no
//    safe way back.
// 3. If the host process exits with a scan still running in a forked
//    child, call Collector.Shutdown first: Go has no destructor
//    attribute to do this automatically.
// 4. The process clone in snapshot.go is a raw fork(2), not fork+exec:
//    only the calling OS thread survives into the child. The child
//    scanner still starts its scan workers as new goroutines (scan.go's
//    conservativeScan) and still allocates, both on a Go runtime that
//    fork copied from a multithreaded parent. This is the same sharp
//    edge the original C implementation has with pthreads; Go does not
//    make it safer.
// 5. unref is reference counting, not cycle detection: a mutual cycle
//    with no external referent (A and B point only at each other, and
//    nothing else points at either) is never reclaimed, because
//    freeing one side drives the other's count negative instead of to
//    zero. A dead chain (A unreferenced, A's body the sole holder of
//    B's one apparent reference) is reclaimed correctly; a true cycle
//    is not. This is the same limitation the original ThreadScan
//    design has.
package forkgc
