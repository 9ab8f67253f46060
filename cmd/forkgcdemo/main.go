// Command forkgcdemo wires a Collector to the simulated in-memory
// allocator and drives one retirement cycle end to end.
//
// The Collector always scans real process memory (see memory.go), so
// this demo backs its "heap" with genuine Go-allocated words rather
// than the simulated allocator's map-only addresses, pinning them with
// runtime.KeepAlive for the run's duration. It still hits the raw-fork
// hazard doc.go's limitation 4 describes: it works here only because
// nothing but the collector's own goroutine is doing meaningful work
// at fork time.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/forkgc/forkgc"
)

func main() {
	allocator := forkgc.NewSimulatedAllocator()

	collector, err := forkgc.New(allocator, forkgc.DefaultOptions())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	collector.Run()
	defer collector.Shutdown()

	// One block a root keeps referencing (live) and one nothing
	// references anymore (dead), both real one-word allocations so
	// the conservative scanner's pointer dereferences are valid.
	liveBlock := new(uintptr)
	deadBlock := new(uintptr)
	liveAddr := uintptr(unsafe.Pointer(liveBlock))
	deadAddr := uintptr(unsafe.Pointer(deadBlock))

	rootWord := new(uintptr)
	*rootWord = liveAddr
	rootLow := uintptr(unsafe.Pointer(rootWord))
	rootHigh := rootLow + unsafe.Sizeof(*rootWord)

	allocator.Alloc(liveAddr, 1)
	allocator.Alloc(deadAddr, 1)

	batch := forkgc.NewGcBatch(forkgc.DefaultOptions().PtrsPerThread)
	batch.Retire(liveAddr, 8)
	batch.Retire(deadAddr, 8)

	md := collector.RegisterThread(rootLow, rootHigh, int32(os.Getpid()))
	defer collector.UnregisterThread(md)

	// A real mutator acks a snapshot request from inside its signal
	// handler once SIGURG arrives. This demo has no signal handler
	// installed, so it stands in with a goroutine that keeps the
	// thread perpetually ready to acknowledge the next cycle —
	// otherwise snapshotTake would spin forever waiting for an ack
	// that never comes.
	stopAcking := make(chan struct{})
	defer close(stopAcking)
	go func() {
		for {
			select {
			case <-stopAcking:
				return
			default:
			}
			collector.WaitForSnapshot(md)
		}
	}()

	collector.Submit(batch)
	time.Sleep(200 * time.Millisecond)

	if err := collector.PrintStatistics(os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("dead block freed: %v\n", allocator.Freed(deadAddr))
	runtime.KeepAlive(liveBlock)
	runtime.KeepAlive(deadBlock)
	runtime.KeepAlive(rootWord)
}
