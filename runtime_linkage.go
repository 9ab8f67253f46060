package forkgc

import (
	"unsafe"
	_ "unsafe"
)

// Linking forkgc with the Go runtime lets parker park and wake the
// collector loop's goroutine without going through the full
// sync.Cond/channel path.
//
// Fragile by nature: these bind to unexported runtime symbols whose
// signatures can move between Go versions. Kept because it's the
// cheapest way to park a goroutine while waiting for a condition
// another goroutine will signal.

//go:linkname getg runtime.getg
func getg() unsafe.Pointer

//go:linkname goready runtime.goready
func goready(gp unsafe.Pointer, traceskip int)

//go:linkname gopark runtime.gopark
func gopark(unlockf func(unsafe.Pointer, unsafe.Pointer) bool, lock unsafe.Pointer, reason uint8, traceEv byte, traceskip int)

//go:linkname readgstatus runtime.readgstatus
func readgstatus(gp unsafe.Pointer) uint32

// waitReasonSelect is the closest standard runtime wait-reason label
// for "parked in forkgc's own scheduler, waiting on a condition". The
// runtime defines around two dozen of these; only the one actually
// used is kept here.
const waitReasonSelect uint8 = 9

// gWaiting is the runtime's _Gwaiting status value: the goroutine is
// parked and safe to goready.
const gWaiting uint32 = 4
