package forkgc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// wordSize is the machine word size the conservative scanner and
// sweeper step by when walking memory, matching the original's use of
// sizeof(size_t).
const wordSize = int(unsafe.Sizeof(uintptr(0)))

// pageSize is queried once at startup; WorkingSet sizing rounds every
// sub-array up to a multiple of it so each one starts on its own page
// (original forkgc.c's aggregate_gc_data page-count arithmetic).
var pageSize = unix.Getpagesize()

// roundUpPages returns the number of pageSize-byte pages needed to
// hold n bytes.
func roundUpPages(n int) int {
	return (n + pageSize - 1) / pageSize
}

// mmapShared allocates a page-aligned, zero-filled anonymous mapping
// visible across a process clone: both the parent and the forked
// child scanner see the same physical pages, which is what lets the
// child scan into refs[] and the parent read the result after the
// child exits without any further IPC. No stdlib package exposes
// this — mmap(2) with MAP_SHARED|MAP_ANONYMOUS is a syscall-level
// primitive.
func mmapShared(length int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fatalf("mmapShared", "mmap %d bytes: %w", length, err)
	}
	return b, nil
}

// munmapShared releases a mapping obtained from mmapShared.
func munmapShared(b []byte) error {
	if b == nil {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fatalf("munmapShared", "munmap: %w", err)
	}
	return nil
}
