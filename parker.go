package forkgc

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// parker parks and wakes goroutines waiting on a condition (the
// collector waiting for work, see collector.go's collectorLoop)
// without the overhead of a full sync.Mutex/sync.Cond: a lock-free
// Michael & Scott queue of parked goroutines, woken one at a time in
// FIFO order so no single waiter starves.
type parker struct {
	head unsafe.Pointer
	tail unsafe.Pointer
}

type parkerNode struct {
	g    unsafe.Pointer
	next unsafe.Pointer
}

// parkCommit is gopark's unlock callback. There is no external lock to
// release here (the node is already enqueued before gopark is
// called), so it unconditionally allows the park to proceed.
func parkCommit(unsafe.Pointer, unsafe.Pointer) bool { return true }

func newParker() *parker {
	n := unsafe.Pointer(new(parkerNode))
	return &parker{head: n, tail: n}
}

// park suspends the calling goroutine until a matching ready call.
func (p *parker) park() {
	p.enqueue(&parkerNode{g: getg()})
	gopark(parkCommit, nil, waitReasonSelect, 0, 1)
}

// ready wakes the longest-parked goroutine, if any.
func (p *parker) ready() {
	n := p.dequeue()
	if n == nil {
		return
	}
	for readgstatus(n.g) != gWaiting {
		// The parked goroutine hasn't finished transitioning to
		// _Gwaiting yet; yield until it has.
		runtime.Gosched()
	}
	goready(n.g, 1)
}

func (p *parker) enqueue(n *parkerNode) {
	for {
		tail := loadParkerNode(&p.tail)
		next := loadParkerNode(&tail.next)
		if tail == loadParkerNode(&p.tail) {
			if next == nil {
				if casParkerNode(&tail.next, next, n) {
					casParkerNode(&p.tail, tail, n)
					return
				}
			} else {
				casParkerNode(&p.tail, tail, next)
			}
		}
	}
}

func (p *parker) dequeue() *parkerNode {
	for {
		head := loadParkerNode(&p.head)
		tail := loadParkerNode(&p.tail)
		next := loadParkerNode(&head.next)
		if head == loadParkerNode(&p.head) {
			if head == tail {
				if next == nil {
					return nil
				}
				casParkerNode(&p.tail, tail, next)
			} else {
				v := next
				if casParkerNode(&p.head, head, next) {
					return v
				}
			}
		}
	}
}

func loadParkerNode(p *unsafe.Pointer) *parkerNode {
	return (*parkerNode)(atomic.LoadPointer(p))
}

func casParkerNode(p *unsafe.Pointer, old, new *parkerNode) bool {
	return atomic.CompareAndSwapPointer(p, unsafe.Pointer(old), unsafe.Pointer(new))
}
