package forkgc

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// AsyncInterrupter delivers a chosen signal to every registered
// mutator thread so its safepoint handler can run. The signal-handler
// prologue itself — spilling registers onto the mutator's stack
// before it calls WaitForSnapshot — is the host's job; this interface
// is only the delivery mechanism.
type AsyncInterrupter interface {
	Signal(tids []int32) error
}

// tgkillInterrupter is the default AsyncInterrupter: tgkill(2) sends a
// signal to one specific thread within the process, the same
// mechanism pthread_kill uses under the hood in the original's
// threadscan_proc_signal. SIGURG is used because it's the same signal
// the Go runtime's own asynchronous preemption uses, so a mutator's
// signal handler composes with the runtime's rather than fighting it.
type tgkillInterrupter struct {
	pid int
	sig unix.Signal
}

// newDefaultInterrupter returns an AsyncInterrupter targeting the
// current process's threads.
func newDefaultInterrupter() *tgkillInterrupter {
	return &tgkillInterrupter{pid: unix.Getpid(), sig: unix.SIGURG}
}

func (t *tgkillInterrupter) Signal(tids []int32) error {
	for _, tid := range tids {
		if err := unix.Tgkill(t.pid, int(tid), t.sig); err != nil {
			return fatalf("tgkillInterrupter.Signal", "tgkill(tid=%d): %w", tid, err)
		}
	}
	return nil
}

// snapshotRole distinguishes the two processes that exist after
// snapshotTake returns.
type snapshotRole int

const (
	roleParent snapshotRole = iota
	roleChild
)

// SnapshotProcess is the clone-as-snapshot abstraction: a single
// operation that performs the copy-on-write process clone and hands
// back which role the caller now plays, rather than exposing a raw
// fork() return value. Ported from the original's garbage_collect
// (forkgc.c): signal every mutator, spin until every ack lands,
// pre-open the reporting pipe, then clone.
type SnapshotProcess struct {
	Role       snapshotRole
	ChildPID   int    // valid in the parent only
	PipeRead   int    // parent's end of the report pipe
	PipeWrite  int    // child's end of the report pipe
}

// snapshotTake signals every descriptor in mutators, waits for all of them to
// acknowledge via WaitForSnapshot, then clones the process. The
// calling goroutine must be pinned to its OS thread
// (runtime.LockOSThread) for the whole call: forking a multithreaded
// process is only well-defined from the thread that becomes the
// child's sole surviving thread, exactly as in the C original — this
// is the sharpest edge this design inherits, not smoothed over.
func (c *Collector) snapshotTake(mutators []*MutatorDescriptor) (*SnapshotProcess, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_CLOEXEC); err != nil {
		return nil, fatalf("snapshotTake", "pipe2: %w", err)
	}

	c.acksReceived.Store(0)
	tids := make([]int32, len(mutators))
	for i, md := range mutators {
		tids[i] = md.tid
	}
	if err := c.interrupter.Signal(tids); err != nil {
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		return nil, fatalf("snapshotTake", "signal mutators: %w", err)
	}
	for c.acksReceived.Load() < int32(len(mutators)) {
		runtime.Gosched()
	}

	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		return nil, fatalf("snapshotTake", "fork: %w", errno)
	}

	if pid == 0 {
		// Child: scans memory and reports back over pipeFDs[1].
		unix.Close(pipeFDs[0])
		return &SnapshotProcess{Role: roleChild, PipeWrite: pipeFDs[1]}, nil
	}

	// Parent: releases mutators and reads the child's report.
	c.cycleCounter.Add(1)
	unix.Close(pipeFDs[1])
	return &SnapshotProcess{
		Role:      roleParent,
		ChildPID:  int(pid),
		PipeRead:  pipeFDs[0],
	}, nil
}
