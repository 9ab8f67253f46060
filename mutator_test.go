package forkgc

import "testing"

func TestMutatorRegistryRegisterAndSnapshot(t *testing.T) {
	r := newMutatorRegistry()
	md1 := &MutatorDescriptor{stackLow: 1, stackHigh: 2, tid: 10}
	md1.refCount.Store(1)
	md2 := &MutatorDescriptor{stackLow: 3, stackHigh: 4, tid: 20}
	md2.refCount.Store(1)

	r.register(md1)
	r.register(md2)

	snap := r.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot returned %d descriptors, want 2", len(snap))
	}
	for _, md := range snap {
		if md.refCount.Load() != 2 {
			t.Fatalf("snapshot should pin each descriptor, refCount = %d, want 2", md.refCount.Load())
		}
		md.unpin(r)
	}
}

func TestMutatorDescriptorTeardownGatedOnExitAndUnpin(t *testing.T) {
	r := newMutatorRegistry()
	md := &MutatorDescriptor{stackLow: 1, stackHigh: 2, tid: 99}
	md.refCount.Store(1)
	r.register(md)

	pinned := r.snapshot()[0]
	// A scan is still pinning this descriptor when its thread exits;
	// it must not be removed from the registry yet.
	md.exited.Store(true)
	md.unpin(r) // releases UnregisterThread's implicit pin conceptually; ref now 1 (pinned's pin remains)

	if r.count != 1 {
		t.Fatalf("descriptor should remain registered while a scan still holds a pin, count = %d", r.count)
	}

	pinned.unpin(r) // last pin released after exit: now removed
	if r.count != 0 {
		t.Fatalf("descriptor should be removed once the last pin is released after exit, count = %d", r.count)
	}
}

func TestMutatorDescriptorRoot(t *testing.T) {
	md := &MutatorDescriptor{stackLow: 100, stackHigh: 200}
	root := md.Root()
	if root.Low != 100 || root.High != 200 {
		t.Fatalf("Root() = %+v, want {100 200}", root)
	}
}
