package forkgc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidOptions(t *testing.T) {
	allocator := NewSimulatedAllocator()
	bad := DefaultOptions()
	bad.MaxWorkers = 0

	_, err := New(allocator, bad)
	require.Error(t, err)
}

func TestNewWiresDefaultCollaborators(t *testing.T) {
	allocator := NewSimulatedAllocator()
	c := newTestCollector(t, allocator)

	require.NotNil(t, c.registry)
	require.NotNil(t, c.idle)
	require.NotNil(t, c.interrupter)
	require.Equal(t, allocator, c.allocator)
}

func TestAddRootProviderAccumulates(t *testing.T) {
	c := newTestCollector(t, NewSimulatedAllocator())
	rp1 := staticRootProvider{{Low: 1, High: 2}}
	rp2 := staticRootProvider{{Low: 3, High: 4}}

	c.AddRootProvider(rp1)
	c.AddRootProvider(rp2)

	require.Len(t, c.roots, 2)
}

func TestCollectRootsMergesMutatorsAndProviders(t *testing.T) {
	md := &MutatorDescriptor{stackLow: 10, stackHigh: 20}
	providers := []RootProvider{staticRootProvider{{Low: 30, High: 40}}}

	roots := collectRoots([]*MutatorDescriptor{md}, providers)

	require.Equal(t, []RootRegion{{Low: 10, High: 20}, {Low: 30, High: 40}}, roots)
}

func TestBumpPeakOnlyIncreases(t *testing.T) {
	var peak atomic.Int64
	bumpPeak(&peak, 100)
	bumpPeak(&peak, 50)
	bumpPeak(&peak, 200)

	require.EqualValues(t, 200, peak.Load())
}

// Submit must splice the batch onto the pending list and wake any
// idle-parked collector loop. runCycle itself forks a real process and
// is exercised only indirectly, through sweep_test.go/scan_test.go's
// in-process stages — driving it end to end here would fork the test
// binary itself.
func TestSubmitPushesBatchOntoPendingList(t *testing.T) {
	c := newTestCollector(t, NewSimulatedAllocator())

	batch := NewGcBatch(4)
	batch.Retire(0x1000, 0)
	c.Submit(batch)

	require.False(t, c.pending.empty())
	stolen := c.pending.stealAll()
	require.Same(t, batch, stolen)
}

func TestShutdownStopsLoopWithNothingPending(t *testing.T) {
	c := newTestCollector(t, NewSimulatedAllocator())
	c.Run()
	c.Shutdown() // must return promptly with no child process outstanding
}

func TestStatsSnapshotReflectsCounters(t *testing.T) {
	c := newTestCollector(t, NewSimulatedAllocator())
	c.cycleCount.Store(3)
	c.peakBytesScanned.Store(4096)
	c.totalBytesFreed.Store(2048)

	stats := c.statsSnapshot()
	require.EqualValues(t, 3, stats.Cycles)
	require.EqualValues(t, 4096, stats.PeakBytesScanned)
	require.EqualValues(t, 2048, stats.TotalBytesFreed)
	require.Greater(t, stats.SystemMemory, uint64(0))
}

type staticRootProvider []RootRegion

func (s staticRootProvider) Roots() []RootRegion { return s }
