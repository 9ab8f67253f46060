package forkgc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWorkingSetSizing(t *testing.T) {
	ws, err := newWorkingSet(10)
	require.NoError(t, err)
	defer ws.release()

	require.Len(t, ws.slots, 10)
	require.Len(t, ws.allocSz, 10)
	require.Equal(t, 10, ws.len())
}

func TestWorkingSetShrinkTo(t *testing.T) {
	ws, err := newWorkingSet(5)
	require.NoError(t, err)
	defer ws.release()

	ws.shrinkTo(2)
	require.Equal(t, 2, ws.len())
	require.Len(t, ws.allocSz, 2)
}

func TestWorkingSetBuildMinimapAndBracket(t *testing.T) {
	ws, err := newWorkingSet(4)
	require.NoError(t, err)
	defer ws.release()

	addrs := []uintptr{0x1000, 0x2000, 0x3000, 0x4000}
	for i, a := range addrs {
		ws.slots[i].addr.Store(a)
	}
	ws.minAddr, ws.maxAddr = addrs[0], addrs[len(addrs)-1]
	ws.buildMinimap()

	lo, hi := ws.bracket(0x3000)
	require.True(t, lo <= 2 && hi >= 3, "bracket [%d,%d) should contain index 2 for addr 0x3000", lo, hi)
}

func TestNewWorkingSetRejectsZero(t *testing.T) {
	_, err := newWorkingSet(0)
	require.Error(t, err)
}
