package pmm_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/raeenos/kernel/pkg/errors"
	"github.com/raeenos/kernel/pkg/pmm"
)

func testMap() []pmm.MemoryMapEntry {
	return []pmm.MemoryMapEntry{
		{Address: 0, Length: 16 << 20, Type: pmm.TypeAvailable},
	}
}

func TestInitReservesLegacyAndBitmap(t *testing.T) {
	a := pmm.New(logr.Discard())
	require.NoError(t, a.InitFromMemoryMap(testMap()))

	stats := a.Stats()
	assert.Less(t, stats.FreeFrames, stats.TotalFrames)
}

func TestAllocNeverReturnsSameFrameTwiceWithoutFree(t *testing.T) {
	a := pmm.New(logr.Discard())
	require.NoError(t, a.InitFromMemoryMap(testMap()))

	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		f, ok := a.AllocFrame()
		require.True(t, ok)
		assert.False(t, seen[f], "frame %#x returned twice", f)
		seen[f] = true
	}
}

func TestFreeThenAllocRoundTrips(t *testing.T) {
	a := pmm.New(logr.Discard())
	require.NoError(t, a.InitFromMemoryMap(testMap()))

	before := a.Stats()
	f, ok := a.AllocFrame()
	require.True(t, ok)
	a.FreeFrame(f)
	after := a.Stats()
	assert.Equal(t, before.FreeFrames, after.FreeFrames)
}

func TestAllocExhaustionReturnsAbsent(t *testing.T) {
	a := pmm.New(logr.Discard())
	require.NoError(t, a.InitFromMemoryMap([]pmm.MemoryMapEntry{
		{Address: 0, Length: 2 << 20, Type: pmm.TypeAvailable},
	}))

	for {
		_, ok := a.AllocFrame()
		if !ok {
			break
		}
	}
	_, ok := a.AllocFrame()
	assert.False(t, ok)
}

func TestInitWithNoAvailableRegionIsFatal(t *testing.T) {
	a := pmm.New(logr.Discard())
	err := a.InitFromMemoryMap(nil)
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.Fatal))
}

func TestDebugFreeFrameDetectsDoubleFree(t *testing.T) {
	a := pmm.New(logr.Discard())
	require.NoError(t, a.InitFromMemoryMap(testMap()))

	f, ok := a.AllocFrame()
	require.True(t, ok)
	require.NoError(t, a.DebugFreeFrame(f))
	err := a.DebugFreeFrame(f)
	require.Error(t, err)
	assert.True(t, kerrors.KindIs(err, kerrors.Fatal))
}
