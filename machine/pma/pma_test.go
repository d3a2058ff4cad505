package pma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsUnalignedStart(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterRAM(0x1001, PageSize, NewRAMDriver(PageSize))
	require.Error(t, err)
}

func TestRegisterRejectsZeroLength(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterRAM(0x1000, 0, NewRAMDriver(0))
	require.Error(t, err)
}

func TestRegisterRejectsLengthNotPageMultiple(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterRAM(0x1000, PageSize+1, NewRAMDriver(PageSize+1))
	require.Error(t, err)
}

func TestRegisterRejectsOverlap(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterRAM(0x1000, 2*PageSize, NewRAMDriver(2*PageSize))
	require.NoError(t, err)

	_, err = r.RegisterRAM(0x2000, PageSize, NewRAMDriver(PageSize))
	require.Error(t, err, "0x2000 lies inside [0x1000, 0x3000)")
}

func TestRegisterAllowsAdjacentRanges(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterRAM(0x1000, PageSize, NewRAMDriver(PageSize))
	require.NoError(t, err)

	_, err = r.RegisterRAM(0x2000, PageSize, NewRAMDriver(PageSize))
	require.NoError(t, err, "adjacent, non-overlapping ranges must be allowed")
}

func TestRegisterRejectsBeyondMaxEntries(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < Max; i++ {
		start := uint64(i) * PageSize
		_, err := r.RegisterRAM(start, PageSize, NewRAMDriver(PageSize))
		require.NoError(t, err)
	}

	_, err := r.RegisterRAM(uint64(Max)*PageSize, PageSize, NewRAMDriver(PageSize))
	require.Error(t, err)
}

func TestRegisterShadowRejectsSecondRegistration(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterShadow(0, PageSize, NewRAMDriver(PageSize))
	require.NoError(t, err)

	_, err = r.RegisterShadow(0x1000, PageSize, NewRAMDriver(PageSize))
	require.Error(t, err)
}

func TestRegisterMMIORejectsSecondCLINTAndHTIF(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterMMIO(0x2000000, PageSize, DIDCLINT, NewRAMDriver(PageSize))
	require.NoError(t, err)
	_, err = r.RegisterMMIO(0x3000000, PageSize, DIDCLINT, NewRAMDriver(PageSize))
	require.Error(t, err)

	_, err = r.RegisterMMIO(0x40008000, PageSize, DIDHTIF, NewRAMDriver(PageSize))
	require.NoError(t, err)
	_, err = r.RegisterMMIO(0x40009000, PageSize, DIDHTIF, NewRAMDriver(PageSize))
	require.Error(t, err)
}

func TestFindReturnsEmptySentinelForUncoveredAddress(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterRAM(0x80000000, PageSize, NewRAMDriver(PageSize))
	require.NoError(t, err)

	e := r.Find(0x1000, 8)
	assert.Equal(t, KindEmpty, e.Kind)
	assert.False(t, e.Contains(0x1000, 8), "the empty sentinel must never claim to contain anything")
}

func TestFindLocatesRegisteredRange(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterRAM(0x80000000, 2*PageSize, NewRAMDriver(2*PageSize))
	require.NoError(t, err)

	e := r.Find(0x80000ff8, 8)
	require.Equal(t, KindMemory, e.Kind)
	assert.Equal(t, uint64(0x80000000), e.Start)
}

func TestAtReturnsEmptySentinelOutOfBounds(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, KindEmpty, r.At(0).Kind)
	assert.Equal(t, KindEmpty, r.At(-1).Kind)

	_, err := r.RegisterRAM(0x1000, PageSize, NewRAMDriver(PageSize))
	require.NoError(t, err)
	assert.Equal(t, KindMemory, r.At(0).Kind)
	assert.Equal(t, KindEmpty, r.At(1).Kind)
}
