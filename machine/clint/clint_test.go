package clint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ mcycle uint64 }

func (f *fakeSource) Mcycle() uint64 { return f.mcycle }

type fakeSink struct{ cleared bool }

func (f *fakeSink) ClearMTIP() { f.cleared = true }

func TestMtimeDerivesFromMcycle(t *testing.T) {
	src := &fakeSource{mcycle: 500}
	dev := New(src, nil)
	assert.Equal(t, uint64(5), dev.Mtime())
}

func TestWriteMtimecmpClearsMTIP(t *testing.T) {
	src := &fakeSource{}
	sink := &fakeSink{}
	dev := New(src, sink)

	require.NoError(t, dev.Write(OffMtimecmp, 12345, 3))
	assert.Equal(t, uint64(12345), dev.Mtimecmp())
	assert.True(t, sink.cleared)
}

func Test32BitReadSplitsMtime(t *testing.T) {
	src := &fakeSource{mcycle: RTCFreqDiv * 0x100000001}
	dev := New(src, nil)

	low, err := dev.Read(OffMtime, 2)
	require.NoError(t, err)
	high, err := dev.Read(OffMtime+4, 2)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), low)
	assert.Equal(t, uint64(1), high)
}

func TestPeekMaterializesPage(t *testing.T) {
	src := &fakeSource{mcycle: 1000}
	dev := New(src, nil)
	dev.SetMtimecmp(77)

	page, ok := dev.Peek(OffMtimecmp &^ (PageSize - 1))
	require.True(t, ok)

	v, err := dev.Read(OffMtimecmp, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), v)
	assert.Equal(t, byte(77), page[OffMtimecmp&(PageSize-1)])
}
