package htif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct{ halted, yielded bool }

func (f *fakeSink) SetHalted()  { f.halted = true }
func (f *fakeSink) SetYielded() { f.yielded = true }

type fakeConsole struct{ bytes []byte }

func (f *fakeConsole) ReadByte() (byte, bool) {
	if len(f.bytes) == 0 {
		return 0, false
	}
	b := f.bytes[0]
	f.bytes = f.bytes[1:]
	return b, true
}

type fakeWriter struct{ out []byte }

func (f *fakeWriter) WriteByte(b byte) error { f.out = append(f.out, b); return nil }

func TestLowWordWriteDoesNotTriggerCommand(t *testing.T) {
	sink := &fakeSink{}
	dev := New(nil, nil, sink)

	require.NoError(t, dev.Write(OffTohost, 1, 2)) // 32-bit write to low word only
	assert.False(t, sink.halted)
	assert.Equal(t, uint64(1), dev.Tohost())
}

func TestHighWordWriteTriggersHalt(t *testing.T) {
	sink := &fakeSink{}
	dev := New(nil, nil, sink)

	require.NoError(t, dev.Write(OffTohost, 1, 2))   // payload bit 0 set, low word
	require.NoError(t, dev.Write(OffTohost+4, 0, 2)) // device=0,cmd=0 high word -> handle
	assert.True(t, sink.halted)
}

func TestConsolePutcharAcksByZeroingTohost(t *testing.T) {
	writer := &fakeWriter{}
	dev := New(nil, writer, nil)

	// device=1, cmd=1, payload = 'A' -- write full 64-bit word in one shot.
	word := (uint64(DeviceConsole) << 56) | (uint64(CmdConsolePutchar) << 48) | uint64('A')
	require.NoError(t, dev.Write(OffTohost, word, 3))

	assert.Equal(t, []byte{'A'}, writer.out)
	assert.Equal(t, uint64(0), dev.Tohost())
	assert.Equal(t, (uint64(DeviceConsole)<<56)|(uint64(CmdConsolePutchar)<<48), dev.Fromhost())
}

func TestYieldSetsSoftBreakWhenBitSet(t *testing.T) {
	sink := &fakeSink{}
	dev := New(nil, nil, sink)

	word := uint64(DeviceYield) << 56
	require.NoError(t, dev.Write(OffTohost, word, 3))
	assert.True(t, sink.yielded)
}

func TestConsoleGetcharConsumesAvailableByte(t *testing.T) {
	console := &fakeConsole{bytes: []byte{'z'}}
	dev := New(console, nil, nil)

	word := (uint64(DeviceConsole) << 56) | (uint64(CmdConsoleGetchar) << 48)
	require.NoError(t, dev.Write(OffTohost, word, 3))

	assert.Equal(t, uint64(0), dev.Tohost())
	assert.Equal(t, byte('z'), byte(dev.Fromhost()&0xff))
}

func TestPeekMaterializesRegisters(t *testing.T) {
	dev := New(nil, nil, nil)
	dev.SetTohost(0x1122)
	dev.SetFromhost(0x3344)

	page, ok := dev.Peek(0)
	require.True(t, ok)
	assert.Equal(t, byte(0x22), page[OffTohost])
	assert.Equal(t, byte(0x44), page[OffFromhost])
}
