package shadow

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	gpr    [32]uint64
	pc     uint64
	mcause uint64
}

func (f *fakeSource) GPR(i int) uint64     { return f.gpr[i] }
func (f *fakeSource) PC() uint64           { return f.pc }
func (f *fakeSource) Mvendorid() uint64    { return 0 }
func (f *fakeSource) Marchid() uint64      { return 0 }
func (f *fakeSource) Mimpid() uint64       { return 0 }
func (f *fakeSource) Mcycle() uint64       { return 0 }
func (f *fakeSource) Minstret() uint64     { return 0 }
func (f *fakeSource) Mstatus() uint64      { return 0 }
func (f *fakeSource) Mtvec() uint64        { return 0 }
func (f *fakeSource) Mscratch() uint64     { return 0 }
func (f *fakeSource) Mepc() uint64         { return 0 }
func (f *fakeSource) Mcause() uint64       { return f.mcause }
func (f *fakeSource) Mtval() uint64        { return 0 }
func (f *fakeSource) Misa() uint64         { return 0 }
func (f *fakeSource) Mie() uint64          { return 0 }
func (f *fakeSource) Mip() uint64          { return 0 }
func (f *fakeSource) Medeleg() uint64      { return 0 }
func (f *fakeSource) Mideleg() uint64      { return 0 }
func (f *fakeSource) Mcounteren() uint64   { return 0 }
func (f *fakeSource) Stvec() uint64        { return 0 }
func (f *fakeSource) Sscratch() uint64     { return 0 }
func (f *fakeSource) Sepc() uint64         { return 0 }
func (f *fakeSource) Scause() uint64       { return 0 }
func (f *fakeSource) Stval() uint64        { return 0 }
func (f *fakeSource) Satp() uint64         { return 0 }
func (f *fakeSource) Scounteren() uint64   { return 0 }
func (f *fakeSource) Ilrsc() uint64        { return 0 }
func (f *fakeSource) Iflags() uint64       { return 0 }
func (f *fakeSource) PMACount() int        { return 1 }
func (f *fakeSource) PMAIstart(i int) uint64  { return 0xABCD }
func (f *fakeSource) PMAIlength(i int) uint64 { return 0x1000 }

func TestPeekProjectsGPRsAtOffsetZero(t *testing.T) {
	src := &fakeSource{pc: 0x80000000, mcause: 7}
	src.gpr[1] = 0x1122334455667788
	src.gpr[31] = 42

	dev := New(src)
	page, ok := dev.Peek(0)
	require.True(t, ok)

	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(page[8:16]))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(page[31*8:31*8+8]))
	assert.Equal(t, uint64(0x80000000), binary.LittleEndian.Uint64(page[OffPC:OffPC+8]))
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(page[OffMcause:OffMcause+8]))
}

func TestPeekProjectsPMATable(t *testing.T) {
	dev := New(&fakeSource{})
	page, ok := dev.Peek(0)
	require.True(t, ok)

	assert.Equal(t, uint64(0xABCD), binary.LittleEndian.Uint64(page[OffPMAs:OffPMAs+8]))
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(page[OffPMAs+8:OffPMAs+16]))
}

func TestPeekRejectsNonZeroPageOffset(t *testing.T) {
	dev := New(&fakeSource{})
	_, ok := dev.Peek(PageSize)
	assert.False(t, ok)
}

func TestBusReadWriteFail(t *testing.T) {
	dev := New(&fakeSource{})
	_, err := dev.Read(0, 3)
	assert.Error(t, err)
	assert.Error(t, dev.Write(0, 1, 3))
}
