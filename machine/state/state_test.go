package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMachineDefaults(t *testing.T) {
	m := New()
	assert.Equal(t, NoReservation, m.GetIlrsc())
	assert.Equal(t, uint8(3), m.GetIflags().PRV) // PrivM
	assert.False(t, m.GetBrk())
}

func TestX0AlwaysReadsZero(t *testing.T) {
	m := New()
	m.SetX(0, 0xFFFFFFFFFFFFFFFF)
	assert.Equal(t, uint64(0), m.GetX(0))
}

func TestIflagsPackUnpackRoundTrips(t *testing.T) {
	f := Iflags{PRV: 1, I: true, Y: false, H: true}
	assert.Equal(t, f, UnpackIflags(f.Pack()))
}

func TestClearMTIPClearsOnlyThatBit(t *testing.T) {
	m := New()
	m.SetMip(uint64(1)<<7 | uint64(1)<<5)
	m.ClearMTIP()
	assert.Equal(t, uint64(1)<<5, m.GetMip())
}

func TestSetHaltedRaisesBrk(t *testing.T) {
	m := New()
	m.SetHalted()
	assert.True(t, m.GetIflags().H)
	assert.True(t, m.GetBrk())
}

func TestTLBInsertAndLookup(t *testing.T) {
	var tlb TLB
	e := TLBEntry{Valid: true, VAddrPage: 0x1000, PAddrPage: 0x80001000}
	tlb.Insert(e)

	got, ok := tlb.Lookup(0x1000)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x80001000), got.PAddrPage)

	tlb.InvalidatePage(0x1000)
	_, ok = tlb.Lookup(0x1000)
	assert.False(t, ok)
}

func TestTLBInvalidateAll(t *testing.T) {
	var tlb TLB
	tlb.Insert(TLBEntry{Valid: true, VAddrPage: 0x2000})
	tlb.InvalidateAll()
	_, ok := tlb.Lookup(0x2000)
	assert.False(t, ok)
}
