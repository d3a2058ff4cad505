// Package state holds the complete architectural state of one machine:
// CPU registers, CSRs, iflags, the TLB, the PMA registry, and the
// devices that live inside it (spec.md §3). It is the shared substrate
// both the fast and logged state-access backends mutate.
package state

import (
	"github.com/cartesi-go/machine/machine/clint"
	"github.com/cartesi-go/machine/machine/htif"
	"github.com/cartesi-go/machine/machine/merkle"
	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/riscv"
	"github.com/cartesi-go/machine/machine/shadow"
)

// NoReservation is the sentinel ilrsc value meaning "no active
// reservation" (spec.md §4.6: "invalidated by ... an ilrsc = -1 sentinel").
const NoReservation = ^uint64(0)

// Iflags packs {PRV(2), I(1), Y(1), H(1)}: privilege level, idle (WFI),
// yielded, halted (spec.md §3).
type Iflags struct {
	PRV uint8 // 0=U, 1=S, 3=M
	I   bool  // idle, waiting for interrupt
	Y   bool  // yielded
	H   bool  // halted
}

const (
	iflagsPRVShift = 0
	iflagsIShift   = 2
	iflagsYShift   = 3
	iflagsHShift   = 4
)

// Pack encodes iflags into its shadow-projected word form.
func (f Iflags) Pack() uint64 {
	v := uint64(f.PRV&0x3) << iflagsPRVShift
	if f.I {
		v |= 1 << iflagsIShift
	}
	if f.Y {
		v |= 1 << iflagsYShift
	}
	if f.H {
		v |= 1 << iflagsHShift
	}
	return v
}

// UnpackIflags decodes a shadow-projected iflags word.
func UnpackIflags(v uint64) Iflags {
	return Iflags{
		PRV: uint8((v >> iflagsPRVShift) & 0x3),
		I:   (v>>iflagsIShift)&1 != 0,
		Y:   (v>>iflagsYShift)&1 != 0,
		H:   (v>>iflagsHShift)&1 != 0,
	}
}

// TLBEntry is one direct-mapped TLB slot. A zero-value entry is invalid.
// The interpreter's page walk fills in only the page translation and
// leaves PMA and PageOffset unset; loads, stores and fetches look the
// owning PMA up in the registry on every access.
type TLBEntry struct {
	Valid      bool
	VAddrPage  uint64
	PAddrPage  uint64
	PMA        *pma.Entry
	PageOffset uint64 // offset of this page within PMA.Driver's backing
}

// TLB is a 256-entry direct-mapped cache keyed by the low bits of the
// virtual page number (spec.md §3, §9).
type TLB struct {
	entries [256]TLBEntry
}

func tlbIndex(vaddrPage uint64) int {
	return int((vaddrPage >> 12) & 0xFF)
}

// Lookup returns the entry for vaddrPage if present and tagged with a
// matching VAddrPage; ok is false on a miss or tag mismatch.
func (t *TLB) Lookup(vaddrPage uint64) (TLBEntry, bool) {
	e := &t.entries[tlbIndex(vaddrPage)]
	if e.Valid && e.VAddrPage == vaddrPage {
		return *e, true
	}
	return TLBEntry{}, false
}

// Insert installs an entry, replacing whatever previously occupied the slot.
func (t *TLB) Insert(e TLBEntry) {
	t.entries[tlbIndex(e.VAddrPage)] = e
}

// InvalidateAll clears every entry. Called whenever a CSR write or
// instruction can change every outstanding translation (satp,
// mstatus.SUM/MPRV/MXR, privilege change, SFENCE.VMA with no operands).
func (t *TLB) InvalidateAll() {
	for i := range t.entries {
		t.entries[i] = TLBEntry{}
	}
}

// InvalidatePage clears the entry mapping vaddrPage, if any (SFENCE.VMA
// with a specific virtual address operand).
func (t *TLB) InvalidatePage(vaddrPage uint64) {
	e := &t.entries[tlbIndex(vaddrPage)]
	if e.Valid && e.VAddrPage == vaddrPage {
		*e = TLBEntry{}
	}
}

// csrs groups every CSR this machine implements. Fields are unexported:
// all access goes through Machine's getter/setter methods so the shadow
// projection, the logged/replay backends, and ordinary interpreter code
// share one path (spec.md §3 "Machine state").
type csrs struct {
	mvendorid, marchid, mimpid uint64
	mcycle, minstret           uint64
	mstatus                    uint64
	mtvec, mscratch            uint64
	mepc, mcause, mtval        uint64
	misa                       uint64
	mie, mip                   uint64
	medeleg, mideleg           uint64
	mcounteren                 uint64
	stvec, sscratch            uint64
	sepc, scause, stval        uint64
	satp                       uint64
	scounteren                 uint64
}

// Machine is the complete mutable state of one RV64IMASU core plus its
// attached devices (spec.md §3 "Machine state").
type Machine struct {
	pc uint64
	x  [32]uint64
	csrs

	ilrsc  uint64
	iflags Iflags

	brk bool

	PMAs   *pma.Registry
	Shadow *shadow.Device
	CLINT  *clint.Device
	HTIF   *htif.Device
	Tree   *merkle.Tree

	TLBRead, TLBWrite, TLBCode TLB
}

// New constructs a machine with sane defaults: M-mode, no reservation,
// mvendorid/marchid/mimpid zeroed, misa advertising RV64IMASU. PMAs must
// be registered afterward (see package config).
func New() *Machine {
	m := &Machine{
		ilrsc:  NoReservation,
		iflags: Iflags{PRV: riscv.PrivM},
		PMAs:   pma.NewRegistry(),
		Tree:   merkle.New(),
	}
	m.csrs.misa = riscv.Misa64 | extBit('I') | extBit('M') | extBit('A') | extBit('S') | extBit('U')
	return m
}

func extBit(letter byte) uint64 {
	return uint64(1) << uint(letter-'A')
}

// AttachDevices wires the shadow/CLINT/HTIF device instances that were
// registered into m.PMAs, so Machine can answer the Source/Sink
// interfaces those devices need (config.Build calls this once
// registration is complete).
func (m *Machine) AttachDevices(shadowDev *shadow.Device, clintDev *clint.Device, htifDev *htif.Device) {
	m.Shadow = shadowDev
	m.CLINT = clintDev
	m.HTIF = htifDev
}

// --- plain getters/setters used by the interpreter and by access backends ---

func (m *Machine) GetPC() uint64   { return m.pc }
func (m *Machine) SetPC(v uint64)  { m.pc = v }

func (m *Machine) GetX(i int) uint64 {
	if i == 0 {
		return 0
	}
	return m.x[i]
}
func (m *Machine) SetX(i int, v uint64) {
	if i != 0 {
		m.x[i] = v
	}
}

func (m *Machine) GetIlrsc() uint64  { return m.ilrsc }
func (m *Machine) SetIlrsc(v uint64) { m.ilrsc = v }

func (m *Machine) GetIflags() Iflags   { return m.iflags }
func (m *Machine) SetIflags(f Iflags)  { m.iflags = f }

func (m *Machine) GetBrk() bool { return m.brk }
func (m *Machine) SetBrk()      { m.brk = true }
func (m *Machine) ClearBrk()    { m.brk = false }

// CSR getters/setters, named after the register.
func (m *Machine) GetMvendorid() uint64    { return m.mvendorid }
func (m *Machine) SetMvendorid(v uint64)   { m.mvendorid = v }
func (m *Machine) GetMarchid() uint64      { return m.marchid }
func (m *Machine) SetMarchid(v uint64)     { m.marchid = v }
func (m *Machine) GetMimpid() uint64       { return m.mimpid }
func (m *Machine) SetMimpid(v uint64)      { m.mimpid = v }
func (m *Machine) GetMcycle() uint64       { return m.mcycle }
func (m *Machine) SetMcycle(v uint64)      { m.mcycle = v }
func (m *Machine) GetMinstret() uint64     { return m.minstret }
func (m *Machine) SetMinstret(v uint64)    { m.minstret = v }
func (m *Machine) GetMstatus() uint64      { return m.mstatus }
func (m *Machine) SetMstatus(v uint64)     { m.mstatus = v }
func (m *Machine) GetMtvec() uint64        { return m.mtvec }
func (m *Machine) SetMtvec(v uint64)       { m.mtvec = v }
func (m *Machine) GetMscratch() uint64     { return m.mscratch }
func (m *Machine) SetMscratch(v uint64)    { m.mscratch = v }
func (m *Machine) GetMepc() uint64         { return m.mepc }
func (m *Machine) SetMepc(v uint64)        { m.mepc = v }
func (m *Machine) GetMcause() uint64       { return m.mcause }
func (m *Machine) SetMcause(v uint64)      { m.mcause = v }
func (m *Machine) GetMtval() uint64        { return m.mtval }
func (m *Machine) SetMtval(v uint64)       { m.mtval = v }
func (m *Machine) GetMisa() uint64         { return m.misa }
func (m *Machine) SetMisa(v uint64)        { m.misa = v }
func (m *Machine) GetMie() uint64          { return m.mie }
func (m *Machine) SetMie(v uint64)         { m.mie = v }
func (m *Machine) GetMip() uint64          { return m.mip }
func (m *Machine) SetMip(v uint64)         { m.mip = v }
func (m *Machine) GetMedeleg() uint64      { return m.medeleg }
func (m *Machine) SetMedeleg(v uint64)     { m.medeleg = v }
func (m *Machine) GetMideleg() uint64      { return m.mideleg }
func (m *Machine) SetMideleg(v uint64)     { m.mideleg = v }
func (m *Machine) GetMcounteren() uint64   { return m.mcounteren }
func (m *Machine) SetMcounteren(v uint64)  { m.mcounteren = v }
func (m *Machine) GetStvec() uint64        { return m.stvec }
func (m *Machine) SetStvec(v uint64)       { m.stvec = v }
func (m *Machine) GetSscratch() uint64     { return m.sscratch }
func (m *Machine) SetSscratch(v uint64)    { m.sscratch = v }
func (m *Machine) GetSepc() uint64         { return m.sepc }
func (m *Machine) SetSepc(v uint64)        { m.sepc = v }
func (m *Machine) GetScause() uint64       { return m.scause }
func (m *Machine) SetScause(v uint64)      { m.scause = v }
func (m *Machine) GetStval() uint64        { return m.stval }
func (m *Machine) SetStval(v uint64)       { m.stval = v }
func (m *Machine) GetSatp() uint64         { return m.satp }
func (m *Machine) SetSatp(v uint64)        { m.satp = v }
func (m *Machine) GetScounteren() uint64   { return m.scounteren }
func (m *Machine) SetScounteren(v uint64)  { m.scounteren = v }

// --- shadow.Source ---

func (m *Machine) GPR(i int) uint64        { return m.GetX(i) }
func (m *Machine) PC() uint64              { return m.pc }
func (m *Machine) Mvendorid() uint64       { return m.mvendorid }
func (m *Machine) Marchid() uint64         { return m.marchid }
func (m *Machine) Mimpid() uint64          { return m.mimpid }
func (m *Machine) Mcycle() uint64          { return m.mcycle }
func (m *Machine) Minstret() uint64        { return m.minstret }
func (m *Machine) Mstatus() uint64         { return m.mstatus }
func (m *Machine) Mtvec() uint64           { return m.mtvec }
func (m *Machine) Mscratch() uint64        { return m.mscratch }
func (m *Machine) Mepc() uint64            { return m.mepc }
func (m *Machine) Mcause() uint64          { return m.mcause }
func (m *Machine) Mtval() uint64           { return m.mtval }
func (m *Machine) Misa() uint64            { return m.misa }
func (m *Machine) Mie() uint64             { return m.mie }
func (m *Machine) Mip() uint64             { return m.mip }
func (m *Machine) Medeleg() uint64         { return m.medeleg }
func (m *Machine) Mideleg() uint64         { return m.mideleg }
func (m *Machine) Mcounteren() uint64      { return m.mcounteren }
func (m *Machine) Stvec() uint64           { return m.stvec }
func (m *Machine) Sscratch() uint64        { return m.sscratch }
func (m *Machine) Sepc() uint64            { return m.sepc }
func (m *Machine) Scause() uint64          { return m.scause }
func (m *Machine) Stval() uint64           { return m.stval }
func (m *Machine) Satp() uint64            { return m.satp }
func (m *Machine) Scounteren() uint64      { return m.scounteren }
func (m *Machine) Ilrsc() uint64           { return m.ilrsc }
func (m *Machine) Iflags() uint64          { return m.iflags.Pack() }

func (m *Machine) PMACount() int { return m.PMAs.Count() }
func (m *Machine) PMAIstart(i int) uint64 {
	return m.PMAs.At(i).Istart()
}
func (m *Machine) PMAIlength(i int) uint64 {
	return m.PMAs.At(i).Ilength()
}

// --- clint.Sink / htif.Sink ---

// ClearMTIP clears the machine timer interrupt pending bit, the side
// effect a write to mtimecmp has (spec.md §4.3).
func (m *Machine) ClearMTIP() {
	m.mip &^= uint64(1) << riscv.IRQMTimer
}

// SetHalted marks the machine halted (HTIF device=0,cmd=0 command) and
// raises brk so the interpreter's inner loop exits.
func (m *Machine) SetHalted() {
	m.iflags.H = true
	m.brk = true
}

// SetYielded marks the machine yielded (HTIF device=2 command whose
// iyield bit is set) and raises brk.
func (m *Machine) SetYielded() {
	m.iflags.Y = true
	m.brk = true
}

// UpdateBrk sets brk when one of the conditions that can cause the
// interpreter's inner loop to break holds: halted, yielded, or an enabled
// pending interrupt (spec.md §8 invariant 1: "(mie & mip) == 0 || brk").
// It never clears brk; ClearBrk does.
func (m *Machine) UpdateBrk() {
	if m.iflags.H || m.iflags.Y || (m.mie&m.mip) != 0 {
		m.brk = true
	}
}

// InvalidateTLBForCSRWrite drops every TLB entry, matching the spec's
// coherence requirement for satp / mstatus.SUM/MPRV/MXR writes and
// privilege-level changes.
func (m *Machine) InvalidateTLBForCSRWrite() {
	m.TLBRead.InvalidateAll()
	m.TLBWrite.InvalidateAll()
	m.TLBCode.InvalidateAll()
}

// Close releases any host resources (mmap'd flash backings) held by the
// PMA registry's drivers.
func (m *Machine) Close() error {
	var firstErr error
	for _, e := range m.PMAs.Entries() {
		if closer, ok := e.Driver.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
