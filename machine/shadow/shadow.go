// Package shadow implements the shadow device: a read-only MMIO window
// that projects the CPU's registers, CSRs, and PMA descriptors into the
// physical address space so that Merkleization covers the full
// architectural state, not just memory (spec.md §3, §4.2).
//
// The shadow page layout is part of the verifiable contract and must
// match byte for byte: offsets 0x000-0x100 hold x0..x31; 0x100 onward
// holds named CSRs in a fixed order; 0x800+16k holds PMA slot k's
// (istart, ilength) pair.
package shadow

import "fmt"

// PageSize is the single page the shadow device occupies.
const PageSize = 4096

// CSR offsets, relative to the shadow base, in the order spec.md §3
// mandates. Each slot is 8 bytes; the list starts at 0x100.
const (
	OffPC = 0x100 + 8*iota
	OffMvendorid
	OffMarchid
	OffMimpid
	OffMcycle
	OffMinstret
	OffMstatus
	OffMtvec
	OffMscratch
	OffMepc
	OffMcause
	OffMtval
	OffMisa
	OffMie
	OffMip
	OffMedeleg
	OffMideleg
	OffMcounteren
	OffStvec
	OffSscratch
	OffSepc
	OffScause
	OffStval
	OffSatp
	OffScounteren
	OffIlrsc
	OffIflags
)

// OffPMAs is the start of the PMA descriptor table; slot k occupies
// [OffPMAs+16k, OffPMAs+16k+16), istart then ilength.
const OffPMAs = 0x800

// Source supplies the live architectural state the shadow device
// projects. state.Machine implements this interface; shadow has no
// dependency on the state package itself, avoiding an import cycle.
type Source interface {
	GPR(i int) uint64
	PC() uint64
	Mvendorid() uint64
	Marchid() uint64
	Mimpid() uint64
	Mcycle() uint64
	Minstret() uint64
	Mstatus() uint64
	Mtvec() uint64
	Mscratch() uint64
	Mepc() uint64
	Mcause() uint64
	Mtval() uint64
	Misa() uint64
	Mie() uint64
	Mip() uint64
	Medeleg() uint64
	Mideleg() uint64
	Mcounteren() uint64
	Stvec() uint64
	Sscratch() uint64
	Sepc() uint64
	Scause() uint64
	Stval() uint64
	Satp() uint64
	Scounteren() uint64
	Ilrsc() uint64
	Iflags() uint64
	PMACount() int
	PMAIstart(i int) uint64
	PMAIlength(i int) uint64
}

// Device is the shadow PMA driver.
type Device struct {
	src Source
}

// New returns a shadow device projecting src's state.
func New(src Source) *Device {
	return &Device{src: src}
}

func (d *Device) Name() string { return "SHADOW" }

// Read and Write always fail: the shadow is reached by the interpreter
// through typed CSR/GPR accessors, never through a bus load/store
// (spec.md §4.2).
func (d *Device) Read(offset uint64, sizeLog2 uint) (uint64, error) {
	return 0, fmt.Errorf("shadow: bus reads are not supported (offset 0x%x)", offset)
}

func (d *Device) Write(offset uint64, value uint64, sizeLog2 uint) error {
	return fmt.Errorf("shadow: bus writes are not supported (offset 0x%x)", offset)
}

func putWord(page *[PageSize]byte, offset int, v uint64) {
	for i := 0; i < 8; i++ {
		page[offset+i] = byte(v >> (8 * i))
	}
}

// Peek materializes the shadow page from live state. pageOffset must be
// 0: the shadow device occupies exactly one page.
func (d *Device) Peek(pageOffset uint64) (*[PageSize]byte, bool) {
	if pageOffset != 0 {
		return nil, false
	}
	var page [PageSize]byte

	for i := 0; i < 32; i++ {
		putWord(&page, i*8, d.src.GPR(i))
	}

	putWord(&page, OffPC, d.src.PC())
	putWord(&page, OffMvendorid, d.src.Mvendorid())
	putWord(&page, OffMarchid, d.src.Marchid())
	putWord(&page, OffMimpid, d.src.Mimpid())
	putWord(&page, OffMcycle, d.src.Mcycle())
	putWord(&page, OffMinstret, d.src.Minstret())
	putWord(&page, OffMstatus, d.src.Mstatus())
	putWord(&page, OffMtvec, d.src.Mtvec())
	putWord(&page, OffMscratch, d.src.Mscratch())
	putWord(&page, OffMepc, d.src.Mepc())
	putWord(&page, OffMcause, d.src.Mcause())
	putWord(&page, OffMtval, d.src.Mtval())
	putWord(&page, OffMisa, d.src.Misa())
	putWord(&page, OffMie, d.src.Mie())
	putWord(&page, OffMip, d.src.Mip())
	putWord(&page, OffMedeleg, d.src.Medeleg())
	putWord(&page, OffMideleg, d.src.Mideleg())
	putWord(&page, OffMcounteren, d.src.Mcounteren())
	putWord(&page, OffStvec, d.src.Stvec())
	putWord(&page, OffSscratch, d.src.Sscratch())
	putWord(&page, OffSepc, d.src.Sepc())
	putWord(&page, OffScause, d.src.Scause())
	putWord(&page, OffStval, d.src.Stval())
	putWord(&page, OffSatp, d.src.Satp())
	putWord(&page, OffScounteren, d.src.Scounteren())
	putWord(&page, OffIlrsc, d.src.Ilrsc())
	putWord(&page, OffIflags, d.src.Iflags())

	for k := 0; k < d.src.PMACount(); k++ {
		base := OffPMAs + 16*k
		if base+16 > PageSize {
			break
		}
		putWord(&page, base, d.src.PMAIstart(k))
		putWord(&page, base+8, d.src.PMAIlength(k))
	}

	return &page, true
}
