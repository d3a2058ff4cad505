package interp

import (
	"github.com/cartesi-go/machine/machine/riscv"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
)

// accessClass distinguishes the three TLBs and the three kinds of page
// fault (spec.md §4.6 "fetch/load/store").
type accessClass int

const (
	classFetch accessClass = iota
	classLoad
	classStore
)

func (c *cpu[A]) tlbFor(class accessClass) *state.TLB {
	switch class {
	case classFetch:
		return &c.m.TLBCode
	case classStore:
		return &c.m.TLBWrite
	default:
		return &c.m.TLBRead
	}
}

// satpMode/satpPPN decode the current address translation mode.
func (c *cpu[A]) satpMode() uint64 {
	satp := must(c.a.ReadWord(shadow.OffSatp))
	return satp >> 60
}

func (c *cpu[A]) satpPPN() uint64 {
	satp := must(c.a.ReadWord(shadow.OffSatp))
	return satp & ((uint64(1) << 44) - 1)
}

// translatePage resolves the physical page backing vaddr's page under
// the current satp mode and privilege, consulting and then populating
// the TLB for that access class (spec.md §4.6, §9 "TLB as a mutable
// cache"). It raises a page fault (via raise) on any walk failure; bare
// mode (or M-mode execution) is the identity mapping.
func (c *cpu[A]) translatePage(vaddr uint64, class accessClass) uint64 {
	vaddrPage := vaddr &^ (riscv.PageSize - 1)

	tlb := c.tlbFor(class)
	if e, ok := tlb.Lookup(vaddrPage); ok {
		return e.PAddrPage
	}

	paddrPage := c.walkPageTable(vaddr, class) &^ (riscv.PageSize - 1)
	tlb.Insert(state.TLBEntry{Valid: true, VAddrPage: vaddrPage, PAddrPage: paddrPage})
	return paddrPage
}

func (c *cpu[A]) walkPageTable(vaddr uint64, class accessClass) uint64 {
	mode := c.satpMode()
	effectivePriv := c.priv()

	mstatus := must(c.a.ReadWord(shadow.OffMstatus))
	mprv := (mstatus>>riscv.MstatusMPRVShift)&1 != 0
	if mprv && class != classFetch && effectivePriv == riscv.PrivM {
		effectivePriv = uint8((mstatus >> riscv.MstatusMPPShift) & 0x3)
	}

	if mode == riscv.SatpModeBare || effectivePriv == riscv.PrivM {
		return vaddr
	}

	var levels int
	switch mode {
	case riscv.SatpModeSv39:
		levels = 3
	case riscv.SatpModeSv48:
		levels = 4
	default:
		pageFault(class, vaddr)
		return 0
	}

	vaBits := uint(12 + 9*levels)
	if signExtend(vaddr, vaBits-1) != vaddr {
		pageFault(class, vaddr)
	}

	sum := (mstatus>>riscv.MstatusSUMShift)&1 != 0
	mxr := (mstatus>>riscv.MstatusMXRShift)&1 != 0

	ppn := c.satpPPN()
	var pte uint64
	var ptePAddr uint64
	leafLevel := 0
	for level := levels - 1; level >= 0; level-- {
		vpnShift := uint(12 + 9*level)
		vpn := (vaddr >> vpnShift) & 0x1FF
		ptePAddr = (ppn << 12) + vpn*8
		pte = must(c.a.ReadWord(ptePAddr &^ 7))

		if pte&riscv.PTEValid == 0 || (pte&riscv.PTERead == 0 && pte&riscv.PTEWrite != 0) {
			pageFault(class, vaddr)
		}
		isLeaf := pte&(riscv.PTERead|riscv.PTEWrite|riscv.PTEExec) != 0
		if isLeaf {
			leafLevel = level
			break
		}
		if level == 0 {
			pageFault(class, vaddr)
		}
		ppn = pte >> 10
	}

	if pte&riscv.PTEUser != 0 && effectivePriv != riscv.PrivU && !(class != classFetch && sum) {
		pageFault(class, vaddr)
	}
	if pte&riscv.PTEUser == 0 && effectivePriv == riscv.PrivU {
		pageFault(class, vaddr)
	}

	switch class {
	case classFetch:
		if pte&riscv.PTEExec == 0 {
			pageFault(class, vaddr)
		}
	case classLoad:
		canRead := pte&riscv.PTERead != 0 || (mxr && pte&riscv.PTEExec != 0)
		if !canRead {
			pageFault(class, vaddr)
		}
	case classStore:
		if pte&riscv.PTEWrite == 0 {
			pageFault(class, vaddr)
		}
	}

	if pte&riscv.PTEAccessed == 0 || (class == classStore && pte&riscv.PTEDirty == 0) {
		newPTE := pte | riscv.PTEAccessed
		if class == classStore {
			newPTE |= riscv.PTEDirty
		}
		mustW(c.a.WriteWord(ptePAddr&^7, newPTE))
	}

	// For a superpage (leafLevel > 0) the low 9*leafLevel bits of the
	// PTE's PPN must be zero (RISC-V priv spec §4.4.1), and the
	// physical address's corresponding low bits come from the virtual
	// address's own VPN fields, not the PTE.
	ppnFromPTE := pte >> 10
	if leafLevel > 0 {
		lowMask := (uint64(1) << (9 * leafLevel)) - 1
		if ppnFromPTE&lowMask != 0 {
			pageFault(class, vaddr)
		}
	}
	lowBits := uint(12 + 9*leafLevel)
	highPPN := (ppnFromPTE &^ ((uint64(1) << (9 * leafLevel)) - 1)) << 12
	return highPPN | (vaddr & ((uint64(1) << lowBits) - 1))
}

func pageFault(class accessClass, vaddr uint64) {
	switch class {
	case classFetch:
		raise(riscv.ExcInstrPageFault, vaddr)
	case classStore:
		raise(riscv.ExcStorePageFault, vaddr)
	default:
		raise(riscv.ExcLoadPageFault, vaddr)
	}
}
