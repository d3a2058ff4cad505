package interp

import (
	"github.com/cartesi-go/machine/machine/riscv"
	"github.com/cartesi-go/machine/machine/state"
)

func excForMisaligned(class accessClass) uint64 {
	switch class {
	case classFetch:
		return riscv.ExcInstrAddrMisaligned
	case classStore:
		return riscv.ExcStoreAddrMisaligned
	default:
		return riscv.ExcLoadAddrMisaligned
	}
}

// physicalAddr resolves vaddr through the MMU and folds in the
// within-page offset the page-aligned TLB entry doesn't carry.
func (c *cpu[A]) physicalAddr(vaddr uint64, class accessClass) uint64 {
	paddrPage := c.translatePage(vaddr, class)
	return paddrPage | (vaddr & (riscv.PageSize - 1))
}

// loadMem reads size bytes (1, 2, 4, or 8) at vaddr, sign-extending when
// signed is set. Every state access happens at 8-byte word granularity
// (spec.md §3), so narrower loads read the containing word and extract.
func (c *cpu[A]) loadMem(vaddr uint64, size uint64, signed bool, class accessClass) uint64 {
	paddr := c.physicalAddr(vaddr, class)
	byteOff := paddr & 7
	if byteOff+size > 8 {
		raise(excForMisaligned(class), vaddr)
	}
	word := must(c.a.ReadWord(paddr &^ 7))
	shift := byteOff * 8
	mask := sizeMask(size)
	v := (word >> shift) & mask
	if signed && size < 8 {
		v = signExtend(v, uint(size*8-1))
	}
	return v
}

// storeMem writes size bytes of value at vaddr: it reads the containing
// word, merges in the new bytes, and writes the whole word back
// (spec.md §3's word-wrap requirement for sub-word stores). Any store
// or AMO that overlaps the word currently held by the LR/SC reservation
// invalidates it, even when it isn't the SC that eventually consumes
// that reservation (RISC-V privileged spec: the reservation set may be
// invalidated by any store to it).
func (c *cpu[A]) storeMem(vaddr uint64, size uint64, value uint64) {
	paddr := c.physicalAddr(vaddr, classStore)
	byteOff := paddr & 7
	if byteOff+size > 8 {
		raise(excForMisaligned(classStore), vaddr)
	}
	wordAddr := paddr &^ 7
	shift := byteOff * 8
	mask := sizeMask(size) << shift
	old := must(c.a.ReadWord(wordAddr))
	newWord := (old &^ mask) | ((value << shift) & mask)
	mustW(c.a.WriteWord(wordAddr, newWord))
	if r := c.ilrsc(); r != state.NoReservation && r == wordAddr {
		c.setIlrsc(state.NoReservation)
	}
}

func sizeMask(size uint64) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (size * 8)) - 1
}

// fetchInstruction reads the 4-byte instruction word at pc. pc must be
// 4-byte aligned (compressed instructions are out of scope), so the
// fetch never straddles the containing 8-byte word.
func (c *cpu[A]) fetchInstruction(pc uint64) uint32 {
	if pc&0x3 != 0 {
		raise(riscv.ExcInstrAddrMisaligned, pc)
	}
	paddr := c.physicalAddr(pc, classFetch)
	word := must(c.a.ReadWord(paddr &^ 7))
	shift := (paddr & 7) * 8
	return uint32(word >> shift)
}
