package config

import (
	"encoding/binary"
	"fmt"

	"github.com/cartesi-go/machine/machine/riscv"
)

// fdtWindowLength is the fixed 4 KiB window the trampoline's FDT lives
// in (spec.md §6, supplemented from original_source's low-RAM bootstrap
// page). fdtOffset places it right after the 5-instruction trampoline.
const (
	fdtWindowLength = 0x1000
	fdtOffset       = 8 * 8
)

const fdtMagic = 0xd00dfeed

// BuildFDT encodes cfg's boot arguments into a minimal flattened device
// tree blob: a header (magic, total size) followed by a
// length-prefixed bootargs string. original_source's real device tree
// carries far more (memory nodes, CLINT/HTIF reg properties); this
// module only needs bootargs to reach the guest, so it keeps the
// header shape and drops the rest.
func BuildFDT(cfg Config) []byte {
	args := []byte(cfg.BootArgs)
	buf := make([]byte, 12+len(args))
	binary.BigEndian.PutUint32(buf[0:4], fdtMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(args)))
	copy(buf[12:], args)
	return buf
}

// WriteFDT writes fdt into page at fdtOffset, bounds-checked against the
// 4 KiB trampoline window. The original C++ bootstrap writes into this
// window unconditionally (spec.md §9 flags this as a silent-corruption
// risk); this returns an error instead of overrunning the page.
func WriteFDT(page []byte, fdt []byte) error {
	if fdtOffset+len(fdt) > fdtWindowLength {
		return fmt.Errorf("config: FDT (%d bytes at offset %d) overruns the %d byte boot window",
			len(fdt), fdtOffset, fdtWindowLength)
	}
	if len(page) < fdtWindowLength {
		return fmt.Errorf("config: boot page must be at least %d bytes, got %d", fdtWindowLength, len(page))
	}
	copy(page[fdtOffset:], fdt)
	return nil
}

func encodeU(opcode, rd, imm20 uint32) uint32 {
	return imm20<<12 | rd<<7 | opcode
}

func encodeI(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// BuildTrampoline encodes the 5-instruction boot stub (spec.md §6):
//
//	auipc a1, 0
//	addi  a1, a1, fdtOffset
//	auipc t0, %hi(ramBaseOffset)
//	addi  t0, t0, %lo(ramBaseOffset)
//	jr    t0
//
// a1 (x11) ends up pointing at the FDT; t0 (x5) ends up holding RAM
// base, and the final jr transfers control there.
func BuildTrampoline(romBase uint64) []uint32 {
	const a1, t0 = 11, 5
	// t0's auipc sits at the third instruction (offset 8), so the offset
	// is taken from there. It does not fit addi's 12-bit immediate: the
	// auipc carries the upper 20 bits (rounded so the sign-extended low
	// 12 bits the addi adds bring it back to the exact offset).
	ramOffset := int64(RAMStart) - int64(romBase+8)
	hi := uint32((ramOffset+0x800)>>12) & 0xFFFFF
	lo := int32(ramOffset - int64(int32(hi<<12)))
	return []uint32{
		encodeU(riscv.OpAUIPC, a1, 0),
		encodeI(riscv.OpOpImm, a1, riscv.F3ADDI, a1, fdtOffset),
		encodeU(riscv.OpAUIPC, t0, hi),
		encodeI(riscv.OpOpImm, t0, riscv.F3ADDI, t0, lo),
		encodeI(riscv.OpJALR, 0, riscv.F3JALR, t0, 0),
	}
}

// WriteROMImage assembles a ROM image: the boot trampoline followed by
// the FDT at fdtOffset, ready to pass as Config.ROMImage.
func WriteROMImage(cfg Config) ([]byte, error) {
	page := make([]byte, fdtWindowLength)
	trampoline := BuildTrampoline(ROMStart)
	for i, instr := range trampoline {
		binary.LittleEndian.PutUint32(page[i*4:], instr)
	}
	if err := WriteFDT(page, BuildFDT(cfg)); err != nil {
		return nil, err
	}
	return page, nil
}
