// Package interp implements the RV64IMASU decode/execute loop: CSR
// access, privilege transitions, exception/interrupt delivery with
// delegation, Sv39/Sv48 virtual memory, the TLB, and LR/SC atomics
// (spec.md §4.6). It is written against access.Access and instantiated
// once per backend via a Go type parameter (spec.md §4.7, §9).
package interp

import "github.com/cartesi-go/machine/machine/riscv"

func bits(inst uint32, hi, lo uint) uint32 {
	return (inst >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func signExtend(v uint64, bit uint) uint64 {
	shift := 63 - bit
	return uint64(int64(v<<shift) >> shift)
}

type instruction struct {
	raw               uint32
	opcode            uint32
	rd, rs1, rs2, rs3 uint32
	funct3            uint32
	funct7            uint32
	imm               uint64 // sign-extended immediate, shape depends on opcode
	shamt             uint32
	csr               uint32 // unsigned CSR address, inst[31:20], valid for OpSystem only
}

func decode(raw uint32) instruction {
	in := instruction{
		raw:    raw,
		opcode: bits(raw, 6, 0),
		rd:     bits(raw, 11, 7),
		funct3: bits(raw, 14, 12),
		rs1:    bits(raw, 19, 15),
		rs2:    bits(raw, 24, 20),
		funct7: bits(raw, 31, 25),
	}
	in.shamt = bits(raw, 25, 20) // RV64 shift amount is 6 bits; funct7 top bit distinguishes SRLI/SRAI

	switch in.opcode {
	case riscv.OpLoad, riscv.OpOpImm, riscv.OpOpImm32, riscv.OpJALR, riscv.OpSystem:
		// I-type
		imm := uint64(bits(raw, 31, 20))
		in.imm = signExtend(imm, 11)
		in.csr = bits(raw, 31, 20)
	case riscv.OpStore:
		// S-type
		imm := uint64(bits(raw, 31, 25))<<5 | uint64(bits(raw, 11, 7))
		in.imm = signExtend(imm, 11)
	case riscv.OpBranch:
		// B-type
		imm := uint64(bits(raw, 31, 31))<<12 | uint64(bits(raw, 7, 7))<<11 |
			uint64(bits(raw, 30, 25))<<5 | uint64(bits(raw, 11, 8))<<1
		in.imm = signExtend(imm, 12)
	case riscv.OpLUI, riscv.OpAUIPC:
		// U-type
		in.imm = uint64(raw) & 0xFFFFF000
	case riscv.OpJAL:
		// J-type
		imm := uint64(bits(raw, 31, 31))<<20 | uint64(bits(raw, 19, 12))<<12 |
			uint64(bits(raw, 20, 20))<<11 | uint64(bits(raw, 30, 21))<<1
		in.imm = signExtend(imm, 20)
	case riscv.OpAMO:
		in.rs3 = bits(raw, 31, 27) // funct5
	}
	return in
}
