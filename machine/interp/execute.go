package interp

import "github.com/cartesi-go/machine/machine/riscv"

// execute dispatches a decoded instruction, mutating registers/PC/CSRs
// through the cpu's access.Access backend. It mirrors the reference
// interpreter's per-opcode switch (spec.md §4.6), extended with the
// privileged instructions (CSR, ECALL/EBREAK/MRET/SRET/WFI,
// SFENCE.VMA) RV64IMASU requires beyond the bare user-mode ISA.
func (c *cpu[A]) execute(in instruction, pc uint64) {
	next := pc + 4

	switch in.opcode {
	case riscv.OpLoad:
		signed := in.funct3&0x4 == 0
		size := uint64(1) << (in.funct3 & 0x3)
		addr := c.gpr(in.rs1) + in.imm
		v := c.loadMem(addr, size, signed, classLoad)
		c.setGPR(in.rd, v)
		c.setPC(next)

	case riscv.OpStore:
		size := uint64(1) << in.funct3
		addr := c.gpr(in.rs1) + in.imm
		c.storeMem(addr, size, c.gpr(in.rs2))
		c.setPC(next)

	case riscv.OpBranch:
		a, b := c.gpr(in.rs1), c.gpr(in.rs2)
		var taken bool
		switch in.funct3 {
		case riscv.F3BEQ:
			taken = a == b
		case riscv.F3BNE:
			taken = a != b
		case riscv.F3BLT:
			taken = int64(a) < int64(b)
		case riscv.F3BGE:
			taken = int64(a) >= int64(b)
		case riscv.F3BLTU:
			taken = a < b
		case riscv.F3BGEU:
			taken = a >= b
		default:
			raise(riscv.ExcIllegalInstruction, uint64(in.raw))
		}
		if taken {
			c.setPC(pc + in.imm)
		} else {
			c.setPC(next)
		}

	case riscv.OpOpImm:
		rs1 := c.gpr(in.rs1)
		var rd uint64
		switch in.funct3 {
		case riscv.F3ADDI:
			rd = rs1 + in.imm
		case riscv.F3SLLI:
			rd = rs1 << (in.imm & 0x3F)
		case riscv.F3SLTI:
			rd = boolU64(int64(rs1) < int64(in.imm))
		case riscv.F3SLTIU:
			rd = boolU64(rs1 < in.imm)
		case riscv.F3XORI:
			rd = rs1 ^ in.imm
		case riscv.F3SRLI:
			if in.funct7&0x20 != 0 {
				rd = uint64(int64(rs1) >> (in.imm & 0x3F))
			} else {
				rd = rs1 >> (in.imm & 0x3F)
			}
		case riscv.F3ORI:
			rd = rs1 | in.imm
		case riscv.F3ANDI:
			rd = rs1 & in.imm
		}
		c.setGPR(in.rd, rd)
		c.setPC(next)

	case riscv.OpOpImm32:
		rs1 := uint32(c.gpr(in.rs1))
		var rd uint32
		switch in.funct3 {
		case riscv.F3ADDI:
			rd = rs1 + uint32(in.imm)
		case riscv.F3SLLI:
			rd = rs1 << (uint32(in.imm) & 0x1F)
		case riscv.F3SRLI:
			shamt := uint32(in.imm) & 0x1F
			if in.funct7&0x20 != 0 {
				rd = uint32(int32(rs1) >> shamt)
			} else {
				rd = rs1 >> shamt
			}
		}
		c.setGPR(in.rd, signExtend(uint64(rd), 31))
		c.setPC(next)

	case riscv.OpOp:
		a, b := c.gpr(in.rs1), c.gpr(in.rs2)
		var rd uint64
		if in.funct7 == riscv.F7MulDiv {
			rd = execMulDiv64(in.funct3, a, b)
		} else {
			switch in.funct3 {
			case riscv.F3ADD:
				if in.funct7 == riscv.F7Sub {
					rd = a - b
				} else {
					rd = a + b
				}
			case riscv.F3SLL:
				rd = a << (b & 0x3F)
			case riscv.F3SLT:
				rd = boolU64(int64(a) < int64(b))
			case riscv.F3SLTU:
				rd = boolU64(a < b)
			case riscv.F3XOR:
				rd = a ^ b
			case riscv.F3SRL:
				if in.funct7 == riscv.F7Sub {
					rd = uint64(int64(a) >> (b & 0x3F))
				} else {
					rd = a >> (b & 0x3F)
				}
			case riscv.F3OR:
				rd = a | b
			case riscv.F3AND:
				rd = a & b
			}
		}
		c.setGPR(in.rd, rd)
		c.setPC(next)

	case riscv.OpOp32:
		a, b := uint32(c.gpr(in.rs1)), uint32(c.gpr(in.rs2))
		var rd uint32
		if in.funct7 == riscv.F7MulDiv {
			rd = execMulDiv32(in.funct3, a, b)
		} else {
			switch in.funct3 {
			case riscv.F3ADD:
				if in.funct7 == riscv.F7Sub {
					rd = a - b
				} else {
					rd = a + b
				}
			case riscv.F3SLL:
				rd = a << (b & 0x1F)
			case riscv.F3SRL:
				if in.funct7 == riscv.F7Sub {
					rd = uint32(int32(a) >> (b & 0x1F))
				} else {
					rd = a >> (b & 0x1F)
				}
			}
		}
		c.setGPR(in.rd, signExtend(uint64(rd), 31))
		c.setPC(next)

	case riscv.OpLUI:
		c.setGPR(in.rd, in.imm)
		c.setPC(next)

	case riscv.OpAUIPC:
		c.setGPR(in.rd, pc+in.imm)
		c.setPC(next)

	case riscv.OpJAL:
		c.setGPR(in.rd, next)
		c.setPC(pc + in.imm)

	case riscv.OpJALR:
		target := (c.gpr(in.rs1) + in.imm) &^ 1
		c.setGPR(in.rd, next)
		c.setPC(target)

	case riscv.OpMiscMem:
		// FENCE / FENCE.I / FENCE.TSO: nothing to synchronize across a
		// single in-process interpreter.
		c.setPC(next)

	case riscv.OpAMO:
		c.executeAMO(in, next)

	case riscv.OpSystem:
		c.executeSystem(in, pc, next)

	default:
		raise(riscv.ExcIllegalInstruction, uint64(in.raw))
	}
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func execMulDiv64(funct3 uint32, a, b uint64) uint64 {
	switch funct3 {
	case 0: // MUL
		return a * b
	case 1: // MULH
		return uint64(int128Mul(int64(a), int64(b)))
	case 2: // MULHSU
		return uint64(mulhsu(int64(a), b))
	case 3: // MULHU
		hi, _ := mul64x64(a, b)
		return hi
	case 4: // DIV
		if b == 0 {
			return ^uint64(0)
		}
		if a == 1<<63 && int64(b) == -1 {
			return a
		}
		return uint64(int64(a) / int64(b))
	case 5: // DIVU
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case 6: // REM
		if b == 0 {
			return a
		}
		if a == 1<<63 && int64(b) == -1 {
			return 0
		}
		return uint64(int64(a) % int64(b))
	case 7: // REMU
		if b == 0 {
			return a
		}
		return a % b
	}
	return 0
}

func execMulDiv32(funct3 uint32, a, b uint32) uint32 {
	switch funct3 {
	case 0: // MULW
		return a * b
	case 4: // DIVW
		if b == 0 {
			return ^uint32(0)
		}
		if a == 1<<31 && int32(b) == -1 {
			return a
		}
		return uint32(int32(a) / int32(b))
	case 5: // DIVUW
		if b == 0 {
			return ^uint32(0)
		}
		return a / b
	case 6: // REMW
		if b == 0 {
			return a
		}
		if a == 1<<31 && int32(b) == -1 {
			return 0
		}
		return uint32(int32(a) % int32(b))
	case 7: // REMUW
		if b == 0 {
			return a
		}
		return a % b
	}
	return 0
}

// mul64x64 returns the full 128-bit unsigned product of a and b as
// (hi, lo), used for MULHU.
func mul64x64(a, b uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	lo = (t << 32) | w0
	hi = aHi*bHi + w2 + k
	return hi, lo
}

// int128Mul returns the high 64 bits of the signed 128-bit product of
// a and b (MULH).
func int128Mul(a, b int64) int64 {
	neg := false
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = -ua
		neg = !neg
	}
	if b < 0 {
		ub = -ub
		neg = !neg
	}
	hi, lo := mul64x64(ua, ub)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi)
}

// mulhsu returns the high 64 bits of signed a times unsigned b.
func mulhsu(a int64, b uint64) int64 {
	neg := a < 0
	ua := uint64(a)
	if neg {
		ua = -ua
	}
	hi, lo := mul64x64(ua, b)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi)
}
