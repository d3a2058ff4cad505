package interp

import "github.com/cartesi-go/machine/machine/riscv"

// executeSystem handles the SYSTEM opcode: CSR instructions, ECALL,
// EBREAK, MRET, SRET, WFI, and SFENCE.VMA (spec.md §4.6).
func (c *cpu[A]) executeSystem(in instruction, pc, next uint64) {
	if in.funct3 != riscv.F3PRIV {
		c.executeCSR(in, next)
		return
	}

	if in.funct7 == 0b0001001 { // SFENCE.VMA
		if in.rs1 == 0 {
			c.m.TLBRead.InvalidateAll()
			c.m.TLBWrite.InvalidateAll()
			c.m.TLBCode.InvalidateAll()
		} else {
			page := c.gpr(in.rs1) &^ (riscv.PageSize - 1)
			c.m.TLBRead.InvalidatePage(page)
			c.m.TLBWrite.InvalidatePage(page)
			c.m.TLBCode.InvalidatePage(page)
		}
		c.setPC(next)
		return
	}

	switch in.csr {
	case riscv.Imm12ECALL:
		switch c.priv() {
		case riscv.PrivU:
			raise(riscv.ExcEcallU, 0)
		case riscv.PrivS:
			raise(riscv.ExcEcallS, 0)
		default:
			raise(riscv.ExcEcallM, 0)
		}
	case riscv.Imm12EBREAK:
		raise(riscv.ExcBreakpoint, pc)
	case riscv.Imm12MRET:
		if c.priv() != riscv.PrivM {
			raise(riscv.ExcIllegalInstruction, uint64(in.raw))
		}
		c.execMRET()
	case riscv.Imm12SRET:
		if c.priv() == riscv.PrivU {
			raise(riscv.ExcIllegalInstruction, uint64(in.raw))
		}
		c.execSRET()
	case riscv.Imm12WFI:
		// No pipeline to idle: treat as a no-op retire. A real wait would
		// stall until mip&mie != 0; replay/logged execution can't block.
		c.setPC(next)
	default:
		raise(riscv.ExcIllegalInstruction, uint64(in.raw))
	}
}

// executeCSR handles CSRRW(I)/CSRRS(I)/CSRRC(I): read-modify-write a
// CSR addressed by in.csr, sourcing the operand from a register or the
// 5-bit rs1 field treated as an immediate (spec.md §4.6).
func (c *cpu[A]) executeCSR(in instruction, next uint64) {
	old, ok := c.readCSR(in.csr)
	if !ok {
		raise(riscv.ExcIllegalInstruction, uint64(in.raw))
	}

	var operand uint64
	if in.funct3&0x4 != 0 {
		operand = uint64(in.rs1) // zimm
	} else {
		operand = c.gpr(in.rs1)
	}

	mode := in.funct3 & 0x3
	writes := true
	switch mode {
	case 0x1: // CSRRW(I)
		// always writes
	case 0x2: // CSRRS(I)
		operand = old | operand
		writes = in.rs1 != 0
	case 0x3: // CSRRC(I)
		operand = old &^ operand
		writes = in.rs1 != 0
	}

	if writes {
		if csrReadOnly(in.csr) {
			raise(riscv.ExcIllegalInstruction, uint64(in.raw))
		}
		if !c.writeCSR(in.csr, operand) {
			raise(riscv.ExcIllegalInstruction, uint64(in.raw))
		}
	}
	c.setGPR(in.rd, old)
	c.setPC(next)
}
