package interp

import (
	"github.com/cartesi-go/machine/machine/riscv"
	"github.com/cartesi-go/machine/machine/state"
)

// executeAMO handles the A-extension: LR.W/D, SC.W/D, and the AMO*
// read-modify-write family (spec.md §4.6's "atomics use the same
// word-granular access as every other memory op").
func (c *cpu[A]) executeAMO(in instruction, next uint64) {
	size := uint64(1) << (in.funct3 & 0x3)
	if size != 4 && size != 8 {
		raise(riscv.ExcIllegalInstruction, uint64(in.raw))
	}
	addr := c.gpr(in.rs1)
	op := in.rs3 // funct5

	switch op {
	case riscv.F5LR:
		v := c.loadMem(addr, size, size == 4, classLoad)
		c.setGPR(in.rd, v)
		c.setIlrsc(addr)

	case riscv.F5SC:
		var result uint64 = 1
		if addr == c.ilrsc() {
			c.storeMem(addr, size, c.gpr(in.rs2))
			result = 0
		}
		c.setGPR(in.rd, result)
		c.setIlrsc(state.NoReservation)

	default:
		rs2 := c.gpr(in.rs2)
		if size == 4 {
			rs2 = signExtend(uint64(uint32(rs2)), 31)
		}
		old := c.loadMem(addr, size, size == 4, classLoad)
		var v uint64
		switch op {
		case riscv.F5AMOSWAP:
			v = rs2
		case riscv.F5AMOADD:
			v = old + rs2
		case riscv.F5AMOXOR:
			v = old ^ rs2
		case riscv.F5AMOAND:
			v = old & rs2
		case riscv.F5AMOOR:
			v = old | rs2
		case riscv.F5AMOMIN:
			if int64(rs2) < int64(old) {
				v = rs2
			} else {
				v = old
			}
		case riscv.F5AMOMAX:
			if int64(rs2) > int64(old) {
				v = rs2
			} else {
				v = old
			}
		case riscv.F5AMOMINU:
			if rs2 < old {
				v = rs2
			} else {
				v = old
			}
		case riscv.F5AMOMAXU:
			if rs2 > old {
				v = rs2
			} else {
				v = old
			}
		default:
			raise(riscv.ExcIllegalInstruction, uint64(in.raw))
		}
		if size == 4 {
			v = uint64(uint32(v))
		}
		c.storeMem(addr, size, v)
		c.setGPR(in.rd, old)
	}
	c.setPC(next)
}
