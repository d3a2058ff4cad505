package interp

import (
	"github.com/cartesi-go/machine/machine/access"
	"github.com/cartesi-go/machine/machine/riscv"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
)

// trapSignal unwinds execution to the trap-delivery point in Step. It is
// not a Go error: exceptions and interrupts are in-band machine state,
// never surfaced to callers (spec.md §7).
type trapSignal struct {
	cause       uint64
	tval        uint64
	isInterrupt bool
}

// accessFault wraps a genuine access.Access failure (an address with no
// covering PMA reached through a path that should never produce one) so
// Step can return it as a Go error instead of swallowing it as a trap.
type accessFault struct{ err error }

func raise(cause uint64, tval uint64) {
	panic(trapSignal{cause: cause, tval: tval})
}

func raiseIf(cond bool, cause uint64, tval uint64) {
	if cond {
		raise(cause, tval)
	}
}

// cpu wraps an access.Access backend with named register/CSR accessors,
// mirroring the reference interpreter's read_csr/write_csr dispatch but
// addressed through the shadow projection so fast, logged, and replay
// drive identical code (spec.md §4.7, §9).
type cpu[A access.Access] struct {
	a A
	m *state.Machine // needed for TLB, PMAs, and fields the shadow doesn't expose a word for
}

func newCPU[A access.Access](a A, m *state.Machine) *cpu[A] {
	return &cpu[A]{a: a, m: m}
}

func must(v uint64, err error) uint64 {
	if err != nil {
		panic(accessFault{err: err})
	}
	return v
}

func mustW(err error) {
	if err != nil {
		panic(accessFault{err: err})
	}
}

func (c *cpu[A]) gpr(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	return must(c.a.ReadWord(uint64(i) * 8))
}

func (c *cpu[A]) setGPR(i uint32, v uint64) {
	if i != 0 {
		mustW(c.a.WriteWord(uint64(i)*8, v))
	}
}

func (c *cpu[A]) pc() uint64    { return must(c.a.ReadWord(shadow.OffPC)) }
func (c *cpu[A]) setPC(v uint64) { mustW(c.a.WriteWord(shadow.OffPC, v)) }

func (c *cpu[A]) ilrsc() uint64     { return must(c.a.ReadWord(shadow.OffIlrsc)) }
func (c *cpu[A]) setIlrsc(v uint64) { mustW(c.a.WriteWord(shadow.OffIlrsc, v)) }

func (c *cpu[A]) iflagsWord() uint64      { return must(c.a.ReadWord(shadow.OffIflags)) }
func (c *cpu[A]) setIflagsWord(v uint64)  { mustW(c.a.WriteWord(shadow.OffIflags, v)) }
func (c *cpu[A]) iflags() state.Iflags    { return state.UnpackIflags(c.iflagsWord()) }
func (c *cpu[A]) setIflags(f state.Iflags) { c.setIflagsWord(f.Pack()) }

func (c *cpu[A]) priv() uint8 { return c.iflags().PRV }
func (c *cpu[A]) setPriv(p uint8) {
	f := c.iflags()
	if f.PRV != p {
		c.m.InvalidateTLBForCSRWrite()
	}
	f.PRV = p
	c.setIflags(f)
}

// readCSR dispatches a CSR read by address, matching the table-driven
// style the reference interpreter's vm.go uses for its CSR switch.
func (c *cpu[A]) readCSR(addr uint32) (uint64, bool) {
	switch addr {
	case riscv.CSRMvendorid:
		return must(c.a.ReadWord(shadow.OffMvendorid)), true
	case riscv.CSRMarchid:
		return must(c.a.ReadWord(shadow.OffMarchid)), true
	case riscv.CSRMimpid:
		return must(c.a.ReadWord(shadow.OffMimpid)), true
	case riscv.CSRMhartid:
		return 0, true
	case riscv.CSRMstatus, riscv.CSRSstatus:
		v := must(c.a.ReadWord(shadow.OffMstatus))
		if addr == riscv.CSRSstatus {
			return v & sstatusMask, true
		}
		return v, true
	case riscv.CSRMisa:
		return must(c.a.ReadWord(shadow.OffMisa)), true
	case riscv.CSRMedeleg:
		return must(c.a.ReadWord(shadow.OffMedeleg)), true
	case riscv.CSRMideleg:
		return must(c.a.ReadWord(shadow.OffMideleg)), true
	case riscv.CSRMie, riscv.CSRSie:
		v := must(c.a.ReadWord(shadow.OffMie))
		if addr == riscv.CSRSie {
			return v & sieMask, true
		}
		return v, true
	case riscv.CSRMtvec:
		return must(c.a.ReadWord(shadow.OffMtvec)), true
	case riscv.CSRMcounteren:
		return must(c.a.ReadWord(shadow.OffMcounteren)), true
	case riscv.CSRMscratch:
		return must(c.a.ReadWord(shadow.OffMscratch)), true
	case riscv.CSRMepc:
		return must(c.a.ReadWord(shadow.OffMepc)), true
	case riscv.CSRMcause:
		return must(c.a.ReadWord(shadow.OffMcause)), true
	case riscv.CSRMtval:
		return must(c.a.ReadWord(shadow.OffMtval)), true
	case riscv.CSRMip, riscv.CSRSip:
		v := must(c.a.ReadWord(shadow.OffMip))
		if addr == riscv.CSRSip {
			return v & sieMask, true
		}
		return v, true
	case riscv.CSRStvec:
		return must(c.a.ReadWord(shadow.OffStvec)), true
	case riscv.CSRScounteren:
		return must(c.a.ReadWord(shadow.OffScounteren)), true
	case riscv.CSRSscratch:
		return must(c.a.ReadWord(shadow.OffSscratch)), true
	case riscv.CSRSepc:
		return must(c.a.ReadWord(shadow.OffSepc)), true
	case riscv.CSRScause:
		return must(c.a.ReadWord(shadow.OffScause)), true
	case riscv.CSRStval:
		return must(c.a.ReadWord(shadow.OffStval)), true
	case riscv.CSRSatp:
		return must(c.a.ReadWord(shadow.OffSatp)), true
	case riscv.CSRMcycle, riscv.CSRCycle:
		return must(c.a.ReadWord(shadow.OffMcycle)), true
	case riscv.CSRMinstret, riscv.CSRInstret:
		return must(c.a.ReadWord(shadow.OffMinstret)), true
	case riscv.CSRTime:
		if c.m.CLINT != nil {
			return c.m.CLINT.Mtime(), true
		}
		return 0, true
	default:
		return 0, false
	}
}

// sstatusMask/sieMask project the S-mode-visible subset of
// mstatus/mie/mip (SIE, SPIE, SPP, SUM, MXR for sstatus; SSIE/STIE/SEIE
// for sie/sip).
const sstatusMask = uint64(1)<<riscv.MstatusSIEShift | uint64(1)<<riscv.MstatusSPIEShift |
	uint64(1)<<riscv.MstatusSPPShift | uint64(1)<<riscv.MstatusSUMShift | uint64(1)<<riscv.MstatusMXRShift

const sieMask = uint64(1)<<riscv.IRQSSoft | uint64(1)<<riscv.IRQSTimer | uint64(1)<<riscv.IRQSExt

func (c *cpu[A]) writeCSR(addr uint32, v uint64) bool {
	switch addr {
	case riscv.CSRMstatus:
		mustW(c.a.WriteWord(shadow.OffMstatus, v))
		c.m.InvalidateTLBForCSRWrite()
	case riscv.CSRSstatus:
		old := must(c.a.ReadWord(shadow.OffMstatus))
		mustW(c.a.WriteWord(shadow.OffMstatus, (old&^sstatusMask)|(v&sstatusMask)))
		c.m.InvalidateTLBForCSRWrite()
	case riscv.CSRMedeleg:
		mustW(c.a.WriteWord(shadow.OffMedeleg, v))
	case riscv.CSRMideleg:
		mustW(c.a.WriteWord(shadow.OffMideleg, v))
	case riscv.CSRMie:
		mustW(c.a.WriteWord(shadow.OffMie, v))
	case riscv.CSRSie:
		old := must(c.a.ReadWord(shadow.OffMie))
		mustW(c.a.WriteWord(shadow.OffMie, (old&^sieMask)|(v&sieMask)))
	case riscv.CSRMtvec:
		mustW(c.a.WriteWord(shadow.OffMtvec, v))
	case riscv.CSRMcounteren:
		mustW(c.a.WriteWord(shadow.OffMcounteren, v))
	case riscv.CSRMscratch:
		mustW(c.a.WriteWord(shadow.OffMscratch, v))
	case riscv.CSRMepc:
		mustW(c.a.WriteWord(shadow.OffMepc, v&^1))
	case riscv.CSRMcause:
		mustW(c.a.WriteWord(shadow.OffMcause, v))
	case riscv.CSRMtval:
		mustW(c.a.WriteWord(shadow.OffMtval, v))
	case riscv.CSRMip:
		old := must(c.a.ReadWord(shadow.OffMip))
		// Only the software-settable bits (SSIP) are writable via CSR;
		// MTIP/STIP/MEIP/SEIP are device-driven.
		writable := uint64(1) << riscv.IRQSSoft
		mustW(c.a.WriteWord(shadow.OffMip, (old&^writable)|(v&writable)))
	case riscv.CSRSip:
		old := must(c.a.ReadWord(shadow.OffMip))
		writable := uint64(1) << riscv.IRQSSoft
		mustW(c.a.WriteWord(shadow.OffMip, (old&^writable)|(v&writable&sieMask)))
	case riscv.CSRStvec:
		mustW(c.a.WriteWord(shadow.OffStvec, v))
	case riscv.CSRScounteren:
		mustW(c.a.WriteWord(shadow.OffScounteren, v))
	case riscv.CSRSscratch:
		mustW(c.a.WriteWord(shadow.OffSscratch, v))
	case riscv.CSRSepc:
		mustW(c.a.WriteWord(shadow.OffSepc, v&^1))
	case riscv.CSRScause:
		mustW(c.a.WriteWord(shadow.OffScause, v))
	case riscv.CSRStval:
		mustW(c.a.WriteWord(shadow.OffStval, v))
	case riscv.CSRSatp:
		mustW(c.a.WriteWord(shadow.OffSatp, v))
		c.m.InvalidateTLBForCSRWrite()
	case riscv.CSRMcycle:
		mustW(c.a.WriteWord(shadow.OffMcycle, v))
	case riscv.CSRMinstret:
		mustW(c.a.WriteWord(shadow.OffMinstret, v))
	default:
		return false
	}
	return true
}

// csrReadOnly reports whether addr names a read-only CSR (used to raise
// illegal-instruction on a write to one).
func csrReadOnly(addr uint32) bool {
	switch addr {
	case riscv.CSRMvendorid, riscv.CSRMarchid, riscv.CSRMimpid, riscv.CSRMhartid,
		riscv.CSRMisa, riscv.CSRCycle, riscv.CSRTime, riscv.CSRInstret:
		return true
	default:
		return false
	}
}

