package interp

import (
	"github.com/cartesi-go/machine/machine/riscv"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
)

// pollTimer raises CLINT's MTIP bit in mip once mtime reaches mtimecmp
// (spec.md §4.3). The bit stays set until software writes mtimecmp again;
// clearing happens in clint.Device via state.Machine.ClearMTIP.
func (c *cpu[A]) pollTimer() {
	if c.m.CLINT == nil {
		return
	}
	if c.m.CLINT.Mtime() < c.m.CLINT.Mtimecmp() {
		return
	}
	mip := must(c.a.ReadWord(shadow.OffMip))
	if mip&(1<<riscv.IRQMTimer) == 0 {
		mustW(c.a.WriteWord(shadow.OffMip, mip|(1<<riscv.IRQMTimer)))
	}
}

// interruptPriority lists cause bits from highest to lowest priority per
// the privileged spec: external, software, timer; machine before
// supervisor.
var interruptPriority = []uint64{
	riscv.IRQMExt, riscv.IRQMSoft, riscv.IRQMTimer,
	riscv.IRQSExt, riscv.IRQSSoft, riscv.IRQSTimer,
}

// checkInterrupt panics with a trapSignal if an enabled, unmasked
// interrupt is pending (spec.md §4.6 "interrupts are taken between
// instructions").
func (c *cpu[A]) checkInterrupt() {
	mip := must(c.a.ReadWord(shadow.OffMip))
	mie := must(c.a.ReadWord(shadow.OffMie))
	pending := mip & mie
	if pending == 0 {
		return
	}

	mideleg := must(c.a.ReadWord(shadow.OffMideleg))
	mstatus := must(c.a.ReadWord(shadow.OffMstatus))
	priv := c.priv()
	mstatusMIE := (mstatus>>riscv.MstatusMIEShift)&1 != 0
	mstatusSIE := (mstatus>>riscv.MstatusSIEShift)&1 != 0

	mPending := pending &^ mideleg
	if mPending != 0 && (priv < riscv.PrivM || mstatusMIE) {
		if cause, ok := highestPending(mPending); ok {
			raiseInterrupt(cause)
		}
	}

	sPending := pending & mideleg
	if sPending != 0 && priv <= riscv.PrivS && (priv < riscv.PrivS || mstatusSIE) {
		if cause, ok := highestPending(sPending); ok {
			raiseInterrupt(cause)
		}
	}
}

func highestPending(pending uint64) (uint64, bool) {
	for _, bit := range interruptPriority {
		if pending&(1<<bit) != 0 {
			return bit, true
		}
	}
	return 0, false
}

func raiseInterrupt(cause uint64) {
	panic(trapSignal{cause: cause, isInterrupt: true})
}

func setBit(v uint64, shift uint, set bool) uint64 {
	if set {
		return v | (1 << shift)
	}
	return v &^ (1 << shift)
}

func trapTarget(tvec, causeField uint64, isInterrupt bool) uint64 {
	mode := tvec & 3
	base := tvec &^ 3
	if mode == 1 && isInterrupt {
		return base + 4*(causeField&^riscv.InterruptBit)
	}
	return base
}

// deliverTrap pushes mstatus/epc/cause/tval onto the target privilege
// level's trap CSRs and redirects PC to the handler, delegating to S-mode
// per medeleg/mideleg when eligible (spec.md §4.6).
func (c *cpu[A]) deliverTrap(ts trapSignal) {
	var delegated bool
	if ts.isInterrupt {
		mideleg := must(c.a.ReadWord(shadow.OffMideleg))
		delegated = (mideleg>>ts.cause)&1 != 0
	} else {
		medeleg := must(c.a.ReadWord(shadow.OffMedeleg))
		delegated = (medeleg>>ts.cause)&1 != 0
	}
	delegated = delegated && c.priv() != riscv.PrivM

	causeField := ts.cause
	if ts.isInterrupt {
		causeField |= riscv.InterruptBit
	}

	mstatus := must(c.a.ReadWord(shadow.OffMstatus))
	curPriv := c.priv()

	if delegated {
		sie := (mstatus >> riscv.MstatusSIEShift) & 1
		mstatus = setBit(mstatus, riscv.MstatusSPIEShift, sie != 0)
		mstatus = setBit(mstatus, riscv.MstatusSIEShift, false)
		mstatus = setBit(mstatus, riscv.MstatusSPPShift, curPriv == riscv.PrivS)
		mustW(c.a.WriteWord(shadow.OffMstatus, mstatus))
		mustW(c.a.WriteWord(shadow.OffSepc, c.pc()))
		mustW(c.a.WriteWord(shadow.OffScause, causeField))
		mustW(c.a.WriteWord(shadow.OffStval, ts.tval))
		c.setPriv(riscv.PrivS)
		stvec := must(c.a.ReadWord(shadow.OffStvec))
		c.setPC(trapTarget(stvec, causeField, ts.isInterrupt))
	} else {
		mie := (mstatus >> riscv.MstatusMIEShift) & 1
		mstatus = setBit(mstatus, riscv.MstatusMPIEShift, mie != 0)
		mstatus = setBit(mstatus, riscv.MstatusMIEShift, false)
		mstatus &^= uint64(0x3) << riscv.MstatusMPPShift
		mstatus |= uint64(curPriv) << riscv.MstatusMPPShift
		mustW(c.a.WriteWord(shadow.OffMstatus, mstatus))
		mustW(c.a.WriteWord(shadow.OffMepc, c.pc()))
		mustW(c.a.WriteWord(shadow.OffMcause, causeField))
		mustW(c.a.WriteWord(shadow.OffMtval, ts.tval))
		c.setPriv(riscv.PrivM)
		mtvec := must(c.a.ReadWord(shadow.OffMtvec))
		c.setPC(trapTarget(mtvec, causeField, ts.isInterrupt))
	}
	c.setIlrsc(state.NoReservation)
	c.m.UpdateBrk()
}

// mret/sret pop the trap CSR stack and return to the privilege level the
// trap was taken from.
func (c *cpu[A]) execMRET() {
	mstatus := must(c.a.ReadWord(shadow.OffMstatus))
	mpie := (mstatus >> riscv.MstatusMPIEShift) & 1
	mpp := uint8((mstatus >> riscv.MstatusMPPShift) & 0x3)

	mstatus = setBit(mstatus, riscv.MstatusMIEShift, mpie != 0)
	mstatus = setBit(mstatus, riscv.MstatusMPIEShift, true)
	mstatus &^= uint64(0x3) << riscv.MstatusMPPShift
	mstatus |= uint64(riscv.PrivU) << riscv.MstatusMPPShift
	if mpp != riscv.PrivM {
		mstatus = setBit(mstatus, riscv.MstatusMPRVShift, false)
	}
	mustW(c.a.WriteWord(shadow.OffMstatus, mstatus))

	c.setPriv(mpp)
	c.setPC(must(c.a.ReadWord(shadow.OffMepc)))
	c.setIlrsc(state.NoReservation)
	c.m.UpdateBrk()
}

func (c *cpu[A]) execSRET() {
	mstatus := must(c.a.ReadWord(shadow.OffMstatus))
	spie := (mstatus >> riscv.MstatusSPIEShift) & 1
	spp := uint8((mstatus >> riscv.MstatusSPPShift) & 0x1)

	mstatus = setBit(mstatus, riscv.MstatusSIEShift, spie != 0)
	mstatus = setBit(mstatus, riscv.MstatusSPIEShift, true)
	mstatus = setBit(mstatus, riscv.MstatusSPPShift, false)
	mustW(c.a.WriteWord(shadow.OffMstatus, mstatus))

	c.setPriv(spp)
	c.setPC(must(c.a.ReadWord(shadow.OffSepc)))
	c.setIlrsc(state.NoReservation)
	c.m.UpdateBrk()
}
