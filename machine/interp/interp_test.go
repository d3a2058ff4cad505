package interp

import (
	"testing"

	"github.com/cartesi-go/machine/machine/access"
	"github.com/cartesi-go/machine/machine/clint"
	"github.com/cartesi-go/machine/machine/htif"
	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/riscv"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
	"github.com/stretchr/testify/require"
)

const ramBase = uint64(0x80000000)

func newTestMachine(t *testing.T) *state.Machine {
	t.Helper()
	m := state.New()

	ramDriver := pma.NewRAMDriver(0x10000)
	_, err := m.PMAs.RegisterRAM(ramBase, 0x10000, ramDriver)
	require.NoError(t, err)

	shadowDev := shadow.New(m)
	_, err = m.PMAs.RegisterShadow(0, 0x1000, shadowDev)
	require.NoError(t, err)

	clintDev := clint.New(m, m)
	_, err = m.PMAs.RegisterMMIO(0x2000000, 0x1000, pma.DIDCLINT, clintDev)
	require.NoError(t, err)

	htifDev := htif.New(nil, nil, m)
	_, err = m.PMAs.RegisterMMIO(0x40008000, 0x1000, pma.DIDHTIF, htifDev)
	require.NoError(t, err)

	m.AttachDevices(shadowDev, clintDev, htifDev)
	m.SetPC(ramBase)
	return m
}

func encodeI(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeU(opcode, rd uint32, imm20 uint32) uint32 {
	return imm20<<12 | rd<<7 | opcode
}

func encodeS(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm) & 0xFFF
	lo := u & 0x1F
	hi := (u >> 5) & 0x7F
	return hi<<25 | rs2<<20 | rs1<<15 | funct3<<12 | lo<<7 | opcode
}

func encodeR(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// writeProgram packs instrs two-per-word (matching word-granular state
// access) starting at base and writes them through a Fast backend.
func writeProgram(t *testing.T, m *state.Machine, base uint64, instrs []uint32) {
	t.Helper()
	f := access.NewFast(m)
	padded := instrs
	if len(padded)%2 != 0 {
		padded = append(padded, encodeI(riscv.OpOpImm, 0, riscv.F3ADDI, 0, 0)) // NOP
	}
	for i := 0; i < len(padded); i += 2 {
		word := uint64(padded[i]) | uint64(padded[i+1])<<32
		require.NoError(t, f.WriteWord(base+uint64(i)*4, word))
	}
}

func TestAddiChainThroughRun(t *testing.T) {
	m := newTestMachine(t)
	writeProgram(t, m, ramBase, []uint32{
		encodeI(riscv.OpOpImm, 1, riscv.F3ADDI, 0, 5),  // addi x1, x0, 5
		encodeI(riscv.OpOpImm, 2, riscv.F3ADDI, 1, 10), // addi x2, x1, 10
	})

	require.NoError(t, Run(m, 2))
	require.Equal(t, uint64(15), m.GetX(2))
	require.Equal(t, ramBase+8, m.GetPC())
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	m := newTestMachine(t)
	writeProgram(t, m, ramBase, []uint32{
		encodeU(riscv.OpLUI, 3, 0x80000),                    // lui x3, 0x80000  -> x3 = ramBase
		encodeI(riscv.OpOpImm, 2, riscv.F3ADDI, 0, 123),      // addi x2, x0, 123
		encodeS(riscv.OpStore, riscv.F3SD, 3, 2, 0x100),      // sd x2, 0x100(x3)
		encodeI(riscv.OpLoad, 4, riscv.F3LD, 3, 0x100),       // ld x4, 0x100(x3)
	})

	require.NoError(t, Run(m, 4))
	require.Equal(t, uint64(123), m.GetX(4))
}

func TestEcallFromMModeTrapsToMtvec(t *testing.T) {
	m := newTestMachine(t)
	handler := ramBase + 0x800
	writeProgram(t, m, ramBase, []uint32{
		encodeI(riscv.OpSystem, 0, riscv.F3PRIV, 0, int32(riscv.Imm12ECALL)), // ecall
	})
	f := access.NewFast(m)
	require.NoError(t, f.WriteWord(shadow.OffMtvec, handler))

	require.NoError(t, Run(m, 1))
	require.Equal(t, uint64(riscv.ExcEcallM), m.GetMcause())
	require.Equal(t, ramBase, m.GetMepc())
	require.Equal(t, handler, m.GetPC())
}

func TestLRSCSucceedsWithoutIntervention(t *testing.T) {
	m := newTestMachine(t)
	writeProgram(t, m, ramBase, []uint32{
		encodeU(riscv.OpLUI, 3, 0x80000),                             // lui x3, 0x80000
		encodeR(riscv.OpAMO, 1, riscv.F3AMOD, 3, 0, riscv.F5LR<<2),    // lr.d x1, (x3)
		encodeI(riscv.OpOpImm, 2, riscv.F3ADDI, 0, 7),                 // addi x2, x0, 7
		encodeR(riscv.OpAMO, 5, riscv.F3AMOD, 3, 2, riscv.F5SC<<2),    // sc.d x5, x2, (x3)
	})

	require.NoError(t, Run(m, 4))
	require.Equal(t, uint64(0), m.GetX(5), "sc.d should succeed: reservation was never invalidated")

	f := access.NewFast(m)
	v, err := f.ReadWord(ramBase)
	require.NoError(t, err)
	require.Equal(t, uint64(7), v)
}

func TestLRSCFailsAfterInterveningStore(t *testing.T) {
	m := newTestMachine(t)
	writeProgram(t, m, ramBase, []uint32{
		encodeU(riscv.OpLUI, 3, 0x80000),                          // lui x3, 0x80000  -> x3 = ramBase
		encodeR(riscv.OpAMO, 1, riscv.F3AMOD, 3, 0, riscv.F5LR<<2), // lr.d x1, (x3)
		encodeI(riscv.OpOpImm, 4, riscv.F3ADDI, 0, 99),             // addi x4, x0, 99
		encodeS(riscv.OpStore, riscv.F3SD, 3, 4, 0),                // sd x4, 0(x3)  -- overlaps the reservation
		encodeI(riscv.OpOpImm, 2, riscv.F3ADDI, 0, 7),              // addi x2, x0, 7
		encodeR(riscv.OpAMO, 5, riscv.F3AMOD, 3, 2, riscv.F5SC<<2), // sc.d x5, x2, (x3)
	})

	require.NoError(t, Run(m, 6))
	require.Equal(t, uint64(1), m.GetX(5), "sc.d must fail: an intervening store hit the reserved word")

	f := access.NewFast(m)
	v, err := f.ReadWord(ramBase)
	require.NoError(t, err)
	require.Equal(t, uint64(99), v, "sc.d's value must not have been written")
}

// pageTablePPN is an arbitrary RAM-backed physical page used to host
// Sv39 page tables in the MMU tests below; it sits well past any code
// or data the tests write at ramBase.
const pageTablePPN = (ramBase + 0x8000) >> 12

func setSv39(t *testing.T, m *state.Machine, rootPPN uint64) {
	t.Helper()
	f := access.NewFast(m)
	satp := riscv.SatpModeSv39<<60 | rootPPN
	require.NoError(t, f.WriteWord(shadow.OffSatp, satp))
	m.SetIflags(state.Iflags{PRV: riscv.PrivS})
}

func writePTE(t *testing.T, m *state.Machine, tablePPN uint64, index int, pte uint64) {
	t.Helper()
	f := access.NewFast(m)
	addr := tablePPN<<12 + uint64(index)*8
	require.NoError(t, f.WriteWord(addr, pte))
}

func TestTranslatePageWalksSv39LeafAtLevel0(t *testing.T) {
	m := newTestMachine(t)
	c := newCPU[*access.Fast](access.NewFast(m), m)

	dataPPN := (ramBase + 0x4000) >> 12
	vaddr := uint64(0x1000) // vpn2=0, vpn1=0, vpn0=1

	// Root table (level 2) points at a level-1 table which points at a
	// level-0 table holding the leaf PTE for vaddr's page.
	l1PPN := pageTablePPN + 1
	l0PPN := pageTablePPN + 2
	writePTE(t, m, pageTablePPN, 0, l1PPN<<10|riscv.PTEValid)
	writePTE(t, m, l1PPN, 0, l0PPN<<10|riscv.PTEValid)
	writePTE(t, m, l0PPN, 1, dataPPN<<10|riscv.PTEValid|riscv.PTERead|riscv.PTEWrite|riscv.PTEAccessed|riscv.PTEDirty)

	setSv39(t, m, pageTablePPN)

	paddr := c.translatePage(vaddr, classLoad)
	require.Equal(t, dataPPN<<12, paddr)
}

func TestTranslatePageResolvesSv39Megapage(t *testing.T) {
	m := newTestMachine(t)
	c := newCPU[*access.Fast](access.NewFast(m), m)

	const megapagePPN = (ramBase + 0x40000000) >> 12 // 2 MiB-aligned PPN, divisible by 2^9
	vaddr := uint64(0x00201000)                       // vpn2=0, vpn1=1: selects the megapage, offset 0x1000 within it

	l1PPN := pageTablePPN + 1
	writePTE(t, m, pageTablePPN, 0, l1PPN<<10|riscv.PTEValid)
	// Leaf at level 1 (a 2 MiB megapage): PPN must be 2 MiB aligned, i.e. ppn[0] == 0.
	writePTE(t, m, l1PPN, 1, megapagePPN<<10|riscv.PTEValid|riscv.PTERead|riscv.PTEWrite|riscv.PTEAccessed|riscv.PTEDirty)

	setSv39(t, m, pageTablePPN)

	paddr := c.translatePage(vaddr, classLoad)
	wantPage := megapagePPN << 12
	wantOffsetWithinMegapage := vaddr & ((1 << 21) - 1)
	require.Equal(t, wantPage+(wantOffsetWithinMegapage&^(riscv.PageSize-1)), paddr,
		"every 4 KiB sub-page of the megapage must resolve to a distinct physical page, not alias to the megapage base")
}

func TestTranslatePageFaultsOnMisalignedSuperpage(t *testing.T) {
	m := newTestMachine(t)
	c := newCPU[*access.Fast](access.NewFast(m), m)

	const misalignedPPN = ((ramBase + 0x40000000) >> 12) | 1 // low bit set: not 2 MiB aligned
	vaddr := uint64(0x00201000)

	l1PPN := pageTablePPN + 1
	writePTE(t, m, pageTablePPN, 0, l1PPN<<10|riscv.PTEValid)
	writePTE(t, m, l1PPN, 1, misalignedPPN<<10|riscv.PTEValid|riscv.PTERead|riscv.PTEWrite)

	setSv39(t, m, pageTablePPN)

	require.Panics(t, func() { c.translatePage(vaddr, classLoad) })
}

func TestTranslatePageFaultsOnInvalidPTE(t *testing.T) {
	m := newTestMachine(t)
	c := newCPU[*access.Fast](access.NewFast(m), m)

	setSv39(t, m, pageTablePPN)
	// pageTablePPN's slot 0 defaults to all zero: PTEValid is unset.
	require.Panics(t, func() { c.translatePage(0x1000, classLoad) })
}

// TestLoggedStepThenReplayStepAgree drives the same program first under
// access.Logged, then feeds the resulting log through access.Replay
// (on a separate, freshly built machine) one interp.Step at a time,
// checking that replay reproduces the logging run's root hash and
// final register state without ever trusting the log's contents.
func TestLoggedStepThenReplayStepAgree(t *testing.T) {
	m := newTestMachine(t)
	writeProgram(t, m, ramBase, []uint32{
		encodeI(riscv.OpOpImm, 1, riscv.F3ADDI, 0, 5),  // addi x1, x0, 5
		encodeI(riscv.OpOpImm, 2, riscv.F3ADDI, 1, 10), // addi x2, x1, 10
	})

	logged := access.NewLogged(m)
	const steps = 2
	for i := 0; i < steps; i++ {
		require.NoError(t, Step[*access.Logged](logged, m))
	}
	require.Equal(t, uint64(15), m.GetX(2))

	replayMachine := newTestMachine(t)
	writeProgram(t, replayMachine, ramBase, []uint32{
		encodeI(riscv.OpOpImm, 1, riscv.F3ADDI, 0, 5),
		encodeI(riscv.OpOpImm, 2, riscv.F3ADDI, 1, 10),
	})
	replay := access.NewReplay(replayMachine, logged.Log, true)
	for i := 0; i < steps; i++ {
		require.NoError(t, Step[*access.Replay](replay, replayMachine))
	}
	require.NoError(t, replay.Finish())
	require.Equal(t, uint64(15), replayMachine.GetX(2))
}

// TestLoggedStepThenReplayStepAgreeAcrossTrap exercises the same
// round-trip across a trap (ecall), the path review feedback flagged
// for silently corrupting the live/tree state via un-logged ilrsc
// mutation: if deliverTrap ever regresses to bypassing access.Access,
// replay desyncs and this test fails with a replay error instead of
// silently passing.
func TestLoggedStepThenReplayStepAgreeAcrossTrap(t *testing.T) {
	m := newTestMachine(t)
	handler := ramBase + 0x800
	writeProgram(t, m, ramBase, []uint32{
		encodeI(riscv.OpSystem, 0, riscv.F3PRIV, 0, int32(riscv.Imm12ECALL)), // ecall
	})
	f := access.NewFast(m)
	require.NoError(t, f.WriteWord(shadow.OffMtvec, handler))

	logged := access.NewLogged(m)
	require.NoError(t, Step[*access.Logged](logged, m))
	require.Equal(t, handler, m.GetPC())

	replayMachine := newTestMachine(t)
	writeProgram(t, replayMachine, ramBase, []uint32{
		encodeI(riscv.OpSystem, 0, riscv.F3PRIV, 0, int32(riscv.Imm12ECALL)),
	})
	rf := access.NewFast(replayMachine)
	require.NoError(t, rf.WriteWord(shadow.OffMtvec, handler))

	replay := access.NewReplay(replayMachine, logged.Log, true)
	require.NoError(t, Step[*access.Replay](replay, replayMachine))
	require.NoError(t, replay.Finish())
	require.Equal(t, handler, replayMachine.GetPC())
}

func TestCSRReadWriteRoundTrips(t *testing.T) {
	m := newTestMachine(t)
	writeProgram(t, m, ramBase, []uint32{
		encodeI(riscv.OpOpImm, 1, riscv.F3ADDI, 0, 0x55), // addi x1, x0, 0x55
		encodeI(riscv.OpSystem, 2, riscv.F3CSRRW, 1, int32(riscv.CSRMscratch)), // csrrw x2, mscratch, x1
	})

	require.NoError(t, Run(m, 2))
	require.Equal(t, uint64(0x55), m.GetMscratch())
	require.Equal(t, uint64(0), m.GetX(2), "old mscratch value was 0")
}
