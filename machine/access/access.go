// Package access implements the state-access abstraction that lets one
// interpreter run in two indistinguishable modes: fast (direct
// mutation) and logged (every word access recorded with a Merkle proof,
// later replayable by a third party without trusting the emulator)
// (spec.md §4.7, §9).
//
// The interpreter is written against the Access interface and is
// instantiated once per backend via a Go type parameter, mirroring the
// CRTP static-polymorphism split the reference implementation uses
// between its "state access" variants.
package access

import (
	"fmt"

	"github.com/cartesi-go/machine/machine/merkle"
	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
)

// Shadow offsets, aliased locally for readability in the switch tables below.
const (
	shadowOffPC         = shadow.OffPC
	shadowOffMvendorid  = shadow.OffMvendorid
	shadowOffMarchid    = shadow.OffMarchid
	shadowOffMimpid     = shadow.OffMimpid
	shadowOffMcycle     = shadow.OffMcycle
	shadowOffMinstret   = shadow.OffMinstret
	shadowOffMstatus    = shadow.OffMstatus
	shadowOffMtvec      = shadow.OffMtvec
	shadowOffMscratch   = shadow.OffMscratch
	shadowOffMepc       = shadow.OffMepc
	shadowOffMcause     = shadow.OffMcause
	shadowOffMtval      = shadow.OffMtval
	shadowOffMisa       = shadow.OffMisa
	shadowOffMie        = shadow.OffMie
	shadowOffMip        = shadow.OffMip
	shadowOffMedeleg    = shadow.OffMedeleg
	shadowOffMideleg    = shadow.OffMideleg
	shadowOffMcounteren = shadow.OffMcounteren
	shadowOffStvec      = shadow.OffStvec
	shadowOffSscratch   = shadow.OffSscratch
	shadowOffSepc       = shadow.OffSepc
	shadowOffScause     = shadow.OffScause
	shadowOffStval      = shadow.OffStval
	shadowOffSatp       = shadow.OffSatp
	shadowOffScounteren = shadow.OffScounteren
	shadowOffIlrsc      = shadow.OffIlrsc
	shadowOffIflags     = shadow.OffIflags
)

// Type distinguishes a read access from a write access.
type Type int

const (
	Read Type = iota
	Write
)

func (t Type) String() string {
	if t == Write {
		return "write"
	}
	return "read"
}

// WordAccess is one entry of an access log (spec.md §6 "WordAccess").
type WordAccess struct {
	Type     Type
	Address  uint64
	Read     uint64
	Written  uint64
	Proof    *merkle.Proof
	Note     string
}

// Log is the ordered record of word accesses one logged step produces.
type Log struct {
	Proofs      bool
	Annotations bool
	Accesses    []WordAccess
	Notes       []string
}

// Access is the interface the interpreter is written against. Every
// architectural read/write — register, CSR, or memory — goes through
// it, addressed either by a real physical address (memory, CLINT, HTIF)
// or by a shadow-relative logical address (registers and CSRs), so the
// same interpreter code drives both backends (spec.md §4.7).
type Access interface {
	ReadWord(addr uint64) (uint64, error)
	WriteWord(addr uint64, value uint64) error
}

// shadowOffsetOf returns (offset, true) if addr lies in the shadow
// window, so register/CSR reads can be served directly from Go fields
// rather than by dispatching to the (bus-read-disabled) shadow driver.
func shadowOffsetOf(m *state.Machine, addr uint64) (uint64, bool) {
	sh := m.PMAs.Shadow()
	if sh == nil {
		return 0, false
	}
	if addr >= sh.Start && addr < sh.Start+sh.Length {
		return addr - sh.Start, true
	}
	return 0, false
}

func readShadowField(m *state.Machine, offset uint64) (uint64, error) {
	switch {
	case offset < 0x100:
		return m.GetX(int(offset / 8)), nil
	case offset == shadowOffPC:
		return m.GetPC(), nil
	case offset == shadowOffMvendorid:
		return m.GetMvendorid(), nil
	case offset == shadowOffMarchid:
		return m.GetMarchid(), nil
	case offset == shadowOffMimpid:
		return m.GetMimpid(), nil
	case offset == shadowOffMcycle:
		return m.GetMcycle(), nil
	case offset == shadowOffMinstret:
		return m.GetMinstret(), nil
	case offset == shadowOffMstatus:
		return m.GetMstatus(), nil
	case offset == shadowOffMtvec:
		return m.GetMtvec(), nil
	case offset == shadowOffMscratch:
		return m.GetMscratch(), nil
	case offset == shadowOffMepc:
		return m.GetMepc(), nil
	case offset == shadowOffMcause:
		return m.GetMcause(), nil
	case offset == shadowOffMtval:
		return m.GetMtval(), nil
	case offset == shadowOffMisa:
		return m.GetMisa(), nil
	case offset == shadowOffMie:
		return m.GetMie(), nil
	case offset == shadowOffMip:
		return m.GetMip(), nil
	case offset == shadowOffMedeleg:
		return m.GetMedeleg(), nil
	case offset == shadowOffMideleg:
		return m.GetMideleg(), nil
	case offset == shadowOffMcounteren:
		return m.GetMcounteren(), nil
	case offset == shadowOffStvec:
		return m.GetStvec(), nil
	case offset == shadowOffSscratch:
		return m.GetSscratch(), nil
	case offset == shadowOffSepc:
		return m.GetSepc(), nil
	case offset == shadowOffScause:
		return m.GetScause(), nil
	case offset == shadowOffStval:
		return m.GetStval(), nil
	case offset == shadowOffSatp:
		return m.GetSatp(), nil
	case offset == shadowOffScounteren:
		return m.GetScounteren(), nil
	case offset == shadowOffIlrsc:
		return m.GetIlrsc(), nil
	case offset == shadowOffIflags:
		return m.GetIflags().Pack(), nil
	default:
		return 0, fmt.Errorf("access: no register/CSR at shadow offset 0x%x", offset)
	}
}

func writeShadowField(m *state.Machine, offset uint64, value uint64) error {
	switch {
	case offset < 0x100:
		m.SetX(int(offset/8), value)
	case offset == shadowOffPC:
		m.SetPC(value)
	case offset == shadowOffMvendorid:
		m.SetMvendorid(value)
	case offset == shadowOffMarchid:
		m.SetMarchid(value)
	case offset == shadowOffMimpid:
		m.SetMimpid(value)
	case offset == shadowOffMcycle:
		m.SetMcycle(value)
	case offset == shadowOffMinstret:
		m.SetMinstret(value)
	case offset == shadowOffMstatus:
		m.SetMstatus(value)
	case offset == shadowOffMtvec:
		m.SetMtvec(value)
	case offset == shadowOffMscratch:
		m.SetMscratch(value)
	case offset == shadowOffMepc:
		m.SetMepc(value)
	case offset == shadowOffMcause:
		m.SetMcause(value)
	case offset == shadowOffMtval:
		m.SetMtval(value)
	case offset == shadowOffMisa:
		m.SetMisa(value)
	case offset == shadowOffMie:
		m.SetMie(value)
	case offset == shadowOffMip:
		m.SetMip(value)
	case offset == shadowOffMedeleg:
		m.SetMedeleg(value)
	case offset == shadowOffMideleg:
		m.SetMideleg(value)
	case offset == shadowOffMcounteren:
		m.SetMcounteren(value)
	case offset == shadowOffStvec:
		m.SetStvec(value)
	case offset == shadowOffSscratch:
		m.SetSscratch(value)
	case offset == shadowOffSepc:
		m.SetSepc(value)
	case offset == shadowOffScause:
		m.SetScause(value)
	case offset == shadowOffStval:
		m.SetStval(value)
	case offset == shadowOffSatp:
		m.SetSatp(value)
	case offset == shadowOffScounteren:
		m.SetScounteren(value)
	case offset == shadowOffIlrsc:
		m.SetIlrsc(value)
	case offset == shadowOffIflags:
		m.SetIflags(state.UnpackIflags(value))
	default:
		return fmt.Errorf("access: no register/CSR at shadow offset 0x%x", offset)
	}
	return nil
}

// findEntry resolves addr to its containing PMA entry, for real
// (non-shadow) physical addresses.
func findEntry(m *state.Machine, addr uint64) (*pma.Entry, error) {
	e := m.PMAs.Find(addr, 8)
	if e.Kind == pma.KindEmpty {
		return nil, fmt.Errorf("access: no PMA covers address 0x%x", addr)
	}
	return e, nil
}

// updateTreeForWrite refreshes the Merkle tree's view of the page
// containing addr after a write, by re-peeking the owning driver. If e
// is a device whose Write can mutate shadow-projected state as a side
// effect (CLINT clearing MTIP, HTIF setting halted/yielded), the shadow
// page is refreshed too: those devices reach state.Machine's iflags/mip
// fields directly through their Sink interfaces, not through Access, so
// nothing else would resync the tree's shadow-page hash.
func updateTreeForWrite(m *state.Machine, e *pma.Entry, addr uint64) error {
	pageAddr := addr &^ (uint64(pma.PageSize) - 1)
	page, ok := e.Driver.Peek(pageAddr - e.Start)
	if !ok {
		return fmt.Errorf("access: driver %s could not peek page at 0x%x", e.Driver.Name(), pageAddr)
	}
	if err := m.Tree.UpdatePage(pageAddr, page[:]); err != nil {
		return err
	}
	if mayMutateShadow(e) {
		return refreshShadowPage(m)
	}
	return nil
}

// mayMutateShadow reports whether a write dispatched to e's driver can,
// as a side effect, change shadow-projected machine state outside the
// Access path (spec.md §4.3/§4.4: CLINT's mtimecmp write clears mip.MTIP,
// HTIF's tohost write can set iflags.H/Y).
func mayMutateShadow(e *pma.Entry) bool {
	return e.Flags.DID == pma.DIDCLINT || e.Flags.DID == pma.DIDHTIF
}

// refreshShadowPage re-peeks the shadow device and updates the tree's
// view of its page, independent of whatever address triggered the write.
func refreshShadowPage(m *state.Machine) error {
	sh := m.PMAs.Shadow()
	if sh == nil || m.Shadow == nil {
		return nil
	}
	page, ok := m.Shadow.Peek(0)
	if !ok {
		return nil
	}
	return m.Tree.UpdatePage(sh.Start, page[:])
}
