package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/shadow"
)

// MachineJSON is the on-disk snapshot format for a machine's full
// architectural state plus the contents of every memory-kind PMA
// (supplemented feature, grounded on machine.h's machine_store/
// machine_load pair that serializes the same surface to a directory).
// Device PMAs (shadow, CLINT, HTIF) are not snapshotted directly. The
// shadow page is a projection of the registers and CSRs captured here;
// CLINT's mtimecmp and HTIF's tohost/fromhost are not captured, and
// LoadSnapshot leaves them as the target machine holds them.
type MachineJSON struct {
	PC     uint64     `json:"pc"`
	X      [32]uint64 `json:"x"`
	Ilrsc  uint64     `json:"ilrsc"`
	Iflags uint64     `json:"iflags"`

	Mvendorid  uint64 `json:"mvendorid"`
	Marchid    uint64 `json:"marchid"`
	Mimpid     uint64 `json:"mimpid"`
	Mcycle     uint64 `json:"mcycle"`
	Minstret   uint64 `json:"minstret"`
	Mstatus    uint64 `json:"mstatus"`
	Mtvec      uint64 `json:"mtvec"`
	Mscratch   uint64 `json:"mscratch"`
	Mepc       uint64 `json:"mepc"`
	Mcause     uint64 `json:"mcause"`
	Mtval      uint64 `json:"mtval"`
	Misa       uint64 `json:"misa"`
	Mie        uint64 `json:"mie"`
	Mip        uint64 `json:"mip"`
	Medeleg    uint64 `json:"medeleg"`
	Mideleg    uint64 `json:"mideleg"`
	Mcounteren uint64 `json:"mcounteren"`
	Stvec      uint64 `json:"stvec"`
	Sscratch   uint64 `json:"sscratch"`
	Sepc       uint64 `json:"sepc"`
	Scause     uint64 `json:"scause"`
	Stval      uint64 `json:"stval"`
	Satp       uint64 `json:"satp"`
	Scounteren uint64 `json:"scounteren"`

	Memory []MemoryRegion `json:"memory"`
}

// MemoryRegion snapshots one memory-kind PMA's contents, keyed by the
// start address config.Build registered it at.
type MemoryRegion struct {
	Start uint64 `json:"start"`
	Data  []byte `json:"data"`
}

func byteBacked(d pma.Driver) ([]byte, bool) {
	b, ok := d.(interface{ Bytes() []byte })
	if !ok {
		return nil, false
	}
	return b.Bytes(), true
}

// Marshal captures m's complete architectural state and the contents of
// every memory-kind PMA.
func (m *Machine) Marshal() *MachineJSON {
	snap := &MachineJSON{
		PC: m.pc, X: m.x, Ilrsc: m.ilrsc, Iflags: m.iflags.Pack(),
		Mvendorid: m.mvendorid, Marchid: m.marchid, Mimpid: m.mimpid,
		Mcycle: m.mcycle, Minstret: m.minstret,
		Mstatus: m.mstatus, Mtvec: m.mtvec, Mscratch: m.mscratch,
		Mepc: m.mepc, Mcause: m.mcause, Mtval: m.mtval,
		Misa: m.misa, Mie: m.mie, Mip: m.mip,
		Medeleg: m.medeleg, Mideleg: m.mideleg, Mcounteren: m.mcounteren,
		Stvec: m.stvec, Sscratch: m.sscratch, Sepc: m.sepc,
		Scause: m.scause, Stval: m.stval, Satp: m.satp, Scounteren: m.scounteren,
	}
	for _, e := range m.PMAs.Entries() {
		if e.Kind != pma.KindMemory {
			continue
		}
		data, ok := byteBacked(e.Driver)
		if !ok {
			continue
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		snap.Memory = append(snap.Memory, MemoryRegion{Start: e.Start, Data: cp})
	}
	return snap
}

// LoadSnapshot restores m's registers, CSRs, and memory contents from
// snap. The machine's PMAs must already be registered (by config.Build)
// with memory ranges matching snap.Memory's start addresses and
// lengths; a missing or size-mismatched region is an error rather than
// a silent partial restore.
func (m *Machine) LoadSnapshot(snap *MachineJSON) error {
	m.pc = snap.PC
	m.x = snap.X
	m.ilrsc = snap.Ilrsc
	m.iflags = UnpackIflags(snap.Iflags)
	m.mvendorid, m.marchid, m.mimpid = snap.Mvendorid, snap.Marchid, snap.Mimpid
	m.mcycle, m.minstret = snap.Mcycle, snap.Minstret
	m.mstatus, m.mtvec, m.mscratch = snap.Mstatus, snap.Mtvec, snap.Mscratch
	m.mepc, m.mcause, m.mtval = snap.Mepc, snap.Mcause, snap.Mtval
	m.misa, m.mie, m.mip = snap.Misa, snap.Mie, snap.Mip
	m.medeleg, m.mideleg, m.mcounteren = snap.Medeleg, snap.Mideleg, snap.Mcounteren
	m.stvec, m.sscratch, m.sepc = snap.Stvec, snap.Sscratch, snap.Sepc
	m.scause, m.stval, m.satp, m.scounteren = snap.Scause, snap.Stval, snap.Satp, snap.Scounteren
	m.TLBRead.InvalidateAll()
	m.TLBWrite.InvalidateAll()
	m.TLBCode.InvalidateAll()

	for _, region := range snap.Memory {
		e := m.PMAs.Find(region.Start, 1)
		if e.Kind != pma.KindMemory || e.Start != region.Start {
			return fmt.Errorf("state: no memory PMA registered at snapshot region start 0x%x", region.Start)
		}
		dst, ok := byteBacked(e.Driver)
		if !ok {
			return fmt.Errorf("state: PMA at 0x%x has no byte-addressable backing", region.Start)
		}
		if len(dst) != len(region.Data) {
			return fmt.Errorf("state: snapshot region at 0x%x is %d bytes, PMA is %d bytes", region.Start, len(region.Data), len(dst))
		}
		copy(dst, region.Data)
	}
	return nil
}

// ReadWord reads one 8-byte word at addr for debug introspection,
// bypassing the access.Access/logging path entirely: shadow addresses
// are served from the live register/CSR fields, everything else from
// its owning PMA driver. Grounded on machine.h's machine_read_word.
func (m *Machine) ReadWord(addr uint64) (uint64, error) {
	if sh := m.PMAs.Shadow(); sh != nil && addr >= sh.Start && addr < sh.Start+sh.Length {
		return m.readShadowField(addr - sh.Start)
	}
	e := m.PMAs.Find(addr, 8)
	if e.Kind == pma.KindEmpty {
		return 0, fmt.Errorf("state: no PMA covers address 0x%x", addr)
	}
	return e.Driver.Read(addr-e.Start, 3)
}

func (m *Machine) readShadowField(offset uint64) (uint64, error) {
	switch {
	case offset < 0x100:
		return m.GetX(int(offset / 8)), nil
	case offset == shadow.OffPC:
		return m.GetPC(), nil
	case offset == shadow.OffMvendorid:
		return m.GetMvendorid(), nil
	case offset == shadow.OffMarchid:
		return m.GetMarchid(), nil
	case offset == shadow.OffMimpid:
		return m.GetMimpid(), nil
	case offset == shadow.OffMcycle:
		return m.GetMcycle(), nil
	case offset == shadow.OffMinstret:
		return m.GetMinstret(), nil
	case offset == shadow.OffMstatus:
		return m.GetMstatus(), nil
	case offset == shadow.OffMtvec:
		return m.GetMtvec(), nil
	case offset == shadow.OffMscratch:
		return m.GetMscratch(), nil
	case offset == shadow.OffMepc:
		return m.GetMepc(), nil
	case offset == shadow.OffMcause:
		return m.GetMcause(), nil
	case offset == shadow.OffMtval:
		return m.GetMtval(), nil
	case offset == shadow.OffMisa:
		return m.GetMisa(), nil
	case offset == shadow.OffMie:
		return m.GetMie(), nil
	case offset == shadow.OffMip:
		return m.GetMip(), nil
	case offset == shadow.OffMedeleg:
		return m.GetMedeleg(), nil
	case offset == shadow.OffMideleg:
		return m.GetMideleg(), nil
	case offset == shadow.OffMcounteren:
		return m.GetMcounteren(), nil
	case offset == shadow.OffStvec:
		return m.GetStvec(), nil
	case offset == shadow.OffSscratch:
		return m.GetSscratch(), nil
	case offset == shadow.OffSepc:
		return m.GetSepc(), nil
	case offset == shadow.OffScause:
		return m.GetScause(), nil
	case offset == shadow.OffStval:
		return m.GetStval(), nil
	case offset == shadow.OffSatp:
		return m.GetSatp(), nil
	case offset == shadow.OffScounteren:
		return m.GetScounteren(), nil
	case offset == shadow.OffIlrsc:
		return m.GetIlrsc(), nil
	case offset == shadow.OffIflags:
		return m.GetIflags().Pack(), nil
	default:
		return 0, fmt.Errorf("state: no register/CSR at shadow offset 0x%x", offset)
	}
}

// DumpRanges writes every memory-kind PMA's raw contents to dir, one
// file per range named by its start address and length. Grounded on
// machine.h's machine_dump, which serializes each PMA range to its own
// file in a target directory for offline inspection.
func (m *Machine) DumpRanges(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: creating dump directory: %w", err)
	}
	for _, e := range m.PMAs.Entries() {
		if e.Kind != pma.KindMemory {
			continue
		}
		data, ok := byteBacked(e.Driver)
		if !ok {
			continue
		}
		name := fmt.Sprintf("%016x--%016x.bin", e.Start, e.Length)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("state: dumping range at 0x%x: %w", e.Start, err)
		}
	}
	return nil
}
