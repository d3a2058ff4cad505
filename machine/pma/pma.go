// Package pma implements the Physical Memory Attribute registry: an
// ordered list of non-overlapping, typed ranges over the flat 64-bit
// physical address space (spec.md §3, §4.1).
package pma

import (
	"fmt"
)

// Max is the maximum number of PMA entries a machine may register
// (spec.md §3: "at most PMA_MAX (typically 32) entries").
const Max = 32

// PageSize is the host-side page granularity used for peek/Merkleization.
const PageSize = 1 << 12

// DID (device id) distinguishes device PMAs from one another; it is part
// of istart's on-wire encoding (spec.md §6).
type DID uint8

const (
	DIDMemory DID = 0
	DIDShadow DID = 1
	DIDDrive  DID = 2
	DIDCLINT  DID = 3
	DIDHTIF   DID = 4
)

// Kind classifies a PMA for dispatch purposes.
type Kind int

const (
	KindEmpty Kind = iota
	KindMemory
	KindDevice
)

// Flags are the R/W/X/IR/IW/DID bits packed into istart (spec.md §6).
type Flags struct {
	R, W, X bool
	IR, IW  bool // instruction-read / instruction-write meta-flags (read/write reported in the log)
	DID     DID
}

// istart bit layout, LSB to MSB (spec.md §6):
// M(1) | IO(1) | E(1) | R(1) | W(1) | X(1) | IR(1) | IW(1) | DID(4) | reserved | START
const (
	istartMShift   = 0
	istartIOShift  = 1
	istartEShift   = 2
	istartRShift   = 3
	istartWShift   = 4
	istartXShift   = 5
	istartIRShift  = 6
	istartIWShift  = 7
	istartDIDShift = 8
	istartDIDMask  = 0xF
	istartStartShift = 12
)

// Driver is the callback set a PMA entry dispatches reads, writes, and
// Merkle peeks to. RAM/flash entries use the built-in MemDriver; devices
// (shadow, CLINT, HTIF) supply their own.
type Driver interface {
	// Read loads a value of size 2^sizeLog2 bytes at offset from the PMA's start.
	Read(offset uint64, sizeLog2 uint) (uint64, error)
	// Write stores value at offset.
	Write(offset uint64, value uint64, sizeLog2 uint) error
	// Peek returns the canonical bytes of one 4 KiB page, for Merkleization.
	// ok is false if the page is out of range or the device declines to
	// synthesize it.
	Peek(pageOffset uint64) (page *[PageSize]byte, ok bool)
	// Name identifies the driver, for diagnostics (mirrors Cartesi's
	// named pma_driver structs: "RAM", "FLASH", "SHADOW", "CLINT", "HTIF").
	Name() string
}

// Entry describes one physical memory range.
type Entry struct {
	Start  uint64
	Length uint64
	Kind   Kind
	Flags  Flags
	Driver Driver
}

// Istart packs start and flags into the shadow-visible istart word
// (spec.md §6). Exactly one of M/IO/E is set depending on Kind.
func (e *Entry) Istart() uint64 {
	var m, io, empty uint64
	switch e.Kind {
	case KindMemory:
		m = 1
	case KindDevice:
		io = 1
	default:
		empty = 1
	}
	v := m<<istartMShift | io<<istartIOShift | empty<<istartEShift
	if e.Flags.R {
		v |= 1 << istartRShift
	}
	if e.Flags.W {
		v |= 1 << istartWShift
	}
	if e.Flags.X {
		v |= 1 << istartXShift
	}
	if e.Flags.IR {
		v |= 1 << istartIRShift
	}
	if e.Flags.IW {
		v |= 1 << istartIWShift
	}
	v |= (uint64(e.Flags.DID) & istartDIDMask) << istartDIDShift
	v |= e.Start &^ (PageSize - 1)
	return v
}

// Ilength is simply the entry's length, as stored in the shadow (spec.md §3).
func (e *Entry) Ilength() uint64 {
	return e.Length
}

// Contains reports whether the half-open range [addr, addr+size) lies
// entirely within the entry.
func (e *Entry) Contains(addr uint64, size uint64) bool {
	if e.Kind == KindEmpty {
		return false
	}
	return addr >= e.Start && addr-e.Start <= e.Length-size
}

// emptySentinel is the sentinel entry returned by Find when no PMA covers an
// address (spec.md §4.1 "find returns ... else a sentinel empty PMA"),
// mirroring Cartesi's machine_state.empty_pma field so callers never
// need a nil check.
var emptySentinel = Entry{Kind: KindEmpty}

// Registry is the ordered list of PMA entries for one machine.
type Registry struct {
	entries []*Entry
	shadow  *Entry
	clint   *Entry
	htif    *Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Entries returns the registered entries in registration order.
func (r *Registry) Entries() []*Entry { return r.entries }

// Count returns the number of registered entries.
func (r *Registry) Count() int { return len(r.entries) }

// At returns the i'th entry, or the empty sentinel if i is out of bounds
// (mirrors the shadow device's "ilength == 0 marks end of list" contract).
func (r *Registry) At(i int) *Entry {
	if i < 0 || i >= len(r.entries) {
		return &emptySentinel
	}
	return r.entries[i]
}

func (r *Registry) overlaps(start, length uint64) bool {
	end := start + length
	for _, e := range r.entries {
		eEnd := e.Start + e.Length
		if start < eEnd && e.Start < end {
			return true
		}
	}
	return false
}

func alignedTo4K(v uint64) bool { return v&(PageSize-1) == 0 }

func (r *Registry) register(e *Entry) (*Entry, error) {
	if len(r.entries) >= Max {
		return nil, fmt.Errorf("pma: cannot register %s at 0x%x: registry full (max %d entries)", e.Driver.Name(), e.Start, Max)
	}
	if !alignedTo4K(e.Start) {
		return nil, fmt.Errorf("pma: start 0x%x is not 4 KiB aligned", e.Start)
	}
	if e.Length == 0 || e.Length%PageSize != 0 {
		return nil, fmt.Errorf("pma: length 0x%x is not a non-zero multiple of the page size", e.Length)
	}
	if r.overlaps(e.Start, e.Length) {
		return nil, fmt.Errorf("pma: range [0x%x, 0x%x) overlaps an existing entry", e.Start, e.Start+e.Length)
	}
	r.entries = append(r.entries, e)
	return e, nil
}

// RegisterRAM registers a RAM-backed memory entry.
func (r *Registry) RegisterRAM(start, length uint64, driver Driver) (*Entry, error) {
	return r.register(&Entry{
		Start: start, Length: length, Kind: KindMemory,
		Flags:  Flags{R: true, W: true, X: true, DID: DIDMemory},
		Driver: driver,
	})
}

// RegisterFlash registers a flash-drive memory entry (read/write, not
// executable, per Cartesi convention).
func (r *Registry) RegisterFlash(start, length uint64, driver Driver) (*Entry, error) {
	return r.register(&Entry{
		Start: start, Length: length, Kind: KindMemory,
		Flags:  Flags{R: true, W: true, X: false, DID: DIDDrive},
		Driver: driver,
	})
}

// RegisterMMIO registers a memory-mapped device entry (CLINT, HTIF).
func (r *Registry) RegisterMMIO(start, length uint64, did DID, driver Driver) (*Entry, error) {
	if did == DIDCLINT && r.clint != nil {
		return nil, fmt.Errorf("pma: at most one CLINT device may be registered")
	}
	if did == DIDHTIF && r.htif != nil {
		return nil, fmt.Errorf("pma: at most one HTIF device may be registered")
	}
	e, err := r.register(&Entry{
		Start: start, Length: length, Kind: KindDevice,
		Flags:  Flags{R: true, W: true, IR: true, IW: true, DID: did},
		Driver: driver,
	})
	if err != nil {
		return nil, err
	}
	switch did {
	case DIDCLINT:
		r.clint = e
	case DIDHTIF:
		r.htif = e
	}
	return e, nil
}

// RegisterShadow registers the shadow device entry (read-only from the
// bus's perspective; the interpreter never reaches it through Find).
func (r *Registry) RegisterShadow(start, length uint64, driver Driver) (*Entry, error) {
	if r.shadow != nil {
		return nil, fmt.Errorf("pma: at most one shadow device may be registered")
	}
	e, err := r.register(&Entry{
		Start: start, Length: length, Kind: KindDevice,
		Flags:  Flags{R: true, IR: true, DID: DIDShadow},
		Driver: driver,
	})
	if err != nil {
		return nil, err
	}
	r.shadow = e
	return e, nil
}

// Find returns the entry whose range contains [paddr, paddr+size), or the
// empty sentinel. Lookup is linear, as in Cartesi's reference
// implementation (spec.md §4.1): machines have O(10) PMAs, so this never
// shows up as a hot path next to the TLB.
func (r *Registry) Find(paddr uint64, size uint64) *Entry {
	for _, e := range r.entries {
		if e.Contains(paddr, size) {
			return e
		}
	}
	return &emptySentinel
}

// Shadow, CLINT, HTIF return the corresponding singleton device entries,
// or nil if not yet registered.
func (r *Registry) Shadow() *Entry { return r.shadow }
func (r *Registry) CLINT() *Entry  { return r.clint }
func (r *Registry) HTIF() *Entry   { return r.htif }
