// Package config builds a ready-to-run state.Machine from a declarative
// description: RAM size, the ROM bootstrap image, flash drives, and boot
// arguments, registering every PMA in the fixed order spec.md §3
// mandates (spec.md §3, §4.1).
package config

import (
	"fmt"

	"github.com/cartesi-go/machine/machine/clint"
	"github.com/cartesi-go/machine/machine/htif"
	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/shadow"
	"github.com/cartesi-go/machine/machine/state"
)

// Base addresses of the permanent memory regions (spec.md §3: "a low
// ROM bootstrap, main RAM at 2 GiB, up to 8 flash drives, the shadow
// window at 0, CLINT at 32 MiB, HTIF at 1 GiB+32 KiB").
const (
	ROMStart    = 0x1000
	RAMStart    = 0x80000000
	ShadowStart = 0
	CLINTStart  = 0x2000000
	HTIFStart   = 0x40008000

	DefaultROMLength = 0xF000
	MaxFlashDrives   = 8
	flashSlotStride  = uint64(1) << 56 // spaced far apart so drive lengths can vary freely
	FlashStartBase   = 0x80000000000   // 8 TiB: far above RAM, mirrors Cartesi's flash drive placement
)

// FlashDrive describes one flash-backed memory range to register.
type FlashDrive struct {
	Start  uint64 // 0 selects the next default slot
	Length uint64
	Path   string // "" allocates an anonymous in-memory drive
	Shared bool   // mmap MAP_SHARED vs MAP_PRIVATE when Path is set
}

// Config describes everything needed to build a machine.
type Config struct {
	RAMLength uint64
	ROMImage  []byte // written to ROM at offset 0; padded with zero
	ROMLength uint64 // 0 selects DefaultROMLength

	BootArgs string // written into the ROM's DTB-adjacent bootargs region by WriteFDT callers

	FlashDrives []FlashDrive

	Console  htif.ConsoleReader
	Writer   htif.ConsoleWriter
}

// Build constructs a *state.Machine wired per cfg, registering PMAs in
// the spec-mandated order: ROM, RAM, flash drives, shadow, CLINT, HTIF
// (spec.md §3).
func Build(cfg Config) (*state.Machine, error) {
	if cfg.RAMLength == 0 {
		return nil, fmt.Errorf("config: RAM length must be non-zero")
	}
	if len(cfg.FlashDrives) > MaxFlashDrives {
		return nil, fmt.Errorf("config: at most %d flash drives, got %d", MaxFlashDrives, len(cfg.FlashDrives))
	}

	m := state.New()

	romLength := cfg.ROMLength
	if romLength == 0 {
		romLength = DefaultROMLength
	}
	romDriver := pma.NewRAMDriver(romLength)
	if len(cfg.ROMImage) > int(romLength) {
		return nil, fmt.Errorf("config: ROM image (%d bytes) exceeds ROM length (%d bytes)", len(cfg.ROMImage), romLength)
	}
	copy(romDriver.Bytes(), cfg.ROMImage)
	if _, err := m.PMAs.RegisterRAM(ROMStart, romLength, romDriver); err != nil {
		return nil, fmt.Errorf("config: registering ROM: %w", err)
	}

	ramDriver := pma.NewRAMDriver(cfg.RAMLength)
	if _, err := m.PMAs.RegisterRAM(RAMStart, cfg.RAMLength, ramDriver); err != nil {
		return nil, fmt.Errorf("config: registering RAM: %w", err)
	}

	for i, fd := range cfg.FlashDrives {
		start := fd.Start
		if start == 0 {
			start = FlashStartBase + uint64(i)*flashSlotStride
		}
		var driver *pma.MemDriver
		var err error
		if fd.Path != "" {
			driver, err = pma.NewFileBackedDriver(fmt.Sprintf("flash%d", i), fd.Path, fd.Length, fd.Shared)
			if err != nil {
				return nil, fmt.Errorf("config: opening flash drive %d (%s): %w", i, fd.Path, err)
			}
		} else {
			driver = pma.NewRAMDriver(fd.Length)
		}
		if _, err := m.PMAs.RegisterFlash(start, fd.Length, driver); err != nil {
			return nil, fmt.Errorf("config: registering flash drive %d: %w", i, err)
		}
	}

	shadowDev := shadow.New(m)
	if _, err := m.PMAs.RegisterShadow(ShadowStart, shadow.PageSize, shadowDev); err != nil {
		return nil, fmt.Errorf("config: registering shadow: %w", err)
	}

	clintDev := clint.New(m, m)
	if _, err := m.PMAs.RegisterMMIO(CLINTStart, clint.PageSize, pma.DIDCLINT, clintDev); err != nil {
		return nil, fmt.Errorf("config: registering CLINT: %w", err)
	}

	htifDev := htif.New(cfg.Console, cfg.Writer, m)
	if _, err := m.PMAs.RegisterMMIO(HTIFStart, htif.PageSize, pma.DIDHTIF, htifDev); err != nil {
		return nil, fmt.Errorf("config: registering HTIF: %w", err)
	}

	m.AttachDevices(shadowDev, clintDev, htifDev)
	m.SetPC(ROMStart)
	return m, nil
}
