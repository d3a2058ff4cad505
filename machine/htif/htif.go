// Package htif implements the Host-Target Interface: a pair of 64-bit
// registers (tohost, fromhost) used to punch host commands through to
// the emulated machine — halt, console I/O, yield (spec.md §4.4).
package htif

import "fmt"

// PageSize is the page the HTIF device occupies.
const PageSize = 4096

// Register offsets within the HTIF's page.
const (
	OffTohost   = 0x0
	OffFromhost = 0x8
)

// Device ids and commands this implementation understands.
const (
	DeviceHalt    = 0
	DeviceConsole = 1
	DeviceYield   = 2

	CmdConsolePutchar = 1
	CmdConsoleGetchar = 0
)

// ihalt/iconsole/iyield bitmasks (spec.md §4.4 "const ihalt, iconsole,
// iyield bitmasks"). Bit 0 of each is the only bit this machine uses:
// one halt reason, one console channel, one yield reason.
const (
	IHalt    = uint64(1)
	IConsole = uint64(1)
	IYield   = uint64(1)
)

// ConsoleReader lets a caller supply console input without the core
// depending on host terminal state (SPEC_FULL.md §4.4).
type ConsoleReader interface {
	// ReadByte returns the next available input byte, or ok=false if
	// none is currently available.
	ReadByte() (b byte, ok bool)
}

// ConsoleWriter receives console output bytes.
type ConsoleWriter interface {
	WriteByte(b byte) error
}

// Sink receives the side effects HTIF commands have on machine state:
// setting iflags.H (halt) and the yield soft-break condition.
type Sink interface {
	SetHalted()
	SetYielded()
}

// Device is the HTIF PMA driver.
type Device struct {
	tohost   uint64
	fromhost uint64

	console ConsoleReader
	writer  ConsoleWriter
	sink    Sink

	iyield uint64 // device=2 commands accepted, bit-indexed by cmd
}

// New returns an HTIF device. console/writer may be nil if the machine
// never performs console I/O.
func New(console ConsoleReader, writer ConsoleWriter, sink Sink) *Device {
	return &Device{console: console, writer: writer, sink: sink, iyield: IYield}
}

func (d *Device) Name() string { return "HTIF" }

// Tohost and Fromhost expose the current register values.
func (d *Device) Tohost() uint64   { return d.tohost }
func (d *Device) Fromhost() uint64 { return d.fromhost }

// SetTohost/SetFromhost set register values without triggering
// command handling.
func (d *Device) SetTohost(v uint64)   { d.tohost = v }
func (d *Device) SetFromhost(v uint64) { d.fromhost = v }

func within(offset uint64, reg uint64) bool {
	return offset >= reg && offset < reg+8
}

func readSlice(value uint64, byteOffset uint64, size uint64) uint64 {
	shifted := value >> (8 * byteOffset)
	if size >= 8 {
		return shifted
	}
	mask := (uint64(1) << (8 * size)) - 1
	return shifted & mask
}

func writeSlice(old uint64, byteOffset uint64, value uint64, size uint64) uint64 {
	if size >= 8 {
		return value
	}
	shift := 8 * byteOffset
	mask := ((uint64(1) << (8 * size)) - 1) << shift
	return (old &^ mask) | ((value << shift) & mask)
}

func (d *Device) Read(offset uint64, sizeLog2 uint) (uint64, error) {
	size := uint64(1) << sizeLog2
	switch {
	case within(offset, OffTohost):
		return readSlice(d.tohost, offset-OffTohost, size), nil
	case within(offset, OffFromhost):
		return readSlice(d.fromhost, offset-OffFromhost, size), nil
	default:
		return 0, nil
	}
}

// Write handles a store into the HTIF window. Writes to tohost trigger
// command handling only on the high-word write (the write that covers
// byte offset 4, i.e. bits [63:32]) — this couples command execution to
// 32-bit bus access width and is preserved intentionally for log
// compatibility with the reference machine (spec.md §9).
func (d *Device) Write(offset uint64, value uint64, sizeLog2 uint) error {
	size := uint64(1) << sizeLog2
	switch {
	case within(offset, OffTohost):
		byteOffset := offset - OffTohost
		d.tohost = writeSlice(d.tohost, byteOffset, value, size)
		if byteOffset <= 4 && byteOffset+size >= 5 {
			d.handleCommand()
		}
		return nil
	case within(offset, OffFromhost):
		d.fromhost = writeSlice(d.fromhost, offset-OffFromhost, value, size)
		return nil
	default:
		return fmt.Errorf("htif: write out of range at offset 0x%x", offset)
	}
}

func (d *Device) handleCommand() {
	device := d.tohost >> 56
	cmd := (d.tohost >> 48) & 0xff
	payload := d.tohost & ((uint64(1) << 48) - 1)

	switch device {
	case DeviceHalt:
		if cmd == 0 && payload&1 != 0 {
			if d.sink != nil {
				d.sink.SetHalted()
			}
		}
	case DeviceConsole:
		switch cmd {
		case CmdConsolePutchar:
			ch := byte(d.tohost & 0xff)
			if d.writer != nil {
				d.writer.WriteByte(ch)
			}
			d.tohost = 0
			d.fromhost = (device << 56) | (cmd << 48)
		case CmdConsoleGetchar:
			if d.console != nil {
				if b, ok := d.console.ReadByte(); ok {
					d.tohost = 0
					d.fromhost = (device << 56) | (cmd << 48) | uint64(b)
				}
			}
		}
	case DeviceYield:
		if (d.iyield>>cmd)&1 != 0 {
			if d.sink != nil {
				d.sink.SetYielded()
			}
		}
	}
}

// Peek materializes the HTIF page from live tohost/fromhost.
func (d *Device) Peek(pageOffset uint64) (*[PageSize]byte, bool) {
	if pageOffset != 0 {
		return nil, false
	}
	var page [PageSize]byte
	putWord(&page, OffTohost, d.tohost)
	putWord(&page, OffFromhost, d.fromhost)
	return &page, true
}

func putWord(page *[PageSize]byte, offset int, v uint64) {
	for i := 0; i < 8; i++ {
		page[offset+i] = byte(v >> (8 * i))
	}
}
