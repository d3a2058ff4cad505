// Package clint implements the Core-Local Interruptor: the mtime/mtimecmp
// timer device mapped into physical memory (spec.md §4.3).
package clint

import "fmt"

// PageSize is the page the CLINT occupies; only two registers are live,
// the rest of the page reads as zero.
const PageSize = 4096

// Register offsets within the CLINT's page.
const (
	OffMtimecmp = 0x4000
	OffMtime    = 0xBFF8
)

// RTCFreqDiv converts mcycle to the CLINT's tick rate. Fixed by the
// verifiable contract: must never change (spec.md §4.3).
const RTCFreqDiv = 100

// Source supplies the cycle counter mtime is derived from.
type Source interface {
	Mcycle() uint64
}

// Sink receives the MTIP side effect of a mtimecmp write.
type Sink interface {
	ClearMTIP()
}

// Device is the CLINT PMA driver. mtimecmp is the only persisted
// register; mtime is always recomputed from mcycle.
type Device struct {
	src      Source
	sink     Sink
	mtimecmp uint64
}

// New returns a CLINT device reading mcycle from src and notifying sink
// when mtimecmp is written.
func New(src Source, sink Sink) *Device {
	return &Device{src: src, sink: sink}
}

func (d *Device) Name() string { return "CLINT" }

// Mtimecmp returns the current compare value.
func (d *Device) Mtimecmp() uint64 { return d.mtimecmp }

// SetMtimecmp sets the compare value directly, without triggering the MTIP-clear side effect a bus write has.
func (d *Device) SetMtimecmp(v uint64) { d.mtimecmp = v }

// Mtime returns mtime = mcycle / RTC_FREQ_DIV (spec.md §4.3).
func (d *Device) Mtime() uint64 { return d.src.Mcycle() / RTCFreqDiv }

func within(offset uint64, reg uint64) bool {
	return offset >= reg && offset < reg+8
}

// Read services 32-bit (and 64-bit, for convenience) register reads. A
// 64-bit logical value split across two 32-bit bus words still resolves
// correctly since callers request one size_log2 at a time.
func (d *Device) Read(offset uint64, sizeLog2 uint) (uint64, error) {
	size := uint64(1) << sizeLog2
	switch {
	case within(offset, OffMtime):
		return readSlice(d.Mtime(), offset-OffMtime, size), nil
	case within(offset, OffMtimecmp):
		return readSlice(d.mtimecmp, offset-OffMtimecmp, size), nil
	default:
		return 0, nil
	}
}

func readSlice(value uint64, byteOffset uint64, size uint64) uint64 {
	shifted := value >> (8 * byteOffset)
	if size >= 8 {
		return shifted
	}
	mask := (uint64(1) << (8 * size)) - 1
	return shifted & mask
}

// Write handles a store into the CLINT window. A write that touches
// mtimecmp clears mip.MTIP (spec.md §4.3).
func (d *Device) Write(offset uint64, value uint64, sizeLog2 uint) error {
	size := uint64(1) << sizeLog2
	switch {
	case within(offset, OffMtimecmp):
		d.mtimecmp = writeSlice(d.mtimecmp, offset-OffMtimecmp, value, size)
		if d.sink != nil {
			d.sink.ClearMTIP()
		}
		return nil
	case within(offset, OffMtime):
		return fmt.Errorf("clint: mtime is read-only")
	default:
		return nil
	}
}

func writeSlice(old uint64, byteOffset uint64, value uint64, size uint64) uint64 {
	if size >= 8 {
		return value
	}
	shift := 8 * byteOffset
	mask := ((uint64(1) << (8 * size)) - 1) << shift
	return (old &^ mask) | ((value << shift) & mask)
}

// Peek materializes one page of the CLINT window from live
// mtime/mtimecmp: the page holding mtimecmp, the page holding mtime, or
// (for any other page offset) an all-zero page.
func (d *Device) Peek(pageOffset uint64) (*[PageSize]byte, bool) {
	var page [PageSize]byte
	switch pageOffset {
	case OffMtimecmp &^ (PageSize - 1):
		putWord(&page, OffMtimecmp&(PageSize-1), d.mtimecmp)
	case OffMtime &^ (PageSize - 1):
		putWord(&page, OffMtime&(PageSize-1), d.Mtime())
	}
	return &page, true
}

func putWord(page *[PageSize]byte, offset int, v uint64) {
	for i := 0; i < 8; i++ {
		page[offset+i] = byte(v >> (8 * i))
	}
}
