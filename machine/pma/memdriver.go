package pma

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MemDriver backs a RAM or flash PMA with a flat byte slice, either
// heap-allocated (RAM, anonymous flash) or mmap'd from a file (flash with
// a backing image). This mirrors Cartesi's iomem.c: cpu_register_ram
// (malloc) and cpu_register_backed_ram (mmap, MAP_SHARED or MAP_PRIVATE
// depending on the shared flag).
type MemDriver struct {
	name string
	data []byte
	file *os.File // non-nil if mmap-backed
}

// NewRAMDriver allocates an anonymous, zero-filled backing of the given length.
func NewRAMDriver(length uint64) *MemDriver {
	return &MemDriver{name: "RAM", data: make([]byte, length)}
}

// NewFileBackedDriver mmaps path as the backing store for a flash drive.
// shared=true maps MAP_SHARED (writes land on disk); shared=false maps
// MAP_PRIVATE (copy-on-write, changes are never persisted).
func NewFileBackedDriver(name, path string, length uint64, shared bool) (*MemDriver, error) {
	flag := os.O_RDONLY
	mapFlags := unix.MAP_PRIVATE
	if shared {
		flag = os.O_RDWR
		mapFlags = unix.MAP_SHARED
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("pma: could not open backing file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pma: could not stat backing file %q: %w", path, err)
	}
	if uint64(info.Size()) != length {
		f.Close()
		return nil, fmt.Errorf("pma: backing file %q size %d does not match declared length %d", path, info.Size(), length)
	}
	prot := unix.PROT_READ
	if shared {
		prot |= unix.PROT_WRITE
	} else {
		prot |= unix.PROT_WRITE // writable in-process even if not persisted (MAP_PRIVATE is copy-on-write)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), prot, mapFlags)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pma: mmap of %q failed: %w", path, err)
	}
	return &MemDriver{name: name, data: data, file: f}, nil
}

// Close releases the mmap'd region and closes the backing file, if any.
func (d *MemDriver) Close() error {
	if d.file == nil {
		return nil
	}
	if err := unix.Munmap(d.data); err != nil {
		return err
	}
	return d.file.Close()
}

func (d *MemDriver) Name() string { return d.name }

func (d *MemDriver) Read(offset uint64, sizeLog2 uint) (uint64, error) {
	size := uint64(1) << sizeLog2
	if offset+size > uint64(len(d.data)) {
		return 0, fmt.Errorf("pma: %s read out of range at offset 0x%x", d.name, offset)
	}
	var v uint64
	for i := uint64(0); i < size; i++ {
		v |= uint64(d.data[offset+i]) << (8 * i)
	}
	return v, nil
}

func (d *MemDriver) Write(offset uint64, value uint64, sizeLog2 uint) error {
	size := uint64(1) << sizeLog2
	if offset+size > uint64(len(d.data)) {
		return fmt.Errorf("pma: %s write out of range at offset 0x%x", d.name, offset)
	}
	for i := uint64(0); i < size; i++ {
		d.data[offset+i] = byte(value >> (8 * i))
	}
	return nil
}

func (d *MemDriver) Peek(pageOffset uint64) (*[PageSize]byte, bool) {
	if pageOffset+PageSize > uint64(len(d.data)) {
		return nil, false
	}
	var page [PageSize]byte
	copy(page[:], d.data[pageOffset:pageOffset+PageSize])
	return &page, true
}

// Bytes exposes the raw backing for bulk loads (boot image installation).
func (d *MemDriver) Bytes() []byte { return d.data }
