package access

import "github.com/cartesi-go/machine/machine/state"

// Fast directly mutates machine state with no logging. A write to a
// memory or device PMA re-Merkleizes the written page; a register/CSR
// write through the shadow window does not touch the tree, so the
// tree's shadow page is stale after one. This is the backend Run drives
// (spec.md §4.8).
type Fast struct {
	M *state.Machine
}

// NewFast returns a Fast backend over m.
func NewFast(m *state.Machine) *Fast { return &Fast{M: m} }

func (f *Fast) ReadWord(addr uint64) (uint64, error) {
	if offset, ok := shadowOffsetOf(f.M, addr); ok {
		return readShadowField(f.M, offset)
	}
	e, err := findEntry(f.M, addr)
	if err != nil {
		return 0, err
	}
	return e.Driver.Read(addr-e.Start, 3)
}

func (f *Fast) WriteWord(addr uint64, value uint64) error {
	if offset, ok := shadowOffsetOf(f.M, addr); ok {
		return writeShadowField(f.M, offset, value)
	}
	e, err := findEntry(f.M, addr)
	if err != nil {
		return err
	}
	if err := e.Driver.Write(addr-e.Start, value, 3); err != nil {
		return err
	}
	return updateTreeForWrite(f.M, e, addr)
}
