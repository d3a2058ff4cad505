package access

import (
	"github.com/cartesi-go/machine/machine/merkle"
	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/state"
)

// Logged records every word access as a proof-carrying log entry while
// still mutating real machine state, so Step can be driven by the same
// interpreter code that drives Run (spec.md §4.7, §4.8).
type Logged struct {
	M   *state.Machine
	Log *Log
}

// NewLogged returns a Logged backend over m, recording proofs. It first
// re-Merkleizes every page of every registered PMA, so the proofs it
// records are taken against a tree that matches m's current state.
func NewLogged(m *state.Machine) *Logged {
	for _, e := range m.PMAs.Entries() {
		for off := uint64(0); off < e.Length; off += pma.PageSize {
			if page, ok := e.Driver.Peek(off); ok {
				_ = m.Tree.UpdatePage(e.Start+off, page[:])
			}
		}
	}
	return &Logged{M: m, Log: &Log{Proofs: true}}
}

func (l *Logged) shadowPageAddr() (uint64, bool) {
	sh := l.M.PMAs.Shadow()
	if sh == nil {
		return 0, false
	}
	return sh.Start, true
}

func (l *Logged) refreshTreeFor(addr uint64) error {
	if sh := l.M.PMAs.Shadow(); sh != nil && addr >= sh.Start && addr < sh.Start+sh.Length {
		page, ok := l.M.Shadow.Peek(0)
		if !ok {
			return nil
		}
		return l.M.Tree.UpdatePage(sh.Start, page[:])
	}
	e, err := findEntry(l.M, addr)
	if err != nil {
		return err
	}
	return updateTreeForWrite(l.M, e, addr)
}

func (l *Logged) ReadWord(addr uint64) (uint64, error) {
	proof, perr := l.M.Tree.GetProof(addr, merkle.MinLog2Size)

	var value uint64
	var err error
	if offset, ok := shadowOffsetOf(l.M, addr); ok {
		value, err = readShadowField(l.M, offset)
	} else {
		var e *pma.Entry
		e, err = findEntry(l.M, addr)
		if err == nil {
			value, err = e.Driver.Read(addr-e.Start, 3)
		}
	}
	if err != nil {
		return 0, err
	}

	wa := WordAccess{Type: Read, Address: addr, Read: value}
	if perr == nil {
		wa.Proof = proof
	}
	l.Log.Accesses = append(l.Log.Accesses, wa)
	return value, nil
}

func (l *Logged) WriteWord(addr uint64, value uint64) error {
	proof, perr := l.M.Tree.GetProof(addr, merkle.MinLog2Size)

	var oldValue uint64
	var err error
	_, isShadow := shadowOffsetOf(l.M, addr)
	if isShadow {
		oldValue, err = l.ReadWordRaw(addr)
	} else {
		var e *pma.Entry
		e, err = findEntry(l.M, addr)
		if err == nil {
			oldValue, err = e.Driver.Read(addr-e.Start, 3)
		}
	}
	if err != nil {
		return err
	}

	if offset, ok := shadowOffsetOf(l.M, addr); ok {
		if err := writeShadowField(l.M, offset, value); err != nil {
			return err
		}
	} else {
		e, err := findEntry(l.M, addr)
		if err != nil {
			return err
		}
		if err := e.Driver.Write(addr-e.Start, value, 3); err != nil {
			return err
		}
	}
	if err := l.refreshTreeFor(addr); err != nil {
		return err
	}

	wa := WordAccess{Type: Write, Address: addr, Read: oldValue, Written: value}
	if perr == nil {
		wa.Proof = proof
	}
	l.Log.Accesses = append(l.Log.Accesses, wa)
	return nil
}

// ReadWordRaw reads a word's current value without appending a log
// entry, used internally to capture a write's pre-image.
func (l *Logged) ReadWordRaw(addr uint64) (uint64, error) {
	if offset, ok := shadowOffsetOf(l.M, addr); ok {
		return readShadowField(l.M, offset)
	}
	e, err := findEntry(l.M, addr)
	if err != nil {
		return 0, err
	}
	return e.Driver.Read(addr-e.Start, 3)
}
