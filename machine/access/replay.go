package access

import (
	"fmt"

	"github.com/cartesi-go/machine/machine/merkle"
	"github.com/cartesi-go/machine/machine/pma"
	"github.com/cartesi-go/machine/machine/state"
)

// ReplayErrorKind identifies the kind of inconsistency replay detected
// (spec.md §7 "one kind per ...").
type ReplayErrorKind int

const (
	ErrTooFewAccesses ReplayErrorKind = iota
	ErrTooManyAccesses
	ErrTypeMismatch
	ErrAddressMismatch
	ErrRootHashMismatch
	ErrTargetHashMismatch
	ErrWrittenValueMismatch
	ErrInvalidPMAFlags
)

func (k ReplayErrorKind) String() string {
	switch k {
	case ErrTooFewAccesses:
		return "too few accesses"
	case ErrTooManyAccesses:
		return "too many accesses"
	case ErrTypeMismatch:
		return "access type mismatch"
	case ErrAddressMismatch:
		return "address mismatch"
	case ErrRootHashMismatch:
		return "root hash mismatch"
	case ErrTargetHashMismatch:
		return "target hash mismatch"
	case ErrWrittenValueMismatch:
		return "written value mismatch"
	case ErrInvalidPMAFlags:
		return "invalid PMA flags"
	default:
		return "unknown replay error"
	}
}

// ReplayError is a structured replay failure, carrying the 1-based
// access index at which it occurred (spec.md §7).
type ReplayError struct {
	Kind  ReplayErrorKind
	Index int
	Msg   string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay: access %d: %s: %s", e.Index, e.Kind, e.Msg)
}

// Replay consumes an access.Log and re-drives the interpreter without
// trusting it: each required access pops the next log entry, checks
// type and address, and (if proofs are present) verifies the entry's
// proof against the current running root before applying it
// (spec.md §4.7, §7).
//
// A validated write is also mirrored onto m, the same way Fast applies
// one, so that machine state a device reads through a Go method call
// rather than through Access — CLINT's mtime/mtimecmp, the iflags/mip
// a Sink callback sets as a side effect of a PMA write — tracks the
// replayed execution instead of staying frozen at m's initial value.
// m may be nil for tests that only care about log/proof consistency; a
// write to an address m has no PMA covering for (e.g. RAM the caller
// chose not to reconstruct) is likewise just skipped.
type Replay struct {
	m           *state.Machine
	log         *Log
	next        int
	oneBased    int
	verifyProof bool
	root        merkle.Hash
}

// NewReplay returns a Replay backend over log, mirroring validated
// writes onto m (see Replay's doc comment). oneBased is normally 1,
// matching the 1-based indexing spec.md §7 mandates for error reporting.
func NewReplay(m *state.Machine, log *Log, verifyProof bool) *Replay {
	r := &Replay{m: m, log: log, oneBased: 1, verifyProof: verifyProof}
	if verifyProof && len(log.Accesses) > 0 && log.Accesses[0].Proof != nil {
		r.root = log.Accesses[0].Proof.RootHash
	}
	return r
}

// RootHash returns replay's current view of the root hash.
func (r *Replay) RootHash() merkle.Hash { return r.root }

// Finish checks that the whole log was consumed (spec.md §4.7 "finish()
// verifies the log was fully consumed").
func (r *Replay) Finish() error {
	if r.next != len(r.log.Accesses) {
		return &ReplayError{Kind: ErrTooFewAccesses, Index: r.next + r.oneBased,
			Msg: fmt.Sprintf("expected %d accesses, consumed %d", len(r.log.Accesses), r.next)}
	}
	return nil
}

func (r *Replay) pop(wantType Type, wantAddr uint64) (*WordAccess, error) {
	if r.next >= len(r.log.Accesses) {
		return nil, &ReplayError{Kind: ErrTooManyAccesses, Index: r.next + r.oneBased,
			Msg: "interpreter requested an access beyond the end of the log"}
	}
	wa := &r.log.Accesses[r.next]
	idx := r.next + r.oneBased
	if wa.Type != wantType {
		return nil, &ReplayError{Kind: ErrTypeMismatch, Index: idx,
			Msg: fmt.Sprintf("log has %s, interpreter requested %s", wa.Type, wantType)}
	}
	if wa.Address != wantAddr {
		return nil, &ReplayError{Kind: ErrAddressMismatch, Index: idx,
			Msg: fmt.Sprintf("log has address 0x%x, interpreter requested 0x%x", wa.Address, wantAddr)}
	}
	if r.verifyProof && wa.Proof != nil {
		if wa.Proof.RootHash != r.root {
			return nil, &ReplayError{Kind: ErrRootHashMismatch, Index: idx,
				Msg: "proof's root hash does not match the current replay root"}
		}
		leafBefore := merkle.HashWord(wa.Read)
		if leafBefore != wa.Proof.TargetHash {
			return nil, &ReplayError{Kind: ErrTargetHashMismatch, Index: idx,
				Msg: "proof's target hash does not match the logged read value"}
		}
		if merkle.RollSiblingsUp(leafBefore, wa.Proof) != r.root {
			return nil, &ReplayError{Kind: ErrRootHashMismatch, Index: idx,
				Msg: "proof's sibling hashes do not lead from the target to the current replay root"}
		}
	}
	r.next++
	return wa, nil
}

func (r *Replay) ReadWord(addr uint64) (uint64, error) {
	wa, err := r.pop(Read, addr)
	if err != nil {
		return 0, err
	}
	if r.verifyProof && wa.Proof != nil {
		r.root = wa.Proof.RootHash
	}
	return wa.Read, nil
}

func (r *Replay) WriteWord(addr uint64, value uint64) error {
	wa, err := r.pop(Write, addr)
	if err != nil {
		return err
	}
	if wa.Written != value {
		return &ReplayError{Kind: ErrWrittenValueMismatch, Index: r.next + r.oneBased - 1,
			Msg: fmt.Sprintf("log records written value 0x%x, interpreter wrote 0x%x", wa.Written, value)}
	}
	if r.verifyProof && wa.Proof != nil {
		r.root = merkle.RollSiblingsUp(merkle.HashWord(value), wa.Proof)
	}
	r.mirrorWrite(addr, value)
	return nil
}

// mirrorWrite applies a validated write to r.m the same way Fast.WriteWord
// would, so Go-field state devices reach directly (not through Access)
// tracks the replay instead of staying at its initial value. Addresses
// outside any PMA r.m has registered are skipped rather than erroring:
// a witness replay machine may wire up only shadow/CLINT/HTIF and not
// reconstruct RAM/ROM/flash.
func (r *Replay) mirrorWrite(addr uint64, value uint64) {
	if r.m == nil {
		return
	}
	if offset, ok := shadowOffsetOf(r.m, addr); ok {
		_ = writeShadowField(r.m, offset, value)
		return
	}
	e := r.m.PMAs.Find(addr, 8)
	if e.Kind == pma.KindEmpty {
		return
	}
	_ = e.Driver.Write(addr-e.Start, value, 3)
}
