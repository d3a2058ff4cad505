// Package merkle implements the pristine-aware sparse Merkle tree over the
// full 64-bit physical address space, at 8-byte leaf granularity
// (spec.md §3, §4.5). The tree is never materialized in full: only nodes
// on a path that has ever been written are stored, keyed by
// (log2 size, address); every other subtree is all-zero and its hash is
// one of 62 precomputed pristine constants.
package merkle

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Hash is a 32-byte Keccak-256 digest.
type Hash [32]byte

// MinLog2Size and MaxLog2Size bound valid proof/node sizes (spec.md §3:
// "log2_size ∈ [3,64]").
const (
	MinLog2Size = 3
	MaxLog2Size = 64
)

// hashPair computes H(left || right), the tree's only combining operation.
func hashPair(left, right Hash) Hash {
	return Hash(crypto.Keccak256Hash(left[:], right[:]))
}

// pristine[k] is the hash of an all-zero subtree spanning 2^k bytes, for
// k in [3,64]. pristine[3] = H(0^8); pristine[k] = H(pristine[k-1] || pristine[k-1]).
var pristine = func() [MaxLog2Size + 1]Hash {
	var p [MaxLog2Size + 1]Hash
	var zeroWord [8]byte
	p[MinLog2Size] = Hash(crypto.Keccak256Hash(zeroWord[:]))
	for k := MinLog2Size + 1; k <= MaxLog2Size; k++ {
		p[k] = hashPair(p[k-1], p[k-1])
	}
	return p
}()

// PristineHash returns the hash of an all-zero subtree of size 2^log2Size.
func PristineHash(log2Size int) Hash {
	return pristine[log2Size]
}

// nodeKey identifies one internal (or leaf) node: the subtree of size
// 2^Log2Size starting at Address (Address is always a multiple of 2^Log2Size).
type nodeKey struct {
	Log2Size uint8
	Address  uint64
}

// Tree is the sparse Merkle tree over the physical address space.
type Tree struct {
	nodes map[nodeKey]Hash
}

// New returns an empty tree, equivalent to an all-zero address space.
func New() *Tree {
	return &Tree{nodes: make(map[nodeKey]Hash)}
}

func (t *Tree) get(log2Size int, addr uint64) Hash {
	if h, ok := t.nodes[nodeKey{Log2Size: uint8(log2Size), Address: addr}]; ok {
		return h
	}
	return pristine[log2Size]
}

func (t *Tree) set(log2Size int, addr uint64, h Hash) {
	t.nodes[nodeKey{Log2Size: uint8(log2Size), Address: addr}] = h
}

// BeginUpdate and EndUpdate bracket a batch of UpdatePage calls. The
// current implementation commits each page immediately, so these are
// no-ops; they exist to match the spec's bracketing contract and give a
// caller a stable place to add batching later without an API break.
func (t *Tree) BeginUpdate() {}
func (t *Tree) EndUpdate()   {}

// UpdatePage recomputes the subtree for one 4 KiB page and splices its
// root into the tree at the page's position (spec.md §4.5). pageBytes
// must be exactly 4096 bytes, word-aligned at pagePaddr.
func (t *Tree) UpdatePage(pagePaddr uint64, pageBytes []byte) error {
	const pageSize = 4096
	const pageLog2 = 12
	if len(pageBytes) != pageSize {
		return fmt.Errorf("merkle: page must be %d bytes, got %d", pageSize, len(pageBytes))
	}
	if pagePaddr&(pageSize-1) != 0 {
		return fmt.Errorf("merkle: page address 0x%x is not page-aligned", pagePaddr)
	}

	// Leaves: one hash per 8-byte word.
	const words = pageSize / 8
	level := make([]Hash, words)
	for i := 0; i < words; i++ {
		level[i] = Hash(crypto.Keccak256Hash(pageBytes[i*8 : i*8+8]))
	}

	// Fold up 9 levels (log2 3 -> log2 12) to the page root, storing every
	// intermediate node so later proofs can walk through them.
	for log2 := MinLog2Size; log2 < pageLog2; log2++ {
		span := uint64(1) << uint(log2+1)
		next := make([]Hash, len(level)/2)
		for i := range next {
			left, right := level[2*i], level[2*i+1]
			addr := pagePaddr + uint64(i)*span
			t.set(log2, addr, left)
			t.set(log2, addr+span/2, right)
			next[i] = hashPair(left, right)
		}
		level = next
	}
	pageRoot := level[0]
	t.set(pageLog2, pagePaddr, pageRoot)

	// Propagate the change from the page root up to the full address space.
	addr := pagePaddr
	h := pageRoot
	for log2 := pageLog2; log2 < MaxLog2Size; log2++ {
		siblingAddr := addr ^ (uint64(1) << uint(log2))
		parentAddr := addr &^ (uint64(1) << uint(log2))
		sibling := t.get(log2, siblingAddr)
		var h2 Hash
		if addr < siblingAddr {
			h2 = hashPair(h, sibling)
		} else {
			h2 = hashPair(sibling, h)
		}
		addr = parentAddr
		h = h2
		t.set(log2+1, addr, h)
	}
	return nil
}

// GetRootHash returns the hash committing to the entire address space.
func (t *Tree) GetRootHash() Hash {
	return t.get(MaxLog2Size, 0)
}

// Proof is an inclusion proof for the node at (Address, Log2Size): the
// sibling hash at every level from the target up to the root, ordered
// leaf-side to root-side (spec.md §3).
type Proof struct {
	Address       uint64
	Log2Size      int
	TargetHash    Hash
	RootHash      Hash
	SiblingHashes []Hash // length MaxLog2Size - Log2Size
}

// GetProof builds an inclusion proof for the aligned node at address,
// spanning 2^log2Size bytes.
func (t *Tree) GetProof(address uint64, log2Size int) (*Proof, error) {
	if log2Size < MinLog2Size || log2Size > MaxLog2Size {
		return nil, fmt.Errorf("merkle: log2_size %d out of range [%d,%d]", log2Size, MinLog2Size, MaxLog2Size)
	}
	if address&((uint64(1)<<uint(log2Size))-1) != 0 && log2Size < 64 {
		return nil, fmt.Errorf("merkle: address 0x%x is not aligned to 2^%d", address, log2Size)
	}

	target := t.get(log2Size, address)
	siblings := make([]Hash, 0, MaxLog2Size-log2Size)
	addr := address
	for log2 := log2Size; log2 < MaxLog2Size; log2++ {
		siblingAddr := addr ^ (uint64(1) << uint(log2))
		parentAddr := addr &^ (uint64(1) << uint(log2))
		siblings = append(siblings, t.get(log2, siblingAddr))
		addr = parentAddr
	}
	return &Proof{
		Address:       address,
		Log2Size:      log2Size,
		TargetHash:    target,
		RootHash:      t.GetRootHash(),
		SiblingHashes: siblings,
	}, nil
}

// VerifyProof recomputes the root from the proof's target and sibling
// hashes and checks it against the claimed root hash.
func VerifyProof(p *Proof) bool {
	if len(p.SiblingHashes) != MaxLog2Size-p.Log2Size {
		return false
	}
	h := p.TargetHash
	addr := p.Address
	for i, log2 := 0, p.Log2Size; log2 < MaxLog2Size; i, log2 = i+1, log2+1 {
		bit := (addr >> uint(log2)) & 1
		sibling := p.SiblingHashes[i]
		if bit == 0 {
			h = hashPair(h, sibling)
		} else {
			h = hashPair(sibling, h)
		}
		addr &^= uint64(1) << uint(log2)
	}
	return h == p.RootHash
}

// RollSiblingsUp recomputes a root hash by folding startHash up through
// the given proof's siblings, without touching the tree itself. Used by
// the replay state-access backend to check that a log entry's siblings
// lead to the running root, and to advance that root after a write
// (spec.md §4.7 "updates the root by re-hashing from the written leaf up
// using the proof's siblings").
func RollSiblingsUp(startHash Hash, p *Proof) Hash {
	h := startHash
	addr := p.Address
	for i, log2 := 0, p.Log2Size; log2 < MaxLog2Size; i, log2 = i+1, log2+1 {
		bit := (addr >> uint(log2)) & 1
		sibling := p.SiblingHashes[i]
		if bit == 0 {
			h = hashPair(h, sibling)
		} else {
			h = hashPair(sibling, h)
		}
		addr &^= uint64(1) << uint(log2)
	}
	return h
}

// HashWord returns the leaf hash of an 8-byte little-endian word value.
func HashWord(value uint64) Hash {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return Hash(crypto.Keccak256Hash(buf[:]))
}
