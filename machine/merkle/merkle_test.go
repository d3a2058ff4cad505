package merkle

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyTreeRootIsPristine(t *testing.T) {
	tree := New()
	assert.Equal(t, PristineHash(MaxLog2Size), tree.GetRootHash())
}

func TestProofRoundTripsOnEmptyTree(t *testing.T) {
	tree := New()
	proof, err := tree.GetProof(0x1000, 12)
	require.NoError(t, err)
	assert.True(t, VerifyProof(proof))
	assert.Equal(t, PristineHash(12), proof.TargetHash)
}

func TestUpdatePageChangesRootAndProofVerifies(t *testing.T) {
	tree := New()
	before := tree.GetRootHash()

	var page [4096]byte
	binary.LittleEndian.PutUint64(page[0:8], 0xCAFEBABEDEADBEEF)
	require.NoError(t, tree.UpdatePage(0x80000000, page[:]))

	after := tree.GetRootHash()
	assert.NotEqual(t, before, after)

	proof, err := tree.GetProof(0x80000000, 3)
	require.NoError(t, err)
	assert.Equal(t, HashWord(0xCAFEBABEDEADBEEF), proof.TargetHash)
	assert.True(t, VerifyProof(proof))
}

// Mirrors end-to-end scenario 5: a single word write at 0x80000000 produces
// a proof whose target hash is Keccak256 of the little-endian word value,
// and that proof verifies against the tree's root.
func TestSingleWordUpdateScenario(t *testing.T) {
	tree := New()
	var page [4096]byte
	binary.LittleEndian.PutUint64(page[0:8], 0xDEADBEEFCAFEBABE)
	require.NoError(t, tree.UpdatePage(0x80000000, page[:]))

	proof, err := tree.GetProof(0x80000000, 3)
	require.NoError(t, err)
	assert.Equal(t, HashWord(0xDEADBEEFCAFEBABE), proof.TargetHash)
	assert.Equal(t, tree.GetRootHash(), proof.RootHash)
	assert.True(t, VerifyProof(proof))
}

func TestVerifyProofRejectsTamperedTarget(t *testing.T) {
	tree := New()
	var page [4096]byte
	binary.LittleEndian.PutUint64(page[0:8], 42)
	require.NoError(t, tree.UpdatePage(0x1000, page[:]))

	proof, err := tree.GetProof(0x1000, 3)
	require.NoError(t, err)
	proof.TargetHash[0] ^= 0xFF
	assert.False(t, VerifyProof(proof))
}

func TestUpdatingTwoWordsInSamePageUpdatesBothProofs(t *testing.T) {
	tree := New()
	var page [4096]byte
	binary.LittleEndian.PutUint64(page[0:8], 1)
	binary.LittleEndian.PutUint64(page[4088:4096], 2)
	require.NoError(t, tree.UpdatePage(0x2000, page[:]))

	p1, err := tree.GetProof(0x2000, 3)
	require.NoError(t, err)
	assert.Equal(t, HashWord(1), p1.TargetHash)
	assert.True(t, VerifyProof(p1))

	p2, err := tree.GetProof(0x2000+4088, 3)
	require.NoError(t, err)
	assert.Equal(t, HashWord(2), p2.TargetHash)
	assert.True(t, VerifyProof(p2))
}

func TestUpdatePageRejectsMisalignedAddress(t *testing.T) {
	tree := New()
	var page [4096]byte
	err := tree.UpdatePage(0x1001, page[:])
	assert.Error(t, err)
}

func TestUpdatePageRejectsWrongSize(t *testing.T) {
	tree := New()
	err := tree.UpdatePage(0x1000, make([]byte, 100))
	assert.Error(t, err)
}
