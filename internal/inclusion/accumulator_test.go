package inclusion

import (
	"testing"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/stretchr/testify/require"
)

func leafHash(b byte) entry.Hash {
	return entry.H([]byte{b})
}

func TestProveVerifyRoundTripSingleLeaf(t *testing.T) {
	acc := New()
	acc.Add(leafHash(1))

	proof, ok := acc.Prove(0)
	require.True(t, ok)
	require.True(t, Verify(proof, acc.Root()))
}

func TestProveVerifyRoundTripBalancedTree(t *testing.T) {
	acc := New()
	for i := byte(0); i < 8; i++ {
		acc.Add(leafHash(i))
	}
	root := acc.Root()

	for seq := uint64(0); seq < 8; seq++ {
		proof, ok := acc.Prove(seq)
		require.True(t, ok)
		require.True(t, Verify(proof, root), "leaf %d should verify", seq)
	}
}

func TestProveVerifyRoundTripOddSizedTree(t *testing.T) {
	acc := New()
	for i := byte(0); i < 5; i++ {
		acc.Add(leafHash(i))
	}
	root := acc.Root()

	for seq := uint64(0); seq < 5; seq++ {
		proof, ok := acc.Prove(seq)
		require.True(t, ok)
		require.True(t, Verify(proof, root), "leaf %d should verify", seq)
	}
}

func TestProveUnknownSeqFails(t *testing.T) {
	acc := New()
	acc.Add(leafHash(1))

	_, ok := acc.Prove(1)
	require.False(t, ok)
}

func TestVerifyRejectsTamperedLeafHash(t *testing.T) {
	acc := New()
	for i := byte(0); i < 4; i++ {
		acc.Add(leafHash(i))
	}
	root := acc.Root()

	proof, ok := acc.Prove(2)
	require.True(t, ok)
	proof.LeafHash = leafHash(99)
	require.False(t, Verify(proof, root))
}

func TestVerifyRejectsTamperedSibling(t *testing.T) {
	acc := New()
	for i := byte(0); i < 4; i++ {
		acc.Add(leafHash(i))
	}
	root := acc.Root()

	proof, ok := acc.Prove(0)
	require.True(t, ok)
	require.NotEmpty(t, proof.Path)
	proof.Path[0].Sibling = leafHash(99)
	require.False(t, Verify(proof, root))
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	acc := New()
	for i := byte(0); i < 4; i++ {
		acc.Add(leafHash(i))
	}

	proof, ok := acc.Prove(3)
	require.True(t, ok)
	require.False(t, Verify(proof, leafHash(255)))
}

func TestRootChangesAsLeavesAreAdded(t *testing.T) {
	acc := New()
	acc.Add(leafHash(1))
	first := acc.Root()

	acc.Add(leafHash(2))
	second := acc.Root()

	require.NotEqual(t, first, second)
}
