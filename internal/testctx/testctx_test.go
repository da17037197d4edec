package testctx

import (
	"testing"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/stretchr/testify/require"
)

func TestNewWiresAWorkingCore(t *testing.T) {
	ctx := New(t, Config{})

	id := entry.Hash{1}
	pub, _ := ctx.NewProposer(id)

	got, ok := ctx.State.Identity(id)
	require.True(t, ok)
	require.Equal(t, pub, got.PublicKey)

	seq, hash, ok := ctx.Sequencer.Tip()
	require.False(t, ok)
	require.Zero(t, seq)
	require.Zero(t, hash)
}
