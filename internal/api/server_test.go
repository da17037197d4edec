package api

import (
	"crypto/ed25519"
	"testing"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/datatrails/go-datatrails-axiom/internal/policy"
	"github.com/datatrails/go-datatrails-axiom/internal/testctx"
	"github.com/stretchr/testify/require"
)

func TestServerRoundTrip(t *testing.T) {
	ctx := testctx.New(t, testctx.Config{})
	srv := New(ctx.Sequencer, ctx.Engine, ctx.KeyService, ctx.State)

	proposerID := entry.Hash{1}
	_, sk := ctx.NewProposer(proposerID)
	ctx.State.Rules[1] = entry.RuleDef{
		ID: 1, Priority: 1, Effect: entry.EffectAllow,
		Condition: entry.Condition{Op: entry.ConditionAll},
	}

	p := policy.Proposal{Proposer: proposerID, Action: "read", Resource: "x", Nonce: 1}
	p.ClientSignature = signProposal(sk, p)

	decision, err := srv.SubmitProposal(p)
	require.NoError(t, err)
	require.Equal(t, entry.EffectAllow, decision.Effect)

	seq, hash, ok := srv.CurrentTip()
	require.True(t, ok)
	require.NotZero(t, hash)

	entries, err := srv.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, int(seq)+1)

	proof, root, ok := srv.InclusionProof(0)
	require.True(t, ok)
	require.True(t, srv.VerifyInclusion(proof, root))

	require.False(t, srv.ArchiveSnapshotStatus().Enabled)
	srv.EnableArchiving()
	srv.NoteArchived(seq)
	status := srv.ArchiveSnapshotStatus()
	require.True(t, status.Enabled)
	require.Equal(t, seq, status.LastArchivedSeq)
}

// signProposal re-derives the byte layout policy.Engine authenticates
// against; proposalHash is unexported, so this mirrors it exactly rather
// than exporting internal signing plumbing from policy.
func signProposal(sk ed25519.PrivateKey, p policy.Proposal) []byte {
	buf := make([]byte, 0, 32+len(p.Action)+len(p.Resource)+8+len(p.Body))
	buf = append(buf, p.Proposer[:]...)
	buf = append(buf, p.Action...)
	buf = append(buf, p.Resource...)
	for i := 56; i >= 0; i -= 8 {
		buf = append(buf, byte(p.Nonce>>uint(i)))
	}
	buf = append(buf, p.Body...)
	buf = append(buf, p.SignBinding[:]...)
	h := entry.H(buf)
	return ed25519.Sign(sk, h[:])
}
