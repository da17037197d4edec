package policy

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/datatrails/go-datatrails-axiom/internal/reducer"
	"github.com/datatrails/go-datatrails-axiom/internal/sequencer"
	"github.com/datatrails/go-datatrails-axiom/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *reducer.State, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "log")
	backend, err := storage.OpenLocalFile(dir)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	enginePub, engineSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	committerPub, committerSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = committerPub

	seq, err := sequencer.Open(backend, sequencer.Config{
		EnginePublicKey: enginePub,
		CommitterKey: committerSK,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { seq.Close() })

	state := reducer.New()
	eng := New(state, seq, engineSK, nil)
	return eng, state, enginePub, engineSK
}

func TestEvaluateDefaultDeniesWithNoRules(t *testing.T) {
	eng, state, _, _ := newTestEngine(t)

	proposerPub, proposerSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	proposerID := entry.Hash{7}
	state.Identities[proposerID] = &reducer.Identity{ID: proposerID, PublicKey: proposerPub}

	p := Proposal{Proposer: proposerID, Action: "read", Resource: "org/acme", Nonce: 1}
	p.ClientSignature = ed25519.Sign(proposerSK, signedProposalBytes(p))

	decision, err := eng.Evaluate(p)
	require.NoError(t, err)
	require.Equal(t, entry.EffectDeny, decision.Effect)
	require.Equal(t, entry.DefaultDenyRuleID, decision.RuleID)
	require.False(t, decision.HasAction)
}

func TestEvaluateRejectsRevokedProposer(t *testing.T) {
	eng, state, _, _ := newTestEngine(t)
	proposerID := entry.Hash{8}
	state.Identities[proposerID] = &reducer.Identity{ID: proposerID, Revoked: true}

	_, err := eng.Evaluate(Proposal{Proposer: proposerID, Nonce: 1})
	require.ErrorIs(t, err, ErrRevokedProposer)
}

func TestEvaluateRejectsNonceReplay(t *testing.T) {
	eng, state, _, _ := newTestEngine(t)
	proposerPub, proposerSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	proposerID := entry.Hash{9}
	state.Identities[proposerID] = &reducer.Identity{ID: proposerID, PublicKey: proposerPub}

	sign := func(p Proposal) Proposal {
		p.ClientSignature = ed25519.Sign(proposerSK, signedProposalBytes(p))
		return p
	}

	p1 := sign(Proposal{Proposer: proposerID, Action: "read", Resource: "x", Nonce: 5})
	_, err = eng.Evaluate(p1)
	require.NoError(t, err)

	p2 := sign(Proposal{Proposer: proposerID, Action: "read", Resource: "x", Nonce: 5})
	_, err = eng.Evaluate(p2)
	require.ErrorIs(t, err, ErrNonceReplay)
}

func TestEvaluateAllowsMatchingRuleAndSubmitsAction(t *testing.T) {
	eng, state, _, _ := newTestEngine(t)
	proposerPub, proposerSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	proposerID := entry.Hash{10}
	state.Identities[proposerID] = &reducer.Identity{ID: proposerID, PublicKey: proposerPub}
	state.Rules[1] = entry.RuleDef{
		ID: 1, Priority: 5, Effect: entry.EffectAllow,
		Condition: entry.Condition{Op: entry.ConditionResource, Value: "org/acme/*"},
	}

	p := Proposal{Proposer: proposerID, Action: "read", Resource: "org/acme/invoices/1", Nonce: 1, Body: []byte("do-it")}
	p.ClientSignature = ed25519.Sign(proposerSK, signedProposalBytes(p))

	decision, err := eng.Evaluate(p)
	require.NoError(t, err)
	require.Equal(t, entry.EffectAllow, decision.Effect)
	require.Equal(t, uint64(1), decision.RuleID)
	require.True(t, decision.HasAction)
}
