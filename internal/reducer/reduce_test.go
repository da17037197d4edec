package reducer

import (
	"testing"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func seqEntry(seq uint64, body entry.Body) *entry.Entry {
	return &entry.Entry{Seq: seq, Body: body}
}

func TestReduceBuildsIdentityProjection(t *testing.T) {
	state := New()
	root := entry.Hash{1}

	require.NoError(t, Reduce(state, seqEntry(0, &entry.Genesis{SchemaVersion: 1, RootIdentityPK: []byte("pk")})))
	require.NoError(t, Reduce(state, seqEntry(1, &entry.IdentityCreate{
		ID: root, Type: entry.IdentitySystem, PublicKey: []byte("pk"),
	})))

	id, ok := state.Identities[root]
	require.True(t, ok)
	require.False(t, id.Revoked)

	require.NoError(t, Reduce(state, seqEntry(2, &entry.IdentityRevoke{ID: root, Reason: "compromised"})))
	require.True(t, state.Identities[root].Revoked)
	require.Equal(t, "compromised", state.Identities[root].RevokeReason)
}

func TestReducePreservesExternalRef(t *testing.T) {
	state := New()
	identityRef := uuid.NewString()
	capRef := uuid.NewString()
	holder := entry.Hash{2}
	capID := entry.Hash{3}

	require.NoError(t, Reduce(state, seqEntry(0, &entry.Genesis{SchemaVersion: 1, RootIdentityPK: []byte("pk")})))
	require.NoError(t, Reduce(state, seqEntry(1, &entry.IdentityCreate{
		ID: holder, Type: entry.IdentityUser, PublicKey: []byte("pk"), ExternalRef: identityRef,
	})))
	require.NoError(t, Reduce(state, seqEntry(2, &entry.CapabilityGrant{
		CapID: capID, Holder: holder, ResourceMatcher: "org/acme/*", Permissions: 1, ExternalRef: capRef,
	})))

	require.Equal(t, identityRef, state.Identities[holder].ExternalRef)
	require.Equal(t, capRef, state.Capabilities[capID].ExternalRef)
}

func TestReduceRejectsOutOfOrderSeq(t *testing.T) {
	state := New()
	err := Reduce(state, seqEntry(1, &entry.Genesis{}))
	require.ErrorIs(t, err, ErrDivergent)
}

func TestResourceIndexReflectsPolicyAndCapabilityChanges(t *testing.T) {
	state := New()
	require.NoError(t, Reduce(state, seqEntry(0, &entry.PolicyUpdate{
		AddedRules: []entry.RuleDef{{
			ID: 7, Priority: 10, Effect: entry.EffectAllow,
			Condition: entry.Condition{Op: entry.ConditionResource, Value: "org/acme/*"},
		}},
	})))

	matches := state.ResourceIndex().Match("org/acme/invoices/1")
	require.Equal(t, []uint64{7}, matches)

	require.NoError(t, Reduce(state, seqEntry(1, &entry.PolicyUpdate{RemovedRuleIDs: []uint64{7}})))
	require.Empty(t, state.ResourceIndex().Match("org/acme/invoices/1"))
}

func TestNonceWindowRejectsReplay(t *testing.T) {
	state := New()
	proposer := entry.Hash{9}

	require.True(t, ObserveNonce(state, proposer, 1, 100))
	require.True(t, ObserveNonce(state, proposer, 2, 100))
	require.False(t, ObserveNonce(state, proposer, 2, 100)) // replay of an already-seen nonce
	require.False(t, ObserveNonce(state, proposer, 1, 100)) // below last seen
}

func TestSnapshotRoundTrip(t *testing.T) {
	state := New()
	id := entry.Hash{3}
	require.NoError(t, Reduce(state, seqEntry(0, &entry.IdentityCreate{ID: id, Type: entry.IdentityUser, PublicKey: []byte("k")})))

	desc, data, err := Marshal(state)
	require.NoError(t, err)
	require.Equal(t, state.Seq, desc.Seq)

	restored, err := Unmarshal(desc, data)
	require.NoError(t, err)
	require.Equal(t, state.Seq, restored.Seq)
	require.Contains(t, restored.Identities, id)

	_, err = Unmarshal(desc, append(data, 0xff))
	require.Error(t, err)
}
