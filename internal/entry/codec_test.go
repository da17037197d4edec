package entry

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"gotest.tools/v3/golden"
)

func genesisEntry(t *testing.T) *Entry {
	t.Helper()
	body := Genesis{SchemaVersion: 1, RootIdentityPK: []byte("root-public-key")}
	payloadHash, err := PayloadHash(body)
	require.NoError(t, err)
	return &Entry{
		Seq: 0,
		PrevHash: Hash{},
		PayloadHash: payloadHash,
		Body: body,
		TimestampLogical: 1000,
	}
}

func TestFrameRoundTrip(t *testing.T) {
	e := genesisEntry(t)
	framed, err := Frame(e)
	require.NoError(t, err)

	decoded, hash, n, err := Unframe(framed)
	require.NoError(t, err)
	require.Equal(t, len(framed), n)
	require.Equal(t, e.Seq, decoded.Seq)
	require.Equal(t, e.Body, decoded.Body)

	wantHash, err := ComputeHash(e)
	require.NoError(t, err)
	require.Equal(t, wantHash, hash)
}

func TestFrameDetectsTamperedBody(t *testing.T) {
	e := genesisEntry(t)
	framed, err := Frame(e)
	require.NoError(t, err)

	// flip a byte inside the body region (after the 4-byte length prefix).
	framed[10] ^= 0xff

	_, _, _, err = Unframe(framed)
	require.Error(t, err)
}

func TestFrameDetectsTamperedTrailer(t *testing.T) {
	e := genesisEntry(t)
	framed, err := Frame(e)
	require.NoError(t, err)

	framed[len(framed)-1] ^= 0xff

	_, _, _, err = Unframe(framed)
	require.ErrorIs(t, err, ErrTrailerCRC)
}

func TestChainHashLinksConsecutiveEntries(t *testing.T) {
	genesis := genesisEntry(t)
	genesisHash, err := ComputeHash(genesis)
	require.NoError(t, err)

	body := IdentityCreate{
		ID: H([]byte("alice-pubkey")),
		HasParent: true,
		Parent: H([]byte("root-public-key")),
		Type: IdentityUser,
		PublicKey: []byte("alice-pubkey"),
	}
	payloadHash, err := PayloadHash(body)
	require.NoError(t, err)

	next := &Entry{
		Seq: 1,
		PrevHash: genesisHash,
		PayloadHash: payloadHash,
		Body: body,
		TimestampLogical: 1001,
	}

	require.NoError(t, VerifyPayloadHash(next))
	require.Equal(t, genesisHash, next.PrevHash)
}

func TestIdentityCreateAndCapabilityGrantRoundTripExternalRef(t *testing.T) {
	ic := IdentityCreate{
		ID: H([]byte("alice-pubkey")),
		Type: IdentityUser,
		PublicKey: []byte("alice-pubkey"),
		ExternalRef: "11111111-1111-1111-1111-111111111111",
	}
	data, err := ic.MarshalBody()
	require.NoError(t, err)
	decoded, err := DecodeBody(TagIdentityCreate, data)
	require.NoError(t, err)
	require.Equal(t, ic, decoded)

	cg := CapabilityGrant{
		CapID: H([]byte("cap")),
		Holder: ic.ID,
		ResourceMatcher: "org/acme/*",
		Permissions: 1,
		ExternalRef: "22222222-2222-2222-2222-222222222222",
	}
	data, err = cg.MarshalBody()
	require.NoError(t, err)
	decoded, err = DecodeBody(TagCapabilityGrant, data)
	require.NoError(t, err)
	require.Equal(t, cg, decoded)
}

func TestDecodeUnknownTagErrors(t *testing.T) {
	_, err := DecodeBody(Tag(0xEE), []byte{})
	require.ErrorIs(t, err, ErrUnknownTag)
}

// TestPolicyDecisionGoldenBytes pins MarshalBody's field order for
// PolicyDecision against a checked-in golden file: a change to this byte
// layout breaks replay of every log written under the old layout, so it
// must never shift silently. Run with -test.update to regenerate after a
// deliberate, versioned layout change.
func TestPolicyDecisionGoldenBytes(t *testing.T) {
	body := PolicyDecision{
		ProposalHash: H([]byte("proposal")),
		Effect: EffectAllow,
		RuleID: 7,
		Reason: "matched rule 7",
		Restrictions: []string{"read-only"},
		EngineSig: Signature{1, 2, 3},
		Proposer: H([]byte("proposer")),
		Nonce: 42,
		SignBinding: H([]byte("sign-binding")),
	}
	data, err := body.MarshalBody()
	require.NoError(t, err)

	golden.Assert(t, hex.EncodeToString(data), "policy-decision.golden")

	decoded, err := DecodeBody(TagPolicyDecision, data)
	require.NoError(t, err)
	require.Equal(t, body, decoded)
}

func TestConditionRoundTripViaPolicyUpdate(t *testing.T) {
	cond := Condition{
		Op: ConditionAnd,
		Children: []Condition{
			{Op: ConditionPrincipal, Value: "alice"},
			{Op: ConditionResource, Value: "/data/*"},
		},
	}
	body := PolicyUpdate{
		AddedRules: []RuleDef{
			{ID: 10, Priority: 10, Effect: EffectAllow, Condition: cond},
		},
	}
	raw, err := body.MarshalBody()
	require.NoError(t, err)

	decoded, err := DecodeBody(TagPolicyUpdate, raw)
	require.NoError(t, err)
	require.Equal(t, body, decoded)
}
