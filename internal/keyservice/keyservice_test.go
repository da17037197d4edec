package keyservice

import (
	"crypto/ed25519"
	"testing"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	entries []*entry.Entry
}

func (f *fakeLog) Read(from uint64) ([]*entry.Entry, error) {
	for _, e := range f.entries {
		if e.Seq == from {
			return []*entry.Entry{e}, nil
		}
	}
	return nil, nil
}

type fakeSubmitter struct {
	seq uint64
	usages []*entry.KeyUsage
}

func (f *fakeSubmitter) LogKeyUsage(usage *entry.KeyUsage) (uint64, error) {
	f.seq++
	f.usages = append(f.usages, usage)
	return f.seq, nil
}

func testSeed() [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = byte(i)
	}
	return s
}

func TestDeriveLeafIsDeterministic(t *testing.T) {
	svc := New(testSeed(), &fakeLog{}, &fakeSubmitter{}, nil)
	path := [][]byte{[]byte("org"), []byte("acme")}

	pub1, err := svc.PublicKey(path)
	require.NoError(t, err)
	pub2, err := svc.PublicKey(path)
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)

	otherPub, err := svc.PublicKey([][]byte{[]byte("org"), []byte("other")})
	require.NoError(t, err)
	require.NotEqual(t, pub1, otherPub)
}

func TestSignRequiresAllowDecision(t *testing.T) {
	log := &fakeLog{entries: []*entry.Entry{
		{Seq: 3, Body: &entry.PolicyDecision{Effect: entry.EffectDeny}},
	}}
	submitter := &fakeSubmitter{}
	svc := New(testSeed(), log, submitter, nil)

	_, err := svc.Sign(SignRequest{KeyPath: [][]byte{[]byte("k")}, AuthorizationRef: 3})
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.Len(t, submitter.usages, 1)
	require.True(t, submitter.usages[0].Denied)
}

func TestSignSucceedsAndLogsUsage(t *testing.T) {
	caller := entry.Hash{1}
	keyPath := [][]byte{[]byte("k")}
	msgHash := entry.H([]byte("message"))
	binding := entry.BindSignRequest(caller, keyPath, msgHash)

	log := &fakeLog{entries: []*entry.Entry{
		{Seq: 5, Body: &entry.PolicyDecision{Effect: entry.EffectAllow, SignBinding: binding}},
	}}
	submitter := &fakeSubmitter{}
	svc := New(testSeed(), log, submitter, nil)

	result, err := svc.Sign(SignRequest{Caller: caller, KeyPath: keyPath, MessageHash: msgHash, AuthorizationRef: 5})
	require.NoError(t, err)
	require.NotZero(t, result.UsageSeq)
	require.Len(t, submitter.usages, 1)
	require.False(t, submitter.usages[0].Denied)

	pub, err := svc.PublicKey(keyPath)
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, msgHash[:], result.Signature[:]))
}

func TestSignRejectsDecisionBoundToDifferentRequest(t *testing.T) {
	caller := entry.Hash{1}
	msgHash := entry.H([]byte("message"))
	otherBinding := entry.BindSignRequest(entry.Hash{9}, [][]byte{[]byte("other-key")}, entry.H([]byte("other-message")))

	log := &fakeLog{entries: []*entry.Entry{
		{Seq: 6, Body: &entry.PolicyDecision{Effect: entry.EffectAllow, SignBinding: otherBinding}},
	}}
	submitter := &fakeSubmitter{}
	svc := New(testSeed(), log, submitter, nil)

	_, err := svc.Sign(SignRequest{Caller: caller, KeyPath: [][]byte{[]byte("k")}, MessageHash: msgHash, AuthorizationRef: 6})
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.Len(t, submitter.usages, 1)
	require.True(t, submitter.usages[0].Denied)
}

func TestCheckpointRoundTrip(t *testing.T) {
	svc := New(testSeed(), &fakeLog{}, &fakeSubmitter{}, nil)
	path := [][]byte{[]byte("checkpoint")}

	cp := Checkpoint{Seq: 10, StateHash: [32]byte{1, 2, 3}, Timestamp: 100}
	encoded, err := svc.SignCheckpoint(path, cp)
	require.NoError(t, err)

	pub, err := svc.PublicKey(path)
	require.NoError(t, err)

	decoded, err := VerifyCheckpoint(encoded, pub)
	require.NoError(t, err)
	require.Equal(t, cp, decoded)

	badPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = VerifyCheckpoint(encoded, badPub)
	require.Error(t, err)
}
