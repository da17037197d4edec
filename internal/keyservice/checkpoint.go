package keyservice

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// Checkpoint is the signed commitment to a reducer state snapshot: it
// names the sequence and hash of the state it commits to, and is carried
// inside a COSE_Sign1 envelope whose protected header names only the
// signing algorithm; the CBOR-encoded payload is embedded, not detached.
type Checkpoint struct {
	Seq uint64 `cbor:"1,keyasint"`
	StateHash [32]byte `cbor:"2,keyasint"`
	Timestamp uint64 `cbor:"3,keyasint"`
}

// SignCheckpoint produces a COSE_Sign1 message over cp, signed by the
// derived checkpoint key at path. The protected header carries only the
// algorithm; no key id or CWT claims are set.
func (s *Service) SignCheckpoint(keyPath [][]byte, cp Checkpoint) ([]byte, error) {
	leaf, err := s.deriveLeaf(keyPath)
	if err != nil {
		return nil, err
	}
	defer zero(leaf)

	signer, err := cose.NewSigner(cose.AlgorithmEdDSA, leaf)
	if err != nil {
		return nil, fmt.Errorf("constructing COSE signer: %w", err)
	}

	payload, err := cbor.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmEdDSA)
	msg.Payload = payload

	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("signing checkpoint: %w", err)
	}

	encoded, err := msg.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("encoding COSE_Sign1 envelope: %w", err)
	}
	return encoded, nil
}

// VerifyCheckpoint checks a COSE_Sign1-encoded checkpoint against pub and
// returns the decoded Checkpoint on success.
func VerifyCheckpoint(encoded []byte, pub ed25519.PublicKey) (Checkpoint, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(encoded); err != nil {
		return Checkpoint{}, fmt.Errorf("decoding COSE_Sign1 envelope: %w", err)
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, pub)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("constructing COSE verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return Checkpoint{}, fmt.Errorf("verifying checkpoint signature: %w", err)
	}
	var cp Checkpoint
	if err := cbor.Unmarshal(msg.Payload, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decoding checkpoint payload: %w", err)
	}
	return cp, nil
}
