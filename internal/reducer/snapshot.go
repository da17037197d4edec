package reducer

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Descriptor names a serialized state snapshot: the sequence it was taken at, a hash of the
// serialized bytes, and a schema version so a future decoder can tell an
// incompatible snapshot apart from a corrupt one.
type Descriptor struct {
	Seq uint64
	StateHash [32]byte
	SchemaVersion uint16
}

// wireState is the CBOR projection of State; unlike State it carries no
// derived index, so encode/decode never needs to agree on trie shape.
type wireState struct {
	Seq uint64
	Tip [32]byte
	Identities []*Identity
	Capabilities []*Capability
	Nonces []wireNonce
}

type wireNonce struct {
	Proposer [32]byte
	Window NonceWindow
}

// Marshal serializes state into bytes suitable for archiving and
// returns the Descriptor identifying them.
func Marshal(state *State) (Descriptor, []byte, error) {
	ws := wireState{Seq: state.Seq, Tip: state.Tip}
	for _, id := range state.Identities {
		ws.Identities = append(ws.Identities, id)
	}
	for _, c := range state.Capabilities {
		ws.Capabilities = append(ws.Capabilities, c)
	}
	for proposer, w := range state.NonceWindows {
		ws.Nonces = append(ws.Nonces, wireNonce{Proposer: proposer, Window: w})
	}

	data, err := cbor.Marshal(ws)
	if err != nil {
		return Descriptor{}, nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return Descriptor{
		Seq: state.Seq,
		StateHash: sha256.Sum256(data),
		SchemaVersion: 1,
	}, data, nil
}

// Unmarshal reconstructs enough of State to resume reduction: identities,
// capabilities, and nonce windows. Rules are reconstructed by the caller
// replaying PolicyUpdate entries since the snapshot does not retain RuleDef
// bodies directly; the short suffix replay after a recent snapshot is
// expected to re-derive Rules from the log regardless.
func Unmarshal(desc Descriptor, data []byte) (*State, error) {
	sum := sha256.Sum256(data)
	if sum != desc.StateHash {
		return nil, fmt.Errorf("snapshot hash mismatch at seq %d: discarding, log replay alone suffices", desc.Seq)
	}

	var ws wireState
	if err := cbor.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	state := New()
	state.Seq = ws.Seq
	state.HasSeq = true
	state.Tip = ws.Tip
	for _, id := range ws.Identities {
		state.Identities[id.ID] = id
	}
	for _, c := range ws.Capabilities {
		state.Capabilities[c.CapID] = c
	}
	for _, n := range ws.Nonces {
		state.NonceWindows[n.Proposer] = n.Window
	}
	return state, nil
}
