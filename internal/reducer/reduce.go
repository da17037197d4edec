package reducer

import (
	"errors"
	"fmt"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
)

// ErrDivergent is returned by Reduce when a well-formed entry nonetheless
// implies a state transition an independent re-implementation would not
// reach. Reduce itself never detects divergence between two
// implementations — this is returned only for internally inconsistent
// entries: a sequence gap, a duplicate IdentityCreate, a missing or revoked
// parent, a revoke of an unknown identity, or a PolicyDecision nonce that
// does not advance its proposer's window. An Action's authorization
// reference is not checked against the decision it names.
var ErrDivergent = errors.New("entry implies a state transition inconsistent with prior state")

// Reduce applies one log entry to state in place, advancing state.Seq.
// It is pure: no clock reads, no randomness, no I/O. Callers feeding entries out of order, or
// skipping sequence numbers, get ErrDivergent rather than a silently wrong
// state. Bodies are accepted both as values (as entry.DecodeBody returns
// them when reading the log) and as pointers.
func Reduce(state *State, e *entry.Entry) error {
	if state.HasSeq && e.Seq != state.Seq+1 {
		return fmt.Errorf("%w: got seq %d, expected %d", ErrDivergent, e.Seq, state.Seq+1)
	}
	if !state.HasSeq && e.Seq != 0 {
		return fmt.Errorf("%w: first entry must be seq 0, got %d", ErrDivergent, e.Seq)
	}

	var err error
	switch body := e.Body.(type) {
	case *entry.Genesis, entry.Genesis:
		// No projection changes; genesis only fixes schema_version and
		// the root identity's public key, which a subsequent
		// IdentityCreate for the root names explicitly.
	case *entry.IdentityCreate:
		err = reduceIdentityCreate(state, body)
	case entry.IdentityCreate:
		err = reduceIdentityCreate(state, &body)
	case *entry.IdentityRevoke:
		err = reduceIdentityRevoke(state, body)
	case entry.IdentityRevoke:
		err = reduceIdentityRevoke(state, &body)
	case *entry.PolicyUpdate:
		reducePolicyUpdate(state, body)
	case entry.PolicyUpdate:
		reducePolicyUpdate(state, &body)
	case *entry.CapabilityGrant:
		reduceCapabilityGrant(state, body)
	case entry.CapabilityGrant:
		reduceCapabilityGrant(state, &body)
	case *entry.CapabilityRevoke:
		reduceCapabilityRevoke(state, body)
	case entry.CapabilityRevoke:
		reduceCapabilityRevoke(state, &body)
	case entry.PolicyDecision:
		err = reducePolicyDecision(state, &body)
	case *entry.PolicyDecision:
		// Decisions do not mutate identities, capabilities, or rules, but
		// they are the sole carrier of the proposer+nonce pair the engine
		// evaluated: advancing the nonce window here, rather than when the
		// engine first evaluates the proposal, is what makes NonceWindows
		// recomputable from the log alone.
		err = reducePolicyDecision(state, body)
	case *entry.Action, entry.Action:
		// Action bodies are opaque to the core state index; their effect
		// is materialized by whatever collaborator proposed them.
	case *entry.KeyUsage, entry.KeyUsage:
		// Audit-only; no projection changes.
	case *entry.Receipt, entry.Receipt:
		// Audit-only; no projection changes.
	default:
		return fmt.Errorf("%w: unrecognized body type %T", ErrDivergent, e.Body)
	}
	if err != nil {
		return err
	}

	state.Seq = e.Seq
	state.HasSeq = true
	hash, hashErr := entry.ComputeHash(e)
	if hashErr != nil {
		return hashErr
	}
	state.Tip = hash
	return nil
}

func reduceIdentityCreate(state *State, body *entry.IdentityCreate) error {
	if _, exists := state.Identities[body.ID]; exists {
		return fmt.Errorf("%w: identity %x already created", ErrDivergent, body.ID)
	}
	if body.HasParent {
		parent, ok := state.Identities[body.Parent]
		if !ok || parent.Revoked {
			return fmt.Errorf("%w: parent identity %x is missing or revoked", ErrDivergent, body.Parent)
		}
	}
	state.Identities[body.ID] = &Identity{
		ID: body.ID,
		Parent: body.Parent,
		HasParent: body.HasParent,
		Type: body.Type,
		PublicKey: append([]byte(nil), body.PublicKey...),
		DerivationPath: body.DerivationPath,
		ExternalRef: body.ExternalRef,
	}
	return nil
}

func reduceIdentityRevoke(state *State, body *entry.IdentityRevoke) error {
	id, ok := state.Identities[body.ID]
	if !ok {
		return fmt.Errorf("%w: revoking unknown identity %x", ErrDivergent, body.ID)
	}
	id.Revoked = true
	id.RevokeReason = body.Reason
	return nil
}

func reducePolicyUpdate(state *State, body *entry.PolicyUpdate) {
	for _, rule := range body.AddedRules {
		state.Rules[rule.ID] = rule
	}
	for _, id := range body.RemovedRuleIDs {
		delete(state.Rules, id)
	}
	state.resourceIndex = nil // rebuilt lazily on next ResourceIndex call
}

func reduceCapabilityGrant(state *State, body *entry.CapabilityGrant) {
	state.Capabilities[body.CapID] = &Capability{
		CapID: body.CapID,
		Holder: body.Holder,
		Granter: body.Granter,
		ResourceMatcher: body.ResourceMatcher,
		Permissions: body.Permissions,
		Restrictions: body.Restrictions,
		ExternalRef: body.ExternalRef,
	}
	state.resourceIndex = nil
}

func reduceCapabilityRevoke(state *State, body *entry.CapabilityRevoke) {
	if c, ok := state.Capabilities[body.CapID]; ok {
		c.Revoked = true
	}
	state.resourceIndex = nil
}

func reducePolicyDecision(state *State, body *entry.PolicyDecision) error {
	return AdvanceNonceWindow(state, body.Proposer, body.Nonce)
}

// AdvanceNonceWindow records nonce as proposer's new high-water mark. It is
// the single mutator of state.NonceWindows, called from two places that
// both already know nonce was accepted before they call it: Reduce,
// replaying a committed PolicyDecision (the log-recovery path), and the
// Policy Engine, immediately after the Sequencer durably commits that same
// decision (the live path, so a later read of state within the same
// process sees the advance without waiting for a boot replay). A nonce
// that does not advance the window indicates a decision the log could not
// have produced from a correctly operating engine.
func AdvanceNonceWindow(state *State, proposer entry.Hash, nonce uint64) error {
	w := state.NonceWindows[proposer]
	if nonce <= w.LastSeen {
		return fmt.Errorf("%w: nonce %d for proposer %x does not advance window past %d", ErrDivergent, nonce, proposer, w.LastSeen)
	}
	state.NonceWindows[proposer] = NonceWindow{LastSeen: nonce}
	return nil
}

// ObserveNonce records nonce as seen by proposer and reports whether it
// falls within the replay window, mutating state.NonceWindows directly.
// Nothing in the live submission path calls this: there the window advances
// only through AdvanceNonceWindow, after a decision commits; it is kept
// exported because it is the clearest place to unit test the window
// semantics in isolation from a whole decision entry.
func ObserveNonce(state *State, proposer entry.Hash, nonce uint64, window uint64) bool {
	if !NonceAcceptable(state, proposer, nonce, window) {
		return false
	}
	state.NonceWindows[proposer] = NonceWindow{LastSeen: nonce}
	return true
}

// NonceAcceptable reports whether nonce would be accepted for proposer
// without recording it. The Policy Engine calls this before submitting a
// decision, so a rejected nonce never mutates the state index; the window
// advances only after the resulting PolicyDecision commits, through
// AdvanceNonceWindow (called live by the engine and on replay by
// reducePolicyDecision).
func NonceAcceptable(state *State, proposer entry.Hash, nonce uint64, window uint64) bool {
	w := state.NonceWindows[proposer]
	if nonce <= w.LastSeen {
		return false
	}
	if w.LastSeen != 0 && nonce > w.LastSeen+window {
		return false
	}
	return true
}
