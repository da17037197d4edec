// Package reducer computes the control-plane state as a pure, incremental
// reduction of the committed log. It owns the in-memory state index
// exclusively; every projection it exposes is recomputable from the log
// alone and exists only to make policy evaluation and capability checks
// fast.
package reducer

import (
	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/datatrails/go-datatrails-axiom/internal/matcher"
)

// Identity is the reduced projection of an IdentityCreate/IdentityRevoke
// pair.
type Identity struct {
	ID entry.Hash
	Parent entry.Hash
	HasParent bool
	Type entry.IdentityType
	PublicKey []byte
	Revoked bool
	RevokeReason string
	DerivationPath [][]byte
	ExternalRef string
}

// Capability is the reduced projection of a CapabilityGrant, live until a
// matching CapabilityRevoke is reduced.
type Capability struct {
	CapID entry.Hash
	Holder entry.Hash
	Granter entry.Hash
	ResourceMatcher string
	Permissions uint64
	Restrictions []string
	Revoked bool
	ExternalRef string
}

// NonceWindow tracks the highest nonce a proposer has used, bounding replay
// to nonces within W of it.
type NonceWindow struct {
	LastSeen uint64
}

// State is the full reduced snapshot of the log up to Seq (inclusive).
// Every field is owned exclusively by the reducer's write path; readers
// obtain consistent point-in-time views via Clone.
type State struct {
	Seq uint64
	HasSeq bool
	Tip entry.Hash

	Identities map[entry.Hash]*Identity
	Capabilities map[entry.Hash]*Capability
	Rules map[uint64]entry.RuleDef
	NonceWindows map[entry.Hash]NonceWindow
	LastSeen map[entry.Hash]uint64 // identity -> logical timestamp; Reduce does not populate it

	// resourceIndex is rebuilt from Rules; it is dropped whenever rules or
	// capabilities change, and is a derived cache, never serialized directly.
	resourceIndex *matcher.Trie
}

// New returns an empty state, as of "before genesis".
func New() *State {
	return &State{
		Identities: make(map[entry.Hash]*Identity),
		Capabilities: make(map[entry.Hash]*Capability),
		Rules: make(map[uint64]entry.RuleDef),
		NonceWindows: make(map[entry.Hash]NonceWindow),
		LastSeen: make(map[entry.Hash]uint64),
	}
}

// ResourceIndex returns the resource-matcher trie over every active rule's
// resource patterns (capabilities are not indexed), building it lazily so repeated reads between writes are free.
func (s *State) ResourceIndex() *matcher.Trie {
	if s.resourceIndex == nil {
		s.resourceIndex = buildResourceIndex(s)
	}
	return s.resourceIndex
}

func buildResourceIndex(s *State) *matcher.Trie {
	t := matcher.New()
	for id, r := range s.Rules {
		for _, pattern := range resourcePatterns(r) {
			t.Insert(pattern, id)
		}
	}
	return t
}

// resourcePatterns extracts the resource-matching pattern(s) a RuleDef's
// condition tree names, so the trie can index it. Rules whose condition has no resource clause match every
// resource ("*").
func resourcePatterns(r entry.RuleDef) []string {
	var patterns []string
	var walk func(c entry.Condition)
	walk = func(c entry.Condition) {
		if c.Op == entry.ConditionResource {
			patterns = append(patterns, c.Value)
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(r.Condition)
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return patterns
}

// Identity looks up a reduced identity projection by id.
func (s *State) Identity(id entry.Hash) (*Identity, bool) {
	i, ok := s.Identities[id]
	return i, ok
}

// Rule looks up a currently active rule by id.
func (s *State) Rule(id uint64) (entry.RuleDef, bool) {
	r, ok := s.Rules[id]
	return r, ok
}

// ResourceMatches returns every rule id whose resource pattern matches
// resource, via the lazily-built resource-matcher trie.
func (s *State) ResourceMatches(resource string) []uint64 {
	return s.ResourceIndex().Match(resource)
}

// NonceAcceptable reports whether nonce would be accepted for proposer,
// without recording it; it delegates to the package-level NonceAcceptable
// so policy.Engine can depend on the narrow StateReader interface instead
// of *State directly.
func (s *State) NonceAcceptable(proposer entry.Hash, nonce, window uint64) bool {
	return NonceAcceptable(s, proposer, nonce, window)
}

// AdvanceNonce records nonce as proposer's new high-water mark. The Policy
// Engine calls this once, immediately after the Sequencer confirms the
// corresponding PolicyDecision is durably committed — never before — so a
// decision that fails to commit leaves no trace in the index. A later
// boot replays the same advance from the log via Reduce.
func (s *State) AdvanceNonce(proposer entry.Hash, nonce uint64) error {
	return AdvanceNonceWindow(s, proposer, nonce)
}

// Clone returns a deep-enough copy for snapshot isolation: maps are copied,
// identity/capability values are copied by value through new pointers so a
// concurrent writer mutating the live state cannot race a reader walking
// the clone. The resource index is left nil and rebuilt lazily.
func (s *State) Clone() *State {
	c := New()
	c.Seq, c.HasSeq, c.Tip = s.Seq, s.HasSeq, s.Tip
	for k, v := range s.Identities {
		cp := *v
		c.Identities[k] = &cp
	}
	for k, v := range s.Capabilities {
		cp := *v
		c.Capabilities[k] = &cp
	}
	for k, v := range s.Rules {
		c.Rules[k] = v
	}
	for k, v := range s.NonceWindows {
		c.NonceWindows[k] = v
	}
	for k, v := range s.LastSeen {
		c.LastSeen[k] = v
	}
	return c
}
