// Package inclusion accumulates committed log entries into a Merkle tree
// so a relying party can verify that a single sequence number is present
// in the log without replaying it end to end. prev_hash chaining (internal/entry) remains the
// authoritative integrity mechanism; this package is a read-side
// convenience built on top of it.
package inclusion

import (
	"crypto/sha256"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
)

// interiorDomainTag separates interior-node hashing from both the core
// log's entry-hash domain (entry.H) and leaf insertion, so no hash
// collides across purposes.
const interiorDomainTag = 0xC1

// Accumulator holds one leaf per committed entry, in sequence order, and
// recomputes a Merkle root over them on demand. This trades an
// incrementally-maintained Merkle Mountain Range (interior nodes
// backfilled on every Add, O(1) amortized) for a tree recomputed at
// proving time (O(n) per proof) — a deliberate simplification for this
// core's scale, where proofs are produced far less often than entries are
// appended; the node-commits-its-own-position hashing discipline that
// keeps proofs non-equivocal is kept unchanged.
type Accumulator struct {
	leaves []entry.Hash
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Add appends leafHash (the committed entry's hash) as the next leaf.
func (a *Accumulator) Add(leafHash entry.Hash) {
	a.leaves = append(a.leaves, leafHash)
}

// Size returns the number of leaves accumulated so far.
func (a *Accumulator) Size() uint64 {
	return uint64(len(a.leaves))
}

// level computes one tier of the tree from the one below it. An odd node
// out is carried up unchanged (not duplicated), so proofs for the last
// leaf in an unbalanced tree need no sibling at that tier.
func level(nodes []entry.Hash) []entry.Hash {
	if len(nodes) <= 1 {
		return nodes
	}
	next := make([]entry.Hash, 0, (len(nodes)+1)/2)
	pos := uint64(0)
	for i := 0; i+1 < len(nodes); i += 2 {
		next = append(next, hashInterior(pos, nodes[i], nodes[i+1]))
		pos++
	}
	if len(nodes)%2 == 1 {
		next = append(next, nodes[len(nodes)-1])
	}
	return next
}

func hashInterior(pos uint64, left, right entry.Hash) entry.Hash {
	h := sha256.New()
	h.Write([]byte{interiorDomainTag})
	var posBuf [8]byte
	for i := 0; i < 8; i++ {
		posBuf[i] = byte(pos >> (56 - 8*i))
	}
	h.Write(posBuf[:])
	h.Write(left[:])
	h.Write(right[:])
	var out entry.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Root folds every leaf up to a single root hash. An empty accumulator's
// root is the zero hash.
func (a *Accumulator) Root() entry.Hash {
	nodes := a.leaves
	for len(nodes) > 1 {
		nodes = level(nodes)
	}
	if len(nodes) == 0 {
		return entry.Hash{}
	}
	return nodes[0]
}

// step is one tier of an inclusion proof: the sibling hash (absent for a
// carried-up odd node out) and which side it sits on.
type step struct {
	Sibling entry.Hash
	HasSibling bool
	SiblingOnRight bool
}

// Proof is a compact witness that the entry committed at LeafSeq is
// present under the accumulator root recorded at MMRSize leaves. The field
// is named for the Merkle Mountain Range vocabulary even though this
// implementation folds a recomputed tree rather than maintaining a live
// Mountain Range.
type Proof struct {
	LeafSeq uint64
	LeafHash entry.Hash
	Path []ProofStep
	MMRSize uint64
}

// ProofStep is the wire-visible form of step.
type ProofStep struct {
	Sibling entry.Hash
	HasSibling bool
	SiblingOnRight bool
}

// Prove builds an inclusion proof for the leaf committed at seq, against
// the accumulator's current size.
func (a *Accumulator) Prove(seq uint64) (Proof, bool) {
	if seq >= uint64(len(a.leaves)) {
		return Proof{}, false
	}

	nodes := a.leaves
	idx := seq
	var path []ProofStep

	for len(nodes) > 1 {
		var s ProofStep
		if idx%2 == 0 {
			if idx+1 < uint64(len(nodes)) {
				s.Sibling = nodes[idx+1]
				s.HasSibling = true
				s.SiblingOnRight = true
			}
		} else {
			s.Sibling = nodes[idx-1]
			s.HasSibling = true
			s.SiblingOnRight = false
		}
		path = append(path, s)
		nodes = level(nodes)
		idx = idx / 2
	}

	return Proof{LeafSeq: seq, LeafHash: a.leaves[seq], Path: path, MMRSize: uint64(len(a.leaves))}, true
}

// Verify checks proof against an expected accumulator root. idx tracks the leaf's position within each
// successive tier exactly as Prove computed it, so the position commit
// folded into each interior hash lines up with the one Root() would have
// produced at that tier.
func Verify(proof Proof, root entry.Hash) bool {
	cur := proof.LeafHash
	idx := proof.LeafSeq
	for _, s := range proof.Path {
		pos := idx / 2
		if !s.HasSibling {
			idx = idx / 2
			continue
		}
		if s.SiblingOnRight {
			cur = hashInterior(pos, cur, s.Sibling)
		} else {
			cur = hashInterior(pos, s.Sibling, cur)
		}
		idx = idx / 2
	}
	return cur == root
}
