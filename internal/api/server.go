// Package api implements the core's single control surface: a
// narrow, process-local set of operations over the Sequencer, Policy
// Engine, Key Service, and Reducer state index. Nothing outside this
// surface is part of the core — callers in the same process (an RPC
// shim, a CLI, a test) import this package rather than reaching into the
// component packages directly.
package api

import (
	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/datatrails/go-datatrails-axiom/internal/inclusion"
	"github.com/datatrails/go-datatrails-axiom/internal/keyservice"
	"github.com/datatrails/go-datatrails-axiom/internal/policy"
	"github.com/datatrails/go-datatrails-axiom/internal/reducer"
	"github.com/datatrails/go-datatrails-axiom/internal/sequencer"
)

// Server wires together one core instance's collaborators and exposes
// exactly the control-surface operations.
type Server struct {
	seq *sequencer.Sequencer
	engine *policy.Engine
	keys *keyservice.Service
	state *reducer.State

	archiving bool
	lastArchivedSeq uint64
}

// New constructs a Server over already-open collaborators; it does not
// itself own their lifecycle (callers Close the Sequencer).
func New(seq *sequencer.Sequencer, engine *policy.Engine, keys *keyservice.Service, state *reducer.State) *Server {
	return &Server{seq: seq, engine: engine, keys: keys, state: state}
}

// SubmitProposal implements the `submit_proposal` operation.
func (s *Server) SubmitProposal(p policy.Proposal) (policy.Decision, error) {
	return s.engine.Evaluate(p)
}

// ReadFrom implements `read_from(seq)`.
func (s *Server) ReadFrom(seq uint64) ([]*entry.Entry, error) {
	return s.seq.Read(seq)
}

// CurrentTip implements `current_tip`.
func (s *Server) CurrentTip() (seq uint64, hash entry.Hash, ok bool) {
	return s.seq.Tip()
}

// GetPublicKey implements `get_public_key(path)`.
func (s *Server) GetPublicKey(path [][]byte) ([]byte, error) {
	pub, err := s.keys.PublicKey(path)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// Sign implements `sign(key_path, message_hash, auth_ref)`.
func (s *Server) Sign(keyPath [][]byte, messageHash entry.Hash, authRef uint64) (keyservice.SignResult, error) {
	return s.keys.Sign(keyservice.SignRequest{
		KeyPath: keyPath,
		MessageHash: messageHash,
		AuthorizationRef: authRef,
	})
}

// Projection names which indexed view QueryState reads.
type Projection int

const (
	ProjectionIdentity Projection = iota
	ProjectionCapability
	ProjectionRule
)

// QueryState implements `query_state(projection, key)`. key's meaning
// depends on projection: an entry.Hash for Identity/Capability. The Rule
// projection is not served here (it returns nil, false); rules are looked
// up by numeric ID through QueryRule.
func (s *Server) QueryState(projection Projection, key entry.Hash) (any, bool) {
	switch projection {
	case ProjectionIdentity:
		return s.state.Identity(key)
	case ProjectionCapability:
		c, ok := s.state.Capabilities[key]
		return c, ok
	default:
		return nil, false
	}
}

// QueryRule looks up a rule by numeric ID, the Rule projection's natural
// key shape (distinct signature from QueryState since rule IDs are
// uint64, not entry.Hash).
func (s *Server) QueryRule(id uint64) (entry.RuleDef, bool) {
	return s.state.Rule(id)
}

// VerifyInclusion implements the supplemented `verify_inclusion(seq, proof)`
// operation.
func (s *Server) VerifyInclusion(proof inclusion.Proof, root entry.Hash) bool {
	return sequencer.VerifyInclusion(proof, root)
}

// InclusionProof returns a witness for the entry committed at seq, for
// callers that want to build a verify_inclusion call themselves.
func (s *Server) InclusionProof(seq uint64) (inclusion.Proof, entry.Hash, bool) {
	return s.seq.InclusionProof(seq)
}

// Snapshot marshals the current reducer state for archiving.
func (s *Server) Snapshot() (reducer.Descriptor, []byte, error) {
	return reducer.Marshal(s.state)
}

// ArchiveStatus is the supplemented `archive_snapshot_status()` response
// shape: whether archiving is enabled for this process and,
// if so, the last snapshot sequence successfully archived.
type ArchiveStatus struct {
	Enabled bool
	LastArchivedSeq uint64
}

// EnableArchiving records that this process has a Snapshot Archiver
// running, for ArchiveSnapshotStatus to report. Called once at boot by
// cmd/axiomd when an archive container is configured.
func (s *Server) EnableArchiving() {
	s.archiving = true
}

// NoteArchived records the sequence number of the most recently archived
// snapshot, called by the snapshot loop after every successful upload.
func (s *Server) NoteArchived(seq uint64) {
	s.lastArchivedSeq = seq
}

// ArchiveSnapshotStatus implements the supplemented `archive_snapshot_status()`
// operation.
func (s *Server) ArchiveSnapshotStatus() ArchiveStatus {
	return ArchiveStatus{Enabled: s.archiving, LastArchivedSeq: s.lastArchivedSeq}
}
