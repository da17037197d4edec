// Package keyservice implements the Key Service: holds the root
// seed, derives subkeys on demand along a hierarchical path, signs on
// behalf of authorized callers, and ensures key material never crosses
// the service's address-space boundary unsigned.
package keyservice

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// domainTag fixes the HKDF info parameter forever, per Genesis.schema_version
// pinning.
const domainTag = "core-kdf-v1"

// LogReader is the narrow view of the committed log the Key Service needs
// to validate an authorization_ref.
type LogReader interface {
	Read(from uint64) ([]*entry.Entry, error)
}

// Submitter is the narrow capability used to log KeyUsage entries; the Key
// Service never calls the Sequencer directly, it always routes usage
// entries through the Policy Engine's submit path.
type Submitter interface {
	LogKeyUsage(usage *entry.KeyUsage) (seq uint64, err error)
}

// Service holds root_seed exclusively for its lifetime. Once constructed,
// the seed and every derived key buffer lives only inside Service methods
// and is zeroed on every return path.
type Service struct {
	mu sync.Mutex
	rootSeed [32]byte
	log LogReader
	engine Submitter
	logger *zap.SugaredLogger
}

// New constructs a Service from a root seed obtained via LoadRootSeed. The
// caller's copy of seed should be considered consumed; New does not zero
// it (the boot sequence owns that), but Service never retains more copies
// than this one field.
func New(seed [32]byte, log LogReader, engine Submitter, logger *zap.SugaredLogger) *Service {
	return &Service{rootSeed: seed, log: log, engine: engine, logger: logger}
}

// Close zeroes the root seed. Callers must ensure no Sign call is
// in-flight; in process-boundary panic/abort handlers this should run via
// defer immediately after construction.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rootSeed {
		s.rootSeed[i] = 0
	}
}

// deriveLeaf walks root_seed through path via iterated HKDF-SHA256
// Derivation: k_0 = root_seed; k_i = KDF(k_{i-1}, seg_i, domain_tag).
// The returned key must be zeroed by the caller.
func (s *Service) deriveLeaf(path [][]byte) (ed25519.PrivateKey, error) {
	s.mu.Lock()
	cur := s.rootSeed
	s.mu.Unlock()

	key := make([]byte, 32)
	copy(key, cur[:])
	defer zero(cur[:])

	for _, seg := range path {
		next := make([]byte, 32)
		r := hkdf.New(newSHA256, key, seg, []byte(domainTag))
		if _, err := io.ReadFull(r, next); err != nil {
			zero(key)
			zero(next)
			return nil, fmt.Errorf("deriving subkey: %w", err)
		}
		zero(key)
		key = next
	}

	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(newSHA256, key, []byte("leaf"), []byte(domainTag))
	if _, err := io.ReadFull(r, seed); err != nil {
		zero(key)
		zero(seed)
		return nil, fmt.Errorf("deriving leaf seed: %w", err)
	}
	zero(key)

	leaf := ed25519.NewKeyFromSeed(seed)
	zero(seed)
	return leaf, nil
}

// PublicKey returns the exported public half of the key at path, never
// the private key bytes.
func (s *Service) PublicKey(path [][]byte) (ed25519.PublicKey, error) {
	leaf, err := s.deriveLeaf(path)
	if err != nil {
		return nil, err
	}
	defer zero(leaf)
	pub := append(ed25519.PublicKey(nil), leaf.Public().(ed25519.PublicKey)...)
	return pub, nil
}

// SignRequest bundles the inputs to Sign.
type SignRequest struct {
	Caller entry.Hash
	KeyPath [][]byte
	MessageHash entry.Hash
	AuthorizationRef uint64
}

// SignResult carries the signature and the sequence number of the
// KeyUsage audit entry logged alongside it.
type SignResult struct {
	Signature entry.Signature
	UsageSeq uint64
}

// Sign validates authorization, derives the requested key, signs, zeroes
// the derived key, and logs the usage — denying and auditing the denial if
// authorization does not hold.
func (s *Service) Sign(req SignRequest) (SignResult, error) {
	if err := s.verifyAuthorization(req); err != nil {
		s.logDenial(req, err.Error())
		return SignResult{}, err
	}

	leaf, err := s.deriveLeaf(req.KeyPath)
	if err != nil {
		return SignResult{}, err
	}
	defer zero(leaf)

	sigBytes := ed25519.Sign(leaf, req.MessageHash[:])
	var sig entry.Signature
	copy(sig[:], sigBytes)
	sigHash := entry.H(sigBytes)

	usageSeq, err := s.engine.LogKeyUsage(&entry.KeyUsage{
		Op: entry.KeyOpSign,
		KeyPath: req.KeyPath,
		MessageHash: req.MessageHash,
		AuthorizationRef: req.AuthorizationRef,
		SigHash: sigHash,
	})
	if err != nil {
		return SignResult{}, fmt.Errorf("logging key usage: %w", err)
	}
	return SignResult{Signature: sig, UsageSeq: usageSeq}, nil
}

func (s *Service) verifyAuthorization(req SignRequest) error {
	entries, err := s.log.Read(req.AuthorizationRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecisionNotFound, err)
	}
	if len(entries) == 0 {
		return ErrDecisionNotFound
	}
	e := entries[0]
	if e.Seq != req.AuthorizationRef {
		return ErrDecisionNotFound
	}
	var decision *entry.PolicyDecision
	switch body := e.Body.(type) {
	case *entry.PolicyDecision:
		decision = body
	case entry.PolicyDecision:
		decision = &body
	default:
		return ErrDecisionNotFound
	}
	if decision.Effect == entry.EffectDeny {
		return ErrNotAuthorized
	}
	want := entry.BindSignRequest(req.Caller, req.KeyPath, req.MessageHash)
	if decision.SignBinding != want {
		// An Allow decision that exists but was never bound to this
		// caller, key path, and message — most likely one authorizing
		// some unrelated proposal — must not authorize this call.
		return ErrNotAuthorized
	}
	return nil
}

func (s *Service) logDenial(req SignRequest, reason string) {
	if s.engine == nil {
		return
	}
	_, _ = s.engine.LogKeyUsage(&entry.KeyUsage{
		Op: entry.KeyOpSign,
		KeyPath: req.KeyPath,
		MessageHash: req.MessageHash,
		AuthorizationRef: req.AuthorizationRef,
		Denied: true,
		DenialReason: reason,
	})
}

func newSHA256() hash.Hash { return sha256.New() }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
