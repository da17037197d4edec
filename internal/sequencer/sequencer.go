// Package sequencer implements the Axiom log's single logical writer:
// it imposes a strict total order over authorized envelopes handed to it by
// the Policy Engine, durably persists each one with hash-chain integrity
// preserved across crashes, and serves a lazy, restartable read path.
//
// The commit protocol borrows an etag-guarded write discipline from blob
// conditional writes (use the etag to guard against racy updates, and a
// not-exists precondition when creating a new object) and adapts it to a
// local write-ahead staging region plus a separately flushed tip record.
package sequencer

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/datatrails/go-datatrails-axiom/internal/clock"
	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/datatrails/go-datatrails-axiom/internal/inclusion"
	"github.com/datatrails/go-datatrails-axiom/internal/storage"
	"go.uber.org/zap"
)

// Envelope is what the Policy Engine hands to Submit: a proposed body,
// paired with the sequence it was evaluated against and the engine's
// signature over both.
type Envelope struct {
	Body entry.Body
	ExpectedPrev uint64
	HasExpectedPrev bool // false only for the very first (genesis) submission
	EngineSignature entry.Signature
}

// SchemaVersion is pinned at the current release; it is written into
// every tip record and must bump in lockstep with any canonical encoding
// change.
const SchemaVersion uint16 = 1

// Result is the successful outcome of Submit.
type Result struct {
	Seq uint64
	EntryHash entry.Hash
}

type request struct {
	envelope Envelope
	resultCh chan response
}

type response struct {
	result Result
	err error
}

// Sequencer is the sole owner of the on-disk log. Construct
// one per process per log; Submit is safe to call concurrently from many
// goroutines, all of which serialize through the internal mailbox.
type Sequencer struct {
	backend storage.Backend
	enginePublicKey ed25519.PublicKey
	committerKey ed25519.PrivateKey
	clock *clock.Logical
	log *zap.SugaredLogger

	mailbox chan request
	done chan struct{}
	closed sync.Once

	// mu guards the fields below, which are only ever mutated by the
	// single writer goroutine but are read by Tip/Read from other
	// goroutines.
	mu sync.RWMutex
	hasTip bool
	tipSeq uint64
	tipHash entry.Hash
	stageOffset int64
	offsets []int64 // offsets[seq] = byte offset of that entry's frame

	// acc mirrors every committed entry's hash into an inclusion
	// accumulator, so Read-side callers can request a proof without
	// replaying the whole log. It carries no durable state of its own
	// and is rebuilt from the log on every recovery.
	acc *inclusion.Accumulator
}

// Config bundles the constructor parameters that are not themselves
// collaborators.
type Config struct {
	EnginePublicKey ed25519.PublicKey
	CommitterKey ed25519.PrivateKey
	MailboxCapacity int
}

// Open constructs a Sequencer over backend, recovers its durable state, and
// starts the single writer goroutine. Call Close to stop it.
func Open(backend storage.Backend, cfg Config, log *zap.SugaredLogger) (*Sequencer, error) {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 256
	}
	s := &Sequencer{
		backend: backend,
		enginePublicKey: cfg.EnginePublicKey,
		committerKey: cfg.CommitterKey,
		clock: clock.NewLogical(time.Now()),
		log: log,
		mailbox: make(chan request, cfg.MailboxCapacity),
		done: make(chan struct{}),
		acc: inclusion.New(),
	}
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("recovering log: %w", err)
	}
	go s.run()
	return s, nil
}

// Submit never blocks indefinitely:
// if the mailbox is full the call returns ErrOverloaded immediately rather
// than silently dropping the envelope.
func (s *Sequencer) Submit(env Envelope) (Result, error) {
	resultCh := make(chan response, 1)
	select {
	case s.mailbox <- request{envelope: env, resultCh: resultCh}:
	default:
		return Result{}, ErrOverloaded
	}
	select {
	case resp := <-resultCh:
		return resp.result, resp.err
	case <-s.done:
		return Result{}, ErrClosed
	}
}

// Tip returns the current (seq, hash) pair in O(1).
// ok is false only when the log has no entries yet.
func (s *Sequencer) Tip() (seq uint64, hash entry.Hash, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipSeq, s.tipHash, s.hasTip
}

// Read returns every committed entry at or after from, in order. It is
// restartable: callers may call it again with a higher from to resume.
func (s *Sequencer) Read(from uint64) ([]*entry.Entry, error) {
	s.mu.RLock()
	if !s.hasTip || from > s.tipSeq {
		s.mu.RUnlock()
		return nil, nil
	}
	offset := s.offsets[from]
	s.mu.RUnlock()

	data, err := s.backend.ReadAt(offset, 0)
	if err != nil {
		return nil, fmt.Errorf("reading log from offset %d: %w", offset, err)
	}

	var out []*entry.Entry
	pos := 0
	seq := from
	for pos < len(data) {
		e, _, n, err := entry.Unframe(data[pos:])
		if err != nil {
			return out, &IntegrityError{Seq: seq, Err: err}
		}
		out = append(out, e)
		pos += n
		seq++
	}
	return out, nil
}

// VerifyRange walks the hash chain across [from, to] and reports the first
// break found.
func (s *Sequencer) VerifyRange(from, to uint64) error {
	entries, err := s.Read(from)
	if err != nil {
		return err
	}
	var prevHash entry.Hash
	havePrev := false
	if from > 0 {
		prior, err := s.Read(from - 1)
		if err != nil || len(prior) == 0 {
			return fmt.Errorf("reading predecessor of range start: %w", err)
		}
		prevHash, err = entry.ComputeHash(prior[0])
		if err != nil {
			return err
		}
		havePrev = true
	}
	for _, e := range entries {
		if e.Seq > to {
			break
		}
		if err := entry.VerifyPayloadHash(e); err != nil {
			return &IntegrityError{Seq: e.Seq, Err: err}
		}
		if havePrev && e.PrevHash != prevHash {
			return &IntegrityError{Seq: e.Seq, Err: entry.ErrChainBroken}
		}
		h, err := entry.ComputeHash(e)
		if err != nil {
			return &IntegrityError{Seq: e.Seq, Err: err}
		}
		prevHash = h
		havePrev = true
	}
	return nil
}

// InclusionProof returns a witness that the entry committed at seq is
// present under the log's current accumulator root, along with that root.
// ok is false if seq has not been committed yet.
func (s *Sequencer) InclusionProof(seq uint64) (proof inclusion.Proof, root entry.Hash, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proof, ok = s.acc.Prove(seq)
	if !ok {
		return inclusion.Proof{}, entry.Hash{}, false
	}
	return proof, s.acc.Root(), true
}

// VerifyInclusion checks proof against root; it does not require access to
// a live Sequencer and is exposed here purely so callers need not import
// the inclusion package directly.
func VerifyInclusion(proof inclusion.Proof, root entry.Hash) bool {
	return inclusion.Verify(proof, root)
}

// Close stops the writer goroutine. In-flight Submit calls observe
// ErrClosed.
func (s *Sequencer) Close() error {
	s.closed.Do(func() { close(s.done) })
	return s.backend.Close()
}

func (s *Sequencer) run() {
	for {
		select {
		case req := <-s.mailbox:
			result, err := s.commit(req.envelope)
			req.resultCh <- response{result: result, err: err}
		case <-s.done:
			return
		}
	}
}

// commit performs the durability protocol, staging the entry to disk before
// publishing it. It runs only on the single writer goroutine, so no locking
// is needed for the staged entry itself; s.mu only protects the
// published-state fields readers see.
func (s *Sequencer) commit(env Envelope) (Result, error) {
	s.mu.RLock()
	curSeq, curHash, hasTip := s.tipSeq, s.tipHash, s.hasTip
	s.mu.RUnlock()

	bodyHash, err := entry.PayloadHash(env.Body)
	if err != nil {
		return Result{}, fmt.Errorf("hashing envelope body: %w", err)
	}
	if !s.verifyEngineSignature(bodyHash, env) {
		return Result{}, ErrNotAuthorized
	}

	expectedOK := (!hasTip && !env.HasExpectedPrev) ||
		(hasTip && env.HasExpectedPrev && env.ExpectedPrev == curSeq)
	if !expectedOK {
		return Result{}, ErrStaleExpectedPrev
	}

	nextSeq := uint64(0)
	prevHash := entry.Hash{}
	if hasTip {
		nextSeq = curSeq + 1
		prevHash = curHash
	}

	e := &entry.Entry{
		Seq: nextSeq,
		PrevHash: prevHash,
		PayloadHash: bodyHash,
		Body: env.Body,
		TimestampLogical: s.clock.Next(),
	}
	entryHash, err := entry.ComputeHash(e)
	if err != nil {
		return Result{}, fmt.Errorf("computing entry hash: %w", err)
	}
	e.CommitterSignature = entry.Signature(ed25519.Sign(s.committerKey, entryHash[:]))

	framed, err := entry.Frame(e)
	if err != nil {
		return Result{}, fmt.Errorf("framing entry: %w", err)
	}

	offset, err := s.backend.AppendStaged(framed)
	if err != nil {
		return Result{}, fmt.Errorf("staging entry: %w", err)
	}

	newStageOffset := offset + int64(len(framed))
	if err := s.backend.PublishTip(storage.TipRecord{
		SchemaVersion: SchemaVersion,
		LastSeq: nextSeq,
		LastHash: entryHash,
		StageOffset: newStageOffset,
	}); err != nil {
		return Result{}, fmt.Errorf("publishing tip: %w", err)
	}

	s.mu.Lock()
	s.hasTip = true
	s.tipSeq = nextSeq
	s.tipHash = entryHash
	s.stageOffset = newStageOffset
	s.offsets = append(s.offsets, offset)
	s.acc.Add(entryHash)
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debugw("committed entry", "seq", nextSeq, "tag", e.Body.Tag())
	}

	return Result{Seq: nextSeq, EntryHash: entryHash}, nil
}

func (s *Sequencer) verifyEngineSignature(bodyHash entry.Hash, env Envelope) bool {
	msg := signedMessage(bodyHash, env.ExpectedPrev, env.HasExpectedPrev)
	return ed25519.Verify(s.enginePublicKey, msg, env.EngineSignature[:])
}

// SignEnvelope is used by the Policy Engine to produce EngineSignature; it
// lives here (rather than in policy) so the signed byte layout can never
// drift between signer and verifier.
func SignEnvelope(engineKey ed25519.PrivateKey, bodyHash entry.Hash, expectedPrev uint64, hasExpectedPrev bool) entry.Signature {
	msg := signedMessage(bodyHash, expectedPrev, hasExpectedPrev)
	var sig entry.Signature
	copy(sig[:], ed25519.Sign(engineKey, msg))
	return sig
}

func signedMessage(bodyHash entry.Hash, expectedPrev uint64, hasExpectedPrev bool) []byte {
	msg := make([]byte, 0, 41)
	msg = append(msg, bodyHash[:]...)
	if hasExpectedPrev {
		msg = append(msg, 1)
	} else {
		msg = append(msg, 0)
	}
	for i := 56; i >= 0; i -= 8 {
		msg = append(msg, byte(expectedPrev>>uint(i)))
	}
	return msg
}

// recover locates the last commit
// record whose checksum validates and whose referenced entry parses and
// hash-chains to its predecessor; anything beyond is truncated.
func (s *Sequencer) recover() error {
	tip, ok, err := s.backend.ReadTip()
	if err != nil {
		return err
	}

	data, err := s.backend.ReadAt(0, 0)
	if err != nil {
		return fmt.Errorf("reading log for recovery: %w", err)
	}

	var offsets []int64
	var prevHash entry.Hash
	pos := 0
	for pos < len(data) {
		e, h, n, err := entry.Unframe(data[pos:])
		if err != nil {
			// A partially-staged, never-published frame is expected here
			// if the process crashed between stage and publish; stop
			// replay at the last point we can prove is good.
			break
		}
		if e.Seq > 0 && e.PrevHash != prevHash {
			return &IntegrityError{Seq: e.Seq, Err: entry.ErrChainBroken}
		}
		offsets = append(offsets, int64(pos))
		s.acc.Add(h)
		prevHash = h
		pos += n

		if ok && int64(pos) == tip.StageOffset {
			if e.Seq != tip.LastSeq || h != tip.LastHash {
				return storage.ErrTipCorrupt
			}
			break
		}
	}

	if ok && (len(offsets) == 0 || int64(pos) != tip.StageOffset) {
		return storage.ErrTipCorrupt
	}

	if err := s.backend.Truncate(int64(pos)); err != nil {
		return fmt.Errorf("truncating unpublished tail: %w", err)
	}

	s.offsets = offsets
	if ok {
		s.hasTip = true
		s.tipSeq = tip.LastSeq
		s.tipHash = tip.LastHash
		s.stageOffset = tip.StageOffset
	}
	return nil
}
