// Package policy implements the Policy Engine: the sole path from
// execution to the log. It authenticates proposers, evaluates the active
// rule set, records every decision (allow or deny) as a log entry, and
// forwards authorized actions as subsequent entries.
package policy

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/datatrails/go-datatrails-axiom/internal/reducer"
	"github.com/datatrails/go-datatrails-axiom/internal/sequencer"
	"go.uber.org/zap"
)

const defaultNonceWindow = 4096

// NonceWindow bounds how far ahead of a proposer's last-seen nonce a new
// nonce may be.
var NonceWindow uint64 = defaultNonceWindow

// maxDecisionReevaluations bounds how many times Evaluate re-reads the tip
// and re-runs matchRules before giving up under sustained contention from
// another engine instance writing to the same Sequencer.
const maxDecisionReevaluations = 8

// Proposal is what a caller submits to Evaluate.
type Proposal struct {
	Proposer entry.Hash
	Action string // action name evaluated against RuleDef conditions
	Resource string
	Nonce uint64
	Body []byte // opaque action payload, carried into Action.ActionBody on Allow
	ClientSignature []byte

	// SignBinding, when non-zero, commits the decision that may result
	// from this proposal to a specific Key Service Sign call (see
	// entry.BindSignRequest). The engine carries it through to the
	// PolicyDecision unexamined; only the Key Service interprets it.
	SignBinding entry.Hash
}

// Decision is either Allow{...} or Deny{...}. AuthRef is
// populated for both outcomes: it names the PolicyDecision log entry a
// caller must present to request any subsequent effect.
type Decision struct {
	Effect entry.Effect
	RuleID uint64
	Reason string
	Restrictions []string
	AuthRef uint64 // sequence number of the PolicyDecision entry
	ActionSeq uint64 // sequence number of the paired Action entry, set only on Allow
	HasAction bool
}

// StateReader is the read-only view the engine needs of the reducer's
// state index; Engine takes this interface rather than *reducer.State
// directly so tests can substitute a stub.
type StateReader interface {
	Identity(id entry.Hash) (*reducer.Identity, bool)
	NonceAcceptable(proposer entry.Hash, nonce, window uint64) bool
	ResourceMatches(resource string) []uint64
	Rule(id uint64) (entry.RuleDef, bool)

	// AdvanceNonce is the one mutating method on this interface. The
	// engine calls it exactly once per evaluation, strictly after the
	// Sequencer confirms the decision is committed, so the in-memory
	// index never advances ahead of the log.
	AdvanceNonce(proposer entry.Hash, nonce uint64) error
}

// Engine evaluates proposals and submits the resulting decision (and, on
// allow, action) entries through the Sequencer.
type Engine struct {
	mu sync.Mutex

	state StateReader
	seq *sequencer.Sequencer
	engineSK ed25519.PrivateKey
	log *zap.SugaredLogger
}

// New constructs an Engine. engineKey signs every envelope submitted to
// the Sequencer; its public half must be the one the Sequencer was opened
// with (sequencer.Config.EnginePublicKey).
func New(state StateReader, seq *sequencer.Sequencer, engineKey ed25519.PrivateKey, log *zap.SugaredLogger) *Engine {
	return &Engine{
		state: state,
		seq: seq,
		engineSK: engineKey,
		log: log,
	}
}

// Evaluate runs the rule-matching algorithm end to end: authenticate,
// replay-check, match rules, decide, submit the decision entry, and on
// Allow submit the paired action entry. Evaluate serializes internally so
// concurrent callers do not race on the same proposer's nonce window.
func (e *Engine) Evaluate(p Proposal) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authenticate(p); err != nil {
		return Decision{}, err
	}
	if !e.checkNonce(p) {
		return Decision{}, ErrNonceReplay
	}

	ruleID, effect, restrictions, reason, decisionResult, err := e.evaluateAndSubmitDecision(p)
	if err != nil {
		return Decision{}, fmt.Errorf("submitting decision entry: %w", err)
	}

	decision := Decision{
		Effect: effect,
		RuleID: ruleID,
		Reason: reason,
		Restrictions: restrictions,
		AuthRef: decisionResult.Seq,
	}

	if effect == entry.EffectDeny {
		if e.log != nil {
			e.log.Infow("proposal denied", "proposer", p.Proposer, "rule_id", ruleID, "reason", reason)
		}
		return decision, nil
	}

	actionResult, err := e.submit(&entry.Action{
		AuthorizationRef: decisionResult.Seq,
		ActionBody: p.Body,
	})
	if err != nil {
		// The decision entry stands regardless; the
		// caller must retry the action submission with fresh evaluation.
		return decision, fmt.Errorf("submitting action entry: %w", err)
	}
	decision.ActionSeq = actionResult.Seq
	decision.HasAction = true
	return decision, nil
}

// evaluateAndSubmitDecision matches rules against the current state and
// submits the resulting PolicyDecision. On a stale tip it re-reads the tip
// and re-runs matchRules from scratch before resubmitting, rather than
// resending the already-computed decision body: an intervening
// PolicyUpdate or IdentityRevoke between the first read and the retry can
// flip Allow to Deny, and that is the correct outcome to commit.
func (e *Engine) evaluateAndSubmitDecision(p Proposal) (ruleID uint64, effect entry.Effect, restrictions []string, reason string, result sequencer.Result, err error) {
	for attempt := 0; attempt < maxDecisionReevaluations; attempt++ {
		ruleID, effect, restrictions, reason = e.matchRules(p)
		decisionBody := &entry.PolicyDecision{
			ProposalHash: proposalHash(p),
			Effect: effect,
			RuleID: ruleID,
			Reason: reason,
			Restrictions: restrictions,
			Proposer: p.Proposer,
			Nonce: p.Nonce,
			SignBinding: p.SignBinding,
		}
		result, err = e.submitOnce(decisionBody)
		if err != sequencer.ErrStaleExpectedPrev {
			if err == nil {
				// The decision is now durably committed: only now is it
				// safe to advance the nonce window. A boot replay
				// reaches the same state later by reducing this same
				// entry (reducer.AdvanceNonceWindow), so the two paths
				// can never disagree.
				if advErr := e.state.AdvanceNonce(p.Proposer, p.Nonce); advErr != nil && e.log != nil {
					e.log.Errorw("nonce window did not advance after committed decision", "proposer", p.Proposer, "nonce", p.Nonce, "error", advErr)
				}
			}
			return
		}
	}
	return 0, 0, nil, "", sequencer.Result{}, fmt.Errorf("%w: tip kept moving across %d re-evaluations", sequencer.ErrStaleExpectedPrev, maxDecisionReevaluations)
}

// LogKeyUsage submits a KeyUsage audit entry directly, bypassing proposal
// authentication: the Key Service is a trusted internal caller, not an
// external proposer, but its usage entries still flow through the engine
// so every write to the log has a single submission path.
func (e *Engine) LogKeyUsage(usage *entry.KeyUsage) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	result, err := e.submit(usage)
	if err != nil {
		return 0, fmt.Errorf("logging key usage: %w", err)
	}
	return result.Seq, nil
}

func (e *Engine) authenticate(p Proposal) error {
	id, ok := e.state.Identity(p.Proposer)
	if !ok {
		return ErrUnknownProposer
	}
	if id.Revoked {
		return ErrRevokedProposer
	}
	if !ed25519.Verify(ed25519.PublicKey(id.PublicKey), signedProposalBytes(p), p.ClientSignature) {
		return ErrBadSignature
	}
	return nil
}

// checkNonce only reads the state index: it must never mutate
// NonceWindows itself, since a nonce that fails here, or whose decision
// never durably commits, must leave no trace. The window advances only
// after the resulting PolicyDecision commits: live, through
// StateReader.AdvanceNonce, and on boot replay, through Reduce.
func (e *Engine) checkNonce(p Proposal) bool {
	return e.state.NonceAcceptable(p.Proposer, p.Nonce, NonceWindow)
}

func (e *Engine) matchRules(p Proposal) (ruleID uint64, effect entry.Effect, restrictions []string, reason string) {
	candidateIDs := e.state.ResourceMatches(p.Resource)
	type candidate struct {
		rule entry.RuleDef
	}
	var candidates []candidate
	for _, id := range candidateIDs {
		rule, ok := e.state.Rule(id)
		if !ok {
			continue
		}
		if matchesAction(rule.Condition, p.Action) {
			candidates = append(candidates, candidate{rule: rule})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].rule, candidates[j].rule
		if ri.Priority != rj.Priority {
			return ri.Priority > rj.Priority
		}
		return ri.ID < rj.ID
	})
	if len(candidates) == 0 {
		return entry.DefaultDenyRuleID, entry.EffectDeny, nil, "no rule matched: default deny"
	}
	winner := candidates[0].rule
	return winner.ID, winner.Effect, winner.Restrictions, ""
}

// matchesAction walks the condition tree looking for an action clause
// that names p.Action, or ConditionAll which matches unconditionally. A
// condition with no action clause at all is treated as matching every
// action, mirroring the resource dimension's "no clause means unbounded."
func matchesAction(c entry.Condition, action string) bool {
	switch c.Op {
	case entry.ConditionAll:
		return true
	case entry.ConditionAction:
		return c.Value == action
	case entry.ConditionAnd:
		for _, child := range c.Children {
			if child.Op == entry.ConditionAction && child.Value != action {
				return false
			}
		}
		return true
	case entry.ConditionOr:
		for _, child := range c.Children {
			if matchesAction(child, action) {
				return true
			}
		}
		return len(c.Children) == 0
	default:
		return true
	}
}

// submit retries once, mechanically, against a freshly re-read tip. It is
// only safe for bodies whose content does not depend on the tip they were
// evaluated against — Action and KeyUsage entries, whose fields are fixed
// once their authorizing decision has committed. The PolicyDecision body
// itself never goes through this path: see evaluateAndSubmitDecision.
func (e *Engine) submit(body entry.Body) (sequencer.Result, error) {
	result, err := e.submitOnce(body)
	if err != sequencer.ErrStaleExpectedPrev {
		return result, err
	}
	return e.submitOnce(body)
}

// submitOnce makes a single attempt to append body at the Sequencer's
// current tip, returning sequencer.ErrStaleExpectedPrev unchanged if the
// tip moved before the attempt landed.
func (e *Engine) submitOnce(body entry.Body) (sequencer.Result, error) {
	tipSeq, _, hasTip := e.seq.Tip()
	bodyHash, err := entry.PayloadHash(body)
	if err != nil {
		return sequencer.Result{}, err
	}
	sig := sequencer.SignEnvelope(e.engineSK, bodyHash, tipSeq, hasTip)
	env := sequencer.Envelope{
		Body: body,
		ExpectedPrev: tipSeq,
		HasExpectedPrev: hasTip,
		EngineSignature: sig,
	}
	return e.seq.Submit(env)
}

func signedProposalBytes(p Proposal) []byte {
	h := proposalHash(p)
	return h[:]
}

func proposalHash(p Proposal) entry.Hash {
	buf := make([]byte, 0, 32+len(p.Action)+len(p.Resource)+8+len(p.Body)+32)
	buf = append(buf, p.Proposer[:]...)
	buf = append(buf, p.Action...)
	buf = append(buf, p.Resource...)
	for i := 56; i >= 0; i -= 8 {
		buf = append(buf, byte(p.Nonce>>uint(i)))
	}
	buf = append(buf, p.Body...)
	buf = append(buf, p.SignBinding[:]...)
	return entry.H(buf)
}
