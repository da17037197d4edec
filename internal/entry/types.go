// Package entry defines the canonical, versioned wire format for Axiom log
// entries: the tagged-union body variants, the fixed framing that wraps them,
// and the domain-separated hash chain that binds one entry to its
// predecessor. Everything here is pure data plus (de)serialization; nothing
// in this package touches storage, policy, or keys.
package entry

// Tag identifies a log entry body variant. Tags are fixed for all time; new
// variants are added by schema bump, never by reusing or removing a tag.
type Tag byte

const (
	TagGenesis Tag = 0x01
	TagIdentityCreate Tag = 0x10
	TagIdentityRevoke Tag = 0x11
	TagPolicyUpdate Tag = 0x20
	TagCapabilityGrant Tag = 0x30
	TagCapabilityRevoke Tag = 0x31
	TagPolicyDecision Tag = 0x40
	TagAction Tag = 0x41
	TagKeyUsage Tag = 0x50
	TagReceipt Tag = 0x60
)

// Hash is the canonical 256-bit digest used throughout the core: entry
// chaining, identity ids, payload hashes, and the Key Service's message
// hashes all share this type so they can never be confused at compile time.
type Hash [32]byte

// IsZero reports whether h is the all-zero sentinel used for prev_hash of
// the genesis entry and for "no parent" identity links.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Signature is a detached Ed25519 signature.
type Signature [64]byte

// IdentityType enumerates the principal kinds.
type IdentityType byte

const (
	IdentitySystem IdentityType = iota
	IdentityOrganization
	IdentityUser
	IdentityService
	IdentityNode
)

// Effect is the outcome of a policy rule match.
type Effect byte

const (
	EffectDeny Effect = iota
	EffectAllow
	EffectAllowWithRestrictions
)

// ReceiptStatus is the terminal state of an effect materialization.
type ReceiptStatus byte

const (
	ReceiptCompleted ReceiptStatus = iota
	ReceiptFailed
)

// KeyOp enumerates the operation kinds a KeyUsage entry can record.
type KeyOp byte

const (
	KeyOpSign KeyOp = iota
	KeyOpDecrypt
)

// Body is implemented by every log entry body variant. MarshalBody produces
// the canonical, fixed-field-order encoding whose hash becomes payload_hash;
// re-marshaling a parsed body MUST reproduce those exact bytes.
type Body interface {
	Tag() Tag
	MarshalBody() ([]byte, error)
}

// Entry is one immutable, committed record in the Axiom log.
type Entry struct {
	Seq uint64
	PrevHash Hash
	PayloadHash Hash
	Body Body
	TimestampLogical uint64
	CommitterSignature Signature
}

// Genesis is the first entry in every log (tag 0x01).
type Genesis struct {
	SchemaVersion uint16
	RootIdentityPK []byte
}

func (Genesis) Tag() Tag { return TagGenesis }

// IdentityCreate establishes a new principal (tag 0x10).
type IdentityCreate struct {
	ID Hash
	Parent Hash // zero value means "no parent" (only valid for ROOT)
	HasParent bool
	Type IdentityType
	PublicKey []byte
	DerivationPath [][]byte

	// ExternalRef is an operator-facing correlation id (a UUID) for tying
	// this entry back to whatever provisioning system requested it. It
	// plays no part in ID, which stays content-addressed off PublicKey and
	// Parent; ExternalRef is audit convenience only.
	ExternalRef string
}

func (IdentityCreate) Tag() Tag { return TagIdentityCreate }

// IdentityRevoke flips an identity's status to Revoked (tag 0x11).
type IdentityRevoke struct {
	ID Hash
	Reason string
}

func (IdentityRevoke) Tag() Tag { return TagIdentityRevoke }

// RuleDef is a single policy rule as carried inside a PolicyUpdate body.
type RuleDef struct {
	ID uint64
	Priority uint32
	Effect Effect
	Condition Condition
	Restrictions []string
}

// PolicyUpdate adds and/or removes rules from the active rule set (tag 0x20).
type PolicyUpdate struct {
	AddedRules []RuleDef
	RemovedRuleIDs []uint64
}

func (PolicyUpdate) Tag() Tag { return TagPolicyUpdate }

// CapabilityGrant delegates a permission set to a holder (tag 0x30).
type CapabilityGrant struct {
	CapID Hash
	Holder Hash
	Granter Hash
	ResourceMatcher string
	Permissions uint64 // bitset
	Restrictions []string

	// ExternalRef is an operator-facing correlation id (a UUID), distinct
	// from the content-addressed CapID.
	ExternalRef string
}

func (CapabilityGrant) Tag() Tag { return TagCapabilityGrant }

// CapabilityRevoke revokes a previously granted capability (tag 0x31).
type CapabilityRevoke struct {
	CapID Hash
}

func (CapabilityRevoke) Tag() Tag { return TagCapabilityRevoke }

// PolicyDecision records a Policy Engine evaluation outcome (tag 0x40).
type PolicyDecision struct {
	ProposalHash Hash
	Effect Effect
	RuleID uint64 // 0 and DefaultDenyRuleID when Effect==Deny with no match
	Reason string
	Restrictions []string
	EngineSig Signature

	// Proposer and Nonce name who this decision was evaluated for and
	// which nonce it consumed, so the reducer can rebuild every
	// proposer's nonce window by replaying decisions alone; nothing
	// about nonce acceptance lives outside the log.
	Proposer Hash
	Nonce uint64

	// SignBinding, when non-zero, is the commitment (see
	// BindSignRequest) this decision authorizes: a specific caller, key
	// path, and message hash. The Key Service refuses to honor any
	// decision whose SignBinding does not match the live Sign request.
	SignBinding Hash
}

func (PolicyDecision) Tag() Tag { return TagPolicyDecision }

// DefaultDenyRuleID is the sentinel rule id recorded when no policy rule
// matched and the default-deny fallback fired.
const DefaultDenyRuleID uint64 = 0

// Action authorizes an external effect, referencing the decision that
// allowed it (tag 0x41).
type Action struct {
	AuthorizationRef uint64
	ActionBody []byte
}

func (Action) Tag() Tag { return TagAction }

// KeyUsage records every key derivation/signing attempt, authorized or not
// (tag 0x50).
type KeyUsage struct {
	Op KeyOp
	KeyPath [][]byte
	MessageHash Hash
	AuthorizationRef uint64
	SigHash Hash
	Denied bool
	DenialReason string
}

func (KeyUsage) Tag() Tag { return TagKeyUsage }

// Receipt records the outcome of materializing an authorized Action (tag 0x60).
type Receipt struct {
	ActionRef uint64
	Inputs []Hash
	Outputs []Hash
	EnvironmentHash Hash
	Status ReceiptStatus
	FailureReason string
}

func (Receipt) Tag() Tag { return TagReceipt }
