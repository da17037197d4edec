package policy

import "errors"

var (
	// ErrBadSignature is returned when a proposal's client_signature does
	// not verify against the proposer's currently-active public key.
	ErrBadSignature = errors.New("proposal signature does not verify against the proposer's active key")

	// ErrUnknownProposer is returned when the proposer identity is not
	// present in the state index at all.
	ErrUnknownProposer = errors.New("proposer identity is not recognized")

	// ErrRevokedProposer is returned when the proposer identity has been
	// revoked.
	ErrRevokedProposer = errors.New("proposer identity has been revoked")

	// ErrNonceReplay is returned when the nonce falls outside the
	// acceptable replay window.
	ErrNonceReplay = errors.New("nonce has already been used or falls outside the replay window")
)
