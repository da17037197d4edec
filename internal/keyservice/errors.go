package keyservice

import "errors"

var (
	// ErrNoRootSeed is returned by LoadRootSeed when no configured source
	// produced a usable seed; the process must refuse to start.
	ErrNoRootSeed = errors.New("no root seed source produced a usable seed: refusing to start")

	// ErrSealedStoragePermissive is returned when the sealed-storage seed
	// file's permission bits are wider than 0600.
	ErrSealedStoragePermissive = errors.New("sealed storage seed file permissions are wider than 0600")

	// ErrDevModeRequired is returned when DevFixed is selected without
	// AXIOM_DEV_MODE=1 set.
	ErrDevModeRequired = errors.New("DevFixed root seed source requires AXIOM_DEV_MODE=1")

	// ErrNotAuthorized is returned by Sign when the referenced decision
	// entry does not authorize this exact (caller, key_path, message_hash)
	// triple.
	ErrNotAuthorized = errors.New("authorization_ref does not name an Allow decision for this caller, key path, and message hash")

	// ErrDecisionNotFound is returned when authorization_ref points past
	// the current tip or at an entry that is not a PolicyDecision.
	ErrDecisionNotFound = errors.New("authorization_ref does not name a policy decision entry")
)
