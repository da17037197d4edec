// Package testctx assembles a full, disposable core instance for use in
// other packages' tests: a single helper that stands up storage, identity
// keys, and every collaborator so individual test files don't each
// reinvent the wiring.
package testctx

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
	"github.com/datatrails/go-datatrails-axiom/internal/keyservice"
	"github.com/datatrails/go-datatrails-axiom/internal/policy"
	"github.com/datatrails/go-datatrails-axiom/internal/reducer"
	"github.com/datatrails/go-datatrails-axiom/internal/sequencer"
	"github.com/datatrails/go-datatrails-axiom/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Context bundles one fully wired core instance.
type Context struct {
	T *testing.T

	Backend *storage.LocalFile
	Sequencer *sequencer.Sequencer
	State *reducer.State
	Engine *policy.Engine
	KeyService *keyservice.Service

	EnginePublicKey ed25519.PublicKey
	engineSK ed25519.PrivateKey
	CommitterPublicKey ed25519.PublicKey
}

// Config lets a test override the defaults New applies.
type Config struct {
	// RootSeed seeds the Key Service; an all-zero seed is used if absent.
	RootSeed [32]byte
}

// New stands up a Sequencer over a temp-dir log store, a Reducer State, a
// Policy Engine wired to both, and a Key Service wired to the Engine — the
// same shape cmd/axiomd assembles at boot, minus the Snapshot Archiver and
// config parsing (tests construct those directly when they need them).
func New(t *testing.T, cfg Config) *Context {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "log")
	backend, err := storage.OpenLocalFile(dir)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	enginePub, engineSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	committerPub, committerSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	seq, err := sequencer.Open(backend, sequencer.Config{
		EnginePublicKey: enginePub,
		CommitterKey: committerSK,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { seq.Close() })

	state := reducer.New()
	eng := policy.New(state, seq, engineSK, nil)
	svc := keyservice.New(cfg.RootSeed, seq, eng, nil)

	return &Context{
		T: t,
		Backend: backend,
		Sequencer: seq,
		State: state,
		Engine: eng,
		KeyService: svc,
		EnginePublicKey: enginePub,
		engineSK: engineSK,
		CommitterPublicKey: committerPub,
	}
}

// NewProposer generates a fresh signing keypair and registers it as a
// non-revoked identity in the harness's state, for tests that need a
// proposer to sign requests with. ExternalRef is a freshly minted UUID,
// standing in for whatever provisioning system would have requested this
// identity in a real deployment.
func (c *Context) NewProposer(id entry.Hash) (pub ed25519.PublicKey, sk ed25519.PrivateKey) {
	pub, sk, err := ed25519.GenerateKey(nil)
	require.NoError(c.T, err)
	c.State.Identities[id] = &reducer.Identity{ID: id, PublicKey: pub, ExternalRef: uuid.NewString()}
	return pub, sk
}

// NewCapability registers a capability grant in the harness's state with a
// freshly minted external correlation id, for tests exercising policy
// evaluation against capability-scoped permissions.
func (c *Context) NewCapability(capID, holder, granter entry.Hash, matcher string, permissions uint64) *reducer.Capability {
	cap := &reducer.Capability{
		CapID: capID,
		Holder: holder,
		Granter: granter,
		ResourceMatcher: matcher,
		Permissions: permissions,
		ExternalRef: uuid.NewString(),
	}
	c.State.Capabilities[capID] = cap
	return cap
}
