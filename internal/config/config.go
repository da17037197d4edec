// Package config parses the core's startup configuration from the
// process environment. There is no configuration-file format: every
// setting here is operator-supplied at process start and immutable for
// the life of the process.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/datatrails/go-datatrails-axiom/internal/keyservice"
)

// Config bundles everything the core needs to boot.
type Config struct {
	LogPath string
	SnapshotIntervalEntries uint64
	MailboxCapacity int
	ProposerNonceWindow uint64
	RootSeedSource keyservice.RootSeedSource
	SealedStoragePath string

	// ArchiveContainer is the Snapshot Archiver's blob container; empty
	// disables archiving entirely.
	ArchiveContainer string
	// LogLevel names a zap level (ambient stack supplemented).
	LogLevel string
}

const (
	envLogPath = "AXIOM_LOG_PATH"
	envSnapshotInterval = "AXIOM_SNAPSHOT_INTERVAL_ENTRIES"
	envMailboxCapacity = "AXIOM_MAILBOX_CAPACITY"
	envNonceWindow = "AXIOM_PROPOSER_NONCE_WINDOW"
	envRootSeedSource = "AXIOM_ROOT_SEED_SOURCE"
	envSealedStoragePath = "AXIOM_SEALED_STORAGE_PATH"
	envArchiveContainer = "AXIOM_ARCHIVE_CONTAINER"
	envLogLevel = "AXIOM_LOG_LEVEL"
	envDevMode = "AXIOM_DEV_MODE"
)

const (
	defaultMailboxCapacity = 256
	defaultNonceWindow = 4096
	defaultLogLevel = "info"
)

// FromEnv reads Config from the process environment, applying the
// defaults and refusals. It does not itself load the root
// seed (that is a separate, privileged step — see keyservice.LoadRootSeed)
// but does validate that DevFixed is only selected under the development
// flag, since that refusal is a configuration-time property.
func FromEnv() (Config, error) {
	cfg := Config{
		LogPath: os.Getenv(envLogPath),
		MailboxCapacity: defaultMailboxCapacity,
		ProposerNonceWindow: defaultNonceWindow,
		ArchiveContainer: os.Getenv(envArchiveContainer),
		LogLevel: defaultLogLevel,
		SealedStoragePath: os.Getenv(envSealedStoragePath),
	}
	if cfg.LogPath == "" {
		return Config{}, fmt.Errorf("%s is required", envLogPath)
	}

	if v := os.Getenv(envSnapshotInterval); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", envSnapshotInterval, err)
		}
		cfg.SnapshotIntervalEntries = n
	}

	if v := os.Getenv(envMailboxCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("parsing %s: must be a positive integer", envMailboxCapacity)
		}
		cfg.MailboxCapacity = n
	}

	if v := os.Getenv(envNonceWindow); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("parsing %s: must be >= 1", envNonceWindow)
		}
		cfg.ProposerNonceWindow = n
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}

	source, err := parseRootSeedSource(os.Getenv(envRootSeedSource))
	if err != nil {
		return Config{}, err
	}
	if source == keyservice.DevFixed && os.Getenv(envDevMode) != "1" {
		return Config{}, keyservice.ErrDevModeRequired
	}
	cfg.RootSeedSource = source

	return cfg, nil
}

func parseRootSeedSource(v string) (keyservice.RootSeedSource, error) {
	switch v {
	case "", "SealedStorage":
		return keyservice.SealedStorage, nil
	case "BootInjection":
		return keyservice.BootInjection, nil
	case "DevFixed":
		return keyservice.DevFixed, nil
	default:
		return 0, fmt.Errorf("%s: unrecognized root seed source %q", envRootSeedSource, v)
	}
}
