package config

import (
	"os"
	"testing"

	"github.com/datatrails/go-datatrails-axiom/internal/keyservice"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envLogPath, envSnapshotInterval, envMailboxCapacity, envNonceWindow,
		envRootSeedSource, envSealedStoragePath, envArchiveContainer, envLogLevel, envDevMode,
	} {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestFromEnvRequiresLogPath(t *testing.T) {
	clearEnv(t)
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(envLogPath, "/var/lib/axiom/log")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, defaultMailboxCapacity, cfg.MailboxCapacity)
	require.Equal(t, uint64(defaultNonceWindow), cfg.ProposerNonceWindow)
	require.Equal(t, keyservice.SealedStorage, cfg.RootSeedSource)
}

func TestFromEnvRejectsDevFixedWithoutDevMode(t *testing.T) {
	clearEnv(t)
	t.Setenv(envLogPath, "/var/lib/axiom/log")
	t.Setenv(envRootSeedSource, "DevFixed")

	_, err := FromEnv()
	require.ErrorIs(t, err, keyservice.ErrDevModeRequired)
}

func TestFromEnvAllowsDevFixedWithDevMode(t *testing.T) {
	clearEnv(t)
	t.Setenv(envLogPath, "/var/lib/axiom/log")
	t.Setenv(envRootSeedSource, "DevFixed")
	t.Setenv(envDevMode, "1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, keyservice.DevFixed, cfg.RootSeedSource)
}

func TestFromEnvRejectsInvalidNonceWindow(t *testing.T) {
	clearEnv(t)
	t.Setenv(envLogPath, "/var/lib/axiom/log")
	t.Setenv(envNonceWindow, "0")

	_, err := FromEnv()
	require.Error(t, err)
}
