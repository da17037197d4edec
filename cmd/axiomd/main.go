// Command axiomd boots one Axiom core process: it loads configuration and
// the root seed, opens the log store, and wires the Sequencer, Policy
// Engine, Reducer, Key Service, and (if configured) the Snapshot Archiver
// together before serving the control surface.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/datatrails/go-datatrails-axiom/internal/api"
	"github.com/datatrails/go-datatrails-axiom/internal/archiver"
	"github.com/datatrails/go-datatrails-axiom/internal/config"
	"github.com/datatrails/go-datatrails-axiom/internal/keyservice"
	"github.com/datatrails/go-datatrails-axiom/internal/policy"
	"github.com/datatrails/go-datatrails-axiom/internal/reducer"
	"github.com/datatrails/go-datatrails-axiom/internal/sequencer"
	"github.com/datatrails/go-datatrails-axiom/internal/storage"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "axiomd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	zapLevel, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zapLevel
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	// The root seed is the one piece of boot state that must never
	// linger in memory longer than it takes to hand it to the Key
	// Service; every other component initializes after this.
	rootSeed, err := keyservice.LoadRootSeed(cfg.RootSeedSource, cfg.SealedStoragePath)
	if err != nil {
		return fmt.Errorf("loading root seed: %w", err)
	}

	backend, err := storage.OpenLocalFile(cfg.LogPath)
	if err != nil {
		return fmt.Errorf("opening log store at %s: %w", cfg.LogPath, err)
	}
	defer backend.Close()

	// The engine and committer signing keys are generated fresh on every
	// boot: the wire format only requires hash-chain continuity across
	// restarts (verified by Sequencer.recover), not signature continuity,
	// so there is no durable state to reload here.
	enginePub, engineSK, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generating engine key: %w", err)
	}
	_, committerSK, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generating committer key: %w", err)
	}

	seq, err := sequencer.Open(backend, sequencer.Config{
		EnginePublicKey: enginePub,
		CommitterKey: committerSK,
		MailboxCapacity: cfg.MailboxCapacity,
	}, log)
	if err != nil {
		return fmt.Errorf("opening sequencer: %w", err)
	}
	defer seq.Close()

	state := reducer.New()
	if err := rebuildState(seq, state); err != nil {
		return fmt.Errorf("rebuilding state from log: %w", err)
	}

	policy.NonceWindow = cfg.ProposerNonceWindow
	engine := policy.New(state, seq, engineSK, log)
	keysvc := keyservice.New(rootSeed, seq, engine, log)
	srv := api.New(seq, engine, keysvc, state)

	var archive *archiver.Archiver
	if cfg.ArchiveContainer != "" {
		client, err := azblob.NewClientFromConnectionString(os.Getenv("AXIOM_STORAGE_CONNECTION_STRING"), nil)
		if err != nil {
			return fmt.Errorf("constructing blob client: %w", err)
		}
		archive = archiver.New(client, cfg.ArchiveContainer, log)
		srv.EnableArchiving()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tipSeq, tipHash, _ := srv.CurrentTip()
	log.Infow("axiomd started", "log_path", cfg.LogPath, "archiving", archive != nil, "tip_seq", tipSeq, "tip_hash", tipHash)
	if cfg.SnapshotIntervalEntries > 0 && archive != nil {
		go runSnapshotLoop(ctx, srv, archive, cfg.SnapshotIntervalEntries, log)
	}

	<-ctx.Done()
	log.Info("axiomd shutting down")
	return nil
}

// rebuildState replays every entry currently on the log into a fresh
// reducer.State. A production boot would instead load the most recent
// Snapshot Archiver blob and replay only the suffix after it; full replay
// is the simplification appropriate for local disk logs, which are cheap
// to scan end to end at process start.
func rebuildState(seq *sequencer.Sequencer, state *reducer.State) error {
	entries, err := seq.Read(0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := reducer.Reduce(state, e); err != nil {
			return fmt.Errorf("replaying entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

// runSnapshotLoop archives a state snapshot every intervalEntries
// committed entries, best-effort: a failed upload is logged and
// retried on the next tick, never propagated to the commit path. It polls
// the tip on a fixed tick rather than subscribing to commits directly,
// since the Sequencer's public surface exposes no commit
// notification today.
func runSnapshotLoop(ctx context.Context, srv *api.Server, a *archiver.Archiver, intervalEntries uint64, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastArchived uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tipSeq, _, ok := srv.CurrentTip()
			if !ok || tipSeq < lastArchived+intervalEntries {
				continue
			}
			desc, data, err := srv.Snapshot()
			if err != nil {
				log.Errorw("marshaling snapshot", "error", err)
				continue
			}
			archiveDesc := archiver.Descriptor{Seq: desc.Seq, StateHash: desc.StateHash}
			if err := a.ArchiveSnapshot(ctx, archiveDesc, data); err != nil {
				log.Warnw("archiving snapshot failed, will retry next tick", "error", err)
				continue
			}
			lastArchived = tipSeq
			srv.NoteArchived(desc.Seq)
		}
	}
}
