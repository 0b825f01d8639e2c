// Package orchestrator wires the subsystems together and owns their
// lifecycle. All shared state (registries, cursors, per-group locks) lives
// in values constructed here and passed down — nothing is module-level.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jbhatt/waclaw/pkg/waclaw/agent"
	"github.com/jbhatt/waclaw/pkg/waclaw/channels/whatsapp"
	"github.com/jbhatt/waclaw/pkg/waclaw/config"
	"github.com/jbhatt/waclaw/pkg/waclaw/handlers"
	"github.com/jbhatt/waclaw/pkg/waclaw/ipc"
	"github.com/jbhatt/waclaw/pkg/waclaw/kb"
	"github.com/jbhatt/waclaw/pkg/waclaw/router"
	"github.com/jbhatt/waclaw/pkg/waclaw/scheduler"
	"github.com/jbhatt/waclaw/pkg/waclaw/state"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// Orchestrator owns every subsystem of the daemon.
type Orchestrator struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	registry  *state.Registry
	transport *whatsapp.WhatsApp
	runner    *agent.Runner
	kb        *kb.Pipeline
	snapshots *ipc.Snapshots
	broker    *ipc.Broker
	scheduler *scheduler.Scheduler
	router    *router.Router

	// fatal carries the first unrecoverable transport error.
	fatalMu  sync.Mutex
	fatalErr error
	cancel   context.CancelFunc
}

// New builds the full subsystem graph from configuration.
func New(cfg config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{cfg.DataDir, cfg.GroupsDir, cfg.StoreDir, cfg.IPCDir(), cfg.LocksDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	st, err := store.New(filepath.Join(cfg.StoreDir, "waclaw.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry, err := state.Load(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading registries: %w", err)
	}

	o := &Orchestrator{cfg: cfg, logger: logger, store: st, registry: registry}

	waCfg := whatsapp.DefaultConfig()
	waCfg.DatabasePath = filepath.Join(cfg.StoreDir, "whatsapp.db")
	o.transport = whatsapp.New(waCfg, st, registry, o.fatal, logger)

	extractor, err := kb.NewExtractor(cfg.Tools.TranscriptCLI)
	if err != nil {
		return nil, err
	}
	embedder := kb.NewHTTPEmbedder(cfg.Embeddings.BaseURL, cfg.Embeddings.APIKey,
		cfg.Embeddings.Model, cfg.Embeddings.Dimensions)
	o.kb = kb.New(st, embedder, extractor, cfg.LocksDir(), logger)

	credential := agent.ResolveCredential(logger)
	o.runner = agent.NewRunner(cfg.Container, cfg.GroupsDir, cfg.ProjectRoot,
		cfg.IPCDir(), config.MountAllowlistPath(), credential, logger)

	o.snapshots = ipc.NewSnapshots(cfg.IPCDir(), registry, st, logger)

	h := handlers.New(handlers.Deps{
		Store:     st,
		Registry:  registry,
		Transport: o.transport,
		KB:        o.kb,
		Snapshots: o.snapshots,
		Syncer:    o.transport,
		GroupsDir: cfg.GroupsDir,
		DataDir:   cfg.DataDir,
		Tools:     cfg.Tools,
		Location:  cfg.Location(),
		Logger:    logger,
	})
	o.broker = ipc.NewBroker(cfg.IPCDir(), h, h, logger)

	o.scheduler = scheduler.New(st, registry, o.runner, o.transport,
		cfg.AssistantName, cfg.Location(), logger)

	o.router = router.New(st, registry, o.transport, o.runner, o.kb,
		cfg.AssistantName, cfg.PollInterval, logger)

	return o, nil
}

// Run connects the transport and drives all loops until the context is
// cancelled or a fatal transport error occurs.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancel = cancel

	if err := o.transport.Connect(runCtx); err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}
	defer o.transport.Disconnect()

	// Initial metadata sync is best-effort; the scheduler and broker work
	// off persisted state regardless.
	if err := o.transport.SyncGroups(runCtx); err != nil {
		o.logger.Warn("orchestrator: initial group sync failed", "error", err)
	}

	o.ensureGroupDirs()
	o.snapshots.WriteAll()

	g, loopCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.router.Start(loopCtx) })
	g.Go(func() error { return o.broker.Start(loopCtx) })
	g.Go(func() error { return o.scheduler.Start(loopCtx) })

	o.logger.Info("orchestrator: running",
		"assistant", o.cfg.AssistantName,
		"groups", len(o.registry.Groups()))

	err := g.Wait()

	o.fatalMu.Lock()
	defer o.fatalMu.Unlock()
	if o.fatalErr != nil {
		return o.fatalErr
	}
	return err
}

// Close releases resources.
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

// Store exposes the store for CLI subcommands.
func (o *Orchestrator) Store() *store.Store { return o.store }

// fatal records an unrecoverable transport error and stops every loop.
func (o *Orchestrator) fatal(err error) {
	o.fatalMu.Lock()
	if o.fatalErr == nil {
		o.fatalErr = err
	}
	cancel := o.cancel
	o.fatalMu.Unlock()

	o.logger.Error("orchestrator: fatal transport error", "error", err)
	if cancel != nil {
		cancel()
	}
}

// ensureGroupDirs creates workspace and IPC directories for every
// registered group, so the broker and runner never race mkdir.
func (o *Orchestrator) ensureGroupDirs() {
	for _, g := range o.registry.Groups() {
		if err := os.MkdirAll(filepath.Join(o.cfg.GroupsDir, g.Folder, "logs"), 0o755); err != nil {
			o.logger.Warn("orchestrator: creating group workspace", "group", g.Folder, "error", err)
		}
		for _, sub := range []string{"messages", "tasks"} {
			if err := os.MkdirAll(filepath.Join(o.cfg.IPCDir(), g.Folder, sub), 0o755); err != nil {
				o.logger.Warn("orchestrator: creating ipc dirs", "group", g.Folder, "error", err)
			}
		}
	}
}
