// Package ipc implements the file-drop broker between the host and the
// sandboxed agents.
//
// The directory tree is ipc/<group_folder>/{messages,tasks}. Producers
// write <name>.tmp and rename to <name>.json; the broker consumes files
// via an fsnotify watcher plus a 1 Hz sweep (the sweep covers watcher
// gaps, pre-existing files, and newly registered group directories).
//
// The source directory IS the identity: a payload dropped under
// ipc/family/ acts as group "family" no matter what the payload claims.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// renameSettle is how long a file must sit before the broker reads it,
// covering the producer's tmp→rename window on filesystems with coarse
// event ordering.
const renameSettle = 100 * time.Millisecond

// Handler executes one decoded payload on behalf of sourceGroup.
type Handler interface {
	Handle(ctx context.Context, p Payload, sourceGroup string, isMain bool) error
}

// GroupChecker reports whether a folder slug belongs to a registered group.
type GroupChecker interface {
	IsRegisteredFolder(folder string) bool
}

// Broker watches the IPC tree and dispatches payloads.
type Broker struct {
	ipcDir  string
	handler Handler
	groups  GroupChecker
	logger  *slog.Logger

	// started guards against double Start.
	started atomic.Bool
}

// NewBroker creates the broker.
func NewBroker(ipcDir string, handler Handler, groups GroupChecker, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		ipcDir:  ipcDir,
		handler: handler,
		groups:  groups,
		logger:  logger.With("component", "ipc"),
	}
}

// Start runs the broker until the context is cancelled. Calling Start
// twice is a no-op.
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Debug("ipc: broker already started")
		return nil
	}
	defer b.started.Store(false)

	if err := os.MkdirAll(filepath.Join(b.ipcDir, "errors"), 0o755); err != nil {
		return fmt.Errorf("creating ipc dirs: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	b.watchTree(watcher)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	b.logger.Info("ipc: broker started", "dir", b.ipcDir)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("ipc: broker stopped")
			return nil
		case <-ticker.C:
			b.watchTree(watcher)
			b.sweep(ctx)
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// A rename into place or a create is a new payload. Files
			// still inside the settle window are skipped here and picked
			// up by the next tick.
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				b.sweep(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("ipc: watcher error", "error", err)
		}
	}
}

// watchTree (re)adds watches for every group's payload directories. New
// directories appear when groups register at runtime.
func (b *Broker) watchTree(watcher *fsnotify.Watcher) {
	entries, err := os.ReadDir(b.ipcDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		for _, sub := range []string{"messages", "tasks"} {
			dir := filepath.Join(b.ipcDir, e.Name(), sub)
			if _, err := os.Stat(dir); err == nil {
				_ = watcher.Add(dir) // idempotent
			}
		}
	}
}

// sweep scans every group directory and processes ready payload files.
func (b *Broker) sweep(ctx context.Context) {
	entries, err := os.ReadDir(b.ipcDir)
	if err != nil {
		b.logger.Warn("ipc: reading ipc dir", "error", err)
		return
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		sourceGroup := e.Name()
		for _, sub := range []string{"messages", "tasks"} {
			b.sweepDir(ctx, sourceGroup, filepath.Join(b.ipcDir, sourceGroup, sub))
		}
	}
}

// sweepDir processes the payload files in one directory.
func (b *Broker) sweepDir(ctx context.Context, sourceGroup, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}

		path := filepath.Join(dir, name)
		if info, err := e.Info(); err == nil && time.Since(info.ModTime()) < renameSettle {
			continue // producer may still be renaming
		}

		b.processFile(ctx, path, sourceGroup, name)
	}
}

// processFile reads, authorizes, and dispatches one payload file. The file
// is deleted after handling; parse and handler errors quarantine it under
// errors/ with the source group prefixed.
func (b *Broker) processFile(ctx context.Context, path, sourceGroup, name string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		b.logger.Warn("ipc: reading payload", "path", path, "error", err)
		return
	}

	if !b.groups.IsRegisteredFolder(sourceGroup) {
		b.logger.Warn("ipc: payload from unregistered group dropped",
			"source", sourceGroup, "file", name)
		b.quarantine(path, sourceGroup, name)
		return
	}
	isMain := sourceGroup == "main"

	payload, err := Decode(raw)
	if err != nil {
		b.logger.Warn("ipc: payload rejected",
			"source", sourceGroup, "file", name, "error", err)
		b.quarantine(path, sourceGroup, name)
		return
	}

	if err := b.handler.Handle(ctx, payload, sourceGroup, isMain); err != nil {
		b.logger.Warn("ipc: handler failed",
			"source", sourceGroup, "type", payload.PayloadType(), "error", err)
		b.quarantine(path, sourceGroup, name)
		return
	}

	if err := os.Remove(path); err != nil {
		b.logger.Warn("ipc: removing handled payload", "path", path, "error", err)
	}
	b.logger.Debug("ipc: payload handled",
		"source", sourceGroup, "type", payload.PayloadType())
}

// quarantine moves a rejected payload into errors/<source>-<name>.
func (b *Broker) quarantine(path, sourceGroup, name string) {
	dest := filepath.Join(b.ipcDir, "errors", sourceGroup+"-"+name)
	if err := os.Rename(path, dest); err != nil {
		b.logger.Warn("ipc: quarantine failed, deleting", "path", path, "error", err)
		os.Remove(path)
	}
}
