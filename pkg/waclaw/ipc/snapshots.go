// Package ipc – snapshots.go writes the JSON snapshots the agent reads
// from its IPC mount. Snapshots are written tmp→rename so the agent never
// sees a half-written file. main sees everything; other groups see only
// their own slice.
package ipc

import (
	"log/slog"
	"path/filepath"

	"github.com/jbhatt/waclaw/pkg/waclaw/state"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// GroupSnapshot is one row of available_groups.json.
type GroupSnapshot struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

// AvailableGroups is the available_groups.json document.
type AvailableGroups struct {
	Groups   []GroupSnapshot `json:"groups"`
	LastSync string          `json:"lastSync"`
}

// Snapshots rewrites the per-group snapshot files.
type Snapshots struct {
	ipcDir   string
	registry *state.Registry
	store    *store.Store
	logger   *slog.Logger
}

// NewSnapshots creates the snapshot writer.
func NewSnapshots(ipcDir string, registry *state.Registry, st *store.Store, logger *slog.Logger) *Snapshots {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshots{ipcDir: ipcDir, registry: registry, store: st, logger: logger}
}

// WriteAll refreshes both snapshots for every registered group.
func (s *Snapshots) WriteAll() {
	s.WriteAvailableGroups()
	s.WriteCurrentTasks()
}

// WriteAvailableGroups writes available_groups.json into each group's IPC
// directory. main sees every known chat; other groups see themselves.
func (s *Snapshots) WriteAvailableGroups() {
	lastSync, _ := s.store.GetMeta("last_group_sync")

	chats, err := s.store.ListChats()
	if err != nil {
		s.logger.Warn("snapshots: listing chats", "error", err)
		return
	}

	var all []GroupSnapshot
	for _, c := range chats {
		all = append(all, GroupSnapshot{
			JID:          c.JID,
			Name:         c.DisplayName,
			LastActivity: c.LastMessageTime,
			IsRegistered: s.registry.IsRegistered(c.JID),
		})
	}

	for _, g := range s.registry.Groups() {
		var view []GroupSnapshot
		if g.Folder == state.MainFolder {
			view = all
		} else {
			for _, row := range all {
				if row.JID == g.JID {
					view = append(view, row)
				}
			}
		}
		doc := AvailableGroups{Groups: view, LastSync: lastSync}
		path := filepath.Join(s.ipcDir, g.Folder, "available_groups.json")
		if err := state.WriteSnapshot(path, doc); err != nil {
			s.logger.Warn("snapshots: writing available_groups", "group", g.Folder, "error", err)
		}
	}
}

// WriteCurrentTasks writes current_tasks.json into each group's IPC
// directory, filtered by authorization: main sees all tasks, others their
// own.
func (s *Snapshots) WriteCurrentTasks() {
	for _, g := range s.registry.Groups() {
		scope := g.Folder
		if g.Folder == state.MainFolder {
			scope = ""
		}
		tasks, err := s.store.ListTasks(scope)
		if err != nil {
			s.logger.Warn("snapshots: listing tasks", "group", g.Folder, "error", err)
			continue
		}
		if tasks == nil {
			tasks = []store.Task{}
		}
		path := filepath.Join(s.ipcDir, g.Folder, "current_tasks.json")
		if err := state.WriteSnapshot(path, tasks); err != nil {
			s.logger.Warn("snapshots: writing current_tasks", "group", g.Folder, "error", err)
		}
	}
}
