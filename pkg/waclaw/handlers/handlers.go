// Package handlers executes IPC-requested effects on behalf of a source
// group: outbound messages, task CRUD, group registration, knowledge-base
// operations, and external CLI invocations.
//
// Authorization follows the broker's central invariant: the source
// directory is the identity. A payload field naming another group is
// honored only when the source is main.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jbhatt/waclaw/pkg/waclaw/channels"
	"github.com/jbhatt/waclaw/pkg/waclaw/config"
	"github.com/jbhatt/waclaw/pkg/waclaw/ipc"
	"github.com/jbhatt/waclaw/pkg/waclaw/kb"
	"github.com/jbhatt/waclaw/pkg/waclaw/scheduler"
	"github.com/jbhatt/waclaw/pkg/waclaw/state"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// GroupSyncer refreshes chat metadata from the transport. Satisfied by the
// orchestrator.
type GroupSyncer interface {
	SyncGroups(ctx context.Context) error
}

// Deps are the collaborators the handlers act through.
type Deps struct {
	Store     *store.Store
	Registry  *state.Registry
	Transport channels.Transport
	KB        *kb.Pipeline
	Snapshots *ipc.Snapshots
	Syncer    GroupSyncer
	GroupsDir string
	DataDir   string
	Tools     config.ToolsConfig
	Location  *time.Location
	Logger    *slog.Logger
}

// Handlers dispatches decoded IPC payloads.
type Handlers struct {
	Deps
	projects *projectRegistry
}

// New creates the handler set.
func New(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "handlers")
	return &Handlers{
		Deps:     deps,
		projects: newProjectRegistry(filepath.Join(deps.DataDir, "sugar-projects.json")),
	}
}

// IsRegisteredFolder implements ipc.GroupChecker for the broker.
func (h *Handlers) IsRegisteredFolder(folder string) bool {
	_, ok := h.Registry.GroupByFolder(folder)
	return ok
}

// Handle executes one payload for its source group.
func (h *Handlers) Handle(ctx context.Context, p ipc.Payload, sourceGroup string, isMain bool) error {
	switch payload := p.(type) {
	case *ipc.MessagePayload:
		return h.handleMessage(ctx, payload, sourceGroup, isMain)
	case *ipc.ScheduleTaskPayload:
		return h.handleScheduleTask(payload, sourceGroup, isMain)
	case *ipc.TaskRefPayload:
		return h.handleTaskRef(payload, sourceGroup, isMain)
	case *ipc.RegisterGroupPayload:
		return h.handleRegisterGroup(payload, isMain)
	case *ipc.RefreshGroupsPayload:
		return h.handleRefreshGroups(ctx, isMain)
	case *ipc.KBAddPayload:
		return h.handleKBAdd(ctx, payload, sourceGroup)
	case *ipc.KBSearchPayload:
		return h.handleKBSearch(ctx, payload, sourceGroup, isMain)
	case *ipc.KBListPayload:
		return h.handleKBList(ctx, payload, sourceGroup, isMain)
	case *ipc.KBUpdatePayload:
		return h.handleKBUpdate(ctx, payload, sourceGroup)
	case *ipc.KBDeletePayload:
		return h.handleKBDelete(payload, sourceGroup)
	case *ipc.KBReembedPayload:
		return h.handleKBReembed(ctx, payload, sourceGroup, isMain)
	case *ipc.CLIPayload:
		return h.handleCLI(ctx, payload, sourceGroup, isMain)
	default:
		return fmt.Errorf("%w: unhandled payload %T", ipc.ErrInvalidPayload, p)
	}
}

// ---------- Messaging ----------

func (h *Handlers) handleMessage(ctx context.Context, p *ipc.MessagePayload, sourceGroup string, isMain bool) error {
	if !isMain {
		own, ok := h.Registry.GroupByFolder(sourceGroup)
		if !ok || p.ChatJID != own.JID {
			h.Logger.Warn("unauthorized message target dropped",
				"source", sourceGroup, "target", p.ChatJID)
			return ipc.ErrUnauthorized
		}
	}
	return h.Transport.Send(ctx, p.ChatJID, p.Text)
}

// ---------- Tasks ----------

func (h *Handlers) handleScheduleTask(p *ipc.ScheduleTaskPayload, sourceGroup string, isMain bool) error {
	targetFolder := sourceGroup
	if p.GroupFolder != "" && p.GroupFolder != sourceGroup {
		if !isMain {
			h.Logger.Warn("unauthorized cross-group task dropped",
				"source", sourceGroup, "target", p.GroupFolder)
			return ipc.ErrUnauthorized
		}
		targetFolder = p.GroupFolder
	}

	// The chat JID comes from the registry, never from the payload.
	group, ok := h.Registry.GroupByFolder(targetFolder)
	if !ok {
		return fmt.Errorf("%w: group %q not registered", ipc.ErrInvalidPayload, targetFolder)
	}

	nextRun, err := scheduler.NextRun(p.ScheduleType, p.ScheduleValue, time.Now(), h.Location)
	if err != nil {
		return err
	}

	task := store.Task{
		ID:            uuid.NewString(),
		GroupFolder:   targetFolder,
		ChatJID:       group.JID,
		Prompt:        p.Prompt,
		ScheduleType:  p.ScheduleType,
		ScheduleValue: p.ScheduleValue,
		ContextMode:   p.ContextMode,
		NextRun:       nextRun,
		Status:        store.TaskActive,
	}
	if err := h.Store.CreateTask(task); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	h.Logger.Info("task scheduled",
		"task", task.ID, "group", targetFolder, "type", p.ScheduleType, "next_run", nextRun)
	h.Snapshots.WriteCurrentTasks()
	return nil
}

func (h *Handlers) handleTaskRef(p *ipc.TaskRefPayload, sourceGroup string, isMain bool) error {
	task, err := h.Store.GetTask(p.TaskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("%w: task %q not found", ipc.ErrInvalidPayload, p.TaskID)
	}
	if !isMain && task.GroupFolder != sourceGroup {
		h.Logger.Warn("unauthorized task mutation dropped",
			"source", sourceGroup, "task", p.TaskID, "owner", task.GroupFolder)
		return ipc.ErrUnauthorized
	}

	switch p.Type {
	case "pause_task":
		if task.Status != store.TaskActive {
			return fmt.Errorf("%w: task %q is %s, not active", ipc.ErrInvalidPayload, p.TaskID, task.Status)
		}
		// next_run stays put so resume picks up where pause left off.
		err = h.Store.UpdateTaskStatus(p.TaskID, store.TaskPaused)
	case "resume_task":
		if task.Status != store.TaskPaused {
			return fmt.Errorf("%w: task %q is %s, not paused", ipc.ErrInvalidPayload, p.TaskID, task.Status)
		}
		err = h.Store.UpdateTaskStatus(p.TaskID, store.TaskActive)
	case "cancel_task":
		err = h.Store.DeleteTask(p.TaskID)
	default:
		return fmt.Errorf("%w: unknown task op %q", ipc.ErrInvalidPayload, p.Type)
	}
	if err != nil {
		return err
	}

	h.Logger.Info("task mutated", "task", p.TaskID, "op", p.Type, "source", sourceGroup)
	h.Snapshots.WriteCurrentTasks()
	return nil
}

// ---------- Groups ----------

func (h *Handlers) handleRegisterGroup(p *ipc.RegisterGroupPayload, isMain bool) error {
	if !isMain {
		h.Logger.Warn("unauthorized register_group dropped", "folder", p.Folder)
		return ipc.ErrUnauthorized
	}

	group := state.Group{
		JID:     p.JID,
		Name:    p.Name,
		Folder:  p.Folder,
		Trigger: p.Trigger,
		AddedAt: store.Now(),
	}
	if err := h.Registry.Register(group); err != nil {
		return fmt.Errorf("%w: %v", ipc.ErrInvalidPayload, err)
	}

	if err := h.prepareGroupDirs(p.Folder); err != nil {
		return err
	}

	h.Logger.Info("group registered", "jid", p.JID, "folder", p.Folder, "trigger", p.Trigger)
	h.Snapshots.WriteAll()
	return nil
}

// prepareGroupDirs creates the group workspace and IPC directories, and
// seeds the per-group instructions file the agent reads.
func (h *Handlers) prepareGroupDirs(folder string) error {
	groupPath := filepath.Join(h.GroupsDir, folder)
	if err := os.MkdirAll(filepath.Join(groupPath, "logs"), 0o755); err != nil {
		return fmt.Errorf("creating group workspace: %w", err)
	}
	for _, sub := range []string{"messages", "tasks"} {
		if err := os.MkdirAll(filepath.Join(h.DataDir, "ipc", folder, sub), 0o755); err != nil {
			return fmt.Errorf("creating ipc dirs: %w", err)
		}
	}

	instructions := filepath.Join(groupPath, "CLAUDE.md")
	if _, err := os.Stat(instructions); os.IsNotExist(err) {
		seed := fmt.Sprintf("# %s\n\nInstructions for this group's assistant.\n", folder)
		if err := os.WriteFile(instructions, []byte(seed), 0o644); err != nil {
			return fmt.Errorf("seeding instructions: %w", err)
		}
	}
	return nil
}

func (h *Handlers) handleRefreshGroups(ctx context.Context, isMain bool) error {
	if !isMain {
		h.Logger.Warn("unauthorized refresh_groups dropped")
		return ipc.ErrUnauthorized
	}
	if err := h.Syncer.SyncGroups(ctx); err != nil {
		return fmt.Errorf("syncing groups: %w", err)
	}
	h.Snapshots.WriteAll()
	return nil
}

// ---------- Knowledge base ----------

func (h *Handlers) handleKBAdd(ctx context.Context, p *ipc.KBAddPayload, sourceGroup string) error {
	_, err := h.KB.Ingest(ctx, kb.IngestRequest{
		GroupFolder: sourceGroup,
		URL:         p.URL,
		Content:     p.Content,
		Title:       p.Title,
		SourceType:  p.SourceType,
		Tags:        p.Tags,
	})
	return err
}

func (h *Handlers) handleKBSearch(ctx context.Context, p *ipc.KBSearchPayload, sourceGroup string, isMain bool) error {
	replyJID, err := h.resolveReplyJID(p.ReplyJID, sourceGroup, isMain)
	if err != nil {
		return err
	}

	results, err := h.KB.Search(ctx, kb.SearchRequest{
		Query:          p.Query,
		GroupFolder:    sourceGroup,
		Limit:          p.Limit,
		MinSimilarity:  p.MinSimilarity,
		DedupeBySource: p.DedupeBySource,
	})
	if err != nil {
		return err
	}

	return h.Transport.Send(ctx, replyJID, formatSearchResults(p.Query, results))
}

func (h *Handlers) handleKBList(ctx context.Context, p *ipc.KBListPayload, sourceGroup string, isMain bool) error {
	replyJID, err := h.resolveReplyJID(p.ReplyJID, sourceGroup, isMain)
	if err != nil {
		return err
	}

	sources, err := h.KB.List(sourceGroup)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Knowledge base (%d sources):\n", len(sources))
	for _, src := range sources {
		fmt.Fprintf(&sb, "- [%s] %s (%s)", src.ID, src.Title, src.SourceType)
		if src.URL != "" {
			fmt.Fprintf(&sb, " %s", src.URL)
		}
		sb.WriteString("\n")
	}
	return h.Transport.Send(ctx, replyJID, sb.String())
}

func (h *Handlers) handleKBUpdate(ctx context.Context, p *ipc.KBUpdatePayload, sourceGroup string) error {
	_, err := h.KB.Update(ctx, p.SourceID, kb.IngestRequest{
		GroupFolder: sourceGroup,
		URL:         p.URL,
		Content:     p.Content,
		Title:       p.Title,
		Tags:        p.Tags,
	})
	return err
}

func (h *Handlers) handleKBDelete(p *ipc.KBDeletePayload, sourceGroup string) error {
	return h.KB.Delete(sourceGroup, p.SourceID)
}

func (h *Handlers) handleKBReembed(ctx context.Context, p *ipc.KBReembedPayload, sourceGroup string, isMain bool) error {
	scope := sourceGroup
	if p.GroupFolder != "" && p.GroupFolder != sourceGroup {
		if !isMain {
			h.Logger.Warn("unauthorized kb_reembed dropped",
				"source", sourceGroup, "target", p.GroupFolder)
			return ipc.ErrUnauthorized
		}
		scope = p.GroupFolder
	}
	if isMain && p.GroupFolder == "" {
		scope = "" // main defaults to all groups
	}

	updated, err := h.KB.Reembed(ctx, scope)
	if err != nil {
		return err
	}
	h.Logger.Info("kb reembed completed", "scope", scope, "updated", updated)
	return nil
}

// resolveReplyJID authorizes the chat a handler replies into: the caller's
// own chat, or any chat for main. Empty means the caller's own chat.
func (h *Handlers) resolveReplyJID(requested, sourceGroup string, isMain bool) (string, error) {
	own, ok := h.Registry.GroupByFolder(sourceGroup)
	if !ok {
		return "", fmt.Errorf("%w: group %q not registered", ipc.ErrInvalidPayload, sourceGroup)
	}
	if requested == "" || requested == own.JID {
		return own.JID, nil
	}
	if isMain {
		return requested, nil
	}
	h.Logger.Warn("unauthorized reply target dropped",
		"source", sourceGroup, "target", requested)
	return "", ipc.ErrUnauthorized
}

// formatSearchResults renders hits for chat delivery.
func formatSearchResults(query string, results []kb.SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No knowledge base matches for %q.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Knowledge base matches for %q:\n", query)
	for _, r := range results {
		fmt.Fprintf(&sb, "- %s (%.2f)", r.Title, r.Similarity)
		if r.URL != "" {
			fmt.Fprintf(&sb, " %s", r.URL)
		}
		fmt.Fprintf(&sb, "\n  %s\n", snippet(r.Content, 200))
	}
	return sb.String()
}

func snippet(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
