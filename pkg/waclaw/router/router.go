// Package router implements the message-intake loop: it polls the store
// for new messages in registered groups, filters by trigger, assembles the
// agent's context window, runs the container, and sends the reply back.
//
// Delivery is at-least-once: the global cursor only advances after a
// message is fully handled, so a failed message is the next one retried
// and nothing behind it is skipped.
package router

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jbhatt/waclaw/pkg/waclaw/agent"
	"github.com/jbhatt/waclaw/pkg/waclaw/channels"
	"github.com/jbhatt/waclaw/pkg/waclaw/kb"
	"github.com/jbhatt/waclaw/pkg/waclaw/state"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// kbContextLimit caps how many retrieval hits ride along with a question.
const kbContextLimit = 5

// AgentRunner runs one agent turn. Satisfied by *agent.Runner.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request, extraMounts []state.Mount) (*agent.Response, error)
}

// Router is the intake loop.
type Router struct {
	store         *store.Store
	registry      *state.Registry
	transport     channels.Transport
	runner        AgentRunner
	kb            *kb.Pipeline
	assistantName string
	pollInterval  time.Duration
	logger        *slog.Logger

	// started guards against double Start.
	started atomic.Bool
}

// New creates the intake loop.
func New(st *store.Store, registry *state.Registry, transport channels.Transport, runner AgentRunner, kbPipeline *kb.Pipeline, assistantName string, pollInterval time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Router{
		store:         st,
		registry:      registry,
		transport:     transport,
		runner:        runner,
		kb:            kbPipeline,
		assistantName: assistantName,
		pollInterval:  pollInterval,
		logger:        logger.With("component", "router"),
	}
}

// Start runs the intake loop until the context is cancelled. Calling
// Start twice is a no-op.
func (r *Router) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Debug("router: already started")
		return nil
	}
	defer r.started.Store(false)

	r.logger.Info("router: intake loop started", "poll", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router: intake loop stopped")
			return nil
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll processes one batch of new messages. On the first failure the batch
// stops so the failing message is retried next poll.
func (r *Router) poll(ctx context.Context) {
	jids := r.registry.RegisteredJIDs()
	if len(jids) == 0 {
		return
	}

	msgs, err := r.store.GetNewMessages(jids, r.registry.LastTimestamp(), []string{r.assistantName})
	if err != nil {
		r.logger.Error("router: loading new messages", "error", err)
		return
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		if !r.handleMessage(ctx, m) {
			return
		}
	}
}

// handleMessage processes one message. Returns false when the batch must
// stop (handling failed and the cursor stays put).
func (r *Router) handleMessage(ctx context.Context, m store.Message) bool {
	group, ok := r.registry.Group(m.ChatJID)
	if !ok {
		// Chat deregistered between poll and handling; skip it for good.
		return r.advanceDelivery(m)
	}

	isMain := group.Folder == state.MainFolder
	if !isMain && !MatchesTrigger(m.Content, group.Trigger) {
		// Not addressed to the assistant; consume it from the backlog but
		// leave the agent cursor alone so it stays in the next window.
		return r.advanceDelivery(m)
	}

	// Side-ingest any URLs. Fire-and-forget: never blocks or fails the
	// user-visible flow.
	for _, url := range ExtractURLs(m.Content) {
		go r.ingestURL(group.Folder, url)
	}

	prompt, err := r.buildPrompt(ctx, group, m)
	if err != nil {
		r.logger.Error("router: building prompt", "chat", m.ChatJID, "error", err)
		return false
	}

	if err := r.transport.SetTyping(ctx, m.ChatJID, true); err != nil {
		r.logger.Debug("router: typing on failed", "chat", m.ChatJID, "error", err)
	}
	resp, runErr := r.runner.Run(ctx, agent.Request{
		Prompt:      prompt,
		SessionID:   r.registry.Session(group.Folder),
		GroupFolder: group.Folder,
		ChatJID:     m.ChatJID,
		IsMain:      isMain,
	}, group.ExtraMounts)
	if err := r.transport.SetTyping(ctx, m.ChatJID, false); err != nil {
		r.logger.Debug("router: typing off failed", "chat", m.ChatJID, "error", err)
	}

	if runErr != nil {
		r.logger.Warn("router: agent run failed, message will retry",
			"chat", m.ChatJID, "message", m.ID, "error", runErr)
		errText := r.assistantName + ": Error: " + runErr.Error()
		if sendErr := r.transport.Send(ctx, m.ChatJID, errText); sendErr != nil {
			r.logger.Warn("router: error notice send failed", "chat", m.ChatJID, "error", sendErr)
		}
		return false
	}

	if resp.NewSessionID != "" {
		if err := r.registry.SetSession(group.Folder, resp.NewSessionID); err != nil {
			r.logger.Error("router: persisting session", "group", group.Folder, "error", err)
			return false
		}
	}

	if resp.Result != "" {
		reply := r.assistantName + ": " + resp.Result
		if err := r.transport.Send(ctx, m.ChatJID, reply); err != nil {
			r.logger.Warn("router: reply send failed, message will retry",
				"chat", m.ChatJID, "error", err)
			return false
		}
	}

	return r.advance(m)
}

// buildPrompt loads the context window since the last agent turn and
// optionally prepends KB context for question-shaped messages.
func (r *Router) buildPrompt(ctx context.Context, group state.Group, m store.Message) (string, error) {
	since := r.registry.LastAgentTimestamp(m.ChatJID)
	window, err := r.store.GetMessagesSince(m.ChatJID, since, m.Timestamp, r.assistantName)
	if err != nil {
		return "", err
	}
	if len(window) == 0 {
		window = []store.Message{m}
	}

	prompt := BuildContext(window)

	if LooksLikeQuestion(m.Content) {
		hits, err := r.kb.Search(ctx, kb.SearchRequest{
			Query:          m.Content,
			GroupFolder:    group.Folder,
			Limit:          kbContextLimit,
			DedupeBySource: true,
		})
		if err != nil {
			r.logger.Warn("router: kb search failed, continuing without context",
				"chat", m.ChatJID, "error", err)
		} else if kbBlock := BuildKBContext(hits); kbBlock != "" {
			prompt = kbBlock + "\n" + prompt
		}
	}

	return prompt, nil
}

// ingestURL runs one background KB ingest. Errors are logged, never
// raised; duplicates are expected noise.
func (r *Router) ingestURL(groupFolder, url string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router: url ingest panicked", "url", url, "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_, err := r.kb.Ingest(ctx, kb.IngestRequest{GroupFolder: groupFolder, URL: url})
	switch {
	case err == nil:
		r.logger.Info("router: url ingested", "group", groupFolder, "url", url)
	case kb.IsDuplicate(err):
		r.logger.Debug("router: url already known", "group", groupFolder, "url", url)
	default:
		r.logger.Warn("router: url ingest failed", "group", groupFolder, "url", url, "error", err)
	}
}

// advance records a completed agent turn: both the chat's context-window
// cursor and the global delivery cursor move past m. Returns false when
// persisting fails (the message will be reprocessed, which is safe).
func (r *Router) advance(m store.Message) bool {
	if err := r.registry.Advance(m.ChatJID, m.Timestamp); err != nil {
		r.logger.Error("router: advancing cursor", "chat", m.ChatJID, "error", err)
		return false
	}
	return true
}

// advanceDelivery consumes a message that produced no agent turn. Only the
// global cursor moves; the message remains part of the chat's next context
// window.
func (r *Router) advanceDelivery(m store.Message) bool {
	if err := r.registry.AdvanceDelivery(m.Timestamp); err != nil {
		r.logger.Error("router: advancing delivery cursor", "chat", m.ChatJID, "error", err)
		return false
	}
	return true
}
