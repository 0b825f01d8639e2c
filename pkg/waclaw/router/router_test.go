package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jbhatt/waclaw/pkg/waclaw/agent"
	"github.com/jbhatt/waclaw/pkg/waclaw/channels"
	"github.com/jbhatt/waclaw/pkg/waclaw/kb"
	"github.com/jbhatt/waclaw/pkg/waclaw/state"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

type fakeRunner struct {
	mu   sync.Mutex
	resp *agent.Response
	err  error
	reqs []agent.Request
}

func (f *fakeRunner) Run(_ context.Context, req agent.Request, _ []state.Mount) (*agent.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeRunner) runs() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Request{}, f.reqs...)
}

type fakeTransport struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeTransport) Send(_ context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, jid+"|"+text)
	return nil
}
func (f *fakeTransport) SetTyping(context.Context, string, bool) error { return nil }
func (f *fakeTransport) ListGroups(context.Context) ([]channels.GroupInfo, error) {
	return nil, nil
}

type fixture struct {
	router    *Router
	store     *store.Store
	registry  *state.Registry
	runner    *fakeRunner
	transport *fakeTransport
}

func newFixture(t *testing.T, runner *fakeRunner) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry, err := state.Load(t.TempDir())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	registry.Register(state.Group{JID: "family@g.us", Name: "Family", Folder: "family", Trigger: "@Bhavi"})
	registry.Register(state.Group{JID: "main@g.us", Name: "Main", Folder: "main", Trigger: "@bhai"})

	extractor, _ := kb.NewExtractor("")
	pipeline := kb.New(st, &kb.NullEmbedder{}, extractor, t.TempDir(), logger)

	transport := &fakeTransport{}
	r := New(st, registry, transport, runner, pipeline, "bhai", time.Second, logger)
	return &fixture{router: r, store: st, registry: registry, runner: runner, transport: transport}
}

func seedMessage(t *testing.T, f *fixture, id, jid, sender, content, ts string) store.Message {
	t.Helper()
	m := store.Message{ID: id, ChatJID: jid, SenderName: sender, Content: content, Timestamp: ts}
	if err := f.store.StoreMessage(m); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func TestTriggerFiltering(t *testing.T) {
	t.Run("plain message in a group does not run the agent", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{resp: &agent.Response{Status: "ok", Result: "r"}})
		seedMessage(t, f, "m1", "family@g.us", "Priya", "hello there", "2026-02-01T10:00:00Z")

		f.router.poll(context.Background())

		if len(f.runner.runs()) != 0 {
			t.Errorf("agent ran without trigger")
		}
		// The message is consumed so the backlog never replays it, but it
		// stays in the chat's pending context window.
		if f.registry.LastTimestamp() != "2026-02-01T10:00:00Z" {
			t.Errorf("cursor not advanced: %q", f.registry.LastTimestamp())
		}
		if f.registry.LastAgentTimestamp("family@g.us") != "" {
			t.Errorf("ignored message moved the agent cursor: %q",
				f.registry.LastAgentTimestamp("family@g.us"))
		}
	})

	t.Run("triggered message runs and replies with prefix", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{resp: &agent.Response{Status: "ok", Result: "not much!"}})
		seedMessage(t, f, "m2", "family@g.us", "Priya", "@Bhavi what's up?", "2026-02-01T10:00:01Z")

		f.router.poll(context.Background())

		runs := f.runner.runs()
		if len(runs) != 1 {
			t.Fatalf("expected 1 run, got %d", len(runs))
		}
		if runs[0].GroupFolder != "family" || runs[0].IsMain {
			t.Errorf("wrong run request: %+v", runs[0])
		}
		if len(f.transport.sends) != 1 || f.transport.sends[0] != "family@g.us|bhai: not much!" {
			t.Errorf("reply wrong: %v", f.transport.sends)
		}
	})

	t.Run("embedded trigger does not fire", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{resp: &agent.Response{Status: "ok", Result: "r"}})
		seedMessage(t, f, "m3", "family@g.us", "Priya", "@BhaviXYZ foo", "2026-02-01T10:00:02Z")

		f.router.poll(context.Background())

		if len(f.runner.runs()) != 0 {
			t.Error("mid-word trigger fired")
		}
	})

	t.Run("main fires on every message", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{resp: &agent.Response{Status: "ok", Result: "r"}})
		seedMessage(t, f, "m4", "main@g.us", "Owner", "no trigger here", "2026-02-01T10:00:03Z")

		f.router.poll(context.Background())

		runs := f.runner.runs()
		if len(runs) != 1 || !runs[0].IsMain {
			t.Errorf("main did not fire: %+v", runs)
		}
	})
}

func TestAtLeastOnceDelivery(t *testing.T) {
	t.Run("failed run leaves the cursor for retry", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{err: fmt.Errorf("container timed out")})
		seedMessage(t, f, "m1", "family@g.us", "Priya", "@Bhavi do the thing", "2026-02-01T10:00:00Z")
		seedMessage(t, f, "m2", "family@g.us", "Priya", "@Bhavi and this too", "2026-02-01T10:00:01Z")

		f.router.poll(context.Background())

		// The error stops the batch: the second message never ran.
		if got := len(f.runner.runs()); got != 1 {
			t.Errorf("batch continued past failure: %d runs", got)
		}
		if f.registry.LastTimestamp() != "" {
			t.Errorf("cursor advanced past failed message: %q", f.registry.LastTimestamp())
		}

		// The chat hears about the failure.
		if len(f.transport.sends) != 1 || !strings.Contains(f.transport.sends[0], "bhai: Error:") {
			t.Errorf("error notice missing: %v", f.transport.sends)
		}

		// Next poll retries the same message first.
		f.router.poll(context.Background())
		runs := f.runner.runs()
		if len(runs) != 2 || runs[1].Prompt == "" {
			t.Fatalf("retry did not happen: %d runs", len(runs))
		}
	})

	t.Run("successful run advances both cursors", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{resp: &agent.Response{Status: "ok", Result: "done"}})
		m := seedMessage(t, f, "m1", "family@g.us", "Priya", "@Bhavi go", "2026-02-01T10:00:00Z")

		f.router.poll(context.Background())

		if f.registry.LastTimestamp() != m.Timestamp {
			t.Errorf("global cursor wrong: %q", f.registry.LastTimestamp())
		}
		if f.registry.LastAgentTimestamp("family@g.us") != m.Timestamp {
			t.Errorf("agent cursor wrong")
		}
	})
}

func TestSessionContinuity(t *testing.T) {
	f := newFixture(t, &fakeRunner{resp: &agent.Response{Status: "ok", Result: "r", NewSessionID: "sess-1"}})
	seedMessage(t, f, "m1", "family@g.us", "Priya", "@Bhavi hello", "2026-02-01T10:00:00Z")
	f.router.poll(context.Background())

	if f.registry.Session("family") != "sess-1" {
		t.Fatalf("session not persisted: %q", f.registry.Session("family"))
	}

	// The next run passes the stored session back.
	seedMessage(t, f, "m2", "family@g.us", "Priya", "@Bhavi again", "2026-02-01T10:00:01Z")
	f.router.poll(context.Background())

	runs := f.runner.runs()
	if len(runs) != 2 || runs[1].SessionID != "sess-1" {
		t.Errorf("session not passed back: %+v", runs)
	}
}

func TestContextWindow(t *testing.T) {
	f := newFixture(t, &fakeRunner{resp: &agent.Response{Status: "ok", Result: "r"}})

	seedMessage(t, f, "m1", "family@g.us", "Priya", "context one", "2026-02-01T10:00:00Z")
	seedMessage(t, f, "m2", "family@g.us", "Arun", "context two", "2026-02-01T10:00:01Z")
	seedMessage(t, f, "m3", "family@g.us", "Priya", "@Bhavi summarize", "2026-02-01T10:00:02Z")

	f.router.poll(context.Background())

	runs := f.runner.runs()
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	prompt := runs[0].Prompt
	for _, want := range []string{"context one", "context two", "@Bhavi summarize"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if !strings.HasPrefix(prompt, "<messages>") {
		t.Errorf("prompt not wrapped: %q", prompt)
	}
}

func TestStartGuard(t *testing.T) {
	f := newFixture(t, &fakeRunner{resp: &agent.Response{Status: "ok"}})

	ctx, cancel := context.WithCancel(context.Background())
	go f.router.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.router.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("second Start blocked instead of no-op")
	}
	cancel()
}
