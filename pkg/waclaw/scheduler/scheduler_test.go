package scheduler

import (
	"context"
	"errors"
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
	"github.com/jbhatt/waclaw/pkg/waclaw/state"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// fakeRunner returns a scripted response or error.
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

type fakeSender struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeSender) Send(_ context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, jid+"|"+text)
	return nil
}
func (f *fakeSender) SetTyping(context.Context, string, bool) error { return nil }
func (f *fakeSender) ListGroups(context.Context) ([]channels.GroupInfo, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T, runner AgentRunner, sender channels.Transport) (*Scheduler, *store.Store, *state.Registry) {
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

	ist, _ := time.LoadLocation("Asia/Kolkata")
	s := New(st, registry, runner, sender, "bhai", ist, logger)
	return s, st, registry
}

func TestNextRun(t *testing.T) {
	ist, _ := time.LoadLocation("Asia/Kolkata")

	t.Run("cron evaluates in the configured timezone", func(t *testing.T) {
		// 2026-02-01 00:00 UTC is 05:30 IST; next 09:00 IST is 03:30 UTC.
		now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		got, err := NextRun(store.ScheduleCron, "0 9 * * *", now, ist)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != "2026-02-01T03:30:00Z" {
			t.Errorf("expected 2026-02-01T03:30:00Z, got %s", got)
		}
	})

	t.Run("interval adds milliseconds", func(t *testing.T) {
		now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
		got, err := NextRun(store.ScheduleInterval, "90000", now, ist)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != "2026-02-01T10:01:30Z" {
			t.Errorf("expected 2026-02-01T10:01:30Z, got %s", got)
		}
	})

	t.Run("once takes the literal timestamp", func(t *testing.T) {
		got, err := NextRun(store.ScheduleOnce, "2026-05-01T12:00:00+05:30", time.Now(), ist)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != "2026-05-01T06:30:00Z" {
			t.Errorf("expected UTC normalization, got %s", got)
		}
	})

	t.Run("bad values fail typed", func(t *testing.T) {
		cases := []struct{ typ, val string }{
			{store.ScheduleCron, "99 99 * * *"},
			{store.ScheduleInterval, "-5"},
			{store.ScheduleInterval, "soon"},
			{store.ScheduleOnce, "tomorrow"},
			{"weekly", "x"},
		}
		for _, c := range cases {
			if _, err := NextRun(c.typ, c.val, time.Now(), ist); !errors.Is(err, ErrBadSchedule) {
				t.Errorf("%s %q: expected ErrBadSchedule, got %v", c.typ, c.val, err)
			}
		}
	})
}

func TestRunTask(t *testing.T) {
	baseTask := store.Task{
		GroupFolder:   "family",
		ChatJID:       "family@g.us",
		Prompt:        "daily digest",
		ScheduleType:  store.ScheduleInterval,
		ScheduleValue: "60000",
		ContextMode:   store.ContextGroup,
		NextRun:       "2026-02-01T10:00:00Z",
	}

	t.Run("success sends prefixed reply and rotates session", func(t *testing.T) {
		runner := &fakeRunner{resp: &agent.Response{Status: "ok", Result: "all good", NewSessionID: "sess-9"}}
		sender := &fakeSender{}
		s, st, registry := newTestScheduler(t, runner, sender)
		registry.SetSession("family", "sess-8")

		task := baseTask
		task.ID = "t1"
		st.CreateTask(task)
		s.runTask(context.Background(), task)

		if len(runner.reqs) != 1 || runner.reqs[0].SessionID != "sess-8" {
			t.Errorf("group session not passed: %+v", runner.reqs)
		}
		if len(sender.sends) != 1 || sender.sends[0] != "family@g.us|bhai: all good" {
			t.Errorf("reply wrong: %v", sender.sends)
		}
		if registry.Session("family") != "sess-9" {
			t.Errorf("session not rotated: %q", registry.Session("family"))
		}

		got, _ := st.GetTask("t1")
		if got.NextRun <= task.NextRun || got.Status != store.TaskActive {
			t.Errorf("not rescheduled: %+v", got)
		}
	})

	t.Run("isolated tasks run without a session", func(t *testing.T) {
		runner := &fakeRunner{resp: &agent.Response{Status: "ok", Result: "r", NewSessionID: "leak"}}
		s, st, registry := newTestScheduler(t, runner, &fakeSender{})
		registry.SetSession("family", "sess-1")

		task := baseTask
		task.ID = "t2"
		task.ContextMode = store.ContextIsolated
		st.CreateTask(task)
		s.runTask(context.Background(), task)

		if runner.reqs[0].SessionID != "" {
			t.Errorf("isolated task reused session %q", runner.reqs[0].SessionID)
		}
		if registry.Session("family") != "sess-1" {
			t.Errorf("isolated run rotated the group session")
		}
	})

	t.Run("transient failure backs off recurring tasks", func(t *testing.T) {
		runner := &fakeRunner{err: fmt.Errorf("container crashed")}
		s, st, _ := newTestScheduler(t, runner, &fakeSender{})

		task := baseTask
		task.ID = "t3"
		st.CreateTask(task)
		s.runTask(context.Background(), task)

		got, _ := st.GetTask("t3")
		if got.Status != store.TaskActive {
			t.Errorf("recurring task failed instead of backing off: %s", got.Status)
		}
		next, err := time.Parse(time.RFC3339, got.NextRun)
		if err != nil || time.Until(next) < 4*time.Minute {
			t.Errorf("backoff too short: %s", got.NextRun)
		}
	})

	t.Run("once tasks fail on error and finish on success", func(t *testing.T) {
		s, st, _ := newTestScheduler(t, &fakeRunner{err: fmt.Errorf("boom")}, &fakeSender{})
		task := baseTask
		task.ID = "t4"
		task.ScheduleType = store.ScheduleOnce
		task.ScheduleValue = "2026-02-01T10:00:00Z"
		st.CreateTask(task)
		s.runTask(context.Background(), task)
		if got, _ := st.GetTask("t4"); got.Status != store.TaskFailed {
			t.Errorf("expected failed, got %s", got.Status)
		}

		s2, st2, _ := newTestScheduler(t, &fakeRunner{resp: &agent.Response{Status: "ok", Result: "done"}}, &fakeSender{})
		task.ID = "t5"
		st2.CreateTask(task)
		s2.runTask(context.Background(), task)
		if got, _ := st2.GetTask("t5"); got.Status != store.TaskDone {
			t.Errorf("expected done, got %s", got.Status)
		}
	})

	t.Run("unregistered group fails the task", func(t *testing.T) {
		runner := &fakeRunner{resp: &agent.Response{Status: "ok"}}
		s, st, _ := newTestScheduler(t, runner, &fakeSender{})

		task := baseTask
		task.ID = "t6"
		task.GroupFolder = "ghost"
		st.CreateTask(task)
		s.runTask(context.Background(), task)

		if got, _ := st.GetTask("t6"); got.Status != store.TaskFailed {
			t.Errorf("expected failed, got %s", got.Status)
		}
		if len(runner.reqs) != 0 {
			t.Error("runner invoked for unregistered group")
		}
	})
}

func TestTickClaims(t *testing.T) {
	// A task claimed by a slow run must not double-fire within one tick.
	runner := &fakeRunner{resp: &agent.Response{Status: "ok", Result: "r"}}
	s, st, _ := newTestScheduler(t, runner, &fakeSender{})

	st.CreateTask(store.Task{
		ID: "t1", GroupFolder: "family", ChatJID: "family@g.us", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
		NextRun: "2026-02-01T10:00:00Z",
	})

	if !s.claim("t1") {
		t.Fatal("first claim failed")
	}
	s.tick(context.Background())
	time.Sleep(50 * time.Millisecond)

	runner.mu.Lock()
	fired := len(runner.reqs)
	runner.mu.Unlock()
	if fired != 0 {
		t.Errorf("claimed task fired anyway: %d runs", fired)
	}
	s.release("t1")
}

func TestStartGuard(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{resp: &agent.Response{Status: "ok"}}, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	// Second Start returns immediately as a no-op.
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("second Start blocked instead of no-op")
	}
	cancel()
}

func TestReschedulePersists(t *testing.T) {
	s, st, _ := newTestScheduler(t, &fakeRunner{resp: &agent.Response{Status: "ok"}}, &fakeSender{})

	st.CreateTask(store.Task{
		ID: "t1", GroupFolder: "family", ChatJID: "family@g.us", Prompt: "p",
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *",
		NextRun: "2026-02-01T03:30:00Z",
	})
	task, _ := st.GetTask("t1")
	s.reschedule(*task)

	got, _ := st.GetTask("t1")
	if got.NextRun == task.NextRun {
		t.Error("next_run not advanced")
	}
	if !strings.HasSuffix(got.NextRun, "Z") {
		t.Errorf("next_run not UTC: %s", got.NextRun)
	}
}
