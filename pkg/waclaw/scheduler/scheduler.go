// Package scheduler materializes scheduled tasks from the store and fires
// agent runs when they come due. Cron expressions are parsed with
// robfig/cron in the configured timezone; intervals are millisecond
// periods; once-tasks fire a single time and finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jbhatt/waclaw/pkg/waclaw/agent"
	"github.com/jbhatt/waclaw/pkg/waclaw/channels"
	"github.com/jbhatt/waclaw/pkg/waclaw/state"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// ErrBadSchedule marks a schedule value that can never fire.
var ErrBadSchedule = errors.New("invalid schedule")

// tickInterval is how often due tasks are checked.
const tickInterval = 60 * time.Second

// retryBackoff delays the next attempt after a transient run failure.
const retryBackoff = 5 * time.Minute

// cronParser accepts standard 5-field expressions plus @descriptors,
// matching what schedule_task payloads carry.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// AgentRunner runs one agent turn. Satisfied by *agent.Runner.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request, extraMounts []state.Mount) (*agent.Response, error)
}

// Scheduler fires due tasks.
type Scheduler struct {
	store         *store.Store
	registry      *state.Registry
	runner        AgentRunner
	transport     channels.Transport
	assistantName string
	loc           *time.Location
	logger        *slog.Logger

	// started guards against double Start.
	started atomic.Bool

	// running tracks in-flight task IDs so a slow run is never doubled.
	runningMu sync.Mutex
	running   map[string]bool
}

// New creates the scheduler.
func New(st *store.Store, registry *state.Registry, runner AgentRunner, transport channels.Transport, assistantName string, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:         st,
		registry:      registry,
		runner:        runner,
		transport:     transport,
		assistantName: assistantName,
		loc:           loc,
		logger:        logger.With("component", "scheduler"),
		running:       make(map[string]bool),
	}
}

// Start runs the scheduler loop until the context is cancelled. Calling
// Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Debug("scheduler: already started")
		return nil
	}
	defer s.started.Store(false)

	s.logger.Info("scheduler: started", "tick", tickInterval, "timezone", s.loc.String())

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// First pass immediately so tasks missed during downtime fire without
	// waiting a full tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due task. Runs execute in parallel across groups; the
// per-group container lock serializes within a group.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.DueTasks(store.Now())
	if err != nil {
		s.logger.Error("scheduler: loading due tasks", "error", err)
		return
	}

	for _, task := range due {
		if !s.claim(task.ID) {
			continue
		}
		go func(t store.Task) {
			defer s.release(t.ID)
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("scheduler: task panicked", "task", t.ID, "panic", r)
				}
			}()
			s.runTask(ctx, t)
		}(task)
	}
}

// runTask executes one due task and reschedules it.
func (s *Scheduler) runTask(ctx context.Context, task store.Task) {
	group, ok := s.registry.GroupByFolder(task.GroupFolder)
	if !ok {
		s.logger.Warn("scheduler: task group no longer registered, failing",
			"task", task.ID, "group", task.GroupFolder)
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskFailed); err != nil {
			s.logger.Error("scheduler: marking task failed", "task", task.ID, "error", err)
		}
		return
	}

	// Isolated tasks never touch the group's conversation; group-context
	// tasks continue it.
	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		sessionID = s.registry.Session(task.GroupFolder)
	}

	s.logger.Info("scheduler: firing task",
		"task", task.ID, "group", task.GroupFolder, "type", task.ScheduleType)

	resp, err := s.runner.Run(ctx, agent.Request{
		Prompt:      task.Prompt,
		SessionID:   sessionID,
		GroupFolder: task.GroupFolder,
		ChatJID:     task.ChatJID,
		IsMain:      task.GroupFolder == state.MainFolder,
	}, group.ExtraMounts)

	if err != nil {
		s.handleRunFailure(task, err)
		return
	}

	if task.ContextMode == store.ContextGroup && resp.NewSessionID != "" {
		if err := s.registry.SetSession(task.GroupFolder, resp.NewSessionID); err != nil {
			s.logger.Error("scheduler: persisting session", "task", task.ID, "error", err)
		}
	}

	if resp.Result != "" {
		reply := s.assistantName + ": " + resp.Result
		if err := s.transport.Send(ctx, task.ChatJID, reply); err != nil {
			// Treat an undeliverable reply like a transient run failure so
			// the task retries instead of silently losing output.
			s.handleRunFailure(task, err)
			return
		}
	}

	s.reschedule(task)
}

// handleRunFailure backs off recurring tasks and fails one-shot ones.
func (s *Scheduler) handleRunFailure(task store.Task, err error) {
	s.logger.Warn("scheduler: task run failed",
		"task", task.ID, "group", task.GroupFolder, "error", err)

	if task.ScheduleType == store.ScheduleOnce {
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskFailed); err != nil {
			s.logger.Error("scheduler: marking task failed", "task", task.ID, "error", err)
		}
		return
	}

	next := time.Now().UTC().Add(retryBackoff).Format(time.RFC3339)
	if err := s.store.UpdateTaskNextRun(task.ID, next); err != nil {
		s.logger.Error("scheduler: persisting backoff", "task", task.ID, "error", err)
	}
}

// reschedule computes and persists the task's next fire time.
func (s *Scheduler) reschedule(task store.Task) {
	switch task.ScheduleType {
	case store.ScheduleOnce:
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskDone); err != nil {
			s.logger.Error("scheduler: marking task done", "task", task.ID, "error", err)
		}
	default:
		next, err := NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), s.loc)
		if err != nil {
			// The schedule parsed when the task was created; a parse error
			// now is fatal for the task.
			s.logger.Error("scheduler: schedule no longer parses, failing",
				"task", task.ID, "schedule", task.ScheduleValue, "error", err)
			if err := s.store.UpdateTaskStatus(task.ID, store.TaskFailed); err != nil {
				s.logger.Error("scheduler: marking task failed", "task", task.ID, "error", err)
			}
			return
		}
		if err := s.store.UpdateTaskNextRun(task.ID, next); err != nil {
			s.logger.Error("scheduler: persisting next run", "task", task.ID, "error", err)
		}
	}
}

// claim marks a task in-flight; false means it already is.
func (s *Scheduler) claim(taskID string) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running[taskID] {
		return false
	}
	s.running[taskID] = true
	return true
}

func (s *Scheduler) release(taskID string) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	delete(s.running, taskID)
}

// NextRun computes the next fire time for a schedule as an RFC3339 UTC
// string. Cron expressions evaluate in loc; intervals are milliseconds
// added to now; once values are RFC3339 timestamps taken literally (a past
// once-time is due immediately).
func NextRun(scheduleType, scheduleValue string, now time.Time, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadSchedule, err)
		}
		return sched.Next(now.In(loc)).UTC().Format(time.RFC3339), nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return "", fmt.Errorf("%w: interval must be positive milliseconds", ErrBadSchedule)
		}
		return now.UTC().Add(time.Duration(ms) * time.Millisecond).Format(time.RFC3339), nil

	case store.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return "", fmt.Errorf("%w: once requires an RFC3339 timestamp: %v", ErrBadSchedule, err)
		}
		return t.UTC().Format(time.RFC3339), nil

	default:
		return "", fmt.Errorf("%w: unknown schedule type %q", ErrBadSchedule, scheduleType)
	}
}
