package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/menta2k/dataset-curator/pkg/supervisor"
)

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.New("queue is closed")

const separator = "=================================================="

// Runner executes one command to completion. *supervisor.Supervisor
// satisfies it.
type Runner interface {
	Run(ctx context.Context, command string, onLine func(string)) supervisor.Result
}

// Config tunes the scheduling loop
type Config struct {
	// PollInterval is how often an idle queue looks for the next task
	PollInterval time.Duration
	// WatchdogInterval is how often a stuck Running task is looked for
	WatchdogInterval time.Duration
	Logger           zerolog.Logger
}

// DefaultConfig returns the default scheduling intervals
func DefaultConfig() Config {
	return Config{
		PollInterval:     500 * time.Millisecond,
		WatchdogInterval: time.Second,
		Logger:           zerolog.Nop(),
	}
}

// Queue holds training tasks and runs them one at a time.
// A single mutex guards the task list and the current pointer.
type Queue struct {
	config Config
	runner Runner
	events *dispatcher

	mu      sync.Mutex
	tasks   []*Task
	current *Task
	active  bool
	cancel  context.CancelFunc
	closed  bool

	wake    chan struct{}
	workers sync.WaitGroup
}

// New creates a queue with default intervals
func New(runner Runner, listener Listener) *Queue {
	return NewWithConfig(DefaultConfig(), runner, listener)
}

// NewWithConfig creates a queue. listener may be nil.
func NewWithConfig(config Config, runner Runner, listener Listener) *Queue {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.WatchdogInterval <= 0 {
		config.WatchdogInterval = DefaultConfig().WatchdogInterval
	}
	return &Queue{
		config: config,
		runner: runner,
		events: newDispatcher(listener),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends a task and returns immediately
func (q *Queue) Enqueue(command, datasetPath, outputName string) (Task, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Task{}, ErrQueueClosed
	}
	t := newTask(command, datasetPath, outputName)
	q.tasks = append(q.tasks, t)
	snap := t.clone()
	q.mu.Unlock()

	q.config.Logger.Info().
		Str("task", snap.ID.String()).
		Str("output", outputName).
		Msg("Task queued")
	q.events.push(Event{Kind: TaskAdded, Task: snap})
	q.poke()
	return snap, nil
}

// Run schedules tasks until ctx is cancelled. A running task is cancelled
// and finalised before Run returns.
func (q *Queue) Run(ctx context.Context) error {
	return q.loop(ctx, false)
}

// Drain schedules tasks until none are queued or running
func (q *Queue) Drain(ctx context.Context) error {
	return q.loop(ctx, true)
}

func (q *Queue) loop(ctx context.Context, untilIdle bool) error {
	poll := time.NewTicker(q.config.PollInterval)
	defer poll.Stop()
	watchdog := time.NewTicker(q.config.WatchdogInterval)
	defer watchdog.Stop()

	q.startNext(ctx)
	for {
		if untilIdle && q.Idle() {
			q.workers.Wait()
			return nil
		}

		select {
		case <-ctx.Done():
			q.CancelCurrent()
			q.workers.Wait()
			return ctx.Err()
		case <-q.wake:
			q.startNext(ctx)
		case <-poll.C:
			q.startNext(ctx)
		case <-watchdog.C:
			q.checkStuck()
		}
	}
}

// Idle reports whether nothing is running and nothing is waiting
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil {
		return false
	}
	for _, t := range q.tasks {
		if t.Status == StatusQueued {
			return false
		}
	}
	return true
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) startNext(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	q.mu.Lock()
	if q.current != nil {
		q.mu.Unlock()
		return
	}
	var next *Task
	for _, t := range q.tasks {
		if t.Status == StatusQueued {
			next = t
			break
		}
	}
	if next == nil {
		q.mu.Unlock()
		return
	}

	now := time.Now()
	next.Status = StatusRunning
	next.StartTime = &now
	runCtx, cancel := context.WithCancel(ctx)
	q.current = next
	q.active = true
	q.cancel = cancel
	snap := next.clone()
	q.workers.Add(1)
	q.mu.Unlock()

	q.config.Logger.Info().
		Str("task", snap.ID.String()).
		Str("output", snap.OutputName).
		Msg("Starting training")

	q.events.push(Event{Kind: TaskUpdated, Task: snap})
	q.events.push(Event{Kind: LogCleared, Task: snap})
	q.logLine(snap, "Starting training for: "+snap.OutputName)
	q.logLine(snap, "Command: "+snap.Command)
	q.logLine(snap, separator)

	go q.execute(runCtx, cancel, next, snap)
}

func (q *Queue) execute(ctx context.Context, cancel context.CancelFunc, t *Task, snap Task) {
	defer q.workers.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.config.Logger.Error().
				Str("task", snap.ID.String()).
				Interface("panic", r).
				Msg("Supervisor stopped without a result")
		}
		q.mu.Lock()
		if q.current == t {
			q.active = false
		}
		q.mu.Unlock()
	}()

	res := q.runner.Run(ctx, snap.Command, func(line string) {
		q.logLine(snap, line)
	})
	q.finish(t, res)
}

// finish records the outcome of t. A task that already reached a
// terminal state keeps it.
func (q *Queue) finish(t *Task, res supervisor.Result) {
	q.mu.Lock()
	if t.Status.IsTerminal() {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	t.EndTime = &now
	t.ExitCode = res.ExitCode
	t.Message = res.Message
	if res.Success {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusFailed
	}
	if q.current == t {
		q.current = nil
		q.active = false
		q.cancel = nil
	}
	snap := t.clone()
	q.mu.Unlock()

	log := q.config.Logger.With().Str("task", snap.ID.String()).Logger()
	q.events.push(Event{Kind: TaskUpdated, Task: snap})
	q.logLine(snap, "")
	if snap.Status == StatusCompleted {
		log.Info().Str("reason", string(res.Reason)).Msg("Training completed")
		q.logLine(snap, "Training completed successfully!")
	} else {
		log.Warn().Str("reason", string(res.Reason)).Str("message", res.Message).Msg("Training failed")
		q.logLine(snap, "Training failed!")
		if res.Message != "" {
			q.logLine(snap, res.Message)
		}
	}
	q.logLine(snap, separator)
	q.poke()
}

// checkStuck fails any Running task that no supervisor is attending
func (q *Queue) checkStuck() {
	q.mu.Lock()
	var stuck []*Task
	for _, t := range q.tasks {
		if t.Status != StatusRunning {
			continue
		}
		if t != q.current || !q.active {
			stuck = append(stuck, t)
		}
	}
	q.mu.Unlock()

	for _, t := range stuck {
		q.config.Logger.Error().
			Str("task", t.ID.String()).
			Msg("Running task has no active supervisor, marking failed")
		q.finish(t, supervisor.Result{
			ExitCode: -1,
			Message:  "supervisor stopped without reporting a result",
		})
	}
}

// CancelCurrent asks the running task to stop. It reports whether there
// was one. The task ends Failed once the subprocess has exited.
func (q *Queue) CancelCurrent() bool {
	q.mu.Lock()
	if q.current == nil || q.cancel == nil {
		q.mu.Unlock()
		return false
	}
	cancel := q.cancel
	snap := q.current.clone()
	q.mu.Unlock()

	q.config.Logger.Info().Str("task", snap.ID.String()).Msg("Cancelling training")
	q.logLine(snap, "Cancelling training...")
	cancel()
	return true
}

// Remove drops a task that has not started yet
func (q *Queue) Remove(id uuid.UUID) bool {
	removed := q.removeWhere(func(t *Task) bool {
		return t.ID == id && t.Status == StatusQueued
	})
	return removed == 1
}

// ClearCompleted drops every finished task
func (q *Queue) ClearCompleted() int {
	return q.removeWhere(func(t *Task) bool {
		return t.Status.IsTerminal()
	})
}

// ClearAllExceptRunning drops queued and finished tasks
func (q *Queue) ClearAllExceptRunning() int {
	return q.removeWhere(func(t *Task) bool {
		return t.Status != StatusRunning
	})
}

func (q *Queue) removeWhere(match func(*Task) bool) int {
	q.mu.Lock()
	kept := q.tasks[:0]
	var removed []Task
	for _, t := range q.tasks {
		if t != q.current && match(t) {
			removed = append(removed, t.clone())
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	q.mu.Unlock()

	for _, snap := range removed {
		q.events.push(Event{Kind: TaskRemoved, Task: snap})
	}
	return len(removed)
}

// Tasks returns a snapshot of every task in enqueue order
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = t.clone()
	}
	return out
}

// Current returns the running task, if any
func (q *Queue) Current() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Task{}, false
	}
	return q.current.clone(), true
}

// Get returns a task by ID
func (q *Queue) Get(id uuid.UUID) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			return t.clone(), true
		}
	}
	return Task{}, false
}

// Close rejects further tasks and flushes pending events to the listener.
// Call it after Run has returned.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.events.close()
}

// Summary describes the queue in one line, e.g. "1 running, 2 queued, 3 done"
func (q *Queue) Summary() string {
	var running, queued, done int
	for _, t := range q.Tasks() {
		switch {
		case t.Status == StatusRunning:
			running++
		case t.Status == StatusQueued:
			queued++
		default:
			done++
		}
	}
	parts := []string{
		fmt.Sprintf("%d running", running),
		fmt.Sprintf("%d queued", queued),
		fmt.Sprintf("%d done", done),
	}
	return strings.Join(parts, ", ")
}

func (q *Queue) logLine(t Task, line string) {
	q.events.push(Event{Kind: LogLine, Task: t, Line: line})
}
