// Package scheduler implements Jarvis' timer path: one-shot reminder tasks
// delivered by a periodic tick, and recurring unit schedules. Uses
// robfig/cron for both, with SQLite-backed task persistence so pending
// reminders survive restarts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/timespec"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// DefaultTickSpec is how often due reminders are delivered.
const DefaultTickSpec = "@every 30s"

// ReminderPrefix starts every delivered reminder.
const ReminderPrefix = "🔔 Reminder: "

// Payload is what a task delivers.
type Payload struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

// Task is a one-shot reminder.
type Task struct {
	ID          string     `json:"id"`
	DueAt       time.Time  `json:"due_at"`
	Payload     Payload    `json:"payload"`
	Delivered   bool       `json:"delivered"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Job is a recurring unit schedule registered through Recurring.
type Job struct {
	ID        string
	Spec      string
	Handler   *units.Handler
	LastRunAt *time.Time
	LastError string
	RunCount  int

	entryID cron.EntryID
}

// Sink delivers a message to a chat. A nil error means delivered.
type Sink func(ctx context.Context, channel, chatID, message string) error

// Runner executes a recurring unit handler.
type Runner func(ctx context.Context, job *Job) error

// Options tune the scheduler.
type Options struct {
	// TickSpec overrides DefaultTickSpec.
	TickSpec string

	// JobTimeout bounds a single recurring run. Defaults to 2 minutes.
	JobTimeout time.Duration

	// SinkTimeout bounds a single reminder delivery. Defaults to 30 seconds.
	SinkTimeout time.Duration

	Now func() time.Time
}

// Scheduler owns reminder task transitions and the recurring unit jobs.
// Its locks are private: registry and dispatcher locks are never held
// while a tick or a job runs.
type Scheduler struct {
	storage TaskStorage
	sink    Sink
	runner  Runner
	opts    Options

	cron *cron.Cron

	// jobs stores recurring jobs indexed by ID.
	jobs map[string]*Job

	// runningJobs prevents a slow job from overlapping its next fire.
	runningJobs map[string]bool

	// tickMu serializes ticks so a task is never handed to the sink twice
	// by overlapping ticks.
	tickMu sync.Mutex

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. sink may be set later with SetSink, and the
// recurring runner with SetRunner.
func New(storage TaskStorage, sink Sink, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if storage == nil {
		storage = NewMemoryTaskStorage()
	}
	if opts.TickSpec == "" {
		opts.TickSpec = DefaultTickSpec
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		storage:     storage,
		sink:        sink,
		opts:        opts,
		jobs:        make(map[string]*Job),
		runningJobs: make(map[string]bool),
		logger:      logger.With("component", "scheduler"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetSink sets the reminder delivery function.
func (s *Scheduler) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// SetRunner sets the function that executes recurring unit handlers.
func (s *Scheduler) SetRunner(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// ---------- Reminders ----------

// Schedule persists a reminder task. DueAt must be in the future.
func (s *Scheduler) Schedule(ctx context.Context, task *Task) error {
	const op = "scheduler.schedule"
	if task == nil {
		return faults.Validation(op, "", "task is nil")
	}
	now := s.opts.Now()
	if !task.DueAt.After(now) {
		return faults.Validation(op, "", "due time %s is not in the future", task.DueAt.Format(time.RFC3339))
	}
	if strings.TrimSpace(task.Payload.Message) == "" {
		return faults.Validation(op, "", "reminder message is empty")
	}
	if task.Payload.Channel == "" || task.Payload.ChatID == "" {
		return faults.Validation(op, "", "reminder needs a channel and chat")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.CreatedAt = now.UTC()
	task.DueAt = task.DueAt.UTC()
	task.Delivered = false
	task.DeliveredAt = nil

	if err := s.storage.Insert(ctx, task); err != nil {
		return faults.Persistence(op, "", err)
	}
	s.logger.Info("reminder scheduled",
		"id", task.ID,
		"due_at", task.DueAt.Format(time.RFC3339),
		"channel", task.Payload.Channel,
	)
	return nil
}

// ScheduleReminder is the unit-facing shortcut around Schedule.
func (s *Scheduler) ScheduleReminder(ctx context.Context, due time.Time, channel, chatID, message string) (string, error) {
	task := &Task{
		DueAt:   due,
		Payload: Payload{Channel: channel, ChatID: chatID, Message: message},
	}
	if err := s.Schedule(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Pending lists undelivered tasks, earliest first.
func (s *Scheduler) Pending(ctx context.Context) ([]*Task, error) {
	return s.storage.List(ctx, false)
}

// Tick delivers every due, undelivered task. A task is marked delivered
// only after the sink accepted it; a failed delivery stays pending and is
// retried on the next tick. It returns the number delivered.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink == nil {
		return 0, fmt.Errorf("no delivery sink configured")
	}

	due, err := s.storage.Due(ctx, s.opts.Now())
	if err != nil {
		return 0, faults.Persistence("scheduler.tick", "", err)
	}

	delivered := 0
	for _, task := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := s.deliver(ctx, sink, task); err != nil {
			s.logger.Warn("reminder delivery failed",
				"id", task.ID, "channel", task.Payload.Channel, "attempt", task.Attempts+1, "error", err)
			if rErr := s.storage.RecordFailure(ctx, task.ID, err.Error()); rErr != nil {
				s.logger.Error("failed to record delivery failure", "id", task.ID, "error", rErr)
			}
			continue
		}
		if err := s.storage.MarkDelivered(ctx, task.ID, s.opts.Now()); err != nil {
			// The task stays pending and will be delivered again: at-least-once.
			s.logger.Error("failed to mark reminder delivered", "id", task.ID, "error", err)
			continue
		}
		delivered++
		s.logger.Info("reminder delivered", "id", task.ID, "channel", task.Payload.Channel)
	}
	return delivered, nil
}

func (s *Scheduler) deliver(ctx context.Context, sink Sink, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.Runtime("scheduler.deliver", "", fmt.Errorf("panic: %v", r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.opts.SinkTimeout)
	defer cancel()
	return sink(ctx, task.Payload.Channel, task.Payload.ChatID, ReminderPrefix+task.Payload.Message)
}

// ---------- Recurring unit jobs ----------

// Recurring registers a unit schedule. It satisfies the scheduler handle
// units receive at registration.
func (s *Scheduler) Recurring(id, spec string, h *units.Handler) error {
	const op = "scheduler.recurring"
	if id == "" {
		return faults.Validation(op, "", "job ID is required")
	}
	if h == nil {
		return faults.Validation(op, "", "job %q has no handler", id)
	}
	if _, err := timespec.Parser.Parse(spec); err != nil {
		return faults.Validation(op, h.Unit, "invalid schedule %q: %v", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return faults.Conflict(op, h.Unit, "job %q already exists", id)
	}
	job := &Job{ID: id, Spec: spec, Handler: h}
	if s.cron != nil {
		if err := s.scheduleCronJob(job); err != nil {
			return faults.Validation(op, h.Unit, "invalid schedule %q: %v", spec, err)
		}
	}
	s.jobs[id] = job

	s.logger.Info("job added", "id", id, "schedule", spec, "unit", h.Unit)
	return nil
}

// Cancel removes a recurring job. Unknown IDs are ignored. A run already in
// progress completes.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}
	if s.cron != nil && job.entryID != 0 {
		s.cron.Remove(job.entryID)
	}
	delete(s.jobs, id)
	s.logger.Info("job removed", "id", id)
}

// Jobs returns a copy of the registered recurring jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// ---------- Lifecycle ----------

// Start creates the cron scheduler, registers the reminder tick and every
// recurring job added so far, and starts firing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	c := cron.New(cron.WithParser(timespec.Parser))
	if _, err := c.AddFunc(s.opts.TickSpec, s.runTick); err != nil {
		return fmt.Errorf("invalid tick schedule %q: %w", s.opts.TickSpec, err)
	}
	s.cron = c

	for _, job := range s.jobs {
		if err := s.scheduleCronJob(job); err != nil {
			s.logger.Warn("skipping job with invalid schedule",
				"id", job.ID, "schedule", job.Spec, "error", err)
		}
	}

	c.Start()
	s.logger.Info("scheduler started",
		"jobs", len(s.jobs),
		"cron_entries", len(c.Entries()),
		"tick", s.opts.TickSpec,
	)

	// Deliver anything that came due while the process was down.
	go s.runTick()
	return nil
}

// Stop shuts down cron and waits briefly for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		ctx := c.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// ---------- Internal ----------

func (s *Scheduler) runTick() {
	n, err := s.Tick(s.ctx)
	if err != nil && s.ctx.Err() == nil {
		s.logger.Error("reminder tick failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("reminder tick", "delivered", n)
	}
}

// scheduleCronJob registers a job with cron. Caller holds s.mu.
func (s *Scheduler) scheduleCronJob(job *Job) error {
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Spec, func() { s.executeJob(id) })
	if err != nil {
		return err
	}
	job.entryID = entryID
	return nil
}

// minJobInterval guards against cron firing twice within the same second.
const minJobInterval = 2 * time.Second

// executeJob runs a recurring job through the runner with a per-job
// overlap guard, panic recovery and a timeout.
func (s *Scheduler) executeJob(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if s.runningJobs[id] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", id)
		return
	}
	if job.LastRunAt != nil && time.Since(*job.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "id", id)
		return
	}
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	runner := s.runner
	s.runningJobs[id] = true
	s.mu.Unlock()

	err := s.runJob(runner, job)

	s.mu.Lock()
	delete(s.runningJobs, id)
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "id", id, "unit", job.Handler.Unit, "error", err)
		return
	}
	s.logger.Info("scheduled job completed", "id", id, "unit", job.Handler.Unit)
}

func (s *Scheduler) runJob(runner Runner, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.Runtime("scheduler.job", job.Handler.Unit, fmt.Errorf("panic: %v", r))
		}
	}()
	if runner == nil {
		return fmt.Errorf("no runner configured")
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.JobTimeout)
	defer cancel()
	return runner(ctx, job)
}
