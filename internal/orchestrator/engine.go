// Package orchestrator runs the per-workspace automation loop: pick the next
// ready task, hand it to the agent, record the outcome, retry or escalate
// failures, and checkpoint the session as it goes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/GoZippy/kiro-automation-sub000/internal/agent"
	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/logging"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/resource"
	"github.com/GoZippy/kiro-automation-sub000/internal/tasks"
	"github.com/GoZippy/kiro-automation-sub000/internal/workspace"
)

// Config controls one engine. Zero fields take the defaults.
type Config struct {
	MaxRetries         int
	TaskTimeout        time.Duration
	Backoff            Backoff
	CheckpointInterval time.Duration
	ContinueOnFailure  bool
	// MemoryBudget, when set, triggers aggressive resource cleanup after a
	// task if the sampled heap exceeds it.
	MemoryBudget uint64
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		TaskTimeout:        5 * time.Minute,
		Backoff:            DefaultBackoff(),
		CheckpointInterval: 30 * time.Second,
	}
}

// CheckpointStore persists session snapshots.
type CheckpointStore interface {
	SaveCheckpoint(cp *models.Checkpoint) error
}

// ErrorRecorder persists the error history.
type ErrorRecorder interface {
	RecordError(rec models.ErrorRecord) error
}

// Engine automates the task documents of one workspace. Only one task is in
// flight at a time.
type Engine struct {
	workspaceID string
	store       *tasks.Store
	agent       agent.Agent
	ws          *workspace.Workspace
	cfg         Config

	checkpoints CheckpointStore
	recorder    ErrorRecorder
	resources   *resource.Manager
	bus         *Bus
	logger      *slog.Logger
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     State
	session   models.AutomationSession
	retries   map[models.Ref]int
	attempted map[models.Ref]bool
	current   *models.Ref
	history   []models.ErrorRecord
	fatal     error
	failedRef string
	resumeCh  chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithBus(bus *Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithCheckpoints(cs CheckpointStore) Option {
	return func(e *Engine) { e.checkpoints = cs }
}

func WithErrorRecorder(r ErrorRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithResources(m *resource.Manager) Option {
	return func(e *Engine) { e.resources = m }
}

// New wires an engine to a workspace's task store and an agent.
func New(workspaceID string, store *tasks.Store, ag agent.Agent, ws *workspace.Workspace, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("automation engine: task store is required")
	}
	if ag == nil {
		return nil, fmt.Errorf("automation engine: agent is required")
	}
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}

	done := make(chan struct{})
	close(done)
	e := &Engine{
		workspaceID: workspaceID,
		store:       store,
		agent:       ag,
		ws:          ws,
		cfg:         cfg,
		logger:      logging.Discard(),
		clock:       time.Now,
		sleep:       sleepContext,
		state:       StateIdle,
		retries:     make(map[models.Ref]int),
		attempted:   make(map[models.Ref]bool),
		done:        done,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("workspace", workspaceID)
	return e, nil
}

func (e *Engine) WorkspaceID() string { return e.workspaceID }

// Start begins a new session. It returns once the loop is running.
func (e *Engine) Start(ctx context.Context) error {
	if st := e.State(); st != StateIdle {
		return fmt.Errorf("%w: cannot start from %s", failure.ErrInvalidStateTransition, st)
	}
	if err := e.resetInterrupted(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != StateIdle {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", failure.ErrInvalidStateTransition, st)
	}
	now := e.clock()
	e.session = models.AutomationSession{
		ID:             uuid.NewString(),
		WorkspaceID:    e.workspaceID,
		StartTime:      now,
		Status:         models.SessionStatusRunning,
		CompletedTasks: []string{},
		FailedTasks:    []string{},
		SkippedTasks:   []string{},
		Configuration:  e.sessionConfig(),
	}
	e.retries = make(map[models.Ref]int)
	e.attempted = make(map[models.Ref]bool)
	e.history = nil
	e.launch(ctx)
	e.mu.Unlock()
	return nil
}

// ResumeFrom continues the session captured by cp. Tasks the session already
// finished are not run again; any task left in progress goes back to pending
// and is retried.
func (e *Engine) ResumeFrom(ctx context.Context, cp *models.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("no checkpoint to resume from")
	}
	if cp.Version != models.CheckpointVersion {
		return fmt.Errorf("checkpoint version %d: %w", cp.Version, failure.ErrMigrationRequired)
	}
	if cp.WorkspaceID != e.workspaceID {
		return failure.Validation(fmt.Errorf("checkpoint belongs to workspace %s, not %s", cp.WorkspaceID, e.workspaceID))
	}

	if st := e.State(); st != StateIdle {
		return fmt.Errorf("%w: cannot resume a checkpoint from %s", failure.ErrInvalidStateTransition, st)
	}
	if err := e.resetInterrupted(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return fmt.Errorf("%w: cannot resume a checkpoint from %s", failure.ErrInvalidStateTransition, e.state)
	}
	sess := cp.Session.Clone()
	sess.Status = models.SessionStatusRunning
	sess.EndTime = nil
	sess.Error = nil
	e.session = sess
	e.retries = make(map[models.Ref]int)
	e.attempted = make(map[models.Ref]bool)
	for _, list := range [][]string{sess.CompletedTasks, sess.FailedTasks, sess.SkippedTasks} {
		for _, s := range list {
			e.attempted[models.ParseRef(s)] = true
		}
	}
	e.history = nil
	e.launch(ctx)
	return nil
}

// resetInterrupted puts every task left in progress back to pending. The
// engine owns its store, so an in-progress marker at startup can only be
// left over from a run that died mid-task.
func (e *Engine) resetInterrupted() error {
	for _, t := range e.store.Tasks() {
		if t.Status != models.TaskStatusInProgress {
			continue
		}
		ref := t.Ref()
		if err := e.store.UpdateStatus(ref, models.TaskStatusPending); err != nil {
			return fmt.Errorf("failed to reset interrupted task %s: %w", ref, err)
		}
		e.logger.Warn("reset task left in progress", "task", ref.String())
	}
	return nil
}

// caller holds e.mu
func (e *Engine) launch(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.state = StateRunning
	e.fatal = nil
	e.failedRef = ""
	e.current = nil
	e.cancel = cancel
	e.done = make(chan struct{})
	e.resumeCh = nil

	if e.resources != nil {
		e.resources.Register(models.ResourceSession, "session:"+e.workspaceID,
			map[string]string{resource.MetaSession: e.session.ID}, nil)
	}

	sessionID := e.session.ID
	e.logger.Info("session started", "session", sessionID)
	e.publish(Event{Type: EventSessionStarted, SessionID: sessionID})

	go e.run(loopCtx, e.done)
}

// Pause keeps the in-flight task running but starts nothing new.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := Transition(e.state, StatePaused); err != nil {
		return err
	}
	e.state = StatePaused
	e.session.Status = models.SessionStatusPaused
	e.resumeCh = make(chan struct{})
	e.logger.Info("session paused", "session", e.session.ID)
	e.publish(Event{Type: EventSessionPaused, SessionID: e.session.ID})
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("%w: cannot resume from %s", failure.ErrInvalidStateTransition, e.state)
	}
	e.state = StateRunning
	e.session.Status = models.SessionStatusRunning
	close(e.resumeCh)
	e.resumeCh = nil
	e.logger.Info("session resumed", "session", e.session.ID)
	e.publish(Event{Type: EventSessionResumed, SessionID: e.session.ID})
	return nil
}

// Stop cancels the in-flight agent invocation, discards the rest of the
// queue and waits for the loop to exit or ctx to end. Queued tasks keep their
// status; the interrupted task goes back to pending.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateRunning, StatePaused:
		e.state = StateStopping
		if e.resumeCh != nil {
			close(e.resumeCh)
			e.resumeCh = nil
		}
		e.cancel()
	case StateStopping:
	default:
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", failure.ErrInvalidStateTransition, st)
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the current session's loop has exited.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Wait blocks until the session ends and returns it with the fatal error, if
// the session ended in the error state.
func (e *Engine) Wait(ctx context.Context) (models.AutomationSession, error) {
	select {
	case <-e.Done():
	case <-ctx.Done():
		return e.Session(), ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), e.fatal
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Session() models.AutomationSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

// ErrorHistory returns every error recorded in the current session, oldest
// first.
func (e *Engine) ErrorHistory() []models.ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ErrorRecord(nil), e.history...)
}

// Status is a point-in-time view of an engine.
type Status struct {
	WorkspaceID string
	State       State
	Session     models.AutomationSession
	CurrentTask string
	Queue       []string
	Retries     map[string]int
	Cycles      map[string][]string
	LastError   *models.ErrorRecord
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		WorkspaceID: e.workspaceID,
		State:       e.state,
		Session:     e.session.Clone(),
		Retries:     make(map[string]int, len(e.retries)),
	}
	if e.current != nil {
		st.CurrentTask = e.current.String()
	}
	for ref, n := range e.retries {
		st.Retries[ref.String()] = n
	}
	if n := len(e.history); n > 0 {
		last := e.history[n-1]
		st.LastError = &last
	}
	exclude := e.excludeLocked()
	e.mu.Unlock()

	for _, ref := range e.store.Queue(exclude) {
		st.Queue = append(st.Queue, ref.String())
	}
	st.Cycles = e.store.Cycles()
	return st
}

// RetryTask re-admits a failed task with a fresh retry counter.
func (e *Engine) RetryTask(ref models.Ref) error {
	t, ok := e.store.Task(ref)
	if !ok {
		return failure.Validation(fmt.Errorf("task %s not found", ref))
	}
	if t.Status != models.TaskStatusFailed {
		return failure.Validation(fmt.Errorf("task %s is %s, only failed tasks can be retried", ref, t.Status))
	}
	if err := e.store.UpdateStatus(ref, models.TaskStatusPending); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, ref)
	delete(e.attempted, ref)
	e.session.FailedTasks = removeString(e.session.FailedTasks, ref.String())
	e.logger.Info("task re-admitted", "task", ref.String())
	return nil
}

// SkipTask marks a task skipped so the loop moves past it. Tasks that depend
// on it become runnable.
func (e *Engine) SkipTask(ref models.Ref) error {
	t, ok := e.store.Task(ref)
	if !ok {
		return failure.Validation(fmt.Errorf("task %s not found", ref))
	}
	e.mu.Lock()
	inFlight := e.current != nil && *e.current == ref
	e.mu.Unlock()
	if inFlight {
		return failure.Validation(fmt.Errorf("task %s is running and cannot be skipped", ref))
	}
	if t.Status.Done() {
		return failure.Validation(fmt.Errorf("task %s is already %s", ref, t.Status))
	}
	if err := e.store.UpdateStatus(ref, models.TaskStatusSkipped); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, ref)
	e.attempted[ref] = true
	e.session.FailedTasks = removeString(e.session.FailedTasks, ref.String())
	e.session.SkippedTasks = appendUnique(e.session.SkippedTasks, ref.String())
	e.logger.Info("task skipped", "task", ref.String())
	e.publish(Event{Type: EventTaskSkipped, SessionID: e.session.ID, Task: ref.String()})
	return nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	e.mu.Lock()
	sessionID := e.session.ID
	e.mu.Unlock()

	stopTicker := e.startCheckpointTicker(ctx, sessionID)
	stopForward := e.forwardStoreChanges(sessionID)

	outcome, fatal := e.loop(ctx)

	stopForward()
	stopTicker()
	e.finish(outcome, fatal)
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeStopped
	outcomeError
)

func (e *Engine) loop(ctx context.Context) (outcome, error) {
	for {
		if !e.waitWhilePaused(ctx) || ctx.Err() != nil {
			return outcomeStopped, nil
		}

		e.mu.Lock()
		exclude := e.excludeLocked()
		e.mu.Unlock()

		next := e.store.NextReady(exclude)
		if next == nil {
			return outcomeCompleted, nil
		}

		if err := e.runTask(ctx, *next); err != nil {
			return outcomeError, err
		}
		if ctx.Err() != nil {
			return outcomeStopped, nil
		}
	}
}

// runTask drives one task to completion, exhaustion or interruption. It
// returns a non-nil error only when the session must halt.
func (e *Engine) runTask(ctx context.Context, task models.Task) error {
	ref := task.Ref()
	e.mu.Lock()
	e.current = &ref
	sessionID := e.session.ID
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
	}()

	log := e.logger.With("session", sessionID, "task", ref.String())

	for {
		e.mu.Lock()
		attempt := e.retries[ref] + 1
		e.mu.Unlock()

		if err := e.checkDependencies(ref); err != nil {
			e.recordError(ref, attempt, err)
			return e.failTask(ref, attempt, err, log)
		}

		if err := e.store.UpdateStatus(ref, models.TaskStatusInProgress); err != nil {
			return fmt.Errorf("failed to mark %s in progress: %w", ref, err)
		}
		if fresh, ok := e.store.Task(ref); ok {
			task = fresh
		}
		log.Info("task started", "attempt", attempt, "title", task.Title)
		e.publish(Event{Type: EventTaskStarted, SessionID: sessionID, Task: ref.String(), Attempt: attempt, Message: task.Title})

		started := e.clock()
		res, err := e.invoke(ctx, agent.TaskContext{
			SessionID:   sessionID,
			WorkspaceID: e.workspaceID,
			Task:        task,
			Attempt:     attempt,
			Workspace:   e.ws,
		})

		if ctx.Err() != nil {
			// Stopped mid-invocation; the task was not finished.
			if uerr := e.store.UpdateStatus(ref, models.TaskStatusPending); uerr != nil {
				log.Error("failed to reset interrupted task", "error", uerr)
			}
			log.Info("task interrupted")
			return nil
		}

		if err == nil {
			if uerr := e.store.UpdateStatus(ref, models.TaskStatusCompleted); uerr != nil {
				return fmt.Errorf("failed to mark %s completed: %w", ref, uerr)
			}
			summary := ""
			if res != nil {
				summary = res.Summary
			}
			e.mu.Lock()
			delete(e.retries, ref)
			e.attempted[ref] = true
			e.session.CompletedTasks = appendUnique(e.session.CompletedTasks, ref.String())
			e.mu.Unlock()
			log.Info("task completed", "attempt", attempt, "elapsed", e.clock().Sub(started).Round(time.Millisecond))
			e.publish(Event{Type: EventTaskCompleted, SessionID: sessionID, Task: ref.String(), Attempt: attempt, Message: summary})
			e.checkMemory()
			return nil
		}

		c := e.recordError(ref, attempt, err)
		e.mu.Lock()
		retries := e.retries[ref]
		canRetry := c.Retryable() && retries < e.cfg.MaxRetries
		if canRetry {
			e.retries[ref] = retries + 1
		}
		e.mu.Unlock()

		if !canRetry {
			return e.failTask(ref, attempt, err, log)
		}

		delay := e.cfg.Backoff.Delay(retries)
		log.Warn("task failed, retrying", "attempt", attempt, "kind", c.Kind, "delay", delay, "error", err)
		e.publish(Event{Type: EventTaskRetrying, SessionID: sessionID, Task: ref.String(), Attempt: attempt, Message: err.Error()})
		if serr := e.sleep(ctx, delay); serr != nil {
			if uerr := e.store.UpdateStatus(ref, models.TaskStatusPending); uerr != nil {
				log.Error("failed to reset interrupted task", "error", uerr)
			}
			return nil
		}
	}
}

// invoke bounds one agent call by the task timeout. An agent that overruns
// the deadline is abandoned and its late result discarded. Stopping still
// waits for the agent, which must return once its context is done.
func (e *Engine) invoke(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	type outcome struct {
		res *agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.agent.Invoke(taskCtx, tc)
		done <- outcome{res, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			o = <-done
			return o.res, o.err
		}
	}
	if ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return nil, failure.Newf(failure.KindTimeout, tc.Ref().String(),
			"task exceeded its %s timeout: %w", e.cfg.TaskTimeout, context.DeadlineExceeded)
	}
	return o.res, o.err
}

func (e *Engine) checkDependencies(ref models.Ref) error {
	unmet, err := e.store.Unsatisfied(ref)
	if err != nil {
		return failure.New(failure.KindValidation, ref.String(), err)
	}
	if len(unmet) > 0 {
		return failure.Newf(failure.KindDependency, ref.String(), "unsatisfied dependencies: %v", unmet)
	}
	return nil
}

// failTask marks the task failed. It returns the error that halts the
// session unless the engine continues past failures.
func (e *Engine) failTask(ref models.Ref, attempt int, err error, log *slog.Logger) error {
	if uerr := e.store.UpdateStatus(ref, models.TaskStatusFailed); uerr != nil {
		log.Error("failed to mark task failed", "error", uerr)
	}
	e.mu.Lock()
	e.attempted[ref] = true
	e.session.FailedTasks = appendUnique(e.session.FailedTasks, ref.String())
	sessionID := e.session.ID
	cont := e.cfg.ContinueOnFailure
	if !cont {
		e.failedRef = ref.String()
	}
	e.mu.Unlock()

	log.Error("task failed", "attempt", attempt, "error", err)
	e.publish(Event{Type: EventTaskFailed, SessionID: sessionID, Task: ref.String(), Attempt: attempt, Message: err.Error()})
	if cont {
		return nil
	}
	return fmt.Errorf("task %s failed: %w", ref, err)
}

func (e *Engine) recordError(ref models.Ref, attempt int, err error) failure.Classification {
	c := failure.Classify(err)
	e.mu.Lock()
	rec := models.ErrorRecord{
		SessionID:  e.session.ID,
		Task:       ref.String(),
		Kind:       string(c.Kind),
		Retryable:  c.Retryable(),
		Classified: c.Classified,
		Attempt:    attempt,
		Message:    err.Error(),
		At:         e.clock(),
	}
	e.history = append(e.history, rec)
	e.mu.Unlock()

	if !c.Classified {
		e.logger.Warn("unclassified task error", "task", ref.String(), "error", err)
	}
	if e.recorder != nil {
		if rerr := e.recorder.RecordError(rec); rerr != nil {
			e.logger.Error("failed to persist error record", "error", rerr)
		}
	}
	return c
}

func (e *Engine) waitWhilePaused(ctx context.Context) bool {
	for {
		e.mu.Lock()
		st, ch := e.state, e.resumeCh
		e.mu.Unlock()
		if st != StatePaused || ch == nil {
			return st != StateStopping
		}
		e.saveCheckpoint()
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

func (e *Engine) finish(out outcome, fatal error) {
	now := e.clock()
	e.mu.Lock()
	e.session.EndTime = &now
	var ev Event
	switch {
	case out == outcomeStopped || e.state == StateStopping:
		e.state = StateStopped
		e.session.Status = models.SessionStatusStopped
		ev = Event{Type: EventSessionStopped}
	case out == outcomeError:
		e.state = StateError
		e.fatal = fatal
		e.session.Status = models.SessionStatusFailed
		e.session.Error = &models.SessionError{Message: fatal.Error(), Task: e.failedRef, At: now}
		ev = Event{Type: EventSessionFailed, Message: fatal.Error()}
	default:
		e.state = StateIdle
		e.session.Status = models.SessionStatusCompleted
		ev = Event{Type: EventSessionCompleted}
	}
	if e.resumeCh != nil {
		close(e.resumeCh)
		e.resumeCh = nil
	}
	e.cancel()
	sess := e.session.Clone()
	e.mu.Unlock()

	e.saveCheckpoint()
	if e.resources != nil {
		report := e.resources.CleanupSession(sess.ID)
		e.logger.Debug("session resources released", "session", sess.ID, "resources", report.Resources, "cache_entries", report.CacheEntries)
	}

	e.logger.Info("session finished", "session", sess.ID, "status", sess.Status,
		"completed", len(sess.CompletedTasks), "failed", len(sess.FailedTasks), "skipped", len(sess.SkippedTasks))
	ev.SessionID = sess.ID
	e.publish(ev)
}

func (e *Engine) startCheckpointTicker(ctx context.Context, sessionID string) func() {
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	var resourceID string
	if e.resources != nil {
		resourceID = e.resources.Register(models.ResourceTimer, "checkpoint:"+e.workspaceID,
			map[string]string{resource.MetaSession: sessionID}, ticker.Stop)
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if resourceID != "" {
					e.resources.Touch(resourceID)
				}
				e.saveCheckpoint()
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
		ticker.Stop()
	}
}

// forwardStoreChanges republishes document edits made outside the engine.
func (e *Engine) forwardStoreChanges(sessionID string) func() {
	ch, cancel := e.store.Subscribe(32)
	var listenerID string
	if e.resources != nil {
		listenerID = e.resources.Register(models.ResourceListener, "task-changes:"+e.workspaceID,
			map[string]string{resource.MetaSession: sessionID}, nil)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for c := range ch {
			if c.Source != tasks.ChangeReload {
				continue
			}
			if listenerID != "" {
				e.resources.Touch(listenerID)
			}
			e.publish(Event{
				Type:      EventTasksChanged,
				SessionID: sessionID,
				Message: fmt.Sprintf("%s: %d added, %d removed, %d status changes",
					c.Doc, len(c.Diff.Added), len(c.Diff.Removed), len(c.Diff.StatusChanges)),
			})
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (e *Engine) saveCheckpoint() {
	if e.checkpoints == nil {
		return
	}
	cp := e.Checkpoint()
	if err := e.checkpoints.SaveCheckpoint(cp); err != nil {
		e.logger.Error("failed to save checkpoint", "session", cp.Session.ID, "error", err)
	}
}

// Checkpoint snapshots the session, the remaining queue and the in-flight
// task.
func (e *Engine) Checkpoint() *models.Checkpoint {
	e.mu.Lock()
	cp := &models.Checkpoint{
		Version:     models.CheckpointVersion,
		WorkspaceID: e.workspaceID,
		Session:     e.session.Clone(),
		SavedAt:     e.clock(),
	}
	if e.current != nil {
		cp.CurrentTask = e.current.String()
	}
	exclude := e.excludeLocked()
	e.mu.Unlock()

	cp.Queue = []string{}
	for _, ref := range e.store.Queue(exclude) {
		cp.Queue = append(cp.Queue, ref.String())
	}
	return cp
}

func (e *Engine) checkMemory() {
	if e.cfg.MemoryBudget == 0 || e.resources == nil {
		return
	}
	used := e.resources.SampleMemory()
	if used <= e.cfg.MemoryBudget {
		return
	}
	report := e.resources.PerformAggressiveCleanup()
	e.logger.Warn("memory budget exceeded, cleaned up",
		"used", humanize.IBytes(used), "budget", humanize.IBytes(e.cfg.MemoryBudget),
		"released_resources", report.Resources, "dropped_cache_entries", report.CacheEntries)
}

func (e *Engine) sessionConfig() models.SessionConfig {
	return models.SessionConfig{
		MaxRetries:         e.cfg.MaxRetries,
		TaskTimeout:        e.cfg.TaskTimeout,
		BackoffBase:        e.cfg.Backoff.Base,
		BackoffMultiplier:  e.cfg.Backoff.Multiplier,
		BackoffMax:         e.cfg.Backoff.Max,
		CheckpointInterval: e.cfg.CheckpointInterval,
		ContinueOnFailure:  e.cfg.ContinueOnFailure,
		Agent:              e.agent.Name(),
	}
}

// caller holds e.mu
func (e *Engine) excludeLocked() map[models.Ref]bool {
	out := make(map[models.Ref]bool, len(e.attempted))
	for ref := range e.attempted {
		out[ref] = true
	}
	return out
}

func (e *Engine) publish(ev Event) {
	if e.bus == nil {
		return
	}
	ev.WorkspaceID = e.workspaceID
	if ev.At.IsZero() {
		ev.At = e.clock()
	}
	e.bus.Publish(ev)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
