// Package scheduler runs the automation engines of several workspaces under
// a global concurrency limit, admitting queued workspaces by priority.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/logging"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

const DefaultMaxConcurrentWorkspaces = 2

// Runner is one workspace's automation engine as the scheduler sees it. A
// runner that also implements io.Closer is closed once its session ends.
type Runner interface {
	WorkspaceID() string
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
	Wait(ctx context.Context) (models.AutomationSession, error)
}

// Factory builds the runner for an admitted workspace.
type Factory func(ctx context.Context, alloc models.WorkspaceAllocation) (Runner, error)

// OutcomeRecorder persists finished workspaces.
type OutcomeRecorder interface {
	RecordOutcome(o models.WorkspaceOutcome) error
}

// Limits caps one workspace's share of the shared resources.
type Limits struct {
	MaxMemoryBudget     uint64
	MaxConcurrencyShare float64
}

type queued struct {
	ctx   context.Context
	alloc models.WorkspaceAllocation
	seq   int
}

type running struct {
	runner  Runner
	alloc   models.WorkspaceAllocation
	started time.Time
}

type Scheduler struct {
	maxConcurrent int
	factory       Factory
	recorder      OutcomeRecorder
	logger        *slog.Logger
	clock         func() time.Time

	mu       sync.Mutex
	queue    []queued
	seq      int
	running  map[string]*running
	finished []models.WorkspaceOutcome
	stopping bool
	pending  int
	idle     chan struct{}
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

func New(maxConcurrent int, factory Factory, opts ...Option) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrentWorkspaces
	}
	idle := make(chan struct{})
	close(idle)
	s := &Scheduler{
		maxConcurrent: maxConcurrent,
		factory:       factory,
		logger:        logging.Discard(),
		clock:         time.Now,
		running:       make(map[string]*running),
		idle:          idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartConcurrent queues the workspaces and admits as many as there are free
// slots. Higher priority runs first; equal priorities keep the given order.
// Missing priorities and limits default to zero.
func (s *Scheduler) StartConcurrent(ctx context.Context, ids []string, priorities map[string]int, limits map[string]Limits) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return errors.New("scheduler is stopping")
	}
	known := make(map[string]bool)
	for _, q := range s.queue {
		known[q.alloc.WorkspaceID] = true
	}
	for id := range s.running {
		known[id] = true
	}
	for _, id := range ids {
		if known[id] {
			s.mu.Unlock()
			return fmt.Errorf("workspace %s is already scheduled", id)
		}
		known[id] = true
	}

	for _, id := range ids {
		lim := limits[id]
		s.queue = append(s.queue, queued{
			ctx: ctx,
			alloc: models.WorkspaceAllocation{
				WorkspaceID:         id,
				Priority:            priorities[id],
				MaxMemoryBudget:     lim.MaxMemoryBudget,
				MaxConcurrencyShare: lim.MaxConcurrencyShare,
			},
			seq: s.seq,
		})
		s.seq++
		s.addPendingLocked(1)
	}
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].alloc.Priority != s.queue[j].alloc.Priority {
			return s.queue[i].alloc.Priority > s.queue[j].alloc.Priority
		}
		return s.queue[i].seq < s.queue[j].seq
	})
	s.logger.Info("workspaces queued", "count", len(ids), "queued", len(s.queue), "running", len(s.running))
	s.admitLocked()
	s.mu.Unlock()
	return nil
}

// caller holds s.mu
func (s *Scheduler) admitLocked() {
	for !s.stopping && len(s.running) < s.maxConcurrent && len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		id := next.alloc.WorkspaceID
		started := s.clock()

		r, err := s.factory(next.ctx, next.alloc)
		if err == nil {
			err = r.Start(next.ctx)
			if err != nil {
				closeRunner(r, s.logger)
			}
		}
		if err != nil {
			s.logger.Error("failed to start workspace", "workspace", id, "error", err)
			s.recordLocked(models.WorkspaceOutcome{
				WorkspaceID: id,
				Status:      models.SessionStatusFailed,
				StartedAt:   started,
				FinishedAt:  s.clock(),
				Error:       err.Error(),
			})
			s.addPendingLocked(-1)
			continue
		}

		run := &running{runner: r, alloc: next.alloc, started: started}
		s.running[id] = run
		attrs := []any{"workspace", id, "priority", next.alloc.Priority, "running", len(s.running), "queued", len(s.queue)}
		if next.alloc.MaxMemoryBudget > 0 {
			attrs = append(attrs, "memory_budget", humanize.IBytes(next.alloc.MaxMemoryBudget))
		}
		s.logger.Info("workspace admitted", attrs...)
		go s.watch(id, run)
	}
}

// watch waits for a runner's session to end, frees its slot and admits the
// next queued workspace.
func (s *Scheduler) watch(id string, run *running) {
	sess, err := run.runner.Wait(context.Background())
	closeRunner(run.runner, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	o := models.WorkspaceOutcome{
		WorkspaceID: id,
		SessionID:   sess.ID,
		Status:      sess.Status,
		StartedAt:   run.started,
		FinishedAt:  s.clock(),
		Completed:   len(sess.CompletedTasks),
		Failed:      len(sess.FailedTasks),
		Skipped:     len(sess.SkippedTasks),
	}
	if err != nil {
		o.Error = err.Error()
	}
	s.recordLocked(o)
	s.logger.Info("workspace finished", "workspace", id, "status", o.Status,
		"elapsed", o.Elapsed().Round(time.Millisecond), "completed", o.Completed, "failed", o.Failed)
	s.addPendingLocked(-1)
	s.admitLocked()
}

// caller holds s.mu
func (s *Scheduler) recordLocked(o models.WorkspaceOutcome) {
	s.finished = append(s.finished, o)
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordOutcome(o); err != nil {
		s.logger.Error("failed to record workspace outcome", "workspace", o.WorkspaceID, "error", err)
	}
}

// caller holds s.mu
func (s *Scheduler) addPendingLocked(delta int) {
	if s.pending == 0 && delta > 0 {
		s.idle = make(chan struct{})
	}
	s.pending += delta
	if s.pending == 0 {
		close(s.idle)
	}
}

// PauseAll pauses every running engine and waits for all of them to
// acknowledge.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	return s.fanOut(ctx, func(r Runner, _ context.Context) error { return r.Pause() })
}

func (s *Scheduler) ResumeAll(ctx context.Context) error {
	return s.fanOut(ctx, func(r Runner, _ context.Context) error { return r.Resume() })
}

// StopAll drops the queue, stops every running engine and waits until their
// outcomes are recorded. The scheduler admits nothing afterwards.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	dropped := len(s.queue)
	s.queue = nil
	if dropped > 0 {
		s.addPendingLocked(-dropped)
	}
	s.mu.Unlock()
	if dropped > 0 {
		s.logger.Info("queued workspaces discarded", "count", dropped)
	}

	if err := s.fanOut(ctx, Runner.Stop); err != nil {
		return err
	}
	return s.Wait(ctx)
}

// fanOut applies fn to every running engine at once. An engine that finished
// after the snapshot was taken rejects the call as an invalid transition;
// that rejection is not an error.
func (s *Scheduler) fanOut(ctx context.Context, fn func(Runner, context.Context) error) error {
	var g errgroup.Group
	for _, r := range s.runners() {
		r := r
		g.Go(func() error {
			err := fn(r, ctx)
			if err == nil || (errors.Is(err, failure.ErrInvalidStateTransition) && s.finishedMeanwhile(ctx, r)) {
				return nil
			}
			return fmt.Errorf("workspace %s: %w", r.WorkspaceID(), err)
		})
	}
	return g.Wait()
}

// finishGrace bounds how long fanOut waits to tell a finished runner from
// one that rejected the call while still running.
const finishGrace = 100 * time.Millisecond

func (s *Scheduler) finishedMeanwhile(ctx context.Context, r Runner) bool {
	if cur, ok := s.Runner(r.WorkspaceID()); !ok || cur != r {
		return true
	}
	waitCtx, cancel := context.WithTimeout(ctx, finishGrace)
	defer cancel()
	_, _ = r.Wait(waitCtx)
	return waitCtx.Err() == nil
}

func (s *Scheduler) runners() []Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Runner, 0, len(s.running))
	for _, run := range s.running {
		out = append(out, run.runner)
	}
	return out
}

// Runner returns the running engine of a workspace.
func (s *Scheduler) Runner(id string) (Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.running[id]
	if !ok {
		return nil, false
	}
	return run.runner, true
}

// Wait blocks until nothing is queued or running.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcomes returns the finished workspaces in completion order.
func (s *Scheduler) Outcomes() []models.WorkspaceOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WorkspaceOutcome(nil), s.finished...)
}

// EstimatedCompletion multiplies the average elapsed time of finished
// workspaces by the number still queued or running. It is advisory only and
// reports false until a workspace has finished.
func (s *Scheduler) EstimatedCompletion() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimateLocked()
}

// caller holds s.mu
func (s *Scheduler) estimateLocked() (time.Duration, bool) {
	if len(s.finished) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, o := range s.finished {
		total += o.Elapsed()
	}
	avg := total / time.Duration(len(s.finished))
	return avg * time.Duration(len(s.queue)+len(s.running)), true
}

type Status struct {
	MaxConcurrent int
	Running       []models.WorkspaceAllocation
	Queued        []models.WorkspaceAllocation
	Finished      []models.WorkspaceOutcome
	Estimated     time.Duration
	HasEstimate   bool
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{MaxConcurrent: s.maxConcurrent}
	for _, run := range s.running {
		st.Running = append(st.Running, run.alloc)
	}
	sort.Slice(st.Running, func(i, j int) bool {
		if st.Running[i].Priority != st.Running[j].Priority {
			return st.Running[i].Priority > st.Running[j].Priority
		}
		return st.Running[i].WorkspaceID < st.Running[j].WorkspaceID
	})
	for _, q := range s.queue {
		st.Queued = append(st.Queued, q.alloc)
	}
	st.Finished = append(st.Finished, s.finished...)
	st.Estimated, st.HasEstimate = s.estimateLocked()
	return st
}

func closeRunner(r Runner, logger *slog.Logger) {
	c, ok := r.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("failed to close workspace runner", "workspace", r.WorkspaceID(), "error", err)
	}
}
