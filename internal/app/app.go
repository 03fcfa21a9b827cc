// Package app holds the process-wide dependencies and builds the
// per-workspace automation engines from them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoZippy/kiro-automation-sub000/internal/agent"
	"github.com/GoZippy/kiro-automation-sub000/internal/config"
	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/logging"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/orchestrator"
	"github.com/GoZippy/kiro-automation-sub000/internal/resource"
	"github.com/GoZippy/kiro-automation-sub000/internal/scheduler"
	"github.com/GoZippy/kiro-automation-sub000/internal/storage"
	"github.com/GoZippy/kiro-automation-sub000/internal/tasks"
	"github.com/GoZippy/kiro-automation-sub000/internal/workspace"
)

// App is built once per process. Everything that outlives one workspace
// lives here.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Storage   *storage.Storage
	Resources *resource.Manager
	Bus       *orchestrator.Bus

	logFile *logging.Logger
	cancel  context.CancelFunc
}

// New loads the configuration and opens the log file, the database and the
// resource manager. The resource manager's background loop runs until Close.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

func NewWithConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logFile, err := logging.New(cfg.LogPath, cfg.Log.Level, cfg.Log.Stderr)
	if err != nil {
		return nil, err
	}
	logger := logFile.Logger

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	resources := resource.NewManager(ResourceConfig(cfg.Settings),
		resource.WithLogger(logger.With("component", "resources")))
	runCtx, cancel := context.WithCancel(ctx)
	resources.Start(runCtx)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Storage:   store,
		Resources: resources,
		Bus:       orchestrator.NewBus(logger.With("component", "events")),
		logFile:   logFile,
		cancel:    cancel,
	}
	if cfg.ConfigPath != "" {
		logger.Info("configuration loaded", "path", cfg.ConfigPath)
	}
	return a, nil
}

// Close stops the background loops and releases everything New opened.
func (a *App) Close() error {
	a.cancel()
	<-a.Resources.Done()
	a.Resources.Close()
	a.Bus.Close()
	err := a.Storage.Close()
	return errors.Join(err, a.logFile.Close())
}

// ResourceConfig maps the file settings onto the resource manager's bounds.
func ResourceConfig(s config.Settings) resource.Config {
	r := s.Resources
	return resource.Config{
		MaxCacheEntries: r.MaxCacheEntries,
		MaxCacheSize:    uint64(r.MaxCacheSize),
		CacheTTL:        r.CacheTTL.Duration,
		SweepInterval:   r.SweepInterval.Duration,
		SampleInterval:  r.SampleInterval.Duration,
		MaxSamples:      r.MaxSamples,
		LeakThreshold:   uint64(r.LeakThreshold),
	}
}

// EngineConfig maps the file settings onto an engine's policy.
func EngineConfig(s config.Settings) orchestrator.Config {
	a := s.Automation
	return orchestrator.Config{
		MaxRetries:  a.MaxRetries,
		TaskTimeout: a.TaskTimeout.Duration,
		Backoff: orchestrator.Backoff{
			Base:       a.Backoff.Base.Duration,
			Multiplier: a.Backoff.Multiplier,
			Max:        a.Backoff.Max.Duration,
		},
		CheckpointInterval: a.CheckpointInterval.Duration,
		ContinueOnFailure:  a.ContinueOnFailure,
	}
}

// Workspace is one workspace's engine together with the task store it owns.
// It satisfies scheduler.Runner.
type Workspace struct {
	*orchestrator.Engine
	Config config.WorkspaceConfig
	Store  *tasks.Store

	checkpoint *models.Checkpoint
}

// Start resumes the checkpoint the workspace was opened with, if any, and
// starts a fresh session otherwise.
func (w *Workspace) Start(ctx context.Context) error {
	if w.checkpoint != nil {
		return w.Engine.ResumeFrom(ctx, w.checkpoint)
	}
	return w.Engine.Start(ctx)
}

// Close stops watching the task documents.
func (w *Workspace) Close() error {
	return w.Store.Close()
}

// OpenOptions adjust how a workspace is opened.
type OpenOptions struct {
	// Resume continues the workspace's latest checkpoint instead of starting
	// a new session.
	Resume bool
	// Watch reloads the task documents when they change on disk.
	Watch             bool
	ContinueOnFailure bool
	MemoryBudget      uint64
}

// OpenWorkspace builds the engine for a workspace: it parses the task
// documents, lays out the agent protocol directory and selects the agent.
func (a *App) OpenWorkspace(wc config.WorkspaceConfig, opts OpenOptions) (*Workspace, error) {
	logger := a.Logger.With("workspace", wc.ID)

	store, err := tasks.Open(wc.Path,
		tasks.WithResources(a.Resources),
		tasks.WithLogger(logger.With("component", "tasks")))
	if err != nil {
		return nil, err
	}
	if len(store.Documents()) == 0 {
		store.Close()
		return nil, failure.Validation(fmt.Errorf("no task documents found under %s", wc.Path))
	}
	if opts.Watch {
		if _, err := store.Watch(a.Config.Automation.DebounceDelay.Duration); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to watch task documents: %w", err)
		}
	}

	ws, err := workspace.Prepare(wc.Path)
	if err != nil {
		store.Close()
		return nil, err
	}

	ag, err := agent.New(a.Config.Agent, logger.With("component", "agent"))
	if err != nil {
		store.Close()
		return nil, err
	}

	cfg := EngineConfig(a.Config.Settings)
	if opts.ContinueOnFailure {
		cfg.ContinueOnFailure = true
	}
	cfg.MemoryBudget = uint64(wc.MaxMemory)
	if opts.MemoryBudget > 0 {
		cfg.MemoryBudget = opts.MemoryBudget
	}

	engine, err := orchestrator.New(wc.ID, store, ag, ws, cfg,
		orchestrator.WithLogger(logger.With("component", "engine")),
		orchestrator.WithBus(a.Bus),
		orchestrator.WithCheckpoints(a.Storage),
		orchestrator.WithErrorRecorder(a.Storage),
		orchestrator.WithResources(a.Resources))
	if err != nil {
		store.Close()
		return nil, err
	}

	w := &Workspace{Engine: engine, Config: wc, Store: store}
	if opts.Resume {
		cp, err := a.Storage.LatestCheckpoint(wc.ID)
		if err != nil {
			store.Close()
			return nil, err
		}
		if cp == nil {
			store.Close()
			return nil, failure.Validation(fmt.Errorf("workspace %s has no checkpoint to resume", wc.ID))
		}
		w.checkpoint = cp
	}
	return w, nil
}

// Workspace resolves a configured workspace id, or a directory path.
func (a *App) Workspace(id string) (config.WorkspaceConfig, error) {
	wc, ok := a.Config.Workspace(id)
	if !ok {
		return config.WorkspaceConfig{}, failure.Configuration(fmt.Errorf("unknown workspace %q", id))
	}
	return wc, nil
}

// Scheduler builds a scheduler whose admitted workspaces are opened with
// opts. The allocation's memory budget overrides the configured one.
func (a *App) Scheduler(maxConcurrent int, opts OpenOptions) *scheduler.Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = a.Config.Scheduler.MaxConcurrentWorkspaces
	}
	factory := func(ctx context.Context, alloc models.WorkspaceAllocation) (scheduler.Runner, error) {
		wc, err := a.Workspace(alloc.WorkspaceID)
		if err != nil {
			return nil, err
		}
		o := opts
		if alloc.MaxMemoryBudget > 0 {
			o.MemoryBudget = alloc.MaxMemoryBudget
		}
		return a.OpenWorkspace(wc, o)
	}
	return scheduler.New(maxConcurrent, factory,
		scheduler.WithLogger(a.Logger.With("component", "scheduler")),
		scheduler.WithOutcomeRecorder(a.Storage))
}
