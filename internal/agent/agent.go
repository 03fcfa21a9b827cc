// Package agent defines the collaborator that performs a task's work and the
// adapters the engine can be configured with.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoZippy/kiro-automation-sub000/internal/config"
	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/workspace"
)

// TaskContext is everything an agent is told about one invocation.
type TaskContext struct {
	SessionID   string
	WorkspaceID string
	Task        models.Task
	// Attempt starts at 1 and grows with every retry of the same task.
	Attempt   int
	Workspace *workspace.Workspace
}

func (tc TaskContext) Ref() models.Ref {
	return tc.Task.Ref()
}

// Result describes a successful invocation.
type Result struct {
	Summary string
	// SessionID is the agent's own conversation id, when it reports one.
	SessionID string
}

// Agent performs one task. Invoke must return promptly once ctx is done and
// must be safe to call again for the same task after a failure: a retry
// restarts the work rather than resuming it. Failures should carry a
// failure.Kind where the agent knows one.
type Agent interface {
	Name() string
	Invoke(ctx context.Context, tc TaskContext) (*Result, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, tc TaskContext) (*Result, error)

func (f Func) Name() string { return "func" }

func (f Func) Invoke(ctx context.Context, tc TaskContext) (*Result, error) {
	return f(ctx, tc)
}

// New builds the adapter named by cfg.Kind.
func New(cfg config.AgentConfig, logger *slog.Logger) (Agent, error) {
	switch cfg.Kind {
	case "command", "":
		return NewCommandAgent(cfg.Command, cfg.Args, logger), nil
	case "lua":
		a, err := NewLuaAgent(cfg.Script, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, failure.Configuration(fmt.Errorf("unknown agent kind %q", cfg.Kind))
}

// signalError turns an agent's self-reported failure into an error of the
// kind it named. An empty or unknown kind stays unclassified.
func signalError(ref models.Ref, summary, kind string) error {
	if summary == "" {
		summary = "agent reported failure"
	}
	return failure.New(failure.ParseKind(kind), ref.String(), errors.New(summary))
}

// contextError maps a finished context onto the engine's taxonomy: deadlines
// are retryable timeouts, cancellation is passed through untouched.
func contextError(ctx context.Context, ref models.Ref) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return failure.New(failure.KindTimeout, ref.String(), ctx.Err())
	case nil:
		return nil
	default:
		return ctx.Err()
	}
}
