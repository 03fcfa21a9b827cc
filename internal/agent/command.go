package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/logging"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/workspace"
)

// CommandAgent runs an external CLI, by default claude, once per task in the
// workspace root. The process reports its outcome through a signal file.
type CommandAgent struct {
	command string
	args    []string
	logger  *slog.Logger
}

func NewCommandAgent(command string, args []string, logger *slog.Logger) *CommandAgent {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CommandAgent{
		command: command,
		args:    append([]string(nil), args...),
		logger:  logger,
	}
}

func (a *CommandAgent) Name() string { return a.command }

func (a *CommandAgent) Invoke(ctx context.Context, tc TaskContext) (*Result, error) {
	ws := tc.Workspace
	ref := tc.Ref()

	if err := ws.ClearSignal(ref); err != nil {
		return nil, fmt.Errorf("failed to clear previous signal: %w", err)
	}
	scratch, err := ws.CreateScratchpad(ref)
	if err != nil {
		return nil, err
	}
	meta := &workspace.TaskMetadata{
		SessionID:   tc.SessionID,
		WorkspaceID: tc.WorkspaceID,
		Task:        tc.Task,
		Attempt:     tc.Attempt,
		SignalPath:  ws.SignalPath(ref),
		Scratchpad:  scratch,
	}
	if err := ws.WriteTaskMetadata(meta); err != nil {
		return nil, err
	}

	args := append([]string{"-p", buildPrompt(tc, meta)}, a.args...)
	cmd := exec.CommandContext(ctx, a.command, args...)
	cmd.Dir = ws.Root
	setProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	a.logger.Debug("agent process finished",
		"task", ref.String(), "attempt", tc.Attempt, "elapsed", time.Since(started).Round(time.Millisecond))

	if err := contextError(ctx, ref); err != nil {
		return nil, err
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runErr, exec.ErrNotFound):
			return nil, failure.New(failure.KindConfiguration, ref.String(), runErr)
		case errors.As(runErr, &exitErr):
			return nil, failure.Newf(failure.KindAgentProtocol, ref.String(),
				"agent exited with code %d: %s", exitErr.ExitCode(), lastLine(stderr.String()))
		default:
			return nil, runErr
		}
	}

	// Parse session ID from JSON output
	var output struct {
		SessionID string `json:"session_id"`
		Result    string `json:"result"`
	}
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &output); err != nil {
			a.logger.Debug("agent output is not JSON", "task", ref.String(), "error", err, "output", lastLine(string(out)))
		}
	}

	signal, err := ws.ReadSignal(ref)
	if err != nil {
		return nil, failure.New(failure.KindAgentProtocol, ref.String(), err)
	}
	if signal.Status != workspace.SignalDone {
		return nil, signalError(ref, signal.Summary, signal.ErrorKind)
	}

	summary := signal.Summary
	if summary == "" {
		summary = output.Result
	}
	return &Result{Summary: summary, SessionID: output.SessionID}, nil
}

func buildPrompt(tc TaskContext, meta *workspace.TaskMetadata) string {
	var b strings.Builder
	t := tc.Task
	fmt.Fprintf(&b, "Implement task %s from the %q plan: %s\n", t.ID, t.Doc, t.Title)
	for _, d := range t.Details {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	for _, st := range t.SubTasks {
		if st.Status == models.TaskStatusCompleted {
			continue
		}
		opt := ""
		if st.Optional {
			opt = " (optional)"
		}
		fmt.Fprintf(&b, "- [%s] %s%s\n", st.ID, st.Title, opt)
		for _, d := range st.Details {
			fmt.Fprintf(&b, "  - %s\n", d)
		}
	}
	if len(t.RequirementRefs) > 0 {
		fmt.Fprintf(&b, "\nRequirements: %s\n", strings.Join(t.RequirementRefs, ", "))
	}
	if tc.Attempt > 1 {
		fmt.Fprintf(&b, "\nThis is attempt %d; a previous attempt failed. Start the task over.\n", tc.Attempt)
	}
	b.WriteString("\n---\n")
	b.WriteString("IMPORTANT: Read `.kiro/automation/PROTOCOL.md`. When you are done, you MUST write a JSON signal file.\n\n")
	b.WriteString("Write to: " + meta.SignalPath + "\n\n")
	b.WriteString("Example:\n```json\n{\"status\": \"done\", \"summary\": \"Completed the task.\"}\n```\n")
	return b.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
