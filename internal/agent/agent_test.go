package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/GoZippy/kiro-automation-sub000/internal/config"
	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/workspace"
)

func taskContext(t *testing.T) TaskContext {
	t.Helper()
	ws, err := workspace.Prepare(t.TempDir())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return TaskContext{
		SessionID: "sess",
		Task: models.Task{
			Doc:     "core",
			ID:      "2",
			Title:   "Write parser",
			Status:  models.TaskStatusPending,
			Details: []string{"handle subtasks"},
		},
		Attempt:   1,
		Workspace: ws,
	}
}

func TestLuaAgentDone(t *testing.T) {
	a, err := NewLuaAgentFromSource("ok.lua", `
function perform(task)
  log("working on " .. task.id)
  return {status = "done", summary = task.title .. " (" .. task.details[1] .. ")"}
end`, nil)
	if err != nil {
		t.Fatalf("NewLuaAgentFromSource: %v", err)
	}
	res, err := a.Invoke(context.Background(), taskContext(t))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Summary != "Write parser (handle subtasks)" {
		t.Fatalf("summary = %q", res.Summary)
	}
}

func TestLuaAgentFailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		kind      failure.Kind
		retryable bool
	}{
		{"validation", `function perform(t) return {status = "failed", summary = "bad", kind = "validation"} end`, failure.KindValidation, false},
		{"unclassified", `function perform(t) return {status = "failed", summary = "hm"} end`, failure.KindUnclassified, true},
		{"bad status", `function perform(t) return {status = "maybe"} end`, failure.KindAgentProtocol, true},
		{"not a table", `function perform(t) return 42 end`, failure.KindAgentProtocol, true},
		{"missing perform", `x = 1`, failure.KindConfiguration, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewLuaAgentFromSource(tt.name, tt.script, nil)
			if err != nil {
				t.Fatalf("NewLuaAgentFromSource: %v", err)
			}
			_, err = a.Invoke(context.Background(), taskContext(t))
			if err == nil {
				t.Fatalf("expected error")
			}
			c := failure.Classify(err)
			if c.Kind != tt.kind || c.Retryable() != tt.retryable {
				t.Fatalf("classified %v as %+v", err, c)
			}
		})
	}
}

func TestLuaAgentSandbox(t *testing.T) {
	a, err := NewLuaAgentFromSource("sandbox.lua", `
function perform(t)
  if os ~= nil or io ~= nil or dofile ~= nil or math.random ~= nil then
    return {status = "failed", summary = "unsafe library exposed", kind = "validation"}
  end
  if file_exists("../outside") or not file_exists(".kiro/automation") then
    return {status = "failed", summary = "file_exists escaped", kind = "validation"}
  end
  return {status = "done"}
end`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Invoke(context.Background(), taskContext(t)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestLuaAgentTimeout(t *testing.T) {
	a, err := NewLuaAgentFromSource("spin.lua", `function perform(t) while true do end end`, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = a.Invoke(ctx, taskContext(t))
	if !failure.Is(err, failure.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestLuaAgentCancel(t *testing.T) {
	a, err := NewLuaAgentFromSource("spin.lua", `function perform(t) while true do end end`, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = a.Invoke(ctx, taskContext(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewRejectsBadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.lua")
	if err := os.WriteFile(path, []byte("function perform("), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := New(config.AgentConfig{Kind: "lua", Script: path}, nil)
	if !failure.Is(err, failure.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(config.AgentConfig{Kind: "carrier-pigeon"}, nil); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// The command agent passes "-p <prompt>" first; a shell script as the
// command sees the prompt as $2 and finds the signal path in task.json.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommandAgentReadsSignal(t *testing.T) {
	requireShell(t)
	tc := taskContext(t)
	script := writeScript(t, `echo '{"session_id":"abc","result":"ok"}'
echo '{"status":"done","summary":"shell did it"}' > "`+tc.Workspace.SignalPath(tc.Ref())+`"`)

	a := NewCommandAgent(script, nil, nil)
	res, err := a.Invoke(context.Background(), tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Summary != "shell did it" || res.SessionID != "abc" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(tc.Workspace.TaskMetadataPath()); err != nil {
		t.Fatalf("task.json not written: %v", err)
	}
}

func TestCommandAgentLogsMalformedOutput(t *testing.T) {
	requireShell(t)
	tc := taskContext(t)
	script := writeScript(t, `echo 'Finished, no json today'
echo '{"status":"done","summary":"signalled"}' > "`+tc.Workspace.SignalPath(tc.Ref())+`"`)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	res, err := NewCommandAgent(script, nil, logger).Invoke(context.Background(), tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Summary != "signalled" || res.SessionID != "" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(buf.String(), "agent output is not JSON") || !strings.Contains(buf.String(), "no json today") {
		t.Fatalf("log = %s", buf.String())
	}
}

func TestCommandAgentProtocolErrors(t *testing.T) {
	requireShell(t)
	tc := taskContext(t)

	noSignal := NewCommandAgent(writeScript(t, "exit 0"), nil, nil)
	if _, err := noSignal.Invoke(context.Background(), tc); !failure.Is(err, failure.KindAgentProtocol) {
		t.Fatalf("missing signal: got %v", err)
	}

	exitCode := NewCommandAgent(writeScript(t, "echo nope >&2; exit 3"), nil, nil)
	if _, err := exitCode.Invoke(context.Background(), tc); !failure.Is(err, failure.KindAgentProtocol) {
		t.Fatalf("non-zero exit: got %v", err)
	}

	missing := NewCommandAgent(filepath.Join(t.TempDir(), "does-not-exist"), nil, nil)
	if _, err := missing.Invoke(context.Background(), tc); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestCommandAgentTimeoutKillsProcess(t *testing.T) {
	requireShell(t)
	tc := taskContext(t)
	a := NewCommandAgent(writeScript(t, "sleep 30"), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := a.Invoke(ctx, tc)
	if !failure.Is(err, failure.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("agent process was not killed promptly")
	}
}
