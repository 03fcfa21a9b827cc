// Package workspace lays out the automation directory an agent works with
// inside a project: task metadata in, structured completion signals out.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

// Signal statuses an agent may report.
const (
	SignalDone   = "done"
	SignalFailed = "failed"
)

type Workspace struct {
	Root string
	Dir  string // <Root>/.kiro/automation
}

// TaskMetadata is written to task.json before every agent invocation.
type TaskMetadata struct {
	SessionID   string      `json:"session_id"`
	WorkspaceID string      `json:"workspace_id"`
	Task        models.Task `json:"task"`
	Attempt     int         `json:"attempt"`
	SignalPath  string      `json:"signal_path"`
	Scratchpad  string      `json:"scratchpad"`
}

// Signal is the structured completion report an agent leaves behind.
type Signal struct {
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Prepare creates the automation directory layout under root.
func Prepare(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	w := &Workspace{
		Root: abs,
		Dir:  filepath.Join(abs, ".kiro", "automation"),
	}

	dirs := []string{
		filepath.Join(w.Dir, "signals"),
		filepath.Join(w.Dir, "scratchpad"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := w.writeProtocolFile(); err != nil {
		return nil, err
	}

	return w, nil
}

// fileKey turns a task reference into a file-system friendly name.
func fileKey(ref models.Ref) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(ref.Doc) + "-" + ref.ID
}

func (w *Workspace) SignalPath(ref models.Ref) string {
	return filepath.Join(w.Dir, "signals", fileKey(ref)+".json")
}

func (w *Workspace) TaskMetadataPath() string {
	return filepath.Join(w.Dir, "task.json")
}

// ClearSignal removes a stale signal so a retry cannot read the previous
// attempt's report.
func (w *Workspace) ClearSignal(ref models.Ref) error {
	err := os.Remove(w.SignalPath(ref))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (w *Workspace) WriteTaskMetadata(meta *TaskMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task metadata: %w", err)
	}

	if err := os.WriteFile(w.TaskMetadataPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write task.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadSignal(ref models.Ref) (*Signal, error) {
	data, err := os.ReadFile(w.SignalPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("signal file not found for task %s", ref)
		}
		return nil, fmt.Errorf("failed to read signal file: %w", err)
	}

	var signal Signal
	if err := json.Unmarshal(data, &signal); err != nil {
		return nil, fmt.Errorf("failed to parse signal JSON: %w", err)
	}
	switch signal.Status {
	case SignalDone, SignalFailed:
	default:
		return nil, fmt.Errorf("signal for task %s has unknown status %q", ref, signal.Status)
	}

	return &signal, nil
}

func (w *Workspace) CreateScratchpad(ref models.Ref) (string, error) {
	path := filepath.Join(w.Dir, "scratchpad", fileKey(ref))
	return path, os.MkdirAll(path, 0755)
}

func (w *Workspace) writeProtocolFile() error {
	path := filepath.Join(w.Dir, "PROTOCOL.md")
	return os.WriteFile(path, []byte(protocolContent), 0644)
}

const protocolContent = `# Task Automation Protocol

You are working one task of an implementation plan. Other tasks in the
plan run before and after you, one at a time.

## Reading Context

1. ` + "`" + `.kiro/automation/task.json` + "`" + ` describes your task: id, title, details,
   requirement references and which attempt this is.
2. The plan itself lives in ` + "`" + `.kiro/specs/<name>/tasks.md` + "`" + `. Do not edit
   the checkbox markers; the automation owns them.

## Signaling Completion

**IMPORTANT:** When you are finished, write your result to the path given
in ` + "`" + `signal_path` + "`" + ` of task.json:
` + "```" + `json
{"status": "done", "summary": "Added the parser and its tests"}
` + "```" + `

If you cannot complete the task, report why:
` + "```" + `json
{"status": "failed", "summary": "Module path is undefined", "error_kind": "configuration"}
` + "```" + `

error_kind is one of network, timeout, agent_protocol, dependency,
configuration or validation. Leave it empty when unsure.

## Private Workspace

Use the ` + "`" + `scratchpad` + "`" + ` directory from task.json for drafts and notes.
`
