package models

import (
	"fmt"
	"strconv"
	"strings"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSkipped    TaskStatus = "skipped"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	}
	return false
}

// Done reports whether the status no longer needs work.
func (s TaskStatus) Done() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// Ref identifies a task or subtask across the documents of one workspace.
type Ref struct {
	Doc string `json:"doc"`
	ID  string `json:"id"`
}

func (r Ref) String() string {
	if r.Doc == "" {
		return r.ID
	}
	return r.Doc + ":" + r.ID
}

// ParseRef accepts "doc:id" or a bare id.
func ParseRef(s string) Ref {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return Ref{Doc: s[:i], ID: s[i+1:]}
	}
	return Ref{ID: s}
}

type SourceLocation struct {
	Path string `json:"path"`
	Line int    `json:"line"` // 1-based
}

type SubTask struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Status          TaskStatus     `json:"status"`
	Optional        bool           `json:"optional,omitempty"`
	RequirementRefs []string       `json:"requirement_refs,omitempty"`
	Details         []string       `json:"details,omitempty"`
	Source          SourceLocation `json:"source"`
}

type Task struct {
	Doc             string         `json:"doc"`
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Status          TaskStatus     `json:"status"`
	SubTasks        []SubTask      `json:"subtasks,omitempty"`
	RequirementRefs []string       `json:"requirement_refs,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	Details         []string       `json:"details,omitempty"`
	Source          SourceLocation `json:"source"`
}

func (t *Task) Ref() Ref {
	return Ref{Doc: t.Doc, ID: t.ID}
}

// Satisfied reports whether the task counts as done for the tasks that
// depend on it. Skipping counts: the operator chose to move past the task. A
// parent whose required subtasks are all done is satisfied even if its own
// marker was never flipped.
func (t *Task) Satisfied() bool {
	if t.Status.Done() {
		return true
	}
	if len(t.SubTasks) == 0 {
		return false
	}
	for _, st := range t.SubTasks {
		if st.Optional {
			continue
		}
		if !st.Status.Done() {
			return false
		}
	}
	return true
}

// Runnable reports whether the task is eligible to be picked up.
func (t *Task) Runnable() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusFailed
}

func (t *Task) SubTask(id string) (*SubTask, bool) {
	for i := range t.SubTasks {
		if t.SubTasks[i].ID == id {
			return &t.SubTasks[i], true
		}
	}
	return nil, false
}

func (t Task) Clone() Task {
	out := t
	out.SubTasks = make([]SubTask, len(t.SubTasks))
	for i, st := range t.SubTasks {
		st.RequirementRefs = append([]string(nil), st.RequirementRefs...)
		st.Details = append([]string(nil), st.Details...)
		out.SubTasks[i] = st
	}
	if t.SubTasks == nil {
		out.SubTasks = nil
	}
	out.RequirementRefs = append([]string(nil), t.RequirementRefs...)
	out.Dependencies = append([]string(nil), t.Dependencies...)
	out.Details = append([]string(nil), t.Details...)
	return out
}

// ParseTaskID splits a dotted id into its numeric segments.
func ParseTaskID(id string) ([]int, error) {
	if id == "" {
		return nil, fmt.Errorf("empty task id")
	}
	parts := strings.Split(id, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid task id %q", id)
		}
		out[i] = n
	}
	return out, nil
}

// CompareTaskIDs orders dotted ids numerically segment by segment, so
// "2" < "2.1" < "10". Unparsable ids sort after parsable ones.
func CompareTaskIDs(a, b string) int {
	pa, errA := ParseTaskID(a)
	pb, errB := ParseTaskID(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	}
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return 0
}

// ParentID returns the id with its last segment removed, or "" for a
// top-level id.
func ParentID(id string) string {
	i := strings.LastIndex(id, ".")
	if i < 0 {
		return ""
	}
	return id[:i]
}
