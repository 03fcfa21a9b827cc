package models

import (
	"sort"
	"strings"
	"testing"
)

func TestCompareTaskIDs(t *testing.T) {
	ids := []string{"10", "2.1", "2", "1.10", "1.2", "x", "1"}
	sort.Slice(ids, func(i, j int) bool { return CompareTaskIDs(ids[i], ids[j]) < 0 })
	if got := strings.Join(ids, " "); got != "1 1.2 1.10 2 2.1 10 x" {
		t.Fatalf("order = %s", got)
	}
	if CompareTaskIDs("3.0", "3.0") != 0 {
		t.Fatalf("equal ids should compare equal")
	}
}

func TestParseRef(t *testing.T) {
	if r := ParseRef("core:2.1"); r.Doc != "core" || r.ID != "2.1" {
		t.Fatalf("ParseRef = %+v", r)
	}
	if r := ParseRef("4"); r.Doc != "" || r.ID != "4" || r.String() != "4" {
		t.Fatalf("ParseRef bare = %+v", r)
	}
	if s := (Ref{Doc: "ui", ID: "3"}).String(); s != "ui:3" {
		t.Fatalf("String = %s", s)
	}
}

func TestSatisfied(t *testing.T) {
	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"completed", Task{Status: TaskStatusCompleted}, true},
		{"skipped", Task{Status: TaskStatusSkipped}, true},
		{"pending", Task{Status: TaskStatusPending}, false},
		{"failed", Task{Status: TaskStatusFailed}, false},
		{"required subtasks done", Task{Status: TaskStatusPending, SubTasks: []SubTask{
			{ID: "1.1", Status: TaskStatusCompleted},
			{ID: "1.2", Status: TaskStatusPending, Optional: true},
		}}, true},
		{"required subtask pending", Task{Status: TaskStatusPending, SubTasks: []SubTask{
			{ID: "1.1", Status: TaskStatusCompleted},
			{ID: "1.2", Status: TaskStatusPending},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Satisfied(); got != tt.want {
				t.Fatalf("Satisfied() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := Task{ID: "1", Dependencies: []string{"0"}, SubTasks: []SubTask{{ID: "1.1", Details: []string{"a"}}}}
	c := orig.Clone()
	c.Dependencies[0] = "changed"
	c.SubTasks[0].Details[0] = "changed"
	if orig.Dependencies[0] != "0" || orig.SubTasks[0].Details[0] != "a" {
		t.Fatalf("clone shares memory with the original")
	}
}

func TestParentID(t *testing.T) {
	if ParentID("2.3.1") != "2.3" || ParentID("4") != "" {
		t.Fatalf("ParentID mismatch")
	}
}
