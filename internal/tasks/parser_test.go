package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

const sampleDoc = `# Implementation Plan

- [ ] 1. Set up project
  - [x] 1.1 Create module
    - run go mod init
    - _Requirements: 1.1_
  - [ ]* 1.2 Add lint config
- [ ] 2. Build parser
  - Handle nested subtasks
  - _Requirements: 2.1, 2.3_
  - _Depends: 1_
- [-] 3. Write store
- [!] 10. Release
- [~] 4 Docs
`

func TestParseContent(t *testing.T) {
	doc := DocumentRef{Name: "core", Path: "tasks.md"}
	got, err := ParseContent(doc, sampleDoc)
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}

	wantIDs := []string{"1", "2", "3", "4", "10"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d tasks, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Fatalf("task %d id = %q, want %q", i, got[i].ID, id)
		}
		if got[i].Doc != "core" {
			t.Fatalf("task %s doc = %q", id, got[i].Doc)
		}
	}

	one := got[0]
	if one.Title != "Set up project" || one.Status != models.TaskStatusPending {
		t.Fatalf("task 1 = %+v", one)
	}
	if len(one.SubTasks) != 2 {
		t.Fatalf("task 1 has %d subtasks, want 2", len(one.SubTasks))
	}
	if st := one.SubTasks[0]; st.ID != "1.1" || st.Status != models.TaskStatusCompleted || st.Optional {
		t.Fatalf("subtask 1.1 = %+v", st)
	}
	if st := one.SubTasks[0]; len(st.Details) != 1 || st.Details[0] != "run go mod init" {
		t.Fatalf("subtask 1.1 details = %v", st.Details)
	}
	if st := one.SubTasks[0]; len(st.RequirementRefs) != 1 || st.RequirementRefs[0] != "1.1" {
		t.Fatalf("subtask 1.1 requirements = %v", st.RequirementRefs)
	}
	if st := one.SubTasks[1]; !st.Optional || st.Source.Line != 7 {
		t.Fatalf("subtask 1.2 = %+v", st)
	}
	if !one.Satisfied() {
		t.Fatalf("task 1 should be satisfied once its required subtasks are done")
	}

	two := got[1]
	if len(two.RequirementRefs) != 2 || two.RequirementRefs[1] != "2.3" {
		t.Fatalf("task 2 requirements = %v", two.RequirementRefs)
	}
	if len(two.Dependencies) != 1 || two.Dependencies[0] != "1" {
		t.Fatalf("task 2 dependencies = %v", two.Dependencies)
	}
	if len(two.Details) != 1 || two.Details[0] != "Handle nested subtasks" {
		t.Fatalf("task 2 details = %v", two.Details)
	}
	if two.Source.Line != 8 {
		t.Fatalf("task 2 line = %d, want 8", two.Source.Line)
	}

	statuses := map[string]models.TaskStatus{
		"3":  models.TaskStatusInProgress,
		"4":  models.TaskStatusSkipped,
		"10": models.TaskStatusFailed,
	}
	for _, task := range got {
		if want, ok := statuses[task.ID]; ok && task.Status != want {
			t.Fatalf("task %s status = %s, want %s", task.ID, task.Status, want)
		}
	}
}

func TestParseContentErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		line    int
	}{
		{"unknown marker", "- [ ] 1. ok\n- [?] 2. bad\n", 2},
		{"missing id", "- [ ] 1. ok\n- [ ] Untitled\n", 2},
		{"duplicate id", "- [ ] 1. a\n- [ ] 1. b\n", 2},
		{"orphan subtask", "  - [ ] 1.1 child\n", 1},
		{"foreign subtask", "- [ ] 1. a\n  - [ ] 2.1 child\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseContent(DocumentRef{Name: "x", Path: "x.md"}, tt.content)
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if perr.Line != tt.line {
				t.Fatalf("error line = %d, want %d", perr.Line, tt.line)
			}
		})
	}
}

func TestReplaceMarkerOnlyTouchesMarker(t *testing.T) {
	line := "  - [ ]* 1.2 Add [x] lint config"
	got, err := ReplaceMarker(line, models.TaskStatusCompleted)
	if err != nil {
		t.Fatalf("ReplaceMarker: %v", err)
	}
	if want := "  - [x]* 1.2 Add [x] lint config"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if _, err := ReplaceMarker("plain text", models.TaskStatusCompleted); err == nil {
		t.Fatalf("expected error for non-task line")
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"beta", "alpha"} {
		dir := filepath.Join(root, ".kiro", "specs", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "tasks.md"), []byte("- [ ] 1. a\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, ".kiro", "specs", "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	docs, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(docs) != 2 || docs[0].Name != "alpha" || docs[1].Name != "beta" {
		t.Fatalf("docs = %+v", docs)
	}
}

func TestDiscoverFallsBackToRootDocument(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "tasks.md"), []byte("- [ ] 1. a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	docs, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(docs) != 1 || docs[0].Name != "tasks" {
		t.Fatalf("docs = %+v", docs)
	}
}

func TestFindCycles(t *testing.T) {
	tasks := []models.Task{
		{ID: "1", Dependencies: []string{"2"}},
		{ID: "2", Dependencies: []string{"1"}},
		{ID: "3", Dependencies: []string{"3"}},
		{ID: "4", Dependencies: []string{"1"}},
		{ID: "5", Dependencies: []string{"99"}},
	}
	got := FindCycles(tasks)
	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("cycles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cycles = %v, want %v", got, want)
		}
	}
	blocked := blockedByCycle(tasks)
	if !blocked["4"] || blocked["5"] {
		t.Fatalf("blocked = %v", blocked)
	}
}
