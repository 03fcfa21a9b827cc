package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/tasks"
)

func openStore(t *testing.T, docs map[string]string) *tasks.Store {
	t.Helper()
	root := t.TempDir()
	for name, body := range docs {
		dir := filepath.Join(root, ".kiro", "specs", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "tasks.md"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store, err := tasks.Open(root)
	if err != nil {
		t.Fatalf("tasks.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestResolveRef(t *testing.T) {
	single := openStore(t, map[string]string{"core": "- [ ] 1. Only\n"})
	ref, err := resolveRef(single, "1")
	if err != nil || ref != (models.Ref{Doc: "core", ID: "1"}) {
		t.Fatalf("resolveRef = %v, %v", ref, err)
	}

	multi := openStore(t, map[string]string{"core": "- [ ] 1. A\n", "ui": "- [ ] 1. B\n"})
	if _, err := resolveRef(multi, "1"); err == nil {
		t.Fatalf("bare id should be ambiguous across documents")
	}
	ref, err = resolveRef(multi, "ui:1")
	if err != nil || ref.Doc != "ui" {
		t.Fatalf("resolveRef = %v, %v", ref, err)
	}
}

func TestRenderTasksFlagsCycles(t *testing.T) {
	store := openStore(t, map[string]string{"core": "- [x] 1. Done\n- [ ] 2. A\n  _Depends: 3_\n- [ ] 3. B\n  _Depends: 2_\n"})
	out := renderTasks(store.Tasks(), store.Cycles())
	if !strings.Contains(out, "1. Done") || !strings.Contains(out, "Dependency cycles") {
		t.Fatalf("output:\n%s", out)
	}
	if !strings.Contains(out, "core: 2, 3") {
		t.Fatalf("cycle members missing:\n%s", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("workspace-with-a-long-name", 10); got != "workspa..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
