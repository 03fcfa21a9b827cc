package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoZippy/kiro-automation-sub000/internal/config"
	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

const luaAgent = `
function perform(task)
  log("automating " .. task.id)
  return {status = "done", summary = task.title}
end
`

func writeWorkspace(t *testing.T, doc string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, ".kiro", "specs", "core")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tasks.md"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func newTestApp(t *testing.T, workspaces ...config.WorkspaceConfig) *App {
	t.Helper()
	dataDir := t.TempDir()
	script := filepath.Join(dataDir, "agent.lua")
	if err := os.WriteFile(script, []byte(luaAgent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "automation.db"),
		LogPath:  filepath.Join(dataDir, "logs", "automation.log"),
		Settings: config.Default(),
	}
	cfg.Agent = config.AgentConfig{Kind: "lua", Script: script}
	cfg.Workspaces = workspaces
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	a, err := NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return a
}

func TestSchedulerRunsConfiguredWorkspaces(t *testing.T) {
	alpha := writeWorkspace(t, "- [ ] 1. Parser\n- [ ] 2. Store\n  _Depends: 1_\n")
	beta := writeWorkspace(t, "- [x] 1. Done already\n- [ ] 2. Watcher\n")
	a := newTestApp(t,
		config.WorkspaceConfig{ID: "alpha", Path: alpha, Priority: 1},
		config.WorkspaceConfig{ID: "beta", Path: beta, Priority: 2},
	)

	s := a.Scheduler(1, OpenOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.StartConcurrent(ctx, []string{"alpha", "beta"}, map[string]int{"alpha": 1, "beta": 2}, nil)
	if err != nil {
		t.Fatalf("StartConcurrent: %v", err)
	}
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	for _, root := range []string{alpha, beta} {
		data, err := os.ReadFile(filepath.Join(root, ".kiro", "specs", "core", "tasks.md"))
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(data), "[ ]") {
			t.Fatalf("unfinished tasks left in %s:\n%s", root, data)
		}
	}

	outcomes, err := a.Storage.Outcomes(10)
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	finished := s.Outcomes()
	if finished[0].WorkspaceID != "beta" || finished[0].Completed != 1 || finished[1].Completed != 2 {
		t.Fatalf("finished = %+v", finished)
	}

	cp, err := a.Storage.LatestCheckpoint("alpha")
	if err != nil || cp == nil {
		t.Fatalf("LatestCheckpoint = %v, %v", cp, err)
	}
	if cp.Session.Status != models.SessionStatusCompleted || len(cp.Queue) != 0 {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestOpenWorkspaceResume(t *testing.T) {
	root := writeWorkspace(t, "- [ ] 1. Only\n")
	a := newTestApp(t, config.WorkspaceConfig{ID: "solo", Path: root})
	wc, err := a.Workspace("solo")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.OpenWorkspace(wc, OpenOptions{Resume: true}); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("resume without checkpoint = %v", err)
	}

	w, err := a.OpenWorkspace(wc, OpenOptions{})
	if err != nil {
		t.Fatalf("OpenWorkspace: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	first, err := w.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	again, err := a.OpenWorkspace(wc, OpenOptions{Resume: true})
	if err != nil {
		t.Fatalf("OpenWorkspace resume: %v", err)
	}
	defer again.Close()
	if err := again.Start(ctx); err != nil {
		t.Fatal(err)
	}
	sess, err := again.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != first.ID || len(sess.CompletedTasks) != 1 {
		t.Fatalf("resumed session = %+v, first = %+v", sess, first)
	}
}

func TestOpenWorkspaceWithoutDocuments(t *testing.T) {
	a := newTestApp(t, config.WorkspaceConfig{ID: "empty", Path: t.TempDir()})
	wc, err := a.Workspace("empty")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.OpenWorkspace(wc, OpenOptions{}); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("OpenWorkspace = %v", err)
	}
	if _, err := a.Workspace("missing"); !failure.Is(err, failure.KindConfiguration) {
		t.Fatalf("Workspace(missing) = %v", err)
	}
}

func TestEngineConfigFromSettings(t *testing.T) {
	s := config.Default()
	s.Automation.MaxRetries = 5
	cfg := EngineConfig(s)
	if cfg.MaxRetries != 5 || cfg.TaskTimeout != 5*time.Minute || cfg.Backoff.Max != 30*time.Second {
		t.Fatalf("engine config = %+v", cfg)
	}
	rc := ResourceConfig(s)
	if rc.MaxCacheEntries != 1000 || rc.MaxCacheSize != 50<<20 {
		t.Fatalf("resource config = %+v", rc)
	}
}
