package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

func TestPrepareAndSignals(t *testing.T) {
	w, err := Prepare(t.TempDir())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for _, dir := range []string{"signals", "scratchpad"} {
		if info, err := os.Stat(filepath.Join(w.Dir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("missing %s directory", dir)
		}
	}

	ref := models.Ref{Doc: "core", ID: "2.1"}
	if _, err := w.ReadSignal(ref); err == nil {
		t.Fatalf("expected error for missing signal")
	}

	if err := os.WriteFile(w.SignalPath(ref), []byte(`{"status":"failed","error_kind":"validation"}`), 0644); err != nil {
		t.Fatal(err)
	}
	sig, err := w.ReadSignal(ref)
	if err != nil {
		t.Fatalf("ReadSignal: %v", err)
	}
	if sig.Status != SignalFailed || sig.ErrorKind != "validation" {
		t.Fatalf("signal = %+v", sig)
	}

	if err := w.ClearSignal(ref); err != nil {
		t.Fatalf("ClearSignal: %v", err)
	}
	if err := w.ClearSignal(ref); err != nil {
		t.Fatalf("ClearSignal twice: %v", err)
	}

	if err := os.WriteFile(w.SignalPath(ref), []byte(`{"status":"maybe"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := w.ReadSignal(ref); err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestWriteTaskMetadata(t *testing.T) {
	w, err := Prepare(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ref := models.Ref{Doc: "core", ID: "1"}
	pad, err := w.CreateScratchpad(ref)
	if err != nil {
		t.Fatalf("CreateScratchpad: %v", err)
	}
	meta := &TaskMetadata{
		SessionID:  "s",
		Task:       models.Task{Doc: "core", ID: "1", Title: "Do it"},
		Attempt:    2,
		SignalPath: w.SignalPath(ref),
		Scratchpad: pad,
	}
	if err := w.WriteTaskMetadata(meta); err != nil {
		t.Fatalf("WriteTaskMetadata: %v", err)
	}
	data, err := os.ReadFile(w.TaskMetadataPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"attempt": 2`) || !strings.Contains(string(data), "core-1.json") {
		t.Fatalf("task.json = %s", data)
	}
}
