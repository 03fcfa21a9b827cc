package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "automation.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func checkpoint(sessionID, workspace string, savedAt time.Time) *models.Checkpoint {
	return &models.Checkpoint{
		Version:     models.CheckpointVersion,
		WorkspaceID: workspace,
		Session: models.AutomationSession{
			ID:             sessionID,
			WorkspaceID:    workspace,
			StartTime:      savedAt.Add(-time.Minute),
			Status:         models.SessionStatusRunning,
			CompletedTasks: []string{"core:1"},
		},
		Queue:       []string{"core:2", "core:3"},
		CurrentTask: "core:2",
		SavedAt:     savedAt,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cp := checkpoint("s1", "ws", now)
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	cp.Session.CompletedTasks = append(cp.Session.CompletedTasks, "core:2")
	cp.Queue = []string{"core:3"}
	cp.CurrentTask = "core:3"
	cp.SavedAt = now.Add(30 * time.Second)
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatalf("SaveCheckpoint update: %v", err)
	}

	got, err := s.LoadCheckpoint("s1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got.CurrentTask != "core:3" || len(got.Queue) != 1 || len(got.Session.CompletedTasks) != 2 {
		t.Fatalf("checkpoint = %+v", got)
	}

	latest, err := s.LatestCheckpoint("ws")
	if err != nil || latest == nil || latest.Session.ID != "s1" {
		t.Fatalf("LatestCheckpoint = %+v, %v", latest, err)
	}
	none, err := s.LatestCheckpoint("other")
	if err != nil || none != nil {
		t.Fatalf("LatestCheckpoint(other) = %+v, %v", none, err)
	}
}

func TestUnknownCheckpointVersionRequiresMigration(t *testing.T) {
	s := newTestStorage(t)
	cp := checkpoint("s2", "ws", time.Now())
	cp.Version = models.CheckpointVersion + 1
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	_, err := s.LoadCheckpoint("s2")
	if !errors.Is(err, failure.ErrMigrationRequired) {
		t.Fatalf("expected ErrMigrationRequired, got %v", err)
	}
}

func TestErrorHistoryAndDelete(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now().UTC()
	if err := s.SaveCheckpoint(checkpoint("s3", "ws", now)); err != nil {
		t.Fatal(err)
	}
	for i, kind := range []failure.Kind{failure.KindTimeout, failure.KindDependency} {
		rec := models.ErrorRecord{
			SessionID:  "s3",
			Task:       "core:2",
			Kind:       string(kind),
			Retryable:  kind.Retryable(),
			Classified: true,
			Attempt:    i + 1,
			Message:    "boom",
			At:         now.Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordError(rec); err != nil {
			t.Fatalf("RecordError: %v", err)
		}
	}

	records, err := s.ErrorsForSession("s3")
	if err != nil {
		t.Fatalf("ErrorsForSession: %v", err)
	}
	if len(records) != 2 || records[0].Kind != "timeout" || !records[0].Retryable || records[1].Retryable {
		t.Fatalf("records = %+v", records)
	}

	if err := s.RecordOutcome(models.WorkspaceOutcome{
		WorkspaceID: "ws", SessionID: "s3", Status: models.SessionStatusFailed,
		StartedAt: now, FinishedAt: now.Add(time.Minute), Failed: 1, Error: "boom",
	}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	outcomes, err := s.Outcomes(10)
	if err != nil || len(outcomes) != 1 || outcomes[0].Error != "boom" || outcomes[0].Elapsed() != time.Minute {
		t.Fatalf("outcomes = %+v, %v", outcomes, err)
	}

	if err := s.DeleteSession("s3"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if records, _ := s.ErrorsForSession("s3"); len(records) != 0 {
		t.Fatalf("errors survived delete: %+v", records)
	}
	if err := s.DeleteSession("s3"); err == nil {
		t.Fatalf("expected error deleting missing session")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := newTestStorage(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveCheckpoint(checkpoint(id, "ws-"+id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	sessions, err := s.ListSessions(2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("sessions = %+v", sessions)
	}
}
