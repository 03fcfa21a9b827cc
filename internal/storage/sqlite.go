// Package storage persists session checkpoints, the error history and
// per-workspace outcomes in a local sqlite database.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/GoZippy/kiro-automation-sub000/internal/failure"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Engines for several workspaces write concurrently; a single connection
	// serialises them without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		format_version INTEGER NOT NULL,
		checkpoint TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS error_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		task TEXT NOT NULL,
		kind TEXT NOT NULL,
		retryable INTEGER NOT NULL,
		classified INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		message TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_errors_session ON error_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_workspace ON workspace_outcomes(workspace_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveCheckpoint inserts or replaces the checkpoint of cp.Session.
func (s *Storage) SaveCheckpoint(cp *models.Checkpoint) error {
	if cp.Version == 0 {
		cp.Version = models.CheckpointVersion
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	sess := cp.Session
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, workspace_id, status, started_at, ended_at, format_version, checkpoint, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			format_version = excluded.format_version,
			checkpoint = excluded.checkpoint,
			updated_at = excluded.updated_at`,
		sess.ID, cp.WorkspaceID, sess.Status, sess.StartTime, sess.EndTime, cp.Version, string(data), cp.SavedAt,
	)
	return err
}

// LoadCheckpoint returns the stored checkpoint for a session. A checkpoint
// written in a format this build does not know yields ErrMigrationRequired.
func (s *Storage) LoadCheckpoint(sessionID string) (*models.Checkpoint, error) {
	row := s.db.QueryRow(`SELECT format_version, checkpoint FROM sessions WHERE id = ?`, sessionID)
	return scanCheckpoint(row)
}

// LatestCheckpoint returns the most recently saved checkpoint of a workspace,
// or nil when the workspace has never run.
func (s *Storage) LatestCheckpoint(workspaceID string) (*models.Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT format_version, checkpoint FROM sessions
		 WHERE workspace_id = ? ORDER BY updated_at DESC LIMIT 1`, workspaceID,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

func scanCheckpoint(row *sql.Row) (*models.Checkpoint, error) {
	var version int
	var data string
	if err := row.Scan(&version, &data); err != nil {
		return nil, err
	}
	if version != models.CheckpointVersion {
		return nil, fmt.Errorf("checkpoint version %d: %w", version, failure.ErrMigrationRequired)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if cp.Version != models.CheckpointVersion {
		return nil, fmt.Errorf("checkpoint version %d: %w", cp.Version, failure.ErrMigrationRequired)
	}
	return &cp, nil
}

// ListSessions returns the most recently updated sessions first.
func (s *Storage) ListSessions(limit int) ([]*models.AutomationSession, error) {
	rows, err := s.db.Query(
		`SELECT format_version, checkpoint FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.AutomationSession
	for rows.Next() {
		var version int
		var data string
		if err := rows.Scan(&version, &data); err != nil {
			return nil, err
		}
		if version != models.CheckpointVersion {
			// Listing still works across versions; only resume refuses them.
			continue
		}
		var cp models.Checkpoint
		if err := json.Unmarshal([]byte(data), &cp); err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
		}
		sess := cp.Session
		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

func (s *Storage) RecordError(rec models.ErrorRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO error_history (session_id, task, kind, retryable, classified, attempt, message, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Task, rec.Kind, rec.Retryable, rec.Classified, rec.Attempt, rec.Message, rec.At,
	)
	return err
}

// ErrorsForSession returns the error history of a session in the order the
// errors happened.
func (s *Storage) ErrorsForSession(sessionID string) ([]models.ErrorRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, task, kind, retryable, classified, attempt, message, occurred_at
		 FROM error_history WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ErrorRecord
	for rows.Next() {
		var rec models.ErrorRecord
		if err := rows.Scan(&rec.SessionID, &rec.Task, &rec.Kind, &rec.Retryable, &rec.Classified,
			&rec.Attempt, &rec.Message, &rec.At); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *Storage) RecordOutcome(o models.WorkspaceOutcome) error {
	var errText *string
	if o.Error != "" {
		errText = &o.Error
	}
	_, err := s.db.Exec(
		`INSERT INTO workspace_outcomes (workspace_id, session_id, status, started_at, finished_at, completed, failed, skipped, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.WorkspaceID, o.SessionID, o.Status, o.StartedAt, o.FinishedAt, o.Completed, o.Failed, o.Skipped, errText,
	)
	return err
}

// Outcomes lists recorded workspace outcomes, newest first.
func (s *Storage) Outcomes(limit int) ([]models.WorkspaceOutcome, error) {
	rows, err := s.db.Query(
		`SELECT workspace_id, session_id, status, started_at, finished_at, completed, failed, skipped, error
		 FROM workspace_outcomes ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []models.WorkspaceOutcome
	for rows.Next() {
		var o models.WorkspaceOutcome
		var errText sql.NullString
		if err := rows.Scan(&o.WorkspaceID, &o.SessionID, &o.Status, &o.StartedAt, &o.FinishedAt,
			&o.Completed, &o.Failed, &o.Skipped, &errText); err != nil {
			return nil, err
		}
		if errText.Valid {
			o.Error = errText.String
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

func (s *Storage) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM error_history WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM workspace_outcomes WHERE session_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}

	return tx.Commit()
}

// FormatTimeAgo renders a timestamp relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	return humanize.Time(t)
}
