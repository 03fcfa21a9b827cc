package models

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusStopped   SessionStatus = "stopped"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusStopped
}

type SessionError struct {
	Message string    `json:"message"`
	Task    string    `json:"task,omitempty"`
	At      time.Time `json:"at"`
}

// SessionConfig is the configuration snapshot taken when a session starts.
type SessionConfig struct {
	MaxRetries         int           `json:"max_retries"`
	TaskTimeout        time.Duration `json:"task_timeout"`
	BackoffBase        time.Duration `json:"backoff_base"`
	BackoffMultiplier  float64       `json:"backoff_multiplier"`
	BackoffMax         time.Duration `json:"backoff_max"`
	CheckpointInterval time.Duration `json:"checkpoint_interval"`
	ContinueOnFailure  bool          `json:"continue_on_failure"`
	Agent              string        `json:"agent"`
}

type AutomationSession struct {
	ID             string        `json:"id"`
	WorkspaceID    string        `json:"workspace_id"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	Status         SessionStatus `json:"status"`
	CompletedTasks []string      `json:"completed_tasks"`
	FailedTasks    []string      `json:"failed_tasks"`
	SkippedTasks   []string      `json:"skipped_tasks"`
	Configuration  SessionConfig `json:"configuration"`
	Error          *SessionError `json:"error,omitempty"`
}

func (s AutomationSession) Clone() AutomationSession {
	out := s
	out.CompletedTasks = append([]string(nil), s.CompletedTasks...)
	out.FailedTasks = append([]string(nil), s.FailedTasks...)
	out.SkippedTasks = append([]string(nil), s.SkippedTasks...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

// CheckpointVersion is the only checkpoint format this build reads.
const CheckpointVersion = 1

type Checkpoint struct {
	Version     int               `json:"version"`
	WorkspaceID string            `json:"workspace_id"`
	Session     AutomationSession `json:"session"`
	Queue       []string          `json:"queue"`
	CurrentTask string            `json:"current_task,omitempty"`
	SavedAt     time.Time         `json:"saved_at"`
}

type ErrorRecord struct {
	SessionID  string    `json:"session_id"`
	Task       string    `json:"task"`
	Kind       string    `json:"kind"`
	Retryable  bool      `json:"retryable"`
	Classified bool      `json:"classified"`
	Attempt    int       `json:"attempt"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// WorkspaceOutcome is what the scheduler records when a workspace's engine
// finishes.
type WorkspaceOutcome struct {
	WorkspaceID string        `json:"workspace_id"`
	SessionID   string        `json:"session_id"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Error       string        `json:"error,omitempty"`
}

func (o WorkspaceOutcome) Elapsed() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
