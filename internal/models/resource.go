package models

import "time"

type ResourceType string

const (
	ResourceWatcher    ResourceType = "watcher"
	ResourceListener   ResourceType = "listener"
	ResourceTimer      ResourceType = "timer"
	ResourceCacheEntry ResourceType = "cache-entry"
	ResourceSession    ResourceType = "session"
)

type ResourceEntry struct {
	ID             string            `json:"id"`
	Type           ResourceType      `json:"type"`
	Name           string            `json:"name"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// WorkspaceAllocation is the scheduler's admission record for one workspace.
type WorkspaceAllocation struct {
	WorkspaceID         string  `json:"workspace_id"`
	MaxMemoryBudget     uint64  `json:"max_memory_budget"`
	MaxConcurrencyShare float64 `json:"max_concurrency_share"`
	Priority            int     `json:"priority"`
	CurrentUsage        uint64  `json:"current_usage"`
}
