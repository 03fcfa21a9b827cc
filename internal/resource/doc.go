// Package resource tracks the ephemeral resources created while automating
// workspaces (file watchers, timers, cached parsed documents) under a shared
// budget. It owns a bounded least-recently-used cache with per-entry TTLs, a
// registry of disposable resources, and a growth-trend memory leak detector.
//
// A single Manager is shared by every concurrently running engine; all of its
// methods are safe for concurrent use.
package resource
