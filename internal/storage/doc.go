// Package storage persists the task outcome journal and resource state
// snapshots. Queue contents are never persisted.
//
// Drivers:
//   - "file": JSON Lines journal + snapshot, no external database
//   - "sqlite": SQLite file via modernc.org/sqlite (pure Go)
package storage
