// Package storage persists the engine's durable state: workflow instances,
// the recurring-task slot, and an append-only run log.
//
// Two drivers:
//   - "file": dependency-free (snapshot + journal + jsonl run log)
//   - "sqlite": SQLite database file (build tag "sqlite")
package storage
