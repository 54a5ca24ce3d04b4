// ABOUTME: Package documentation for the store package
// ABOUTME: Explains the persistence layer role and entity ownership

// Package store provides durable persistence for the messaging core:
// messages, per-user conversation projections, groups with membership, and
// directed friendship edges.
//
// The messages table is the source of truth. Conversations are a derived
// cache maintained by the fan-out service; their upserts are guarded so a
// stale update can never move a conversation's last-message snapshot
// backwards. Status changes go through compare-and-set updates that enforce
// the delivery lattice (sending → sent → delivered → read, with failed and
// recalled as side exits), which makes webhook replays idempotent.
//
// The SQLite implementation uses modernc.org/sqlite in WAL mode and creates
// its schema on open. Timestamps are stored as fixed-width UTC strings so
// that lexicographic comparison in SQL matches chronological order.
package store
