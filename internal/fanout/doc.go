// ABOUTME: Package documentation for the fanout package
// ABOUTME: Covers the single/group paths and the Redis counter reconciler

// Package fanout projects committed messages onto per-recipient conversation
// rows: last-message snapshot, preview snippet, unread counter.
//
// Single chats touch exactly two rows synchronously. Group chats write the
// snapshot in multi-row batches and buffer unread increments in Redis; a
// reconciler loop folds the counters into sqlite and periodically repairs
// conversation heads against the messages table. Conversations are a derived
// cache throughout: every write here is reconstructible from messages.
package fanout
