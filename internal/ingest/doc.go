// ABOUTME: Package documentation for the ingest package
// ABOUTME: Maps out the pipeline stages and their failure semantics

// Package ingest orchestrates the message send pipeline:
//
//	permission → dedupe → seq → tx{insert + dedupe-mark} → broker → fan-out
//
// Permission denials never touch the store, the sequence counter, or the
// broker. The insert and the dedupe mark commit or roll back together, so a
// client retry after a crash is either a clean duplicate hit or a clean
// re-send, never a half-marked row. Broker delivery retries with exponential
// backoff and full jitter; permanent rejections and exhausted budgets leave
// the row in failed for RetryFailed to resume.
//
// Admission is bounded: a full worker pool rejects new sends with
// ErrBackpressure rather than accepting work it cannot finish.
package ingest
