// ABOUTME: Package documentation for the dedupe package
// ABOUTME: Explains the two-tier filter/confirmation-set design and its rollback semantics

// Package dedupe detects repeat message submissions keyed by
// (senderID, clientSeq).
//
// A Redis bitmap bloom filter gives a definitive "never seen" answer in k bit
// reads. Possible positives fall through to an authoritative confirmation
// set, so filter over-reporting is always safe. The filter cannot delete, so
// transactional rollbacks only undo the confirmation set; stale bits are
// cleared the next time the filter is rebuilt from the set.
//
// All state lives in shared Redis: every process sees the same filter, and
// retention is enforced by rolling the confirmation set key on a TTL window.
package dedupe
