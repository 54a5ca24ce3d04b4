// ABOUTME: Package documentation for the broker package
// ABOUTME: Describes the REST adapter boundary and its error taxonomy

// Package broker wraps the external realtime channel broker's REST API in
// typed Go calls.
//
// The adapter is deliberately stateless and policy-free: it encodes typed
// content into the broker's opaque base64 payload format, issues one HTTP
// round trip per call, and maps non-2xx replies to *StatusError. Whether an
// error should be retried is the caller's decision; StatusError.Temporary
// reports 5xx-vs-4xx so the ingest orchestrator can tell transient broker
// trouble from permanent rejection.
//
// Channel model: personal channels (kind 1) exist implicitly under the id
// PersonalChannelID(a, b); group channels (kind 2) use the group id and are
// created and subscribed explicitly.
package broker
