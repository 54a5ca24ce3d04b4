// Package server exposes the messaging core over HTTP.
//
// All endpoints speak JSON. Message submission, recall, forward, retry and
// read receipts sit under /api/messages; read queries under /api/history,
// /api/search and /api/stats; the per-user inbox under /api/conversations.
// The broker's event webhook and the Prometheus endpoint are mounted at
// their configured paths.
package server
