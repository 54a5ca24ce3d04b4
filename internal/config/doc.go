// Package config handles configuration loading for halcyond.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	webhook:
//	  secret: "${HALCYON_WEBHOOK_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	ingest:
//	  retry_initial: "1s"
//	  recall_window: "2m"
//	  sweep_cutoff: "5m"
//
// Supported units: ns, us, ms, s, m, h
package config
