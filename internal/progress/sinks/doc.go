// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, and a per-run ledger written under the output root.
package sinks
