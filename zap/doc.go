// Package zap adapts go.uber.org/zap to the relay's log.Logger contract.
//
// Entries are JSON encoded and mirrored into the OpenTelemetry log pipeline
// through the otelzap bridge. When the context carries a recording span the
// trace and span identifiers are attached to the entry.
package zap
