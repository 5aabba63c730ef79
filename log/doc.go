// Package log defines the logging contract shared by every component of the
// relay, plus a no-op implementation for callers that do not wire a backend.
//
// Concrete backends live in sibling packages (see package zap).
package log
