// Package runtime recovers panics in goroutines and deferred handlers.
//
// A recovered panic is logged with its stack, recorded on the active span,
// counted, and forwarded to an optional ErrorReporter. Whether the process
// keeps running afterwards is decided by a PanicPolicy.
package runtime
