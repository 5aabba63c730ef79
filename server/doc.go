// Package server coordinates process lifecycle: it starts the HTTP server
// and background workers, waits for a termination signal and tears
// everything down in a fixed order.
package server
