// Package http exposes the services over Fiber: health probes, the
// transaction write routes and the audit lookup route.
//
// Errors are rendered through a single ErrorResponse contract. Caller
// identity comes from the X-User-ID header; authentication happens
// upstream.
package http
