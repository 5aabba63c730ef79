// Package audit turns transaction events into audit records exactly once
// per eventId. Redelivered or duplicated events resolve to the record that
// already exists instead of failing.
package audit
