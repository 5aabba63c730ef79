// Package constants holds names shared across packages: telemetry event
// names and attribute keys, and the exchange/queue names of the event bus.
package constants
