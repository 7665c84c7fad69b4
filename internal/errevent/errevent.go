// Package errevent defines the structured error events the core protocol
// engine, device, and flow orchestrator report to subscribers, grounded on
// device/abstract.py's handle_error and device/error_reasons.py in the
// Python original, and shaped after the gateway's domain/events package.
package errevent

import "fmt"

// Kind classifies an ErrorEvent, per spec.md §7.
type Kind string

const (
	// KindInvalidResponse: wire-format ok but the semantic accept
	// predicate failed (status != Accepted, missing key, timeout, ...).
	KindInvalidResponse Kind = "invalid-response"
	// KindConnectionError: transport-level close or handshake failure.
	KindConnectionError Kind = "connection-error"
	// KindUnknownException: any unexpected failure inside a flow task.
	// The only class the default scheduler policy auto-recovers from.
	KindUnknownException Kind = "unknown-exception"
)

// Event is a single structured error report.
type Event struct {
	Description string
	Kind        Kind
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Description)
}

// Timeout formats the exact timeout message spec.md §7 requires.
func Timeout(seconds int) string {
	return fmt.Sprintf("response timeout, %d seconds passed", seconds)
}

// Subscriber receives every ErrorEvent emitted by a Simulator instance.
// Subscriber sets are per-instance (spec.md §9 "Error subscribers"), never
// a package-level list.
type Subscriber func(Event)
