package rooms

import "github.com/roomkit/roomkit/realtime"

// Status is the aggregated room-level connectivity status.
type Status int

const (
	StatusInitialized Status = iota
	StatusAttaching
	StatusAttached
	StatusDetaching
	StatusDetached
	StatusSuspended
	StatusFailed
	StatusReleasing
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusAttaching:
		return "attaching"
	case StatusAttached:
		return "attached"
	case StatusDetaching:
		return "detaching"
	case StatusDetached:
		return "detached"
	case StatusSuspended:
		return "suspended"
	case StatusFailed:
		return "failed"
	case StatusReleasing:
		return "releasing"
	case StatusReleased:
		return "released"
	default:
		return "unknown"
	}
}

// StatusChange records a single room status transition. Instances are
// immutable once emitted.
type StatusChange struct {
	Previous Status
	Current  Status

	// Error carries the triggering error, if any.
	Error *realtime.ErrorInfo
}

// StatusSubscription is a handle to a registered status listener.
type StatusSubscription struct {
	off func()
}

// Off removes the listener.
func (s *StatusSubscription) Off() { s.off() }

// DiscontinuitySubscription is a handle to a registered discontinuity
// handler.
type DiscontinuitySubscription struct {
	off func()
}

// Off removes the handler.
func (s *DiscontinuitySubscription) Off() { s.off() }
