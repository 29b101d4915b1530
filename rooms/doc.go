// Package rooms contains the room lifecycle runtime: the room status state
// machine, the feature contract every room capability implements, and the
// LifecycleManager that drives the shared channel and keeps the room status
// consistent with it.
//
// # Status machine
//
// A room moves through Initialized, Attaching, Attached, Detaching, Detached,
// Suspended, Failed, Releasing and Released. Released is terminal; Failed is
// terminal unless the caller attaches or releases explicitly. Every
// transition is produced by a named transition inside the manager and emitted
// to status listeners as an immutable StatusChange record.
//
// # Discontinuity fan-out
//
// When the channel reattaches without a resume guarantee (or reports an error
// while staying attached), the manager performs a two-phase notification:
// first every feature's HandleDiscontinuity hook runs synchronously in
// registration order, then externally registered handlers run. The two phases
// are distinct code paths rather than positions in one listener list, so user
// code observing a discontinuity is guaranteed to see feature state (most
// importantly, message subscription anchors) already reset.
//
// # Registration order
//
// The feature list is fixed at construction and ordered: the messages feature
// must be registered last, so that it is the final feature to learn of a
// discontinuity before user handlers run, and the first to be torn down on
// release (teardown runs in reverse registration order).
package rooms
