package rooms

import "github.com/roomkit/roomkit/realtime"

// Feature is the contract every room capability implements so the
// LifecycleManager can drive it uniformly. Features share one channel; none
// of them may call Attach or Detach on it directly.
type Feature interface {
	// Name identifies the feature in logs.
	Name() string

	// Channel returns the shared room channel the feature operates on.
	Channel() realtime.Channel

	// AttachmentErrorCode annotates attach failures involving this feature.
	AttachmentErrorCode() realtime.ErrorCode

	// DetachmentErrorCode annotates detach failures involving this feature.
	DetachmentErrorCode() realtime.ErrorCode

	// HandleDiscontinuity is invoked by the lifecycle manager when a gap in
	// delivery is detected. It runs synchronously before any externally
	// registered discontinuity handler; implementations must complete their
	// internal reset before returning. reason is nil when the gap was
	// detected without an explicit error.
	HandleDiscontinuity(reason *realtime.ErrorInfo)

	// Release tears down the feature's channel subscriptions and fails any
	// operations still pending on them. It is called exactly once, during
	// room release, in reverse registration order.
	Release()
}
