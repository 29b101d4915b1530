package rooms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/roomkit/roomkit/realtime"
)

const defaultRetryInterval = 250 * time.Millisecond

// Options configures a LifecycleManager.
type Options struct {
	// NewRetryBackOff supplies the wait schedule used for background attach
	// retries while the room is suspended. Each retry loop obtains a fresh
	// schedule. Defaults to a constant 250ms interval. A bounded schedule
	// that stops moves the room to Failed when it is exhausted.
	NewRetryBackOff func() backoff.BackOff

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// LifecycleManager owns the room status state machine. It is the only
// component allowed to drive the shared channel's Attach and Detach, it
// classifies channel failures as retryable or fatal, runs the suspended retry
// loop, and fans out discontinuity notifications in two ordered phases.
type LifecycleManager struct {
	logger     *slog.Logger
	channel    realtime.Channel
	newBackOff func() backoff.BackOff

	// opMu serializes caller-initiated attach/detach so the channel sees one
	// requested transition at a time.
	opMu sync.Mutex

	mu                sync.Mutex
	status            Status
	features          []Feature
	statusSubs        map[string]func(StatusChange)
	discontinuitySubs map[string]func(*realtime.ErrorInfo)
	hasAttached       bool
	retryCancel       context.CancelFunc
	releasing         bool
	releaseDone       chan struct{}
	stateSub          realtime.Subscription
}

// NewLifecycleManager builds a manager over the shared channel and the
// ordered feature list. The list is fixed for the lifetime of the room; the
// messages feature must be its last element (see the package documentation
// for why ordering matters).
func NewLifecycleManager(channel realtime.Channel, features []Feature, opts Options) *LifecycleManager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newBackOff := opts.NewRetryBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(defaultRetryInterval)
		}
	}
	lm := &LifecycleManager{
		logger:            logger,
		channel:           channel,
		newBackOff:        newBackOff,
		status:            StatusInitialized,
		features:          features,
		statusSubs:        make(map[string]func(StatusChange)),
		discontinuitySubs: make(map[string]func(*realtime.ErrorInfo)),
	}
	lm.stateSub = channel.OnStateChange(lm.handleStateChange)
	return lm
}

// Status returns the current room status.
func (lm *LifecycleManager) Status() Status {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.status
}

// OnStatusChange registers a listener for room status transitions.
func (lm *LifecycleManager) OnStatusChange(handler func(StatusChange)) *StatusSubscription {
	id := uuid.NewString()
	lm.mu.Lock()
	lm.statusSubs[id] = handler
	lm.mu.Unlock()
	return &StatusSubscription{off: func() {
		lm.mu.Lock()
		delete(lm.statusSubs, id)
		lm.mu.Unlock()
	}}
}

// OnDiscontinuity registers an external discontinuity handler. Handlers run
// only after every feature's internal discontinuity hook has completed, so a
// handler that immediately queries history observes already-reset
// subscription anchors.
func (lm *LifecycleManager) OnDiscontinuity(handler func(*realtime.ErrorInfo)) *DiscontinuitySubscription {
	id := uuid.NewString()
	lm.mu.Lock()
	lm.discontinuitySubs[id] = handler
	lm.mu.Unlock()
	return &DiscontinuitySubscription{off: func() {
		lm.mu.Lock()
		delete(lm.discontinuitySubs, id)
		lm.mu.Unlock()
	}}
}

// Attach drives the room towards Attached. It is a no-op when the room is
// already attached and fails when the room is releasing or released.
//
// When the channel reports a retryable failure the room enters Suspended and
// keeps retrying in the background, but the call still returns the triggering
// error: local recovery and caller notification are deliberately not
// mutually exclusive.
func (lm *LifecycleManager) Attach(ctx context.Context) error {
	lm.opMu.Lock()
	defer lm.opMu.Unlock()

	lm.mu.Lock()
	switch {
	case lm.status == StatusReleased:
		lm.mu.Unlock()
		return realtime.NewError(realtime.CodeRoomIsReleased, 400, "cannot attach room; room is released")
	case lm.releasing || lm.status == StatusReleasing:
		lm.mu.Unlock()
		return realtime.NewError(realtime.CodeRoomIsReleasing, 400, "cannot attach room; room is releasing")
	case lm.status == StatusAttached:
		lm.mu.Unlock()
		return nil
	}
	lm.mu.Unlock()

	// An explicit attach supersedes any background retry in flight.
	lm.cancelRetry()

	lm.setStatus(StatusAttaching, nil)
	err := lm.channel.Attach(ctx)
	if lm.releasedDuring() {
		// A release completed while the channel operation was in flight. The
		// room must stay released; the channel must not stay attached behind
		// it.
		if err == nil {
			_ = lm.channel.Detach(ctx)
		}
		return realtime.NewError(realtime.CodeRoomIsReleased, 400, "cannot attach room; room was released while attaching")
	}
	if err != nil {
		errInfo := realtime.WrapError(lm.attachAnnotation(), 500, "failed to attach room", err)
		if isRetryable(errInfo) {
			lm.setStatus(StatusSuspended, errInfo)
			lm.scheduleRetry()
		} else {
			lm.setStatus(StatusFailed, errInfo)
		}
		return errInfo
	}

	lm.mu.Lock()
	lm.hasAttached = true
	lm.mu.Unlock()
	lm.setStatus(StatusAttached, nil)
	return nil
}

// Detach drives the room towards Detached, cancelling any pending suspended
// retry. It fails when the room is releasing or released.
func (lm *LifecycleManager) Detach(ctx context.Context) error {
	lm.opMu.Lock()
	defer lm.opMu.Unlock()

	lm.mu.Lock()
	switch {
	case lm.status == StatusReleased:
		lm.mu.Unlock()
		return realtime.NewError(realtime.CodeRoomIsReleased, 400, "cannot detach room; room is released")
	case lm.releasing || lm.status == StatusReleasing:
		lm.mu.Unlock()
		return realtime.NewError(realtime.CodeRoomIsReleasing, 400, "cannot detach room; room is releasing")
	case lm.status == StatusFailed:
		lm.mu.Unlock()
		return realtime.NewError(realtime.CodeRoomInFailedState, 400, "cannot detach room; room is failed")
	case lm.status == StatusDetached:
		lm.mu.Unlock()
		return nil
	}
	lm.mu.Unlock()

	lm.cancelRetry()
	lm.setStatus(StatusDetaching, nil)
	err := lm.channel.Detach(ctx)
	if lm.releasedDuring() {
		return realtime.NewError(realtime.CodeRoomIsReleased, 400, "cannot detach room; room was released while detaching")
	}
	if err != nil {
		errInfo := realtime.WrapError(lm.detachAnnotation(), 500, "failed to detach room", err)
		lm.setStatus(StatusFailed, errInfo)
		return errInfo
	}
	lm.setStatus(StatusDetached, nil)
	return nil
}

// releasedDuring reports whether a release started while a caller-initiated
// channel operation was in flight.
func (lm *LifecycleManager) releasedDuring() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.releasing || lm.status == StatusReleased
}

// Release tears the room down: it detaches the channel, releases every
// feature in reverse registration order, discards all discontinuity handler
// registrations and transitions the room to Released.
//
// Release never fails from the caller's point of view; internal teardown
// errors are logged and swallowed. Calling it again (concurrently or after
// completion) waits for the single teardown to finish and returns.
func (lm *LifecycleManager) Release(ctx context.Context) {
	lm.mu.Lock()
	if lm.status == StatusReleased {
		lm.mu.Unlock()
		return
	}
	if lm.releasing {
		done := lm.releaseDone
		lm.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	lm.releasing = true
	lm.releaseDone = make(chan struct{})
	done := lm.releaseDone
	cancel := lm.retryCancel
	lm.retryCancel = nil
	features := lm.features
	lm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	lm.setStatus(StatusReleasing, nil)

	switch lm.channel.State() {
	case realtime.ChannelStateInitialized, realtime.ChannelStateDetached, realtime.ChannelStateFailed:
		// nothing to detach
	default:
		if err := lm.channel.Detach(ctx); err != nil {
			lm.logger.WarnContext(ctx, "channel detach failed during release", "error", err)
		}
	}

	for i := len(features) - 1; i >= 0; i-- {
		lm.releaseFeature(ctx, features[i])
	}

	lm.mu.Lock()
	lm.features = nil
	lm.discontinuitySubs = make(map[string]func(*realtime.ErrorInfo))
	stateSub := lm.stateSub
	lm.stateSub = nil
	lm.mu.Unlock()
	if stateSub != nil {
		stateSub.Unsubscribe()
	}

	lm.setStatus(StatusReleased, nil)
	close(done)
}

func (lm *LifecycleManager) releaseFeature(ctx context.Context, f Feature) {
	defer func() {
		if r := recover(); r != nil {
			lm.logger.ErrorContext(ctx, "feature release panicked", "feature", f.Name(), "panic", r)
		}
	}()
	f.Release()
}

// handleStateChange is the single entry point for channel connectivity
// events. The transport delivers these serially per channel.
func (lm *LifecycleManager) handleStateChange(change realtime.ChannelStateChange) {
	lm.mu.Lock()
	if lm.releasing || lm.status == StatusReleased {
		lm.mu.Unlock()
		return
	}
	lm.mu.Unlock()

	switch change.Current {
	case realtime.ChannelStateAttached:
		wasAttached := lm.markAttached()
		gap := !change.Resumed || change.Reason != nil
		if wasAttached && gap {
			lm.notifyDiscontinuity(change.Reason)
		}
		lm.setStatus(StatusAttached, nil)

	case realtime.ChannelStateAttaching:
		lm.mu.Lock()
		suspended := lm.status == StatusSuspended
		lm.mu.Unlock()
		if suspended {
			lm.setStatus(StatusAttaching, change.Reason)
		}

	case realtime.ChannelStateSuspended:
		lm.setStatus(StatusSuspended, change.Reason)
		lm.scheduleRetry()

	case realtime.ChannelStateDetached:
		// A detach the room did not request is treated as transient.
		lm.mu.Lock()
		requested := lm.status == StatusDetaching || lm.status == StatusDetached
		lm.mu.Unlock()
		if !requested {
			lm.setStatus(StatusSuspended, change.Reason)
			lm.scheduleRetry()
		}

	case realtime.ChannelStateFailed:
		lm.cancelRetry()
		lm.setStatus(StatusFailed, change.Reason)
	}
}

// markAttached records that the room has completed at least one attach and
// reports whether it had done so before.
func (lm *LifecycleManager) markAttached() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	was := lm.hasAttached
	lm.hasAttached = true
	return was
}

// notifyDiscontinuity performs the two-phase fan-out: feature hooks in
// registration order (messages last), then external handlers.
func (lm *LifecycleManager) notifyDiscontinuity(reason *realtime.ErrorInfo) {
	lm.mu.Lock()
	features := lm.features
	lm.mu.Unlock()
	for _, f := range features {
		f.HandleDiscontinuity(reason)
	}

	lm.mu.Lock()
	handlers := make([]func(*realtime.ErrorInfo), 0, len(lm.discontinuitySubs))
	for _, h := range lm.discontinuitySubs {
		handlers = append(handlers, h)
	}
	lm.mu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (lm *LifecycleManager) setStatus(next Status, errInfo *realtime.ErrorInfo) {
	lm.mu.Lock()
	// Released is terminal: once a release has started, only the release
	// flow itself may move the status.
	if lm.releasing && next != StatusReleasing && next != StatusReleased {
		lm.mu.Unlock()
		return
	}
	if lm.status == next && errInfo == nil {
		lm.mu.Unlock()
		return
	}
	change := StatusChange{Previous: lm.status, Current: next, Error: errInfo}
	lm.status = next
	handlers := make([]func(StatusChange), 0, len(lm.statusSubs))
	for _, h := range lm.statusSubs {
		handlers = append(handlers, h)
	}
	lm.mu.Unlock()

	lm.logger.Debug("room status changed",
		"previous", change.Previous.String(),
		"current", change.Current.String(),
		"error", errInfo,
	)
	for _, h := range handlers {
		h(change)
	}
}

// scheduleRetry starts the background attach loop for a suspended room. It
// is a no-op when a loop is already running or the room is releasing.
func (lm *LifecycleManager) scheduleRetry() {
	lm.mu.Lock()
	if lm.retryCancel != nil || lm.releasing {
		lm.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lm.retryCancel = cancel
	lm.mu.Unlock()
	go lm.retryLoop(ctx)
}

func (lm *LifecycleManager) retryLoop(ctx context.Context) {
	defer lm.clearRetry()

	bo := lm.newBackOff()
	bo.Reset()
	for {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			lm.logger.Warn("suspended room retry schedule exhausted")
			lm.setStatus(StatusFailed, realtime.NewError(realtime.CodeRoomInFailedState, 500,
				"room attach retry schedule exhausted while suspended"))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		lm.setStatus(StatusAttaching, nil)
		err := lm.channel.Attach(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			lm.markAttached()
			lm.setStatus(StatusAttached, nil)
			return
		}

		errInfo := realtime.WrapError(lm.attachAnnotation(), 500, "failed to attach room", err)
		if !isRetryable(errInfo) {
			lm.setStatus(StatusFailed, errInfo)
			return
		}
		lm.logger.Debug("room attach retry failed", "error", errInfo)
		lm.setStatus(StatusSuspended, errInfo)
	}
}

func (lm *LifecycleManager) clearRetry() {
	lm.mu.Lock()
	if lm.retryCancel != nil {
		lm.retryCancel()
		lm.retryCancel = nil
	}
	lm.mu.Unlock()
}

func (lm *LifecycleManager) cancelRetry() {
	lm.mu.Lock()
	cancel := lm.retryCancel
	lm.retryCancel = nil
	lm.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// attachAnnotation returns the attachment error code used to annotate room
// attach failures. The channel is shared, so the code of the last registered
// feature (messages, which owns the message stream) is used.
func (lm *LifecycleManager) attachAnnotation() realtime.ErrorCode {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if len(lm.features) == 0 {
		return realtime.CodeInternalError
	}
	return lm.features[len(lm.features)-1].AttachmentErrorCode()
}

func (lm *LifecycleManager) detachAnnotation() realtime.ErrorCode {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if len(lm.features) == 0 {
		return realtime.CodeInternalError
	}
	return lm.features[len(lm.features)-1].DetachmentErrorCode()
}

// isRetryable partitions channel errors into retryable (network-transient)
// and fatal (authorization, validation). The mapping is total: every error
// lands in exactly one bucket.
func isRetryable(err *realtime.ErrorInfo) bool {
	switch {
	case err.StatusCode >= 500:
		return true
	case err.StatusCode == 408 || err.StatusCode == 429:
		return true
	case err.StatusCode == 0:
		// Transport-level failure with no HTTP mapping.
		return true
	default:
		return false
	}
}
