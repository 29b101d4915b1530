package messages

import (
	"context"
	"time"

	"github.com/roomkit/roomkit/realtime"
)

// anchor tracks one listener's subscription point. It is either pending
// (done still open) or resolved to a serial. All fields are guarded by the
// owning Messages mutex; done and removed are closed at most once under that
// same lock.
type anchor struct {
	resolved   bool
	serial     realtime.Serial
	resolvedAt time.Time

	done    chan struct{} // closed on first resolution
	removed chan struct{} // closed on unsubscribe or feature release
}

func newAnchor() *anchor {
	return &anchor{
		done:    make(chan struct{}),
		removed: make(chan struct{}),
	}
}

// resolveLocked performs the first resolution of a pending anchor. Resolving
// an already-resolved anchor is a no-op.
func (a *anchor) resolveLocked(serial realtime.Serial) {
	if a.resolved {
		return
	}
	a.resolved = true
	a.serial = serial
	a.resolvedAt = time.Now()
	close(a.done)
}

// resetLocked re-anchors after a delivery gap: a resolved anchor discards its
// serial in favour of the new attach serial, a pending one resolves to it.
func (a *anchor) resetLocked(serial realtime.Serial) {
	if !a.resolved {
		a.resolveLocked(serial)
		return
	}
	a.serial = serial
	a.resolvedAt = time.Now()
}

func (a *anchor) removeLocked() {
	select {
	case <-a.removed:
	default:
		close(a.removed)
	}
}

// QueryOptions bounds a HistoryBeforeSubscribe call. Ordering is fixed at
// newest-first.
type QueryOptions struct {
	// Limit is the page size; defaults to 50.
	Limit int

	// End, when set, restricts results to messages published at or before
	// this time. It must not be later than the listener's subscription
	// point.
	End time.Time
}

// Subscription is the per-listener handle returned by Messages.Subscribe.
type Subscription struct {
	m  *Messages
	id string
}

// Unsubscribe removes the listener. Any HistoryBeforeSubscribe call still
// waiting on this listener's subscription point fails rather than resolving
// against a stale anchor.
func (s *Subscription) Unsubscribe() {
	s.m.mu.Lock()
	if a, ok := s.m.anchors[s.id]; ok {
		a.removeLocked()
		delete(s.m.anchors, s.id)
	}
	sub := s.m.subs[s.id]
	delete(s.m.subs, s.id)
	s.m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// HistoryBeforeSubscribe queries the messages that existed before this
// listener began receiving live events. The call suspends until the
// listener's subscription point resolves (i.e. until the channel first
// attaches) and fails if the listener unsubscribes first.
func (s *Subscription) HistoryBeforeSubscribe(ctx context.Context, opts QueryOptions) (*realtime.PaginatedResult[Message], error) {
	s.m.mu.RLock()
	a, ok := s.m.anchors[s.id]
	s.m.mu.RUnlock()
	if !ok {
		return nil, realtime.NewError(realtime.CodeBadRequest, 400,
			"cannot query history; listener is not subscribed")
	}

	select {
	case <-a.removed:
		return nil, realtime.NewError(realtime.CodeBadRequest, 400,
			"cannot query history; listener unsubscribed before the subscription point resolved")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
	}
	// Resolution and removal may race; removal wins.
	select {
	case <-a.removed:
		return nil, realtime.NewError(realtime.CodeBadRequest, 400,
			"cannot query history; listener is not subscribed")
	default:
	}

	s.m.mu.RLock()
	serial := a.serial
	resolvedAt := a.resolvedAt
	s.m.mu.RUnlock()

	if !opts.End.IsZero() && opts.End.After(resolvedAt) {
		return nil, realtime.NewError(realtime.CodeBadRequest, 400,
			"end time is after the subscription point of the listener")
	}

	if serial.IsZero() {
		// No message preceded the subscription point.
		return realtime.NewPaginatedResult[Message](nil, nil, nil, nil), nil
	}

	limit := opts.Limit
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	page, err := s.m.channel.History(ctx, realtime.HistoryQuery{
		FromSerial: serial,
		Limit:      limit,
		End:        opts.End,
		Order:      realtime.OrderNewestFirst,
	})
	if err != nil {
		return nil, err
	}
	return realtime.MapPage(page, decodeMessage), nil
}
