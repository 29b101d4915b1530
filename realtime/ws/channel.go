package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomkit/roomkit/realtime"
)

// Channel is a websocket-backed channel. All connectivity transitions are
// driven by server frames; the channel itself only tracks the projection.
type Channel struct {
	rt   *Realtime
	name string

	// deliverMu serializes handler invocation.
	deliverMu sync.Mutex

	mu        sync.Mutex
	state     realtime.ChannelState
	props     realtime.ChannelProperties
	lastSeen  string
	stateSubs map[string]realtime.StateChangeHandler
	msgSubs   map[string]*messageSub
}

type messageSub struct {
	name    string
	handler realtime.MessageHandler
}

var _ realtime.Channel = (*Channel)(nil)

func newChannel(rt *Realtime, name string) *Channel {
	return &Channel{
		rt:        rt,
		name:      name,
		state:     realtime.ChannelStateInitialized,
		stateSubs: make(map[string]realtime.StateChangeHandler),
		msgSubs:   make(map[string]*messageSub),
	}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) State() realtime.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Properties() realtime.ChannelProperties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props
}

// Attach requests attachment and waits for the server acknowledgement, which
// carries the attach serial and the resume flag.
func (c *Channel) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.state == realtime.ChannelStateAttached {
		c.mu.Unlock()
		return nil
	}
	resume := c.lastSeen
	c.mu.Unlock()

	c.transition(realtime.ChannelStateAttaching, false, nil)
	resp, err := c.rt.request(ctx, frame{Action: actionAttach, Channel: c.name, Resume: resume})
	if err != nil {
		errInfo := realtime.WrapError(realtime.CodeDisconnected, statusOf(err), "failed to attach channel", err)
		if errInfo.StatusCode >= 400 && errInfo.StatusCode < 500 {
			c.transition(realtime.ChannelStateFailed, false, errInfo)
		} else {
			c.transition(realtime.ChannelStateSuspended, false, errInfo)
		}
		return errInfo
	}

	c.applyAttached(resp)
	return nil
}

// Detach requests detachment and waits for the acknowledgement.
func (c *Channel) Detach(ctx context.Context) error {
	c.mu.Lock()
	if c.state == realtime.ChannelStateDetached || c.state == realtime.ChannelStateInitialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.transition(realtime.ChannelStateDetaching, false, nil)
	if _, err := c.rt.request(ctx, frame{Action: actionDetach, Channel: c.name}); err != nil {
		errInfo := realtime.WrapError(realtime.CodeDisconnected, statusOf(err), "failed to detach channel", err)
		c.transition(realtime.ChannelStateFailed, false, errInfo)
		return errInfo
	}
	c.transition(realtime.ChannelStateDetached, false, nil)
	return nil
}

func (c *Channel) OnStateChange(handler realtime.StateChangeHandler) realtime.Subscription {
	id := uuid.NewString()
	c.mu.Lock()
	c.stateSubs[id] = handler
	c.mu.Unlock()
	return subscription(func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	})
}

func (c *Channel) Subscribe(name string, handler realtime.MessageHandler) realtime.Subscription {
	id := uuid.NewString()
	c.mu.Lock()
	c.msgSubs[id] = &messageSub{name: name, handler: handler}
	c.mu.Unlock()
	return subscription(func() {
		c.mu.Lock()
		delete(c.msgSubs, id)
		c.mu.Unlock()
	})
}

// Publish sends the message; the server assigns its serial and echoes it to
// subscribers, this client included.
func (c *Channel) Publish(ctx context.Context, name string, data []byte) error {
	return c.rt.writeFrame(frame{Action: actionPublish, Channel: c.name, Name: name, Data: data})
}

// History requests one history page from the server per call.
func (c *Channel) History(ctx context.Context, q realtime.HistoryQuery) (*realtime.PaginatedResult[realtime.Message], error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	return c.historyPage(ctx, q, string(q.FromSerial), false)
}

func (c *Channel) historyPage(ctx context.Context, q realtime.HistoryQuery, from string, fromExclusive bool) (*realtime.PaginatedResult[realtime.Message], error) {
	req := frame{
		Action:        actionHistory,
		Channel:       c.name,
		From:          from,
		FromExclusive: fromExclusive,
		Limit:         q.Limit,
		Order:         string(q.Order),
	}
	if !q.End.IsZero() {
		req.End = q.End.UnixMilli()
	}
	resp, err := c.rt.request(ctx, req)
	if err != nil {
		return nil, err
	}

	items := make([]realtime.Message, len(resp.Items))
	for i, it := range resp.Items {
		items[i] = realtime.Message{
			Serial:    realtime.Serial(it.Serial),
			Name:      it.Name,
			ClientID:  it.ClientID,
			Data:      it.Data,
			Timestamp: time.UnixMilli(it.Timestamp),
		}
	}

	first := func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
		return c.historyPage(ctx, q, string(q.FromSerial), false)
	}
	current := func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
		return c.historyPage(ctx, q, from, fromExclusive)
	}
	var next realtime.PageFunc[realtime.Message]
	if resp.More && len(items) > 0 {
		lastSerial := string(items[len(items)-1].Serial)
		next = func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
			return c.historyPage(ctx, q, lastSerial, true)
		}
	}
	return realtime.NewPaginatedResult(items, first, current, next), nil
}

// applyAttached projects an attached acknowledgement or server-initiated
// attached frame into channel state.
func (c *Channel) applyAttached(f frame) {
	c.mu.Lock()
	c.props.AttachSerial = realtime.Serial(f.AttachSerial)
	if f.Serial != "" {
		c.props.ChannelSerial = realtime.Serial(f.Serial)
	} else {
		c.props.ChannelSerial = realtime.Serial(f.AttachSerial)
	}
	if !f.Resumed {
		c.lastSeen = f.AttachSerial
	}
	c.mu.Unlock()

	var reason *realtime.ErrorInfo
	if f.Code != 0 || f.Message != "" {
		reason = &realtime.ErrorInfo{
			Code:       realtime.ErrorCode(f.Code),
			StatusCode: f.StatusCode,
			Message:    f.Message,
		}
	}
	c.transition(realtime.ChannelStateAttached, f.Resumed, reason)
}

// handleServerFrame processes unsolicited channel frames from the server.
func (c *Channel) handleServerFrame(f frame) {
	switch f.Action {
	case actionAttached:
		c.applyAttached(f)
	case actionUpdate:
		// In-place update while attached; resumed=false signals a gap.
		var reason *realtime.ErrorInfo
		if f.Code != 0 || f.Message != "" {
			reason = &realtime.ErrorInfo{
				Code:       realtime.ErrorCode(f.Code),
				StatusCode: f.StatusCode,
				Message:    f.Message,
			}
		}
		c.transition(realtime.ChannelStateAttached, f.Resumed, reason)
	case actionDetached:
		var reason *realtime.ErrorInfo
		if f.Code != 0 || f.Message != "" {
			reason = &realtime.ErrorInfo{
				Code:       realtime.ErrorCode(f.Code),
				StatusCode: f.StatusCode,
				Message:    f.Message,
			}
		}
		c.transition(realtime.ChannelStateDetached, false, reason)
	case actionError:
		c.transition(realtime.ChannelStateFailed, false, &realtime.ErrorInfo{
			Code:       realtime.ErrorCode(f.Code),
			StatusCode: f.StatusCode,
			Message:    f.Message,
		})
	}
}

func (c *Channel) deliverMessage(f frame) {
	msg := realtime.Message{
		Serial:    realtime.Serial(f.Serial),
		Name:      f.Name,
		ClientID:  f.ClientID,
		Data:      f.Data,
		Timestamp: time.UnixMilli(f.Timestamp),
	}

	c.mu.Lock()
	c.props.ChannelSerial = msg.Serial
	c.lastSeen = string(msg.Serial)
	handlers := make([]realtime.MessageHandler, 0, len(c.msgSubs))
	for _, sub := range c.msgSubs {
		if sub.name == msg.Name {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()

	c.deliverMu.Lock()
	for _, h := range handlers {
		h(msg)
	}
	c.deliverMu.Unlock()
}

// suspend reports the channel suspended after a connection loss and returns
// whether the channel was attached (and so should be reattached on
// reconnect).
func (c *Channel) suspend(reason *realtime.ErrorInfo) bool {
	c.mu.Lock()
	attached := c.state == realtime.ChannelStateAttached || c.state == realtime.ChannelStateAttaching
	c.mu.Unlock()
	if !attached {
		return false
	}
	c.transition(realtime.ChannelStateSuspended, false, reason)
	return true
}

// connectionClosed reports the channel detached after an explicit Close.
func (c *Channel) connectionClosed() {
	c.mu.Lock()
	idle := c.state == realtime.ChannelStateInitialized || c.state == realtime.ChannelStateDetached
	c.mu.Unlock()
	if idle {
		return
	}
	c.transition(realtime.ChannelStateDetached, false, nil)
}

func (c *Channel) lastSeenSerial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Channel) transition(next realtime.ChannelState, resumed bool, reason *realtime.ErrorInfo) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	change := realtime.ChannelStateChange{
		Previous: c.state,
		Current:  next,
		Resumed:  resumed,
		Reason:   reason,
	}
	c.state = next
	handlers := make([]realtime.StateChangeHandler, 0, len(c.stateSubs))
	for _, h := range c.stateSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}

// statusOf extracts a status code from an error, defaulting to 503.
func statusOf(err error) int {
	if ei, ok := realtime.AsErrorInfo(err); ok && ei.StatusCode != 0 {
		return ei.StatusCode
	}
	return 503
}

type subscription func()

func (s subscription) Unsubscribe() { s() }
