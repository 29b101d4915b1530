// Package memory provides an in-process implementation of the realtime
// transport, suitable for tests and single-node examples. Serials are KSUIDs,
// which are k-sortable and therefore satisfy the total-order contract within
// a channel.
//
// The implementation keeps the full message log per channel, so a
// reattachment resumes cleanly whenever no message was published while the
// channel was away; otherwise the attach is reported with Resumed=false.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/roomkit/roomkit/realtime"
)

// Options configures the in-memory connection.
type Options struct {
	// ClientID identifies this connection on published messages. Defaults to
	// a random UUID.
	ClientID string
}

// Realtime is an in-process transport connection.
type Realtime struct {
	clientID string

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

var _ realtime.Realtime = (*Realtime)(nil)

// New creates an in-memory connection.
func New(opts Options) *Realtime {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Realtime{
		clientID: clientID,
		channels: make(map[string]*Channel),
	}
}

func (r *Realtime) ClientID() string { return r.clientID }

// Channel returns the channel with the given name, creating it on first use.
func (r *Realtime) Channel(name string) realtime.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		ch = newChannel(name, r.clientID)
		r.channels[name] = ch
	}
	return ch
}

// Close detaches every channel.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Detach(context.Background())
	}
	return nil
}

type stateSub struct {
	handler realtime.StateChangeHandler
}

type messageSub struct {
	name    string
	handler realtime.MessageHandler
}

// Channel is an in-memory channel. The full message log is retained, acting
// as both the live feed and the history store.
type Channel struct {
	name     string
	clientID string

	// deliverMu serializes every handler invocation (state changes and
	// messages) so listeners observe one event at a time.
	deliverMu sync.Mutex

	mu          sync.Mutex
	state       realtime.ChannelState
	props       realtime.ChannelProperties
	log         []realtime.Message
	lastKSUID   ksuid.KSUID
	lastSeen    realtime.Serial
	wasAttached bool
	stateSubs   map[string]*stateSub
	msgSubs     map[string]*messageSub
}

var _ realtime.Channel = (*Channel)(nil)

func newChannel(name, clientID string) *Channel {
	return &Channel{
		name:      name,
		clientID:  clientID,
		state:     realtime.ChannelStateInitialized,
		stateSubs: make(map[string]*stateSub),
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

// Attach moves the channel to attached. The transition resumes when nothing
// was published since the channel last observed the log; otherwise it is
// reported as a non-resumed (gapped) attach.
func (c *Channel) Attach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == realtime.ChannelStateAttached {
		c.mu.Unlock()
		return nil
	}
	tail := c.tailLocked()
	resumed := c.wasAttached && c.lastSeen == tail
	c.props.AttachSerial = tail
	c.props.ChannelSerial = tail
	c.wasAttached = true
	c.lastSeen = tail
	c.mu.Unlock()

	c.transition(realtime.ChannelStateAttaching, false, nil)
	c.transition(realtime.ChannelStateAttached, resumed, nil)
	return nil
}

// Detach moves the channel to detached.
func (c *Channel) Detach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == realtime.ChannelStateDetached || c.state == realtime.ChannelStateInitialized {
		c.mu.Unlock()
		return nil
	}
	c.lastSeen = c.tailLocked()
	c.mu.Unlock()

	c.transition(realtime.ChannelStateDetaching, false, nil)
	c.transition(realtime.ChannelStateDetached, false, nil)
	return nil
}

func (c *Channel) OnStateChange(handler realtime.StateChangeHandler) realtime.Subscription {
	id := uuid.NewString()
	c.mu.Lock()
	c.stateSubs[id] = &stateSub{handler: handler}
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

// Publish appends to the channel log and delivers to live subscribers while
// the channel is attached. Messages published while the channel is away still
// land in the log, which is what makes a later attach non-resumed.
func (c *Channel) Publish(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	msg := realtime.Message{
		Serial:    realtime.Serial(c.nextSerialLocked().String()),
		Name:      name,
		ClientID:  c.clientID,
		Data:      data,
		Timestamp: time.Now(),
	}
	c.log = append(c.log, msg)
	attached := c.state == realtime.ChannelStateAttached
	if attached {
		c.props.ChannelSerial = msg.Serial
		c.lastSeen = msg.Serial
	}
	var handlers []realtime.MessageHandler
	if attached {
		for _, sub := range c.msgSubs {
			if sub.name == name {
				handlers = append(handlers, sub.handler)
			}
		}
	}
	c.mu.Unlock()

	if len(handlers) > 0 {
		c.deliverMu.Lock()
		for _, h := range handlers {
			h(msg)
		}
		c.deliverMu.Unlock()
	}
	return nil
}

// History returns a paginated snapshot of the channel log, bounded by the
// query. Pages are consistent with the snapshot taken at call time.
func (c *Channel) History(ctx context.Context, q realtime.HistoryQuery) (*realtime.PaginatedResult[realtime.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	c.mu.Lock()
	filtered := make([]realtime.Message, 0, len(c.log))
	for _, msg := range c.log {
		if !q.FromSerial.IsZero() && msg.Serial.Compare(q.FromSerial) > 0 {
			continue
		}
		if !q.End.IsZero() && msg.Timestamp.After(q.End) {
			continue
		}
		filtered = append(filtered, msg)
	}
	c.mu.Unlock()

	if q.Order != realtime.OrderOldestFirst {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	return buildPage(filtered, q.Limit, 0), nil
}

// buildPage slices the filtered snapshot into limit-sized pages with
// continuation closures.
func buildPage(all []realtime.Message, limit, offset int) *realtime.PaginatedResult[realtime.Message] {
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	items := all[offset:end]

	first := func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
		return buildPage(all, limit, 0), nil
	}
	current := func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
		return buildPage(all, limit, offset), nil
	}
	var next realtime.PageFunc[realtime.Message]
	if end < len(all) {
		next = func(ctx context.Context) (*realtime.PaginatedResult[realtime.Message], error) {
			return buildPage(all, limit, end), nil
		}
	}
	return realtime.NewPaginatedResult(items, first, current, next)
}

// transition emits a state change. deliverMu keeps emissions serial.
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
	for _, sub := range c.stateSubs {
		handlers = append(handlers, sub.handler)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}

// nextSerialLocked generates a strictly increasing KSUID. KSUIDs are only
// k-sortable to one-second resolution, so publishes landing within the same
// second fall back to incrementing the previous id.
func (c *Channel) nextSerialLocked() ksuid.KSUID {
	id := ksuid.New()
	if ksuid.Compare(id, c.lastKSUID) <= 0 {
		id = c.lastKSUID.Next()
	}
	c.lastKSUID = id
	return id
}

func (c *Channel) tailLocked() realtime.Serial {
	if len(c.log) == 0 {
		return ""
	}
	return c.log[len(c.log)-1].Serial
}

type subscription func()

func (s subscription) Unsubscribe() { s() }
