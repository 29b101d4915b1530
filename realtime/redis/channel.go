package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/roomkit/roomkit/realtime"
)

const readBlock = time.Second

// Channel is a Redis Streams backed channel.
type Channel struct {
	rt   *Realtime
	name string
	key  string

	// deliverMu serializes handler invocation for state changes and
	// messages.
	deliverMu sync.Mutex

	mu           sync.Mutex
	state        realtime.ChannelState
	props        realtime.ChannelProperties
	lastSeen     string // last delivered stream ID
	wasAttached  bool
	readerCancel context.CancelFunc
	stateSubs    map[string]realtime.StateChangeHandler
	msgSubs      map[string]*messageSub
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
		key:       rt.streamKey(name),
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

// Attach finds the stream tail, starts the tailing reader and reports the
// attach. A reattachment resumes when the last delivered entry is still in
// the stream (nothing can have been missed: the reader continues from it).
func (c *Channel) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.state == realtime.ChannelStateAttached {
		c.mu.Unlock()
		return nil
	}
	wasAttached := c.wasAttached
	lastSeen := c.lastSeen
	c.mu.Unlock()

	c.transition(realtime.ChannelStateAttaching, false, nil)

	tail, err := c.tail(ctx)
	if err != nil {
		errInfo := realtime.WrapError(realtime.CodeDisconnected, 503, "failed to read stream tail", err)
		c.transition(realtime.ChannelStateSuspended, false, errInfo)
		return errInfo
	}

	resumed := false
	start := tail // deliver only entries after the tail observed at attach
	if wasAttached {
		if lastSeen != "" {
			present, err := c.entryExists(ctx, lastSeen)
			if err != nil {
				errInfo := realtime.WrapError(realtime.CodeDisconnected, 503, "failed to check resume position", err)
				c.transition(realtime.ChannelStateSuspended, false, errInfo)
				return errInfo
			}
			resumed = present
			if present {
				start = lastSeen
			}
		} else {
			// Never saw a message; resumable only if still none exist.
			resumed = tail == ""
		}
	}

	readerCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.props.AttachSerial = realtime.Serial(tail)
	c.props.ChannelSerial = realtime.Serial(tail)
	c.wasAttached = true
	c.lastSeen = start
	if c.readerCancel != nil {
		c.readerCancel()
	}
	c.readerCancel = cancel
	c.mu.Unlock()

	go c.readLoop(readerCtx, start)

	c.transition(realtime.ChannelStateAttached, resumed, nil)
	return nil
}

// Detach stops the reader and reports the detach.
func (c *Channel) Detach(ctx context.Context) error {
	c.mu.Lock()
	if c.state == realtime.ChannelStateDetached || c.state == realtime.ChannelStateInitialized {
		c.mu.Unlock()
		return nil
	}
	cancel := c.readerCancel
	c.readerCancel = nil
	c.mu.Unlock()

	c.transition(realtime.ChannelStateDetaching, false, nil)
	if cancel != nil {
		cancel()
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

// Publish adds the message to the stream. The server-assigned entry ID
// becomes the message serial.
func (c *Channel) Publish(ctx context.Context, name string, data []byte) error {
	err := c.rt.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.key,
		Values: map[string]any{
			"n": name,
			"d": data,
			"c": c.rt.clientID,
			"t": time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", c.key, err)
	}
	return nil
}

// readLoop tails the stream from start, delivering entries to subscribers.
// On read failures it reports the channel suspended, retries with backoff,
// and on recovery reattaches with the appropriate resume flag.
func (c *Channel) readLoop(ctx context.Context, start string) {
	cursor := start
	if cursor == "" {
		cursor = "0"
	}

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := c.rt.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.key, cursor},
			Count:   100,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			cursor = c.recover(ctx, err, cursor)
			if cursor == "" {
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				cursor = entry.ID
				c.deliver(decodeEntry(entry))
			}
		}
	}
}

// recover waits out a transport failure and reattaches the reader. It
// returns the cursor to continue from, or "" when ctx was cancelled.
func (c *Channel) recover(ctx context.Context, cause error, cursor string) string {
	errInfo := realtime.WrapError(realtime.CodeDisconnected, 503, "stream read failed", cause)
	c.transition(realtime.ChannelStateSuspended, false, errInfo)

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	for {
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(wait):
		}

		if err := c.rt.client.Ping(ctx).Err(); err != nil {
			c.rt.logger.Debug("channel recovery ping failed", "channel", c.name, "error", err)
			continue
		}

		resumed := true
		if cursor != "" && cursor != "0" {
			present, err := c.entryExists(ctx, cursor)
			if err != nil {
				continue
			}
			if !present {
				// Trimmed past the cursor; the gap is unrecoverable.
				resumed = false
				tail, err := c.tail(ctx)
				if err != nil {
					continue
				}
				cursor = tail
				if cursor == "" {
					cursor = "0"
				}
				c.mu.Lock()
				c.props.AttachSerial = realtime.Serial(tail)
				c.mu.Unlock()
			}
		}
		c.transition(realtime.ChannelStateAttached, resumed, nil)
		return cursor
	}
}

func (c *Channel) deliver(msg realtime.Message) {
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

func (c *Channel) tail(ctx context.Context) (string, error) {
	entries, err := c.rt.client.XRevRangeN(ctx, c.key, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].ID, nil
}

func (c *Channel) entryExists(ctx context.Context, id string) (bool, error) {
	entries, err := c.rt.client.XRange(ctx, c.key, id, id).Result()
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func decodeEntry(entry redis.XMessage) realtime.Message {
	msg := realtime.Message{Serial: realtime.Serial(entry.ID)}
	if n, ok := entry.Values["n"].(string); ok {
		msg.Name = n
	}
	if d, ok := entry.Values["d"].(string); ok {
		msg.Data = []byte(d)
	}
	if cl, ok := entry.Values["c"].(string); ok {
		msg.ClientID = cl
	}
	if t, ok := entry.Values["t"].(string); ok {
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			msg.Timestamp = time.UnixMilli(ms)
		}
	}
	if msg.Timestamp.IsZero() {
		// Fall back to the entry ID's millisecond component.
		if ms, _, err := splitStreamID(entry.ID); err == nil {
			msg.Timestamp = time.UnixMilli(ms)
		}
	}
	return msg
}

// splitStreamID parses a "ms-seq" stream ID.
func splitStreamID(id string) (ms int64, seq int64, err error) {
	base, rest, found := strings.Cut(id, "-")
	ms, err = strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed stream ID %q", id)
	}
	if found {
		seq, err = strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed stream ID %q", id)
		}
	}
	return ms, seq, nil
}

type subscription func()

func (s subscription) Unsubscribe() { s() }
