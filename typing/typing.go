// Package typing implements the room typing-indicator feature. It tracks the
// set of clients currently typing from channel events; heartbeat timers and
// automatic expiry are the application's concern.
package typing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roomkit/roomkit/realtime"
	"github.com/roomkit/roomkit/rooms"
)

// Channel event names for typing signals.
const (
	EventStarted = "typing.started"
	EventStopped = "typing.stopped"
)

// Event is delivered to typing listeners whenever the typing set changes.
type Event struct {
	ClientID string
	Typing   bool

	// CurrentlyTyping is a snapshot of the typing set after the change.
	CurrentlyTyping []string
}

// Listener receives typing events.
type Listener func(Event)

// Typing is the typing feature of a room. It implements rooms.Feature.
type Typing struct {
	logger   *slog.Logger
	channel  realtime.Channel
	clientID string

	mu        sync.RWMutex
	typers    map[string]struct{}
	listeners map[string]Listener
	released  bool

	channelSubs []realtime.Subscription
}

var _ rooms.Feature = (*Typing)(nil)

// New builds the typing feature over the shared room channel.
func New(channel realtime.Channel, clientID string, logger *slog.Logger) *Typing {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Typing{
		logger:    logger,
		channel:   channel,
		clientID:  clientID,
		typers:    make(map[string]struct{}),
		listeners: make(map[string]Listener),
	}
	t.channelSubs = []realtime.Subscription{
		channel.Subscribe(EventStarted, t.handleMessage(true)),
		channel.Subscribe(EventStopped, t.handleMessage(false)),
	}
	return t
}

func (t *Typing) Name() string { return "typing" }

func (t *Typing) Channel() realtime.Channel { return t.channel }

func (t *Typing) AttachmentErrorCode() realtime.ErrorCode {
	return realtime.CodeTypingAttachmentFailed
}

func (t *Typing) DetachmentErrorCode() realtime.ErrorCode {
	return realtime.CodeTypingDetachmentFailed
}

// Start signals that this client is typing.
func (t *Typing) Start(ctx context.Context) error {
	return t.channel.Publish(ctx, EventStarted, nil)
}

// Stop signals that this client stopped typing.
func (t *Typing) Stop(ctx context.Context) error {
	return t.channel.Publish(ctx, EventStopped, nil)
}

// Current returns the clients currently typing.
func (t *Typing) Current() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentLocked()
}

// Subscribe registers a listener for typing events.
func (t *Typing) Subscribe(listener Listener) realtime.Subscription {
	id := uuid.NewString()
	t.mu.Lock()
	t.listeners[id] = listener
	t.mu.Unlock()
	return subscription(func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	})
}

// HandleDiscontinuity clears the typing set; stop events may have been lost
// across the gap, so the projection cannot be trusted.
func (t *Typing) HandleDiscontinuity(reason *realtime.ErrorInfo) {
	t.mu.Lock()
	t.typers = make(map[string]struct{})
	t.mu.Unlock()
}

// Release drops the channel subscriptions and listener registrations.
func (t *Typing) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	subs := t.channelSubs
	t.channelSubs = nil
	t.listeners = make(map[string]Listener)
	t.typers = make(map[string]struct{})
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (t *Typing) handleMessage(typing bool) realtime.MessageHandler {
	return func(msg realtime.Message) {
		t.mu.Lock()
		if typing {
			t.typers[msg.ClientID] = struct{}{}
		} else {
			delete(t.typers, msg.ClientID)
		}
		current := t.currentLocked()
		listeners := make([]Listener, 0, len(t.listeners))
		for _, l := range t.listeners {
			listeners = append(listeners, l)
		}
		t.mu.Unlock()

		ev := Event{ClientID: msg.ClientID, Typing: typing, CurrentlyTyping: current}
		for _, l := range listeners {
			l(ev)
		}
	}
}

func (t *Typing) currentLocked() []string {
	current := make([]string, 0, len(t.typers))
	for id := range t.typers {
		current = append(current, id)
	}
	return current
}

type subscription func()

func (s subscription) Unsubscribe() { s() }
