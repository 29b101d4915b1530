// Package presence implements the room presence feature: entering and
// leaving the room, a live view of the present member set, and presence event
// subscription. The member set is a local projection of channel events; after
// a delivery gap it is discarded and, if this client had entered, the entry
// is re-announced.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomkit/roomkit/realtime"
	"github.com/roomkit/roomkit/rooms"
)

// Channel event names for presence actions.
const (
	EventEnter  = "presence.enter"
	EventUpdate = "presence.update"
	EventLeave  = "presence.leave"
)

const reenterTimeout = 10 * time.Second

// EventType classifies a presence event.
type EventType string

const (
	EventTypeEnter  EventType = "enter"
	EventTypeUpdate EventType = "update"
	EventTypeLeave  EventType = "leave"
)

// Member is one present client.
type Member struct {
	ClientID  string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// Event is delivered to presence listeners.
type Event struct {
	Type   EventType
	Member Member
}

// Listener receives presence events.
type Listener func(Event)

// Presence is the presence feature of a room. It implements rooms.Feature.
type Presence struct {
	logger   *slog.Logger
	channel  realtime.Channel
	clientID string

	mu          sync.RWMutex
	members     map[string]Member
	listeners   map[string]Listener
	entered     bool
	enteredData json.RawMessage
	released    bool

	channelSubs []realtime.Subscription
}

var _ rooms.Feature = (*Presence)(nil)

// New builds the presence feature over the shared room channel.
func New(channel realtime.Channel, clientID string, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Presence{
		logger:    logger,
		channel:   channel,
		clientID:  clientID,
		members:   make(map[string]Member),
		listeners: make(map[string]Listener),
	}
	p.channelSubs = []realtime.Subscription{
		channel.Subscribe(EventEnter, p.handleMessage(EventTypeEnter)),
		channel.Subscribe(EventUpdate, p.handleMessage(EventTypeUpdate)),
		channel.Subscribe(EventLeave, p.handleMessage(EventTypeLeave)),
	}
	return p
}

func (p *Presence) Name() string { return "presence" }

func (p *Presence) Channel() realtime.Channel { return p.channel }

func (p *Presence) AttachmentErrorCode() realtime.ErrorCode {
	return realtime.CodePresenceAttachmentFailed
}

func (p *Presence) DetachmentErrorCode() realtime.ErrorCode {
	return realtime.CodePresenceDetachmentFailed
}

// Enter announces this client as present, with optional application data.
func (p *Presence) Enter(ctx context.Context, data json.RawMessage) error {
	if err := p.publish(ctx, EventEnter, data); err != nil {
		return err
	}
	p.mu.Lock()
	p.entered = true
	p.enteredData = data
	p.mu.Unlock()
	return nil
}

// Update replaces this client's presence data.
func (p *Presence) Update(ctx context.Context, data json.RawMessage) error {
	if err := p.publish(ctx, EventUpdate, data); err != nil {
		return err
	}
	p.mu.Lock()
	p.enteredData = data
	p.mu.Unlock()
	return nil
}

// Leave removes this client from the presence set.
func (p *Presence) Leave(ctx context.Context) error {
	if err := p.publish(ctx, EventLeave, nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.entered = false
	p.enteredData = nil
	p.mu.Unlock()
	return nil
}

// Get returns the current local view of the present member set.
func (p *Presence) Get() []Member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	members := make([]Member, 0, len(p.members))
	for _, m := range p.members {
		members = append(members, m)
	}
	return members
}

// Subscribe registers a listener for presence events.
func (p *Presence) Subscribe(listener Listener) realtime.Subscription {
	id := uuid.NewString()
	p.mu.Lock()
	p.listeners[id] = listener
	p.mu.Unlock()
	return subscription(func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	})
}

// HandleDiscontinuity discards the member projection, which can no longer be
// trusted after a gap, and re-announces this client's entry if it had one.
func (p *Presence) HandleDiscontinuity(reason *realtime.ErrorInfo) {
	p.mu.Lock()
	p.members = make(map[string]Member)
	entered := p.entered
	data := p.enteredData
	p.mu.Unlock()

	if !entered {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reenterTimeout)
		defer cancel()
		if err := p.publish(ctx, EventEnter, data); err != nil {
			p.logger.Warn("presence re-enter after discontinuity failed", "error", err)
		}
	}()
}

// Release drops the channel subscriptions and listener registrations.
func (p *Presence) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	subs := p.channelSubs
	p.channelSubs = nil
	p.listeners = make(map[string]Listener)
	p.members = make(map[string]Member)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (p *Presence) publish(ctx context.Context, event string, data json.RawMessage) error {
	payload, err := json.Marshal(struct {
		Data json.RawMessage `json:"data,omitempty"`
	}{Data: data})
	if err != nil {
		return fmt.Errorf("encode presence payload: %w", err)
	}
	return p.channel.Publish(ctx, event, payload)
}

func (p *Presence) handleMessage(typ EventType) realtime.MessageHandler {
	return func(msg realtime.Message) {
		var payload struct {
			Data json.RawMessage `json:"data,omitempty"`
		}
		_ = json.Unmarshal(msg.Data, &payload)
		member := Member{ClientID: msg.ClientID, Data: payload.Data, UpdatedAt: msg.Timestamp}

		p.mu.Lock()
		switch typ {
		case EventTypeLeave:
			delete(p.members, msg.ClientID)
		default:
			p.members[msg.ClientID] = member
		}
		listeners := make([]Listener, 0, len(p.listeners))
		for _, l := range p.listeners {
			listeners = append(listeners, l)
		}
		p.mu.Unlock()

		ev := Event{Type: typ, Member: member}
		for _, l := range listeners {
			l(ev)
		}
	}
}

type subscription func()

func (s subscription) Unsubscribe() { s() }
