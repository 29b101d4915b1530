package messages

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

// EventChatMessage is the channel event name messages are published under.
const EventChatMessage = "chat.message"

const defaultHistoryLimit = 50

// Message is a single chat message.
type Message struct {
	Serial    realtime.Serial
	ClientID  string
	Text      string
	Timestamp time.Time
}

// Event is delivered to subscribed listeners for every live message.
type Event struct {
	Message Message
}

// Listener receives live message events.
type Listener func(Event)

type messagePayload struct {
	Text string `json:"text"`
}

// Messages is the message stream feature of a room. It implements
// rooms.Feature and owns the subscription-point resolver.
type Messages struct {
	logger   *slog.Logger
	channel  realtime.Channel
	clientID string

	mu       sync.RWMutex
	anchors  map[string]*anchor
	subs     map[string]realtime.Subscription
	released bool

	stateSub realtime.Subscription
}

var _ rooms.Feature = (*Messages)(nil)

// New builds the messages feature over the shared room channel.
func New(channel realtime.Channel, clientID string, logger *slog.Logger) *Messages {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Messages{
		logger:   logger,
		channel:  channel,
		clientID: clientID,
		anchors:  make(map[string]*anchor),
		subs:     make(map[string]realtime.Subscription),
	}
	m.stateSub = channel.OnStateChange(m.handleStateChange)
	return m
}

func (m *Messages) Name() string { return "messages" }

func (m *Messages) Channel() realtime.Channel { return m.channel }

func (m *Messages) AttachmentErrorCode() realtime.ErrorCode {
	return realtime.CodeMessagesAttachmentFailed
}

func (m *Messages) DetachmentErrorCode() realtime.ErrorCode {
	return realtime.CodeMessagesDetachmentFailed
}

// Send publishes a message to the room.
func (m *Messages) Send(ctx context.Context, text string) error {
	data, err := json.Marshal(messagePayload{Text: text})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return m.channel.Publish(ctx, EventChatMessage, data)
}

// Subscribe registers a listener for live messages and begins tracking its
// subscription point. The returned subscription exposes Unsubscribe and
// HistoryBeforeSubscribe.
func (m *Messages) Subscribe(listener Listener) *Subscription {
	id := uuid.NewString()
	a := newAnchor()

	m.mu.Lock()
	if m.channel.State() == realtime.ChannelStateAttached {
		// Anchor at the current channel serial: everything up to and
		// including it predates this listener's live feed.
		a.resolveLocked(m.channel.Properties().ChannelSerial)
	}
	m.anchors[id] = a
	m.mu.Unlock()

	sub := m.channel.Subscribe(EventChatMessage, func(msg realtime.Message) {
		listener(Event{Message: decodeMessage(msg)})
	})

	m.mu.Lock()
	if m.released {
		// Released between anchor creation and channel subscription.
		delete(m.anchors, id)
		a.removeLocked()
		m.mu.Unlock()
		sub.Unsubscribe()
		return &Subscription{m: m, id: id}
	}
	m.subs[id] = sub
	m.mu.Unlock()

	return &Subscription{m: m, id: id}
}

// History queries the room's message history without any subscription-point
// bound.
func (m *Messages) History(ctx context.Context, q realtime.HistoryQuery) (*realtime.PaginatedResult[Message], error) {
	if q.Limit == 0 {
		q.Limit = defaultHistoryLimit
	}
	page, err := m.channel.History(ctx, q)
	if err != nil {
		return nil, err
	}
	return realtime.MapPage(page, decodeMessage), nil
}

// HandleDiscontinuity implements the rooms.Feature discontinuity hook: every
// resolved anchor is reset to the new attach serial and every pending anchor
// is resolved to it. This completes before the lifecycle manager notifies
// external discontinuity handlers.
func (m *Messages) HandleDiscontinuity(reason *realtime.ErrorInfo) {
	attachSerial := m.channel.Properties().AttachSerial
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.anchors {
		a.resetLocked(attachSerial)
	}
	if len(m.anchors) > 0 {
		m.logger.Debug("reset subscription points after discontinuity",
			"anchors", len(m.anchors),
			"attach_serial", string(attachSerial),
			"reason", reason,
		)
	}
}

// Release implements rooms.Feature teardown: it drops the channel state
// listener, unsubscribes every live listener and fails all anchors so that
// pending HistoryBeforeSubscribe calls reject.
func (m *Messages) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	subs := m.subs
	m.subs = make(map[string]realtime.Subscription)
	for id, a := range m.anchors {
		a.removeLocked()
		delete(m.anchors, id)
	}
	stateSub := m.stateSub
	m.stateSub = nil
	m.mu.Unlock()

	if stateSub != nil {
		stateSub.Unsubscribe()
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// handleStateChange re-evaluates anchors on every channel transition to
// attached: pending anchors resolve to the attach serial, and on a
// non-resumed reattachment resolved anchors reset to it.
func (m *Messages) handleStateChange(change realtime.ChannelStateChange) {
	if change.Current != realtime.ChannelStateAttached {
		return
	}
	attachSerial := m.channel.Properties().AttachSerial

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.anchors {
		if !a.resolved {
			a.resolveLocked(attachSerial)
		} else if !change.Resumed {
			a.resetLocked(attachSerial)
		}
	}
}

func decodeMessage(msg realtime.Message) Message {
	var payload messagePayload
	// A payload that fails to decode still surfaces as a message with empty
	// text; the serial and sender are transport-authoritative.
	_ = json.Unmarshal(msg.Data, &payload)
	return Message{
		Serial:    msg.Serial,
		ClientID:  msg.ClientID,
		Text:      payload.Text,
		Timestamp: msg.Timestamp,
	}
}
