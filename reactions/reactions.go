// Package reactions implements room-level ephemeral reactions. Reactions are
// fire-and-forget: they carry no history and no state survives a delivery
// gap, so the feature has no discontinuity work to do.
package reactions

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

// EventReaction is the channel event name reactions are published under.
const EventReaction = "room.reaction"

// Reaction is a single room-level reaction.
type Reaction struct {
	Type      string
	ClientID  string
	Timestamp time.Time
}

// Listener receives live reactions.
type Listener func(Reaction)

type reactionPayload struct {
	Type string `json:"type"`
}

// Reactions is the room reactions feature. It implements rooms.Feature.
type Reactions struct {
	logger  *slog.Logger
	channel realtime.Channel

	mu        sync.RWMutex
	listeners map[string]Listener
	released  bool

	channelSub realtime.Subscription
}

var _ rooms.Feature = (*Reactions)(nil)

// New builds the reactions feature over the shared room channel.
func New(channel realtime.Channel, logger *slog.Logger) *Reactions {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reactions{
		logger:    logger,
		channel:   channel,
		listeners: make(map[string]Listener),
	}
	r.channelSub = channel.Subscribe(EventReaction, r.handleMessage)
	return r
}

func (r *Reactions) Name() string { return "reactions" }

func (r *Reactions) Channel() realtime.Channel { return r.channel }

func (r *Reactions) AttachmentErrorCode() realtime.ErrorCode {
	return realtime.CodeReactionsAttachmentFailed
}

func (r *Reactions) DetachmentErrorCode() realtime.ErrorCode {
	return realtime.CodeReactionsDetachmentFailed
}

// Send publishes a reaction of the given type (e.g. "like", "🎉").
func (r *Reactions) Send(ctx context.Context, reactionType string) error {
	if reactionType == "" {
		return realtime.NewError(realtime.CodeBadRequest, 400, "reaction type must not be empty")
	}
	data, err := json.Marshal(reactionPayload{Type: reactionType})
	if err != nil {
		return fmt.Errorf("encode reaction: %w", err)
	}
	return r.channel.Publish(ctx, EventReaction, data)
}

// Subscribe registers a listener for live reactions.
func (r *Reactions) Subscribe(listener Listener) realtime.Subscription {
	id := uuid.NewString()
	r.mu.Lock()
	r.listeners[id] = listener
	r.mu.Unlock()
	return subscription(func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	})
}

// HandleDiscontinuity is a no-op: reactions are ephemeral.
func (r *Reactions) HandleDiscontinuity(reason *realtime.ErrorInfo) {}

// Release drops the channel subscription and listener registrations.
func (r *Reactions) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	sub := r.channelSub
	r.channelSub = nil
	r.listeners = make(map[string]Listener)
	r.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (r *Reactions) handleMessage(msg realtime.Message) {
	var payload reactionPayload
	_ = json.Unmarshal(msg.Data, &payload)

	r.mu.RLock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	reaction := Reaction{Type: payload.Type, ClientID: msg.ClientID, Timestamp: msg.Timestamp}
	for _, l := range listeners {
		l(reaction)
	}
}

type subscription func()

func (s subscription) Unsubscribe() { s() }
