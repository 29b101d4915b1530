// Package occupancy exposes server-published occupancy metrics for a room.
// The server (or transport) periodically publishes an occupancy update event
// on the room channel; this feature projects the latest metrics and fans the
// updates out to listeners.
package occupancy

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roomkit/roomkit/realtime"
	"github.com/roomkit/roomkit/rooms"
)

// EventUpdate is the channel event name occupancy metrics arrive under.
const EventUpdate = "occupancy.update"

// Metrics is one occupancy reading.
type Metrics struct {
	Connections     int `json:"connections"`
	PresenceMembers int `json:"presenceMembers"`
}

// Listener receives occupancy updates.
type Listener func(Metrics)

// Occupancy is the room occupancy feature. It implements rooms.Feature.
type Occupancy struct {
	logger  *slog.Logger
	channel realtime.Channel

	mu        sync.RWMutex
	latest    *Metrics
	listeners map[string]Listener
	released  bool

	channelSub realtime.Subscription
}

var _ rooms.Feature = (*Occupancy)(nil)

// New builds the occupancy feature over the shared room channel.
func New(channel realtime.Channel, logger *slog.Logger) *Occupancy {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Occupancy{
		logger:    logger,
		channel:   channel,
		listeners: make(map[string]Listener),
	}
	o.channelSub = channel.Subscribe(EventUpdate, o.handleMessage)
	return o
}

func (o *Occupancy) Name() string { return "occupancy" }

func (o *Occupancy) Channel() realtime.Channel { return o.channel }

func (o *Occupancy) AttachmentErrorCode() realtime.ErrorCode {
	return realtime.CodeOccupancyAttachmentFailed
}

func (o *Occupancy) DetachmentErrorCode() realtime.ErrorCode {
	return realtime.CodeOccupancyDetachmentFailed
}

// Current returns the latest metrics, if any reading has arrived.
func (o *Occupancy) Current() (Metrics, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.latest == nil {
		return Metrics{}, false
	}
	return *o.latest, true
}

// Subscribe registers a listener for occupancy updates.
func (o *Occupancy) Subscribe(listener Listener) realtime.Subscription {
	id := uuid.NewString()
	o.mu.Lock()
	o.listeners[id] = listener
	o.mu.Unlock()
	return subscription(func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	})
}

// HandleDiscontinuity discards the latest reading; a fresh one arrives with
// the next server publish.
func (o *Occupancy) HandleDiscontinuity(reason *realtime.ErrorInfo) {
	o.mu.Lock()
	o.latest = nil
	o.mu.Unlock()
}

// Release drops the channel subscription and listener registrations.
func (o *Occupancy) Release() {
	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		return
	}
	o.released = true
	sub := o.channelSub
	o.channelSub = nil
	o.listeners = make(map[string]Listener)
	o.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (o *Occupancy) handleMessage(msg realtime.Message) {
	var metrics Metrics
	if err := json.Unmarshal(msg.Data, &metrics); err != nil {
		o.logger.Warn("discarding malformed occupancy update", "error", err)
		return
	}

	o.mu.Lock()
	o.latest = &metrics
	listeners := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()

	for _, l := range listeners {
		l(metrics)
	}
}

type subscription func()

func (s subscription) Unsubscribe() { s() }
