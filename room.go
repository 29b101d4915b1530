package roomkit

import (
	"context"

	"github.com/roomkit/roomkit/internal/logctx"
	"github.com/roomkit/roomkit/messages"
	"github.com/roomkit/roomkit/occupancy"
	"github.com/roomkit/roomkit/presence"
	"github.com/roomkit/roomkit/reactions"
	"github.com/roomkit/roomkit/realtime"
	"github.com/roomkit/roomkit/rooms"
	"github.com/roomkit/roomkit/typing"
)

// chatChannelName maps a room name onto its transport channel.
func chatChannelName(room string) string { return "chat:" + room }

// Room is a named chat room: five features over one shared channel, driven
// by a single lifecycle manager. Rooms are created through Client.Rooms.
type Room struct {
	name      string
	channel   realtime.Channel
	lifecycle *rooms.LifecycleManager

	messages  *messages.Messages
	presence  *presence.Presence
	typing    *typing.Typing
	reactions *reactions.Reactions
	occupancy *occupancy.Occupancy
}

func newRoom(c *Client, name string) *Room {
	channel := c.realtime.Channel(chatChannelName(name))
	clientID := c.realtime.ClientID()

	r := &Room{
		name:      name,
		channel:   channel,
		presence:  presence.New(channel, clientID, c.logger),
		typing:    typing.New(channel, clientID, c.logger),
		reactions: reactions.New(channel, c.logger),
		occupancy: occupancy.New(channel, c.logger),
		messages:  messages.New(channel, clientID, c.logger),
	}

	// Registration order is load-bearing: messages must come last so its
	// discontinuity hook is the final feature hook before user handlers, and
	// so release (reverse order) tears it down first.
	features := []rooms.Feature{r.presence, r.typing, r.reactions, r.occupancy, r.messages}

	opts := c.roomOpts
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	r.lifecycle = rooms.NewLifecycleManager(channel, features, opts)
	return r
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// Status returns the current room status.
func (r *Room) Status() rooms.Status { return r.lifecycle.Status() }

// Attach connects the room. See rooms.LifecycleManager.Attach for the
// retry and failure contract.
func (r *Room) Attach(ctx context.Context) error {
	return r.lifecycle.Attach(r.withLogCtx(ctx))
}

// Detach disconnects the room.
func (r *Room) Detach(ctx context.Context) error {
	return r.lifecycle.Detach(r.withLogCtx(ctx))
}

// Release tears the room down. It never fails; see
// rooms.LifecycleManager.Release.
func (r *Room) Release(ctx context.Context) {
	r.lifecycle.Release(r.withLogCtx(ctx))
}

// OnStatusChange registers a listener for room status transitions.
func (r *Room) OnStatusChange(handler func(rooms.StatusChange)) *rooms.StatusSubscription {
	return r.lifecycle.OnStatusChange(handler)
}

// OnDiscontinuity registers a handler for delivery gaps. Handlers run after
// every feature has reset its internal state, so reacting with a history
// query observes fresh subscription points.
func (r *Room) OnDiscontinuity(handler func(*realtime.ErrorInfo)) *rooms.DiscontinuitySubscription {
	return r.lifecycle.OnDiscontinuity(handler)
}

// Messages returns the message stream feature.
func (r *Room) Messages() *messages.Messages { return r.messages }

// Presence returns the presence feature.
func (r *Room) Presence() *presence.Presence { return r.presence }

// Typing returns the typing-indicator feature.
func (r *Room) Typing() *typing.Typing { return r.typing }

// Reactions returns the room reactions feature.
func (r *Room) Reactions() *reactions.Reactions { return r.reactions }

// Occupancy returns the occupancy feature.
func (r *Room) Occupancy() *occupancy.Occupancy { return r.occupancy }

func (r *Room) withLogCtx(ctx context.Context) context.Context {
	ctx = logctx.WithRoom(ctx, &logctx.RoomData{Name: r.name, Status: r.Status().String()})
	return logctx.WithChannel(ctx, &logctx.ChannelData{Name: r.channel.Name(), State: string(r.channel.State())})
}
