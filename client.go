package roomkit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roomkit/roomkit/internal/logctx"
	"github.com/roomkit/roomkit/realtime"
	"github.com/roomkit/roomkit/rooms"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Logger defaults to slog.Default(). The client wraps the handler so
	// records carry room and channel context.
	Logger *slog.Logger

	// RoomOptions apply to every room the client creates.
	RoomOptions rooms.Options
}

// Client is the entry point of the runtime. Obtain rooms through
// Client.Rooms.
type Client struct {
	realtime realtime.Realtime
	logger   *slog.Logger
	roomOpts rooms.Options

	// Rooms is the room registry of this client.
	Rooms *Rooms
}

// NewClient builds a client over a transport connection. opts may be nil.
func NewClient(rt realtime.Realtime, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = slog.New(logctx.Handler{Handler: logger.Handler()})

	c := &Client{
		realtime: rt,
		logger:   logger,
		roomOpts: opts.RoomOptions,
	}
	c.Rooms = &Rooms{client: c, rooms: make(map[string]*Room)}
	return c
}

// ClientID returns the identity the transport connection publishes under.
func (c *Client) ClientID() string { return c.realtime.ClientID() }

// Rooms is the registry of a client's rooms: one live Room instance per
// name.
type Rooms struct {
	client *Client

	mu    sync.Mutex
	rooms map[string]*Room
}

// Get returns the room with the given name, creating it on first use.
// Repeated calls with the same name return the same instance until the room
// is released.
func (r *Rooms) Get(name string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		room = newRoom(r.client, name)
		r.rooms[name] = room
	}
	return room
}

// Release releases the named room and forgets it; a subsequent Get returns a
// fresh instance. Releasing an unknown name is a no-op.
func (r *Rooms) Release(ctx context.Context, name string) {
	r.mu.Lock()
	room := r.rooms[name]
	delete(r.rooms, name)
	r.mu.Unlock()

	if room != nil {
		room.Release(ctx)
	}
}
