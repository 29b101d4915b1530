// Package redis implements the realtime transport on Redis Streams. Stream
// entry IDs serve as serials: they are assigned by the server and totally
// ordered, XREAD tails the live stream, and XREVRANGE serves history bounded
// by a serial.
//
// Resume semantics: the channel remembers the last stream ID it delivered.
// After a reconnect it checks whether that entry still exists; if the stream
// was trimmed past it the missed messages are unrecoverable and the
// reattachment is reported with Resumed=false.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/roomkit/roomkit/realtime"
)

// Config for the Redis transport. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: ROOMKIT_KEY_PREFIX
	KeyPrefix string `env:"ROOMKIT_KEY_PREFIX,default=roomkit:channel:"`
	// ClientID identifies this connection on published messages.
	// ENV: ROOMKIT_CLIENT_ID. Defaults to a random UUID.
	ClientID string `env:"ROOMKIT_CLIENT_ID"`

	// Client overrides RedisAddr with an existing client.
	Client redis.UniversalClient

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Realtime is a Redis-backed transport connection.
type Realtime struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	clientID  string
	logger    *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

var _ realtime.Realtime = (*Realtime)(nil)

// New creates a Redis transport connection, verifying connectivity with a
// ping.
func New(cfg Config) (*Realtime, error) {
	client := cfg.Client
	ownClient := false
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		ownClient = true
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "roomkit:channel:"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{
		client:    client,
		ownClient: ownClient,
		keyPrefix: prefix,
		clientID:  clientID,
		logger:    logger,
		channels:  make(map[string]*Channel),
	}, nil
}

// NewFromEnv builds a connection using envdecode to populate Config.
func NewFromEnv() (*Realtime, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (r *Realtime) ClientID() string { return r.clientID }

// Channel returns the channel with the given name, creating it on first use.
func (r *Realtime) Channel(name string) realtime.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		ch = newChannel(r, name)
		r.channels[name] = ch
	}
	return ch
}

// Close detaches all channels and, when the client was created by New,
// closes it.
func (r *Realtime) Close() error {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Detach(context.Background())
	}
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

func (r *Realtime) streamKey(name string) string { return r.keyPrefix + name }
