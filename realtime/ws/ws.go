// Package ws implements the realtime transport over a websocket connection
// speaking a small JSON frame protocol. The server assigns serials, decides
// the resume flag on reattachment, and serves history queries.
//
// On connection loss every attached channel is reported suspended; the
// connection then redials with exponential backoff and reattaches each
// channel with its last seen serial, letting the server decide whether the
// session resumed without loss.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roomkit/roomkit/auth"
	"github.com/roomkit/roomkit/realtime"
)

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
	connectTimeout      = 10 * time.Second
)

// Config for the websocket transport.
type Config struct {
	// URL of the server, e.g. "wss://chat.example.com/realtime".
	URL string

	// TokenProvider, when set, supplies a bearer token sent on the dial
	// request.
	TokenProvider auth.TokenProvider

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// PingInterval defaults to 30s; the read deadline is twice this.
	PingInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Realtime is a websocket transport connection.
type Realtime struct {
	cfg      Config
	logger   *slog.Logger
	clientID string

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*Channel
	pending  map[string]chan frame
	closed   bool
	closeCh  chan struct{}

	// writeMu serializes writes to the connection.
	writeMu sync.Mutex
}

var _ realtime.Realtime = (*Realtime)(nil)

// Connect dials the server and completes the connection handshake.
func Connect(ctx context.Context, cfg Config) (*Realtime, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	rt := &Realtime{
		cfg:      cfg,
		logger:   cfg.Logger,
		channels: make(map[string]*Channel),
		pending:  make(map[string]chan frame),
		closeCh:  make(chan struct{}),
	}

	conn, clientID, err := rt.dial(ctx)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	rt.conn = conn
	rt.clientID = clientID
	rt.mu.Unlock()

	go rt.readLoop(conn)
	go rt.pingLoop(conn)
	return rt, nil
}

func (rt *Realtime) dial(ctx context.Context) (*websocket.Conn, string, error) {
	header := http.Header{}
	if rt.cfg.TokenProvider != nil {
		token, err := rt.cfg.TokenProvider.Token(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("obtain connection token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := rt.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, rt.cfg.URL, header)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", rt.cfg.URL, err)
	}

	// The server opens with a connected frame naming this client.
	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("read connection handshake: %w", err)
	}
	if hello.Action != actionConnected {
		conn.Close()
		return nil, "", fmt.Errorf("unexpected handshake frame %q", hello.Action)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * rt.cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * rt.cfg.PingInterval))
	})
	return conn, hello.ClientID, nil
}

func (rt *Realtime) ClientID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.clientID
}

// Channel returns the channel with the given name, creating it on first use.
func (rt *Realtime) Channel(name string) realtime.Channel {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ch, ok := rt.channels[name]
	if !ok {
		ch = newChannel(rt, name)
		rt.channels[name] = ch
	}
	return ch
}

// Close shuts the connection down. Pending requests fail; channels report
// detached.
func (rt *Realtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	close(rt.closeCh)
	conn := rt.conn
	channels := make([]*Channel, 0, len(rt.channels))
	for _, ch := range rt.channels {
		channels = append(channels, ch)
	}
	rt.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	for _, ch := range channels {
		ch.connectionClosed()
	}
	return err
}

func (rt *Realtime) writeFrame(f frame) error {
	rt.mu.Lock()
	conn := rt.conn
	closed := rt.closed
	rt.mu.Unlock()
	if closed || conn == nil {
		return realtime.NewError(realtime.CodeDisconnected, 503, "connection is closed")
	}

	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

// request sends a frame with a correlation ID and waits for the matching
// acknowledgement.
func (rt *Realtime) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	rt.mu.Lock()
	rt.pending[f.ID] = ch
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		delete(rt.pending, f.ID)
		rt.mu.Unlock()
	}()

	if err := rt.writeFrame(f); err != nil {
		return frame{}, err
	}
	select {
	case resp := <-ch:
		if resp.Action == actionError {
			return frame{}, &realtime.ErrorInfo{
				Code:       realtime.ErrorCode(resp.Code),
				StatusCode: resp.StatusCode,
				Message:    resp.Message,
			}
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-rt.closeCh:
		return frame{}, realtime.NewError(realtime.CodeDisconnected, 503, "connection closed while awaiting response")
	}
}

func (rt *Realtime) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			rt.handleDisconnect(conn, err)
			return
		}
		rt.dispatch(f)
	}
}

func (rt *Realtime) dispatch(f frame) {
	if f.ID != "" {
		rt.mu.Lock()
		waiter := rt.pending[f.ID]
		rt.mu.Unlock()
		if waiter != nil {
			waiter <- f
			return
		}
	}

	rt.mu.Lock()
	ch := rt.channels[f.Channel]
	rt.mu.Unlock()
	if ch == nil {
		return
	}

	switch f.Action {
	case actionMessage:
		ch.deliverMessage(f)
	case actionAttached, actionUpdate, actionDetached, actionError:
		ch.handleServerFrame(f)
	}
}

func (rt *Realtime) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(rt.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.closeCh:
			return
		case <-ticker.C:
			rt.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			rt.writeMu.Unlock()
			if err != nil {
				// The read loop observes the broken connection and drives
				// the reconnect.
				return
			}
		}
	}
}

// handleDisconnect reports every attached channel suspended, then redials
// with backoff and reattaches the channels that were attached, resuming from
// their last seen serials.
func (rt *Realtime) handleDisconnect(old *websocket.Conn, cause error) {
	rt.mu.Lock()
	if rt.closed || rt.conn != old {
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	channels := make([]*Channel, 0, len(rt.channels))
	for _, ch := range rt.channels {
		channels = append(channels, ch)
	}
	rt.mu.Unlock()
	old.Close()

	errInfo := realtime.WrapError(realtime.CodeDisconnected, 503, "connection lost", cause)
	var toReattach []*Channel
	for _, ch := range channels {
		if ch.suspend(errInfo) {
			toReattach = append(toReattach, ch)
		}
	}
	rt.logger.Warn("connection lost, reconnecting", "error", cause)

	bo := backoff.NewExponentialBackOff()
	for {
		wait := bo.NextBackOff()
		select {
		case <-rt.closeCh:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		conn, clientID, err := rt.dial(ctx)
		cancel()
		if err != nil {
			rt.logger.Debug("reconnect attempt failed", "error", err)
			continue
		}

		rt.mu.Lock()
		if rt.closed {
			rt.mu.Unlock()
			conn.Close()
			return
		}
		rt.conn = conn
		rt.clientID = clientID
		rt.mu.Unlock()

		go rt.readLoop(conn)
		go rt.pingLoop(conn)

		// Reattach with resume positions; the server replies with
		// server-initiated attached frames carrying the resumed flag.
		for _, ch := range toReattach {
			if err := rt.writeFrame(frame{
				Action:  actionAttach,
				Channel: ch.name,
				Resume:  ch.lastSeenSerial(),
			}); err != nil {
				rt.logger.Warn("reattach after reconnect failed", "channel", ch.name, "error", err)
			}
		}
		return
	}
}
