package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomkit/roomkit/auth"
	"github.com/roomkit/roomkit/realtime"
)

// testServer is a single-connection server speaking the frame protocol.
type testServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	secret   []byte

	mu         sync.Mutex
	log        []wireMessage
	nextSerial int
	attachErr  *frame
	authHeader string
	conn       *websocket.Conn
}

func newTestServer(t *testing.T) (*testServer, string) {
	t.Helper()
	s := &testServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *testServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.authHeader = r.Header.Get("Authorization")
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.WriteJSON(frame{Action: actionConnected, ClientID: "alice"}); err != nil {
		return
	}
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.serve(conn, f)
	}
}

func (s *testServer) serve(conn *websocket.Conn, f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Action {
	case actionAttach:
		if s.attachErr != nil {
			reply := *s.attachErr
			reply.ID = f.ID
			reply.Channel = f.Channel
			conn.WriteJSON(reply)
			return
		}
		tail := ""
		if len(s.log) > 0 {
			tail = s.log[len(s.log)-1].Serial
		}
		conn.WriteJSON(frame{
			Action:       actionAttached,
			ID:           f.ID,
			Channel:      f.Channel,
			AttachSerial: tail,
			Resumed:      f.Resume != "" && f.Resume == tail,
		})

	case actionDetach:
		conn.WriteJSON(frame{Action: actionDetached, ID: f.ID, Channel: f.Channel})

	case actionPublish:
		s.nextSerial++
		msg := wireMessage{
			Serial:    fmt.Sprintf("s%05d", s.nextSerial),
			Name:      f.Name,
			Data:      f.Data,
			ClientID:  "alice",
			Timestamp: time.Now().UnixMilli(),
		}
		s.log = append(s.log, msg)
		conn.WriteJSON(frame{
			Action:    actionMessage,
			Channel:   f.Channel,
			Name:      msg.Name,
			Data:      msg.Data,
			Serial:    msg.Serial,
			ClientID:  msg.ClientID,
			Timestamp: msg.Timestamp,
		})

	case actionHistory:
		var items []wireMessage
		for i := len(s.log) - 1; i >= 0; i-- {
			m := s.log[i]
			if f.From != "" {
				if f.FromExclusive && m.Serial >= f.From {
					continue
				}
				if !f.FromExclusive && m.Serial > f.From {
					continue
				}
			}
			if f.End != 0 && m.Timestamp > f.End {
				continue
			}
			items = append(items, m)
		}
		more := false
		if f.Limit > 0 && len(items) > f.Limit {
			items = items[:f.Limit]
			more = true
		}
		conn.WriteJSON(frame{Action: actionHistory, ID: f.ID, Channel: f.Channel, Items: items, More: more})
	}
}

// send pushes a server-initiated frame to the connected client.
func (s *testServer) send(f frame) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("no client connected")
	}
	if err := conn.WriteJSON(f); err != nil {
		s.t.Fatalf("server send: %v", err)
	}
}

func TestConnectHandshake(t *testing.T) {
	_, url := newTestServer(t)

	rt, err := Connect(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rt.Close()

	if rt.ClientID() != "alice" {
		t.Fatalf("client id = %q, want alice", rt.ClientID())
	}
}

func TestConnectSendsBearerToken(t *testing.T) {
	s, url := newTestServer(t)
	secret := []byte("test-secret")

	rt, err := Connect(context.Background(), Config{
		URL:           url,
		TokenProvider: auth.NewHS256(secret, "alice", time.Minute),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rt.Close()

	s.mu.Lock()
	header := s.authHeader
	s.mu.Unlock()
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		t.Fatalf("authorization header = %q, want a bearer token", header)
	}
	clientID, err := auth.VerifyHS256(token, secret)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if clientID != "alice" {
		t.Fatalf("token subject = %q, want alice", clientID)
	}
}

func TestAttachPublishReceive(t *testing.T) {
	_, url := newTestServer(t)
	rt, err := Connect(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rt.Close()

	ch := rt.Channel("chat:general")
	received := make(chan realtime.Message, 1)
	sub := ch.Subscribe("chat.message", func(msg realtime.Message) { received <- msg })
	defer sub.Unsubscribe()

	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := ch.State(); got != realtime.ChannelStateAttached {
		t.Fatalf("state = %s, want attached", got)
	}

	if err := ch.Publish(context.Background(), "chat.message", []byte(`{"text":"hi"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ClientID != "alice" || msg.Serial.IsZero() {
			t.Fatalf("message = %+v", msg)
		}
		if ch.Properties().ChannelSerial != msg.Serial {
			t.Fatal("channel serial must track the delivered message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestAttachRejectedWith4xxFailsChannel(t *testing.T) {
	s, url := newTestServer(t)
	s.attachErr = &frame{Action: actionError, Code: 40300, StatusCode: 403, Message: "capability denied"}

	rt, err := Connect(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rt.Close()

	ch := rt.Channel("chat:general")
	err = ch.Attach(context.Background())
	if err == nil {
		t.Fatal("expected attach to be rejected")
	}
	ei, ok := realtime.AsErrorInfo(err)
	if !ok || ei.StatusCode != 403 {
		t.Fatalf("error = %v, want the server's 403", err)
	}
	if got := ch.State(); got != realtime.ChannelStateFailed {
		t.Fatalf("state = %s, want failed on a 4xx rejection", got)
	}
}

func TestDetach(t *testing.T) {
	_, url := newTestServer(t)
	rt, err := Connect(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rt.Close()

	ch := rt.Channel("chat:general")
	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := ch.Detach(context.Background()); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if got := ch.State(); got != realtime.ChannelStateDetached {
		t.Fatalf("state = %s, want detached", got)
	}
}

func TestHistoryPagination(t *testing.T) {
	_, url := newTestServer(t)
	rt, err := Connect(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rt.Close()

	ch := rt.Channel("chat:general")
	received := make(chan realtime.Message, 5)
	sub := ch.Subscribe("chat.message", func(msg realtime.Message) { received <- msg })
	defer sub.Unsubscribe()
	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := ch.Publish(context.Background(), "chat.message", []byte(fmt.Sprintf(`{"text":"m%d"}`, i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	var serials []realtime.Serial
	for i := 0; i < 5; i++ {
		select {
		case msg := <-received:
			serials = append(serials, msg.Serial)
		case <-time.After(2 * time.Second):
			t.Fatal("publish echo missing")
		}
	}

	page, err := ch.History(context.Background(), realtime.HistoryQuery{Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var got []realtime.Serial
	for page != nil {
		got = append(got, func() []realtime.Serial {
			var s []realtime.Serial
			for _, m := range page.Items() {
				s = append(s, m.Serial)
			}
			return s
		}()...)
		if page.IsLast() {
			break
		}
		page, err = page.Next(context.Background())
		if err != nil {
			t.Fatalf("next page: %v", err)
		}
	}
	if len(got) != 5 {
		t.Fatalf("paginated %d items, want 5: %v", len(got), got)
	}
	// Newest first: the reverse of publish order.
	for i := range got {
		if got[i] != serials[len(serials)-1-i] {
			t.Fatalf("history order = %v, publishes = %v", got, serials)
		}
	}
}

func TestHistoryInclusiveFromBound(t *testing.T) {
	_, url := newTestServer(t)
	rt, err := Connect(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rt.Close()

	ch := rt.Channel("chat:general")
	received := make(chan realtime.Message, 3)
	sub := ch.Subscribe("chat.message", func(msg realtime.Message) { received <- msg })
	defer sub.Unsubscribe()
	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var serials []realtime.Serial
	for i := 0; i < 3; i++ {
		if err := ch.Publish(context.Background(), "chat.message", []byte(`{}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case msg := <-received:
			serials = append(serials, msg.Serial)
		case <-time.After(2 * time.Second):
			t.Fatal("publish echo missing")
		}
	}

	page, err := ch.History(context.Background(), realtime.HistoryQuery{FromSerial: serials[1]})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	items := page.Items()
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 (bound is inclusive)", len(items))
	}
	if items[0].Serial != serials[1] {
		t.Fatalf("first item = %s, want the bound %s", items[0].Serial, serials[1])
	}
}

func TestServerInitiatedGapUpdate(t *testing.T) {
	s, url := newTestServer(t)
	rt, err := Connect(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rt.Close()

	ch := rt.Channel("chat:general")
	changes := make(chan realtime.ChannelStateChange, 4)
	sub := ch.OnStateChange(func(c realtime.ChannelStateChange) { changes <- c })
	defer sub.Unsubscribe()

	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// Drain the attach transitions.
	for {
		select {
		case c := <-changes:
			if c.Current == realtime.ChannelStateAttached {
				goto attached
			}
		case <-time.After(2 * time.Second):
			t.Fatal("attach transitions missing")
		}
	}
attached:

	s.send(frame{
		Action:     actionUpdate,
		Channel:    "chat:general",
		Resumed:    false,
		Code:       80003,
		StatusCode: 503,
		Message:    "stream reset",
	})

	select {
	case c := <-changes:
		if c.Previous != realtime.ChannelStateAttached || c.Current != realtime.ChannelStateAttached {
			t.Fatalf("change = %+v, want an in-place attached update", c)
		}
		if c.Resumed {
			t.Fatal("gap update must carry resumed=false")
		}
		if c.Reason == nil || c.Reason.StatusCode != 503 {
			t.Fatalf("reason = %+v", c.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update frame never surfaced")
	}
}
