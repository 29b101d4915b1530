package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roomkit/roomkit/realtime"
)

// newTestRealtime connects to the Redis named by REDIS_ADDR, skipping the
// test when none is configured. Each test gets a unique key prefix so runs
// do not interfere.
func newTestRealtime(t *testing.T) *Realtime {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis integration test")
	}
	rt, err := New(Config{
		RedisAddr: addr,
		KeyPrefix: "roomkit-test:" + uuid.NewString() + ":",
		ClientID:  "alice",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestPublishSubscribe(t *testing.T) {
	rt := newTestRealtime(t)
	ch := rt.Channel("chat:general")

	received := make(chan realtime.Message, 1)
	sub := ch.Subscribe("chat.message", func(msg realtime.Message) { received <- msg })
	defer sub.Unsubscribe()

	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := ch.Publish(context.Background(), "chat.message", []byte(`{"text":"hi"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ClientID != "alice" || msg.Serial.IsZero() {
			t.Fatalf("message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	rt := newTestRealtime(t)
	ch := rt.Channel("chat:general")

	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ch.Publish(context.Background(), "chat.message", []byte(fmt.Sprintf(`{"text":"m%d"}`, i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	page, err := ch.History(context.Background(), realtime.HistoryQuery{Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	items := page.Items()
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].Serial.Compare(items[i-1].Serial) >= 0 {
			t.Fatal("history must be newest first")
		}
	}
}

func TestReattachResumes(t *testing.T) {
	rt := newTestRealtime(t)
	ch := rt.Channel("chat:general")

	received := make(chan realtime.Message, 1)
	sub := ch.Subscribe("chat.message", func(msg realtime.Message) { received <- msg })
	defer sub.Unsubscribe()

	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := ch.Publish(context.Background(), "chat.message", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
	if err := ch.Detach(context.Background()); err != nil {
		t.Fatalf("detach: %v", err)
	}

	resumed := make(chan bool, 1)
	ssub := ch.OnStateChange(func(c realtime.ChannelStateChange) {
		if c.Current == realtime.ChannelStateAttached {
			resumed <- c.Resumed
		}
	})
	defer ssub.Unsubscribe()

	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	select {
	case r := <-resumed:
		if !r {
			t.Fatal("reattach with the last entry still in the stream must resume")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no attached transition observed")
	}
}
