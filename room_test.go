package roomkit

import (
	"context"
	"testing"
	"time"

	"github.com/roomkit/roomkit/messages"
	"github.com/roomkit/roomkit/presence"
	"github.com/roomkit/roomkit/reactions"
	"github.com/roomkit/roomkit/realtime/memory"
	"github.com/roomkit/roomkit/rooms"
	"github.com/roomkit/roomkit/typing"
)

func newTestClient(t *testing.T, clientID string) *Client {
	t.Helper()
	rt := memory.New(memory.Options{ClientID: clientID})
	t.Cleanup(func() { rt.Close() })
	return NewClient(rt, nil)
}

func TestRoomRegistryReturnsSameInstance(t *testing.T) {
	c := newTestClient(t, "alice")

	a := c.Rooms.Get("general")
	b := c.Rooms.Get("general")
	if a != b {
		t.Fatal("same room name must return the same instance")
	}
	if c.Rooms.Get("random") == a {
		t.Fatal("different room names must return different instances")
	}
}

func TestRoomRegistryForgetsReleasedRooms(t *testing.T) {
	c := newTestClient(t, "alice")

	room := c.Rooms.Get("general")
	c.Rooms.Release(context.Background(), "general")
	if room.Status() != rooms.StatusReleased {
		t.Fatalf("status = %s, want released", room.Status())
	}

	fresh := c.Rooms.Get("general")
	if fresh == room {
		t.Fatal("a released room must not be handed out again")
	}
	if fresh.Status() != rooms.StatusInitialized {
		t.Fatalf("fresh room status = %s, want initialized", fresh.Status())
	}
}

func TestSendAndReceive(t *testing.T) {
	c := newTestClient(t, "alice")
	room := c.Rooms.Get("general")
	defer room.Release(context.Background())

	events := make(chan messages.Event, 1)
	sub := room.Messages().Subscribe(func(e messages.Event) { events <- e })
	defer sub.Unsubscribe()

	if err := room.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := room.Messages().Send(context.Background(), "hello room"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case e := <-events:
		if e.Message.Text != "hello room" || e.Message.ClientID != "alice" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestHistoryBeforeSubscribeSeesOnlyEarlierMessages(t *testing.T) {
	c := newTestClient(t, "alice")
	room := c.Rooms.Get("general")
	defer room.Release(context.Background())

	if err := room.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	for _, text := range []string{"first", "second"} {
		if err := room.Messages().Send(context.Background(), text); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	sub := room.Messages().Subscribe(func(messages.Event) {})
	defer sub.Unsubscribe()

	// Messages sent after the subscription are outside its history window.
	if err := room.Messages().Send(context.Background(), "third"); err != nil {
		t.Fatalf("send: %v", err)
	}

	page, err := sub.HistoryBeforeSubscribe(context.Background(), messages.QueryOptions{})
	if err != nil {
		t.Fatalf("history before subscribe: %v", err)
	}
	items := page.Items()
	if len(items) != 2 {
		t.Fatalf("items = %d, want the 2 messages sent before subscribing", len(items))
	}
	if items[0].Text != "second" || items[1].Text != "first" {
		t.Fatalf("items = %q, %q, want newest first", items[0].Text, items[1].Text)
	}
}

func TestHistoryBeforeSubscribeResolvesOnAttach(t *testing.T) {
	c := newTestClient(t, "alice")
	room := c.Rooms.Get("general")
	defer room.Release(context.Background())

	// Subscribe before the room has ever attached: the query must wait.
	sub := room.Messages().Subscribe(func(messages.Event) {})
	defer sub.Unsubscribe()

	type result struct {
		count int
		err   error
	}
	got := make(chan result, 1)
	go func() {
		page, err := sub.HistoryBeforeSubscribe(context.Background(), messages.QueryOptions{})
		if err != nil {
			got <- result{err: err}
			return
		}
		got <- result{count: len(page.Items())}
	}()

	select {
	case r := <-got:
		t.Fatalf("query resolved before attach: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	if err := room.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("query: %v", r.err)
		}
		if r.count != 0 {
			t.Fatalf("items = %d, want 0 on a fresh channel", r.count)
		}
	case <-time.After(time.Second):
		t.Fatal("query never resolved after attach")
	}
}

func TestPresenceAcrossRoomLifecycle(t *testing.T) {
	c := newTestClient(t, "alice")
	room := c.Rooms.Get("general")
	defer room.Release(context.Background())

	if err := room.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}

	events := make(chan presence.Event, 4)
	psub := room.Presence().Subscribe(func(e presence.Event) { events <- e })
	defer psub.Unsubscribe()

	if err := room.Presence().Enter(context.Background(), []byte(`{"name":"Alice"}`)); err != nil {
		t.Fatalf("enter: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != presence.EventTypeEnter || e.Member.ClientID != "alice" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("enter event never delivered")
	}
	if got := room.Presence().Get(); len(got) != 1 || got[0].ClientID != "alice" {
		t.Fatalf("members = %+v", got)
	}

	if err := room.Presence().Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	select {
	case e := <-events:
		if e.Type != presence.EventTypeLeave {
			t.Fatalf("event = %+v, want leave", e)
		}
	case <-time.After(time.Second):
		t.Fatal("leave event never delivered")
	}
	if got := room.Presence().Get(); len(got) != 0 {
		t.Fatalf("members after leave = %+v", got)
	}
}

func TestTypingIndicators(t *testing.T) {
	c := newTestClient(t, "alice")
	room := c.Rooms.Get("general")
	defer room.Release(context.Background())

	if err := room.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}

	events := make(chan typing.Event, 2)
	tsub := room.Typing().Subscribe(func(e typing.Event) { events <- e })
	defer tsub.Unsubscribe()

	if err := room.Typing().Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case e := <-events:
		if !e.Typing || e.ClientID != "alice" || len(e.CurrentlyTyping) != 1 {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("typing event never delivered")
	}

	if err := room.Typing().Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case e := <-events:
		if e.Typing || len(e.CurrentlyTyping) != 0 {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("stopped event never delivered")
	}
	if got := room.Typing().Current(); len(got) != 0 {
		t.Fatalf("current typers = %v, want none", got)
	}
}

func TestReactions(t *testing.T) {
	c := newTestClient(t, "alice")
	room := c.Rooms.Get("general")
	defer room.Release(context.Background())

	if err := room.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}

	reactionCh := make(chan string, 1)
	rsub := room.Reactions().Subscribe(func(r reactions.Reaction) { reactionCh <- r.Type })
	defer rsub.Unsubscribe()

	if err := room.Reactions().Send(context.Background(), "🎉"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case typ := <-reactionCh:
		if typ != "🎉" {
			t.Fatalf("reaction type = %q", typ)
		}
	case <-time.After(time.Second):
		t.Fatal("reaction never delivered")
	}

	if err := room.Reactions().Send(context.Background(), ""); err == nil {
		t.Fatal("empty reaction type must be rejected")
	}
}

func TestFeatureOperationsAfterRelease(t *testing.T) {
	c := newTestClient(t, "alice")
	room := c.Rooms.Get("general")

	if err := room.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	room.Release(context.Background())

	if err := room.Attach(context.Background()); err == nil {
		t.Fatal("attach after release must fail")
	}
	if err := room.Detach(context.Background()); err == nil {
		t.Fatal("detach after release must fail")
	}
	// A second release is a harmless no-op.
	room.Release(context.Background())
}

func TestRoomStatusTransitions(t *testing.T) {
	c := newTestClient(t, "alice")
	room := c.Rooms.Get("general")
	defer room.Release(context.Background())

	var seen []rooms.Status
	done := make(chan struct{}, 4)
	ssub := room.OnStatusChange(func(change rooms.StatusChange) {
		seen = append(seen, change.Current)
		done <- struct{}{}
	})
	defer ssub.Off()

	if err := room.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := room.Detach(context.Background()); err != nil {
		t.Fatalf("detach: %v", err)
	}

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("status changes missing")
		}
	}
	want := []rooms.Status{rooms.StatusAttaching, rooms.StatusAttached, rooms.StatusDetaching, rooms.StatusDetached}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", seen, want)
		}
	}
}
