package typing

import (
	"context"
	"testing"
	"time"

	"github.com/roomkit/roomkit/realtime"
	"github.com/roomkit/roomkit/realtime/memory"
)

func newAttachedTyping(t *testing.T) (*Typing, realtime.Channel) {
	t.Helper()
	rt := memory.New(memory.Options{ClientID: "alice"})
	t.Cleanup(func() { rt.Close() })
	ch := rt.Channel("chat:general")
	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return New(ch, "alice", nil), ch
}

func TestStartStop(t *testing.T) {
	ty, _ := newAttachedTyping(t)

	events := make(chan Event, 2)
	sub := ty.Subscribe(func(e Event) { events <- e })
	defer sub.Unsubscribe()

	if err := ty.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case e := <-events:
		if !e.Typing || e.ClientID != "alice" || len(e.CurrentlyTyping) != 1 {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("started event never delivered")
	}
	if got := ty.Current(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("current = %v", got)
	}

	// Repeated starts keep the set stable.
	if err := ty.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-events
	if got := ty.Current(); len(got) != 1 {
		t.Fatalf("current after repeated start = %v", got)
	}

	if err := ty.Stop(context.Background()); err != nil {
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
	if got := ty.Current(); len(got) != 0 {
		t.Fatalf("current after stop = %v", got)
	}
}

func TestStopWithoutStartIsHarmless(t *testing.T) {
	ty, _ := newAttachedTyping(t)

	if err := ty.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := ty.Current(); len(got) != 0 {
		t.Fatalf("current = %v, want empty", got)
	}
}

func TestDiscontinuityClearsTypingSet(t *testing.T) {
	ty, _ := newAttachedTyping(t)

	if err := ty.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := ty.Current(); len(got) != 1 {
		t.Fatalf("current = %v, want alice typing", got)
	}

	ty.HandleDiscontinuity(nil)
	if got := ty.Current(); len(got) != 0 {
		t.Fatalf("current after discontinuity = %v, want empty", got)
	}
}

func TestReleaseStopsDelivery(t *testing.T) {
	ty, ch := newAttachedTyping(t)

	events := make(chan Event, 1)
	ty.Subscribe(func(e Event) { events <- e })
	ty.Release()

	if err := ch.Publish(context.Background(), EventStarted, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case e := <-events:
		t.Fatalf("listener ran after release: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}
