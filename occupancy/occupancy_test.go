package occupancy

import (
	"context"
	"testing"
	"time"

	"github.com/roomkit/roomkit/realtime"
	"github.com/roomkit/roomkit/realtime/memory"
)

func newAttachedOccupancy(t *testing.T) (*Occupancy, realtime.Channel) {
	t.Helper()
	rt := memory.New(memory.Options{ClientID: "server"})
	t.Cleanup(func() { rt.Close() })
	ch := rt.Channel("chat:general")
	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return New(ch, nil), ch
}

func TestCurrentBeforeAnyReading(t *testing.T) {
	o, _ := newAttachedOccupancy(t)
	if _, ok := o.Current(); ok {
		t.Fatal("expected no reading before the first update")
	}
}

func TestUpdateProjection(t *testing.T) {
	o, ch := newAttachedOccupancy(t)

	updates := make(chan Metrics, 1)
	sub := o.Subscribe(func(m Metrics) { updates <- m })
	defer sub.Unsubscribe()

	if err := ch.Publish(context.Background(), EventUpdate, []byte(`{"connections":7,"presenceMembers":3}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-updates:
		if m.Connections != 7 || m.PresenceMembers != 3 {
			t.Fatalf("metrics = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("update never delivered")
	}
	if got, ok := o.Current(); !ok || got.Connections != 7 {
		t.Fatalf("current = %+v, %v", got, ok)
	}
}

func TestMalformedUpdateIsDiscarded(t *testing.T) {
	o, ch := newAttachedOccupancy(t)

	if err := ch.Publish(context.Background(), EventUpdate, []byte(`not json`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := o.Current(); ok {
		t.Fatal("malformed update must not become the current reading")
	}
}

func TestDiscontinuityDiscardsReading(t *testing.T) {
	o, ch := newAttachedOccupancy(t)

	if err := ch.Publish(context.Background(), EventUpdate, []byte(`{"connections":1,"presenceMembers":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := o.Current(); !ok {
		t.Fatal("expected a current reading")
	}

	o.HandleDiscontinuity(nil)
	if _, ok := o.Current(); ok {
		t.Fatal("reading must be discarded after a discontinuity")
	}
}
