// Package roomkit is a chat-room runtime built above a realtime
// publish/subscribe transport. A Room composes independent features —
// message stream, presence, typing indicators, reactions and occupancy —
// over one shared transport channel, and keeps their lifecycle consistent
// across reconnect and resume events.
//
// The hard guarantee the runtime provides sits at the seam between history
// and live delivery: per-listener subscription points ensure that a
// historical query issued through HistoryBeforeSubscribe never overlaps or
// gaps with the listener's live feed, including across reattachments. See
// the rooms and messages packages for the mechanics.
//
// A minimal session:
//
//	rt := memory.New(memory.Options{ClientID: "amira"})
//	client := roomkit.NewClient(rt, nil)
//	room := client.Rooms.Get("general")
//
//	sub := room.Messages().Subscribe(func(ev messages.Event) {
//		fmt.Println(ev.Message.ClientID, ev.Message.Text)
//	})
//	if err := room.Attach(ctx); err != nil {
//		// room may still recover in the background; see rooms.LifecycleManager
//	}
//	missed, err := sub.HistoryBeforeSubscribe(ctx, messages.QueryOptions{Limit: 50})
package roomkit
