// Package messages implements the room's message stream feature: sending,
// live subscription, history, and the subscription-point resolver.
//
// # Subscription points
//
// Every live listener owns an anchor: the serial position before which a
// historical query is guaranteed to return exactly the messages the listener
// did not (and will not) receive live — no duplicates, no gaps. The anchor is
// resolved to the channel serial when subscribing on an attached channel, or
// to the attach serial the first time the channel attaches. A reattachment
// that carries the transport's resume guarantee leaves anchors untouched; one
// that does not resets every anchor to the new attach serial, because serials
// from before a gap are not comparable to serials after it.
//
// Resets run inside the feature's discontinuity hook, which the room
// lifecycle manager invokes before any user-registered discontinuity handler.
// A handler that reacts to a discontinuity by fetching missed history
// therefore always queries against the new anchor.
package messages
