// Package realtime defines the transport boundary the chat-room runtime is
// built on: a named bidirectional Channel with an explicit connectivity state
// machine, server-assigned serial positions, live message delivery, and a
// paginated history query.
//
// The package only specifies the contract; implementations live in
// subpackages:
//
//	memory : in-process reference implementation used for tests and
//	         single-node examples
//	redis  : Redis Streams backed implementation (stream IDs are the serials)
//	ws     : websocket client implementation speaking a small JSON frame
//	         protocol
//
// # Serials
//
// A Serial is an opaque, totally ordered position in a channel's message
// sequence. Serials are comparable for ordering only, and only when both were
// observed within the same channel attachment or across a resumed
// reattachment. After a non-resumed reattachment the transport makes no
// comparability guarantee, which is why higher layers re-anchor rather than
// carry serials across the gap.
//
// # Resume
//
// Every state change carries a Resumed flag. Resumed reports a transport
// guarantee that no message was lost across the transition; consumers must
// treat it as an opaque contract and never infer it from other state.
package realtime
