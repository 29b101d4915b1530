package realtime

import (
	"context"
	"strings"
	"time"
)

// ChannelState is the connectivity state of a single channel.
type ChannelState string

const (
	ChannelStateInitialized ChannelState = "initialized"
	ChannelStateAttaching   ChannelState = "attaching"
	ChannelStateAttached    ChannelState = "attached"
	ChannelStateDetaching   ChannelState = "detaching"
	ChannelStateDetached    ChannelState = "detached"
	ChannelStateSuspended   ChannelState = "suspended"
	ChannelStateFailed      ChannelState = "failed"
)

// Serial is an opaque position marker within a channel's message sequence.
// The zero value means "before any message".
type Serial string

// Compare orders two serials observed within the same attachment (or across a
// resumed reattachment). It returns -1, 0 or 1.
func (s Serial) Compare(other Serial) int {
	return strings.Compare(string(s), string(other))
}

// IsZero reports whether the serial is the zero position.
func (s Serial) IsZero() bool { return s == "" }

// ChannelStateChange is delivered for every channel state transition. An
// in-place update while attached is represented as Previous == Current ==
// ChannelStateAttached.
type ChannelStateChange struct {
	Previous ChannelState
	Current  ChannelState

	// Resumed reports the transport's guarantee that no message was lost
	// across this transition.
	Resumed bool

	// Reason carries the error that triggered the transition, if any.
	Reason *ErrorInfo
}

// ChannelProperties are the server-assigned serial positions of a channel.
type ChannelProperties struct {
	// AttachSerial is the sequence position as of the most recent successful
	// attach.
	AttachSerial Serial

	// ChannelSerial is the position of the most recently observed message.
	ChannelSerial Serial
}

// Message is a single payload delivered on a channel or returned from a
// history query.
type Message struct {
	Serial    Serial
	Name      string
	ClientID  string
	Data      []byte
	Timestamp time.Time
}

// MessageHandler receives live messages for a subscription.
type MessageHandler func(Message)

// StateChangeHandler receives channel state changes. Handlers for the same
// channel are never invoked concurrently with each other.
type StateChangeHandler func(ChannelStateChange)

// Subscription is a handle to a registered listener.
type Subscription interface {
	Unsubscribe()
}

// Order controls the direction of a history query.
type Order string

const (
	OrderNewestFirst Order = "newestFirst"
	OrderOldestFirst Order = "oldestFirst"
)

// HistoryQuery bounds a paginated history request.
type HistoryQuery struct {
	// FromSerial, when set, restricts results to messages at or before this
	// position. Messages delivered live after the position carry strictly
	// greater serials, so an inclusive bound is duplicate-free with respect
	// to a live feed anchored at the same position.
	FromSerial Serial

	// Limit is the page size. Implementations apply their own default when
	// zero.
	Limit int

	// End, when set, restricts results to messages published at or before
	// this time.
	End time.Time

	// Order defaults to OrderNewestFirst when empty.
	Order Order
}

// Channel is a bidirectional stream shared by all features of a room. Only
// the room's lifecycle manager may drive Attach and Detach; features consume
// the channel read/write but never change its connectivity state.
type Channel interface {
	Name() string
	State() ChannelState
	Properties() ChannelProperties

	// Attach drives the channel towards the attached state, blocking until
	// the transport acknowledges the transition or reports an error.
	Attach(ctx context.Context) error

	// Detach drives the channel towards the detached state.
	Detach(ctx context.Context) error

	// OnStateChange registers a handler for state transitions. State changes
	// for one channel are delivered serially.
	OnStateChange(handler StateChangeHandler) Subscription

	// Subscribe registers a handler for live messages published under name.
	Subscribe(name string, handler MessageHandler) Subscription

	// Publish sends a message under name.
	Publish(ctx context.Context, name string, data []byte) error

	// History queries historical messages on the channel.
	History(ctx context.Context, q HistoryQuery) (*PaginatedResult[Message], error)
}

// Realtime is a connection to the transport, from which channels are
// obtained. Channel returns the same instance for the same name.
type Realtime interface {
	Channel(name string) Channel
	ClientID() string
	Close() error
}
