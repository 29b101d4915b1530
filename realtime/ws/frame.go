package ws

import "encoding/json"

// Frame actions exchanged with the server. The same action name is used for
// a request and its acknowledgement; acknowledgements echo the request ID.
const (
	actionConnected = "connected"
	actionAttach    = "attach"
	actionAttached  = "attached"
	actionDetach    = "detach"
	actionDetached  = "detached"
	actionUpdate    = "update"
	actionPublish   = "publish"
	actionMessage   = "message"
	actionHistory   = "history"
	actionError     = "error"
)

// frame is the single wire envelope of the websocket protocol.
type frame struct {
	Action  string `json:"action"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`

	// Message fields.
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Serial    string          `json:"serial,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // epoch ms

	// Attach fields.
	AttachSerial string `json:"attachSerial,omitempty"`
	Resume       string `json:"resume,omitempty"` // client → server: last seen serial
	Resumed      bool   `json:"resumed,omitempty"`

	// History fields.
	From          string        `json:"from,omitempty"`
	FromExclusive bool          `json:"fromExclusive,omitempty"`
	Limit         int           `json:"limit,omitempty"`
	End           int64         `json:"end,omitempty"` // epoch ms
	Order         string        `json:"order,omitempty"`
	Items         []wireMessage `json:"items,omitempty"`
	More          bool          `json:"more,omitempty"`

	// Error fields.
	Code       int    `json:"code,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

// wireMessage is a history item on the wire.
type wireMessage struct {
	Serial    string          `json:"serial"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}
