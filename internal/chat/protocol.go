package chat

import (
	"github.com/goccy/go-json"

	"github.com/cortexuvula/roomrelay/internal/store"
)

// Frame types.
const (
	typeSubscribe    = "subscribe"
	typeUnsubscribe  = "unsubscribe"
	typePublish      = "publish"
	typePing         = "ping"
	typeWelcome      = "welcome"
	typeSubscribed   = "subscribed"
	typeUnsubscribed = "unsubscribed"
	typeAck          = "ack"
	typeError        = "error"
	typeMessage      = "message"
	typePong         = "pong"
)

// Error codes carried by error frames.
const (
	CodeBadRequest     = "bad_request"
	CodeInvalidMessage = "invalid_message"
	CodePersistFailed  = "persist_failed"
	CodeNotSubscribed  = "not_subscribed"
	CodeRateLimited    = "rate_limited"
)

// inbound is a client → server frame.
type inbound struct {
	Type      string       `json:"type"`
	RoomID    string       `json:"roomId,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
	Message   *store.Draft `json:"message,omitempty"`
}

// outbound is a server → client frame.
type outbound struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connectionId,omitempty"`
	RoomID       string         `json:"roomId,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	Message      *store.Message `json:"message,omitempty"`
	Code         string         `json:"code,omitempty"`
	Error        string         `json:"error,omitempty"`
}

func encode(f outbound) ([]byte, error) {
	return json.Marshal(f)
}

func decode(data []byte) (inbound, error) {
	var f inbound
	err := json.Unmarshal(data, &f)
	return f, err
}
