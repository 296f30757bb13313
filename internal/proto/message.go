package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeFind    = "find"
	InboundTypeCancel  = "cancel"
	InboundTypeMsg     = "msg"
	InboundTypeWatch   = "watch"
	InboundTypeUnwatch = "unwatch"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventSearching = "searching"
	EventRetrying  = "retrying"
	EventMatched   = "matched"
	EventCancelled = "cancelled"
	EventMessages  = "messages"
	EventSent      = "sent"
)

// MsgData is a chat message from the client.
type MsgData struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// WatchData requests the message feed of a room.
type WatchData struct {
	Room string `json:"room"`
}

// Partner is the public display identity of a matched partner.
type Partner struct {
	Name         string `json:"name"`
	Color        string `json:"color"`
	AvatarLetter string `json:"avatar_letter"`
}

// MatchedData announces a resolved pairing.
type MatchedData struct {
	Room    string  `json:"room"`
	Partner Partner `json:"partner"`
}

// RetryingData reports an in-flight search backing off.
type RetryingData struct {
	Attempt int `json:"attempt"`
}

// WireMessage is one room message as sent to the client.
type WireMessage struct {
	ID         string `json:"id"`
	Room       string `json:"room"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	TS         int64  `json:"ts"` // server-assigned, unix millis
}

// MessagesData carries the full current message set of a room.
type MessagesData struct {
	Room     string        `json:"room"`
	Messages []WireMessage `json:"messages"`
}

// SentData acknowledges an accepted message.
type SentData struct {
	ID string `json:"id"`
	TS int64  `json:"ts"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
