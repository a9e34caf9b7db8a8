package protocol

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Event names on the wire. pusher: events travel both directions,
// pusher_internal: events are server to client only.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSignIn                = "pusher:signin"
	EventError                 = "pusher:error"
	EventSubscriptionError     = "pusher:subscription_error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
	EventSignInSuccess         = "pusher:signin_success"
	EventCacheMiss             = "pusher:cache_miss"

	// ClientEventPrefix marks peer-to-peer events relayed untouched.
	ClientEventPrefix = "client-"
)

// Message is one JSON text frame of the Pusher protocol. Data is kept
// raw: protocol payloads are decoded on demand and client event payloads
// pass through opaque.
type Message struct {
	Event    string          `json:"event"`
	Channel  string          `json:"channel,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
}

func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal frame")
	}
	return data, nil
}

func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewError(KindProtocol, 0, "malformed frame", err)
	}
	if m.Event == "" {
		return nil, NewError(KindProtocol, 0, "frame has no event", ErrInvalidFrame)
	}
	return &m, nil
}

// IsClientEvent reports whether the event name carries a client event.
func (m *Message) IsClientEvent() bool {
	return len(m.Event) > len(ClientEventPrefix) && m.Event[:len(ClientEventPrefix)] == ClientEventPrefix
}

// DataString returns the data field as the string Pusher clients expect:
// JSON strings are unquoted, anything else is passed through verbatim.
func (m *Message) DataString() string {
	if len(m.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

// SubscribePayload is the data of a pusher:subscribe frame.
type SubscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribePayload is the data of a pusher:unsubscribe frame.
type UnsubscribePayload struct {
	Channel string `json:"channel"`
}

// SignInPayload is the data of a pusher:signin frame.
type SignInPayload struct {
	UserData string `json:"user_data"`
	Auth     string `json:"auth"`
}

// UserData is the decoded user_data of a signin, and the channel_data of
// a presence subscription.
type UserData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// DecodePayload decodes a frame's data field, accepting both an inline
// object and the double-encoded string form older clients send.
func DecodePayload(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return NewError(KindProtocol, 0, "frame has no data", ErrInvalidFrame)
	}
	raw := []byte(data)
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewError(KindProtocol, 0, "malformed payload", err)
	}
	return nil
}

// encodeData double-encodes a payload the way Pusher frames carry
// structured data: as a JSON string holding JSON.
func encodeData(v any) (json.RawMessage, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		return nil, errors.Wrap(err, "encode payload envelope")
	}
	return outer, nil
}

// NewConnectionEstablished builds the first frame of every connection.
func NewConnectionEstablished(socketID string, activityTimeout time.Duration) (*Message, error) {
	data, err := encodeData(struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}{SocketID: socketID, ActivityTimeout: int(activityTimeout.Seconds())})
	if err != nil {
		return nil, err
	}
	return &Message{Event: EventConnectionEstablished, Data: data}, nil
}

// NewSubscriptionSucceeded acks a subscription. presenceData is nil for
// non-presence channels, producing the bare "{}" body.
func NewSubscriptionSucceeded(channel string, presenceData any) (*Message, error) {
	var data json.RawMessage
	var err error
	if presenceData == nil {
		data, err = json.Marshal("{}")
	} else {
		data, err = encodeData(presenceData)
	}
	if err != nil {
		return nil, errors.Wrap(err, "encode subscription ack")
	}
	return &Message{Event: EventSubscriptionSucceeded, Channel: channel, Data: data}, nil
}

// NewSubscriptionError reports a failed subscribe without closing the
// socket.
func NewSubscriptionError(channel string, status, code int, reason string) *Message {
	body, _ := json.Marshal(struct {
		Type   string `json:"type"`
		Error  string `json:"error"`
		Status int    `json:"status"`
		Code   int    `json:"code"`
	}{Type: "AuthError", Error: reason, Status: status, Code: code})
	return &Message{Event: EventSubscriptionError, Channel: channel, Data: body}
}

// NewProtocolError builds a pusher:error frame.
func NewProtocolError(code int, message string) *Message {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
		Code    int    `json:"code,omitempty"`
	}{Message: message, Code: code})
	return &Message{Event: EventError, Data: body}
}

// NewMemberAdded announces a presence join to existing subscribers.
func NewMemberAdded(channel string, member UserData) (*Message, error) {
	data, err := encodeData(member)
	if err != nil {
		return nil, err
	}
	return &Message{Event: EventMemberAdded, Channel: channel, Data: data}, nil
}

// NewMemberRemoved announces a presence leave.
func NewMemberRemoved(channel, userID string) (*Message, error) {
	data, err := encodeData(struct {
		UserID string `json:"user_id"`
	}{UserID: userID})
	if err != nil {
		return nil, err
	}
	return &Message{Event: EventMemberRemoved, Channel: channel, Data: data}, nil
}

// PresenceHash is the roster shape carried by subscription_succeeded.
type PresenceHash struct {
	Presence struct {
		Count int                        `json:"count"`
		IDs   []string                   `json:"ids"`
		Hash  map[string]json.RawMessage `json:"hash"`
	} `json:"presence"`
}

// NewPresenceHash assembles the roster payload from user_id -> user_info.
func NewPresenceHash(members map[string]json.RawMessage) *PresenceHash {
	var ph PresenceHash
	ph.Presence.Count = len(members)
	ph.Presence.IDs = make([]string, 0, len(members))
	ph.Presence.Hash = make(map[string]json.RawMessage, len(members))
	for id, info := range members {
		ph.Presence.IDs = append(ph.Presence.IDs, id)
		if len(info) == 0 {
			info = json.RawMessage("{}")
		}
		ph.Presence.Hash[id] = info
	}
	return &ph
}
