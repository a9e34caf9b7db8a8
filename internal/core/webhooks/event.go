package webhooks

import (
	"github.com/goccy/go-json"
)

// Webhook event names, matching the Pusher webhook catalogue.
const (
	EventChannelOccupied   = "channel_occupied"
	EventChannelVacated    = "channel_vacated"
	EventMemberAdded       = "member_added"
	EventMemberRemoved     = "member_removed"
	EventSubscriptionCount = "subscription_count"
	EventClientEvent       = "client_event"
	EventCacheMiss         = "cache_miss"
)

// Event is one channel lifecycle event inside a webhook batch.
type Event struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`

	// Event and Data describe the relayed client event for
	// client_event webhooks.
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`

	UserID string `json:"user_id,omitempty"`

	SubscriptionCount int `json:"subscription_count,omitempty"`
}

// Payload is the body of one delivered POST.
type Payload struct {
	TimeMs int64   `json:"time_ms"`
	Events []Event `json:"events"`
}

// Job is one event bound to one delivery URL, as it travels through the
// queue. The signing material rides along so the sender needs no
// registry lookup.
type Job struct {
	AppID     string `json:"app_id"`
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`
	URL       string `json:"url"`
	Event     Event  `json:"event"`
}
