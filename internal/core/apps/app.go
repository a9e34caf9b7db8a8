package apps

import (
	"time"
)

// Application is one tenant's configuration. Instances are immutable
// once returned from a lookup; updated settings take effect when the
// cache entry expires.
type Application struct {
	ID      string `yaml:"id" json:"id"`
	Key     string `yaml:"key" json:"key"`
	Secret  string `yaml:"secret" json:"secret"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	MaxConnections              int `yaml:"max_connections" json:"max_connections"`
	MaxClientEventsPerSecond    int `yaml:"max_client_events_per_second" json:"max_client_events_per_second"`
	MaxChannelNameLength        int `yaml:"max_channel_name_length" json:"max_channel_name_length"`
	MaxEventPayloadBytes        int `yaml:"max_event_payload_bytes" json:"max_event_payload_bytes"`
	MaxClientEventPayloadBytes  int `yaml:"max_client_event_payload_bytes" json:"max_client_event_payload_bytes"`
	MaxPresenceMembersPerChannel int `yaml:"max_presence_members_per_channel" json:"max_presence_members_per_channel"`
	MaxSubscriptionsPerConnection int `yaml:"max_subscriptions_per_connection" json:"max_subscriptions_per_connection"`

	EnableClientMessages bool `yaml:"enable_client_messages" json:"enable_client_messages"`

	Webhooks []Webhook `yaml:"webhooks" json:"webhooks"`
}

// Webhook binds a delivery URL to the event names it wants. An empty
// EventTypes list receives everything.
type Webhook struct {
	URL        string   `yaml:"url" json:"url"`
	EventTypes []string `yaml:"event_types" json:"event_types"`
}

// Defaults applied to zero-valued limits at load time.
const (
	DefaultMaxChannelNameLength          = 200
	DefaultMaxEventPayloadBytes          = 10 * 1024
	DefaultMaxClientEventPayloadBytes    = 10 * 1024
	DefaultMaxClientEventsPerSecond      = 10
	DefaultMaxPresenceMembersPerChannel  = 100
	DefaultMaxSubscriptionsPerConnection = 100
)

// Normalize fills zero limits with defaults. Called by every store on
// the way out so callers never see an unbounded app.
func (a *Application) Normalize() {
	if a.MaxChannelNameLength == 0 {
		a.MaxChannelNameLength = DefaultMaxChannelNameLength
	}
	if a.MaxEventPayloadBytes == 0 {
		a.MaxEventPayloadBytes = DefaultMaxEventPayloadBytes
	}
	if a.MaxClientEventPayloadBytes == 0 {
		a.MaxClientEventPayloadBytes = DefaultMaxClientEventPayloadBytes
	}
	if a.MaxClientEventsPerSecond == 0 {
		a.MaxClientEventsPerSecond = DefaultMaxClientEventsPerSecond
	}
	if a.MaxPresenceMembersPerChannel == 0 {
		a.MaxPresenceMembersPerChannel = DefaultMaxPresenceMembersPerChannel
	}
	if a.MaxSubscriptionsPerConnection == 0 {
		a.MaxSubscriptionsPerConnection = DefaultMaxSubscriptionsPerConnection
	}
}

// WebhooksFor returns the delivery URLs subscribed to eventType.
func (a *Application) WebhooksFor(eventType string) []Webhook {
	var matched []Webhook
	for _, wh := range a.Webhooks {
		if len(wh.EventTypes) == 0 {
			matched = append(matched, wh)
			continue
		}
		for _, et := range wh.EventTypes {
			if et == eventType {
				matched = append(matched, wh)
				break
			}
		}
	}
	return matched
}

// CacheTTL is the default registry cache lifetime.
const CacheTTL = 60 * time.Second
