package adapter

import (
	"context"

	"github.com/goccy/go-json"
)

// Node is the local half of the cluster: the socket directory and
// channel registry of this process. Adapters compose it with a fabric
// to answer cluster-wide questions.
type Node interface {
	// Deliver writes payload to every local subscriber of channel,
	// skipping exceptSocketID, and returns how many sockets were hit.
	Deliver(appID, channel string, payload []byte, exceptSocketID string) int

	SubscribersCount(appID, channel string) int
	PresenceRoster(appID, channel string) map[string]json.RawMessage
	SocketsCount(appID string) int
	ChannelsWithCounts(appID string) map[string]int

	// TerminateUser closes every local socket signed in as userID and
	// returns how many were closed.
	TerminateUser(appID, userID string) int
}

// Adapter is the fan-out layer. The local driver answers from the node
// alone; the horizontal driver merges every node over a pub/sub fabric.
type Adapter interface {
	// Start brings up fabric subscriptions and background loops. The
	// local driver is a no-op.
	Start(ctx context.Context) error

	// Broadcast delivers payload to every subscriber of channel on
	// every node, skipping exceptSocketID.
	Broadcast(ctx context.Context, appID, channel string, payload []byte, exceptSocketID string) error

	// SubscribersCount sums subscribers across nodes.
	SubscribersCount(ctx context.Context, appID, channel string) (int, error)
	// PresenceMembers unions rosters across nodes, first writer wins.
	PresenceMembers(ctx context.Context, appID, channel string) (map[string]json.RawMessage, error)
	SocketsCount(ctx context.Context, appID string) (int, error)
	ChannelsWithCounts(ctx context.Context, appID string) (map[string]int, error)

	// TerminateUser disconnects the user on every node.
	TerminateUser(ctx context.Context, appID, userID string) error

	// SubscriptionChanged tells the adapter a channel gained its first
	// or lost its last local subscriber, so fabric topic subscriptions
	// stay bounded to channels this node cares about.
	SubscriptionChanged(appID, channel string, firstLocal, lastLocal bool)

	Close() error
}
