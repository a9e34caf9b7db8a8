package adapter

import (
	"context"

	"github.com/goccy/go-json"
)

var _ Adapter = (*LocalAdapter)(nil)

// LocalAdapter is the single-node driver: every aggregate is the local
// tally and broadcast is direct delivery.
type LocalAdapter struct {
	node Node
}

func NewLocalAdapter(node Node) *LocalAdapter {
	return &LocalAdapter{node: node}
}

func (a *LocalAdapter) Start(context.Context) error { return nil }

func (a *LocalAdapter) Broadcast(_ context.Context, appID, channel string, payload []byte, exceptSocketID string) error {
	a.node.Deliver(appID, channel, payload, exceptSocketID)
	return nil
}

func (a *LocalAdapter) SubscribersCount(_ context.Context, appID, channel string) (int, error) {
	return a.node.SubscribersCount(appID, channel), nil
}

func (a *LocalAdapter) PresenceMembers(_ context.Context, appID, channel string) (map[string]json.RawMessage, error) {
	return a.node.PresenceRoster(appID, channel), nil
}

func (a *LocalAdapter) SocketsCount(_ context.Context, appID string) (int, error) {
	return a.node.SocketsCount(appID), nil
}

func (a *LocalAdapter) ChannelsWithCounts(_ context.Context, appID string) (map[string]int, error) {
	return a.node.ChannelsWithCounts(appID), nil
}

func (a *LocalAdapter) TerminateUser(_ context.Context, appID, userID string) error {
	a.node.TerminateUser(appID, userID)
	return nil
}

func (a *LocalAdapter) SubscriptionChanged(string, string, bool, bool) {}

func (a *LocalAdapter) Close() error { return nil }
