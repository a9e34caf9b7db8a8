package adapter

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	delivered  []delivery
	terminated []string
	counts     map[string]int
	roster     map[string]json.RawMessage
}

type delivery struct {
	appID   string
	channel string
	payload string
	except  string
}

func (n *fakeNode) Deliver(appID, channel string, payload []byte, except string) int {
	n.delivered = append(n.delivered, delivery{appID, channel, string(payload), except})
	return 1
}

func (n *fakeNode) SubscribersCount(_, channel string) int { return n.counts[channel] }

func (n *fakeNode) PresenceRoster(_, _ string) map[string]json.RawMessage { return n.roster }

func (n *fakeNode) SocketsCount(string) int { return 7 }

func (n *fakeNode) ChannelsWithCounts(string) map[string]int { return n.counts }

func (n *fakeNode) TerminateUser(_, userID string) int {
	n.terminated = append(n.terminated, userID)
	return 1
}

func TestLocalAdapterDelegates(t *testing.T) {
	node := &fakeNode{
		counts: map[string]int{"orders": 3},
		roster: map[string]json.RawMessage{"u1": json.RawMessage(`{}`)},
	}
	a := NewLocalAdapter(node)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Close() }()

	require.NoError(t, a.Broadcast(ctx, "app", "orders", []byte(`{"event":"x"}`), "1.1"))
	require.Len(t, node.delivered, 1)
	assert.Equal(t, "1.1", node.delivered[0].except)

	count, err := a.SubscribersCount(ctx, "app", "orders")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	members, err := a.PresenceMembers(ctx, "app", "presence-x")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	sockets, err := a.SocketsCount(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 7, sockets)

	withCounts, err := a.ChannelsWithCounts(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 3}, withCounts)

	require.NoError(t, a.TerminateUser(ctx, "app", "u1"))
	assert.Equal(t, []string{"u1"}, node.terminated)
}
