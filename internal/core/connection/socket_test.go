package connection

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JosueRhea/sockudo/internal/core/observability/log"
	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

func TestNewSocketIDShape(t *testing.T) {
	pattern := regexp.MustCompile(`^\d+\.\d+$`)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewSocketID()
		assert.Regexp(t, pattern, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate socket id %s", id)
		seen[id] = struct{}{}
	}
}

func TestSendDropsOldestOnOverflow(t *testing.T) {
	s := NewSocket("app", nil, "127.0.0.1", 2, 0, log.NewNop())

	s.Send([]byte("a"))
	s.Send([]byte("b"))
	s.Send([]byte("c"))

	assert.Equal(t, uint64(1), s.Dropped.Load())
	assert.Equal(t, "b", string(<-s.out))
	assert.Equal(t, "c", string(<-s.out))
}

func TestSubscriptionBookkeeping(t *testing.T) {
	s := NewSocket("app", nil, "127.0.0.1", 0, 0, log.NewNop())

	assert.False(t, s.IsSubscribed("a"))
	s.AddSubscription("a", nil)
	s.AddSubscription("presence-b", &protocol.UserData{UserID: "u1"})

	assert.True(t, s.IsSubscribed("a"))
	assert.Equal(t, 2, s.SubscriptionCount())
	assert.ElementsMatch(t, []string{"a", "presence-b"}, s.Subscriptions())

	member, ok := s.PresenceMember("presence-b")
	require.True(t, ok)
	assert.Equal(t, "u1", member.UserID)
	_, ok = s.PresenceMember("a")
	assert.False(t, ok)

	s.RemoveSubscription("presence-b")
	assert.Equal(t, 1, s.SubscriptionCount())
	_, ok = s.PresenceMember("presence-b")
	assert.False(t, ok)
}

func TestUserIdentity(t *testing.T) {
	s := NewSocket("app", nil, "127.0.0.1", 0, 0, log.NewNop())
	assert.Empty(t, s.UserID())
	s.SetUser("u-9")
	assert.Equal(t, "u-9", s.UserID())
}
