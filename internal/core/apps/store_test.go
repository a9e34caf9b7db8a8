package apps

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

func demoApp() Application {
	return Application{
		ID:      "demo-app",
		Key:     "demo-key",
		Secret:  "s",
		Enabled: true,
	}
}

func TestMemoryStoreLookup(t *testing.T) {
	store := NewMemoryStore([]Application{demoApp()})
	ctx := context.Background()

	app, err := store.ByID(ctx, "demo-app")
	require.NoError(t, err)
	assert.Equal(t, "demo-key", app.Key)

	app, err = store.ByKey(ctx, "demo-key")
	require.NoError(t, err)
	assert.Equal(t, "demo-app", app.ID)

	_, err = store.ByID(ctx, "ghost")
	assert.ErrorIs(t, err, protocol.ErrAppNotFound)
}

func TestMemoryStoreNormalizesLimits(t *testing.T) {
	store := NewMemoryStore([]Application{demoApp()})

	app, err := store.ByKey(context.Background(), "demo-key")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxChannelNameLength, app.MaxChannelNameLength)
	assert.Equal(t, DefaultMaxClientEventsPerSecond, app.MaxClientEventsPerSecond)
	assert.Equal(t, DefaultMaxEventPayloadBytes, app.MaxEventPayloadBytes)
}

func TestWebhooksFor(t *testing.T) {
	app := demoApp()
	app.Webhooks = []Webhook{
		{URL: "https://a.example/hook"},
		{URL: "https://b.example/hook", EventTypes: []string{"member_added"}},
	}

	all := app.WebhooksFor("channel_occupied")
	require.Len(t, all, 1)
	assert.Equal(t, "https://a.example/hook", all[0].URL)

	members := app.WebhooksFor("member_added")
	assert.Len(t, members, 2)
}

func TestManagerDistinguishesDisabled(t *testing.T) {
	disabled := demoApp()
	disabled.Enabled = false
	store := NewMemoryStore([]Application{disabled})

	manager, err := NewManager(store, 16, time.Minute)
	require.NoError(t, err)
	defer func() { _ = manager.Close() }()

	_, err = manager.FindByKey(context.Background(), "demo-key")
	require.ErrorIs(t, err, protocol.ErrAppDisabled)
	assert.Equal(t, protocol.CloseAppDisabled, protocol.CodeOf(err))

	_, err = manager.FindByKey(context.Background(), "ghost")
	assert.ErrorIs(t, err, protocol.ErrAppNotFound)
}

func TestManagerCachesLookups(t *testing.T) {
	store := &countingStore{inner: NewMemoryStore([]Application{demoApp()})}
	manager, err := NewManager(store, 16, time.Minute)
	require.NoError(t, err)
	defer func() { _ = manager.Close() }()
	ctx := context.Background()

	_, err = manager.FindByKey(ctx, "demo-key")
	require.NoError(t, err)
	_, err = manager.FindByKey(ctx, "demo-key")
	require.NoError(t, err)
	assert.Equal(t, 1, store.keyLookups)

	// The key lookup also primed the id cache.
	_, err = manager.FindByID(ctx, "demo-app")
	require.NoError(t, err)
	assert.Equal(t, 0, store.idLookups)
}

type countingStore struct {
	inner      *MemoryStore
	idLookups  int
	keyLookups int
}

func (s *countingStore) ByID(ctx context.Context, id string) (*Application, error) {
	s.idLookups++
	return s.inner.ByID(ctx, id)
}

func (s *countingStore) ByKey(ctx context.Context, key string) (*Application, error) {
	s.keyLookups++
	return s.inner.ByKey(ctx, key)
}

func (s *countingStore) Close() error { return nil }

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "apps.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	app := demoApp()
	app.MaxConnections = 500
	app.EnableClientMessages = true
	app.Webhooks = []Webhook{{URL: "https://a.example/hook", EventTypes: []string{"channel_occupied"}}}
	require.NoError(t, store.Upsert(ctx, &app))

	got, err := store.ByKey(ctx, "demo-key")
	require.NoError(t, err)
	assert.Equal(t, "demo-app", got.ID)
	assert.Equal(t, 500, got.MaxConnections)
	assert.True(t, got.EnableClientMessages)
	require.Len(t, got.Webhooks, 1)
	assert.Equal(t, []string{"channel_occupied"}, got.Webhooks[0].EventTypes)

	// Zero limits come back normalized.
	assert.Equal(t, DefaultMaxChannelNameLength, got.MaxChannelNameLength)

	_, err = store.ByID(ctx, "ghost")
	assert.ErrorIs(t, err, protocol.ErrAppNotFound)

	// Upsert overwrites in place.
	app.Secret = "s2"
	require.NoError(t, store.Upsert(ctx, &app))
	got, err = store.ByID(ctx, "demo-app")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.Secret)
}

func TestWebhookJSONShape(t *testing.T) {
	raw, err := json.Marshal([]Webhook{{URL: "https://a.example", EventTypes: []string{"member_added"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"url":"https://a.example","event_types":["member_added"]}]`, string(raw))
}
