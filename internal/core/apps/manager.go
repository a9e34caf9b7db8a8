package apps

import (
	"context"
	"time"

	"github.com/maypok86/otter"
	"github.com/pkg/errors"

	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

// Manager is the read-through cached registry in front of a Store.
// Lookups that miss go to the backend; hits are served for the cache TTL
// so config changes converge without a restart.
type Manager struct {
	store Store
	byID  otter.Cache[string, *Application]
	byKey otter.Cache[string, *Application]
}

func NewManager(store Store, capacity int, ttl time.Duration) (*Manager, error) {
	byID, err := otter.MustBuilder[string, *Application](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "build app id cache")
	}
	byKey, err := otter.MustBuilder[string, *Application](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "build app key cache")
	}
	return &Manager{store: store, byID: byID, byKey: byKey}, nil
}

// FindByID resolves an app by its id. Disabled apps are returned as
// ErrAppDisabled so the gateway can close with 4003 instead of 4001.
func (m *Manager) FindByID(ctx context.Context, id string) (*Application, error) {
	if app, ok := m.byID.Get(id); ok {
		return m.checkEnabled(app)
	}
	app, err := m.store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.byID.Set(id, app)
	m.byKey.Set(app.Key, app)
	return m.checkEnabled(app)
}

// FindByKey resolves an app by its public key.
func (m *Manager) FindByKey(ctx context.Context, key string) (*Application, error) {
	if app, ok := m.byKey.Get(key); ok {
		return m.checkEnabled(app)
	}
	app, err := m.store.ByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	m.byID.Set(app.ID, app)
	m.byKey.Set(key, app)
	return m.checkEnabled(app)
}

func (m *Manager) checkEnabled(app *Application) (*Application, error) {
	if !app.Enabled {
		return nil, protocol.NewError(protocol.KindNotFound, protocol.CloseAppDisabled, "app "+app.ID+" is disabled", protocol.ErrAppDisabled)
	}
	return app, nil
}

func (m *Manager) Close() error {
	m.byID.Close()
	m.byKey.Close()
	return m.store.Close()
}
