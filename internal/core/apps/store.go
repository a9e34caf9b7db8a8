package apps

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

// Store is the pluggable backend behind the cached registry.
type Store interface {
	ByID(ctx context.Context, id string) (*Application, error)
	ByKey(ctx context.Context, key string) (*Application, error)
	Close() error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore serves apps declared in the config file. The key index is
// built once; app keys are unique by invariant.
type MemoryStore struct {
	byID  *xsync.Map[string, *Application]
	byKey *xsync.Map[string, *Application]
}

func NewMemoryStore(applications []Application) *MemoryStore {
	s := &MemoryStore{
		byID:  xsync.NewMap[string, *Application](),
		byKey: xsync.NewMap[string, *Application](),
	}
	for i := range applications {
		app := applications[i]
		app.Normalize()
		s.byID.Store(app.ID, &app)
		s.byKey.Store(app.Key, &app)
	}
	return s
}

func (s *MemoryStore) ByID(_ context.Context, id string) (*Application, error) {
	if app, ok := s.byID.Load(id); ok {
		return app, nil
	}
	return nil, protocol.NewError(protocol.KindNotFound, protocol.CloseAppNotFound, "app "+id+" not found", protocol.ErrAppNotFound)
}

func (s *MemoryStore) ByKey(_ context.Context, key string) (*Application, error) {
	if app, ok := s.byKey.Load(key); ok {
		return app, nil
	}
	return nil, protocol.NewError(protocol.KindNotFound, protocol.CloseAppNotFound, "app key "+key+" not found", protocol.ErrAppNotFound)
}

func (s *MemoryStore) Close() error { return nil }
