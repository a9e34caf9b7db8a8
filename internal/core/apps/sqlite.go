package apps

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goccy/go-json"
	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists the application registry in a SQLite database.
// Webhook bindings are stored as a JSON column; the registry is small
// and read-mostly, so one table is enough.
type SQLiteStore struct {
	db *sql.DB

	byIDStmt  *sql.Stmt
	byKeyStmt *sql.Stmt
}

const appsSchema = `
CREATE TABLE IF NOT EXISTS applications (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	secret TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	max_connections INTEGER NOT NULL DEFAULT 0,
	max_client_events_per_second INTEGER NOT NULL DEFAULT 0,
	max_channel_name_length INTEGER NOT NULL DEFAULT 0,
	max_event_payload_bytes INTEGER NOT NULL DEFAULT 0,
	max_client_event_payload_bytes INTEGER NOT NULL DEFAULT 0,
	max_presence_members_per_channel INTEGER NOT NULL DEFAULT 0,
	max_subscriptions_per_connection INTEGER NOT NULL DEFAULT 0,
	enable_client_messages INTEGER NOT NULL DEFAULT 0,
	webhooks TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_applications_key ON applications(key);
`

const appColumns = `id, key, secret, enabled,
 max_connections, max_client_events_per_second, max_channel_name_length,
 max_event_payload_bytes, max_client_event_payload_bytes,
 max_presence_members_per_channel, max_subscriptions_per_connection,
 enable_client_messages, webhooks`

// OpenSQLiteStore opens (creating if needed) the registry database at
// path. Per-connection PRAGMAs ride on the DSN so every pooled
// connection gets them.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open app store")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if _, err = db.Exec(appsSchema); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "migrate app store")
	}

	s := &SQLiteStore{db: db}
	if s.byIDStmt, err = db.Prepare(`SELECT ` + appColumns + ` FROM applications WHERE id = ?`); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "prepare app lookup")
	}
	if s.byKeyStmt, err = db.Prepare(`SELECT ` + appColumns + ` FROM applications WHERE key = ?`); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "prepare app key lookup")
	}
	return s, nil
}

func (s *SQLiteStore) ByID(ctx context.Context, id string) (*Application, error) {
	return s.scanOne(s.byIDStmt.QueryRowContext(ctx, id), "app "+id)
}

func (s *SQLiteStore) ByKey(ctx context.Context, key string) (*Application, error) {
	return s.scanOne(s.byKeyStmt.QueryRowContext(ctx, key), "app key "+key)
}

// Upsert writes an application row. Used by deployment tooling and
// tests; the server itself only reads.
func (s *SQLiteStore) Upsert(ctx context.Context, app *Application) error {
	webhooks, err := json.Marshal(app.Webhooks)
	if err != nil {
		return pkgerrors.Wrap(err, "encode webhooks")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO applications(`+appColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
 key = excluded.key, secret = excluded.secret, enabled = excluded.enabled,
 max_connections = excluded.max_connections,
 max_client_events_per_second = excluded.max_client_events_per_second,
 max_channel_name_length = excluded.max_channel_name_length,
 max_event_payload_bytes = excluded.max_event_payload_bytes,
 max_client_event_payload_bytes = excluded.max_client_event_payload_bytes,
 max_presence_members_per_channel = excluded.max_presence_members_per_channel,
 max_subscriptions_per_connection = excluded.max_subscriptions_per_connection,
 enable_client_messages = excluded.enable_client_messages,
 webhooks = excluded.webhooks`,
		app.ID, app.Key, app.Secret, app.Enabled,
		app.MaxConnections, app.MaxClientEventsPerSecond, app.MaxChannelNameLength,
		app.MaxEventPayloadBytes, app.MaxClientEventPayloadBytes,
		app.MaxPresenceMembersPerChannel, app.MaxSubscriptionsPerConnection,
		app.EnableClientMessages, string(webhooks))
	return pkgerrors.Wrap(err, "upsert app")
}

func (s *SQLiteStore) scanOne(row *sql.Row, what string) (*Application, error) {
	var app Application
	var webhooks string
	err := row.Scan(&app.ID, &app.Key, &app.Secret, &app.Enabled,
		&app.MaxConnections, &app.MaxClientEventsPerSecond, &app.MaxChannelNameLength,
		&app.MaxEventPayloadBytes, &app.MaxClientEventPayloadBytes,
		&app.MaxPresenceMembersPerChannel, &app.MaxSubscriptionsPerConnection,
		&app.EnableClientMessages, &webhooks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.NewError(protocol.KindNotFound, protocol.CloseAppNotFound, what+" not found", protocol.ErrAppNotFound)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "scan app row")
	}
	if err = json.Unmarshal([]byte(webhooks), &app.Webhooks); err != nil {
		return nil, pkgerrors.Wrap(err, "decode webhooks")
	}
	app.Normalize()
	return &app, nil
}

func (s *SQLiteStore) Close() error {
	_ = s.byIDStmt.Close()
	_ = s.byKeyStmt.Close()
	return s.db.Close()
}
