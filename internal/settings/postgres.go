package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the voice_settings table. Execute it via
// [PGStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_settings (
    user_id    TEXT PRIMARY KEY,
    settings   JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PGStore]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore is a [Store] backed by PostgreSQL, one JSONB row per user.
//
// Change notifications are process-local: watchers see writes made through
// this PGStore instance, not writes from other processes.
type PGStore struct {
	db DB

	mu       sync.Mutex
	watchers []chan Change
}

// Compile-time interface check.
var _ Store = (*PGStore)(nil)

// NewPGStore creates a PGStore using the given connection or pool. The caller
// is responsible for calling [PGStore.Migrate] before issuing queries.
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the voice_settings table if it
// does not already exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("settings: migrate: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, userID string) (Settings, error) {
	const query = `SELECT settings FROM voice_settings WHERE user_id = $1`

	var raw []byte
	err := s.db.QueryRow(ctx, query, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Default(), nil
		}
		return Settings{}, fmt.Errorf("settings: get %q: %w", userID, err)
	}

	out := Default()
	if err := json.Unmarshal(raw, &out); err != nil {
		return Settings{}, fmt.Errorf("settings: decode %q: %w", userID, err)
	}
	return out, nil
}

func (s *PGStore) Set(ctx context.Context, userID string, patch Patch) (Settings, error) {
	cur, err := s.Get(ctx, userID)
	if err != nil {
		return Settings{}, err
	}
	next := patch.Apply(cur)

	raw, err := json.Marshal(next)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: encode %q: %w", userID, err)
	}

	const query = `
		INSERT INTO voice_settings (user_id, settings, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET settings = EXCLUDED.settings, updated_at = now()`

	if _, err := s.db.Exec(ctx, query, userID, raw); err != nil {
		return Settings{}, fmt.Errorf("settings: set %q: %w", userID, err)
	}

	s.mu.Lock()
	watchers := make([]chan Change, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	notify(watchers, Change{UserID: userID, Settings: next})
	return next, nil
}

func (s *PGStore) Watch() <-chan Change {
	ch := make(chan Change, 8)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func (s *PGStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("settings: ping: %w", err)
	}
	return nil
}
