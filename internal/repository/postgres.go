package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/credential-broker/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS broker_pools (
	id         TEXT PRIMARY KEY,
	priority   INTEGER NOT NULL,
	enabled    BOOLEAN NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_credentials (
	id         BIGINT PRIMARY KEY,
	pool_id    TEXT NOT NULL,
	state      TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS broker_credentials_pool_id_idx ON broker_credentials (pool_id);

CREATE TABLE IF NOT EXISTS broker_bindings (
	api_key_id TEXT PRIMARY KEY,
	pool_id    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_meta (
	id                 SMALLINT PRIMARY KEY,
	next_credential_id BIGINT NOT NULL,
	saved_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	key_hash   TEXT NOT NULL UNIQUE,
	prefix     TEXT NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables used by the Postgres stores.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PostgresSnapshotStore keeps one row per pool and per credential. Save
// upserts every row and prunes the ones missing from the snapshot inside a
// single transaction, so readers see either the old or the new state.
type PostgresSnapshotStore struct {
	db *sql.DB
}

func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	var snap domain.Snapshot

	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT next_credential_id, saved_at FROM broker_meta WHERE id = 1`,
	).Scan(&next, &snap.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	snap.NextCredentialID = uint64(next)

	pools, err := s.db.QueryContext(ctx, `SELECT data FROM broker_pools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer pools.Close()

	for pools.Next() {
		var data []byte
		if err := pools.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		var p domain.Pool
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode pool: %w", err)
		}
		snap.Pools = append(snap.Pools, p)
	}
	if err := pools.Err(); err != nil {
		return nil, err
	}

	creds, err := s.db.QueryContext(ctx, `SELECT data FROM broker_credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer creds.Close()

	for creds.Next() {
		var data []byte
		if err := creds.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		var c domain.Credential
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode credential: %w", err)
		}
		snap.Credentials = append(snap.Credentials, c)
	}
	if err := creds.Err(); err != nil {
		return nil, err
	}

	bindings, err := s.db.QueryContext(ctx, `SELECT api_key_id, pool_id FROM broker_bindings ORDER BY api_key_id`)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer bindings.Close()

	for bindings.Next() {
		var b domain.APIKeyBinding
		if err := bindings.Scan(&b.APIKeyID, &b.PoolID); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		snap.Bindings = append(snap.Bindings, b)
	}

	return &snap, bindings.Err()
}

func (s *PostgresSnapshotStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	poolIDs := make([]string, 0, len(snap.Pools))
	for _, p := range snap.Pools {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode pool %s: %w", p.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO broker_pools (id, priority, enabled, data, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET priority = EXCLUDED.priority, enabled = EXCLUDED.enabled,
			    data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		`, p.ID, p.Priority, p.Enabled, data, now)
		if err != nil {
			return fmt.Errorf("upsert pool %s: %w", p.ID, err)
		}
		poolIDs = append(poolIDs, p.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM broker_pools WHERE NOT (id = ANY($1))`, pq.Array(poolIDs),
	); err != nil {
		return fmt.Errorf("prune pools: %w", err)
	}

	credIDs := make([]int64, 0, len(snap.Credentials))
	for _, c := range snap.Credentials {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode credential %d: %w", c.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO broker_credentials (id, pool_id, state, data, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET pool_id = EXCLUDED.pool_id, state = EXCLUDED.state,
			    data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		`, int64(c.ID), c.PoolID, string(c.State), data, now)
		if err != nil {
			return fmt.Errorf("upsert credential %d: %w", c.ID, err)
		}
		credIDs = append(credIDs, int64(c.ID))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM broker_credentials WHERE NOT (id = ANY($1))`, pq.Array(credIDs),
	); err != nil {
		return fmt.Errorf("prune credentials: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM broker_bindings`); err != nil {
		return fmt.Errorf("clear bindings: %w", err)
	}
	for _, b := range snap.Bindings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO broker_bindings (api_key_id, pool_id) VALUES ($1, $2)`,
			b.APIKeyID, b.PoolID,
		); err != nil {
			return fmt.Errorf("insert binding %s: %w", b.APIKeyID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO broker_meta (id, next_credential_id, saved_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET next_credential_id = EXCLUDED.next_credential_id, saved_at = EXCLUDED.saved_at
	`, int64(snap.NextCredentialID), snap.SavedAt)
	if err != nil {
		return fmt.Errorf("upsert meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
