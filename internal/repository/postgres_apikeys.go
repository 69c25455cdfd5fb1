package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/felipepmaragno/credential-broker/internal/crypto"
	"github.com/felipepmaragno/credential-broker/internal/domain"
)

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

type PostgresAPIKeyRepository struct {
	db *sql.DB
}

func NewPostgresAPIKeyRepository(db *sql.DB) *PostgresAPIKeyRepository {
	return &PostgresAPIKeyRepository{db: db}
}

func (r *PostgresAPIKeyRepository) GetByKey(ctx context.Context, apiKey string) (*domain.APIKey, error) {
	query := `
		SELECT id, name, key_hash, prefix, enabled, created_at
		FROM api_keys
		WHERE key_hash = $1 AND enabled = true
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, crypto.HashAPIKey(apiKey)))
}

func (r *PostgresAPIKeyRepository) GetByID(ctx context.Context, id string) (*domain.APIKey, error) {
	query := `
		SELECT id, name, key_hash, prefix, enabled, created_at
		FROM api_keys
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresAPIKeyRepository) scanOne(row *sql.Row) (*domain.APIKey, error) {
	var key domain.APIKey
	err := row.Scan(
		&key.ID,
		&key.Name,
		&key.KeyHash,
		&key.Prefix,
		&key.Enabled,
		&key.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}

	return &key, nil
}

func (r *PostgresAPIKeyRepository) List(ctx context.Context) ([]*domain.APIKey, error) {
	query := `
		SELECT id, name, key_hash, prefix, enabled, created_at
		FROM api_keys
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(
			&key.ID,
			&key.Name,
			&key.KeyHash,
			&key.Prefix,
			&key.Enabled,
			&key.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &key)
	}

	return keys, rows.Err()
}

func (r *PostgresAPIKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	query := `
		INSERT INTO api_keys (id, name, key_hash, prefix, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.Name,
		key.KeyHash,
		key.Prefix,
		key.Enabled,
		key.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return domain.InvalidMutation("create api key", "api key %q already exists", key.ID)
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}

	return nil
}

func (r *PostgresAPIKeyRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := r.db.ExecContext(ctx, `UPDATE api_keys SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAPIKeyNotFound
	}

	return nil
}

func (r *PostgresAPIKeyRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAPIKeyNotFound
	}

	return nil
}
