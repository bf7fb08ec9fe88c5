package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

const keyColumns = `k.id, k.key_hash, k.key_prefix, k.algo, k.is_active,
 k.expires_at, k.last_used_at, k.created_at`

// UpsertKey inserts or replaces an API key and its upstream grants.
func (s *Store) UpsertKey(ctx context.Context, key *gateway.APIKey) error {
	algo := key.Algo
	if algo == "" {
		algo = gateway.KeyAlgoSHA256
	}
	created := key.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, algo, is_active, expires_at, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 key_hash=excluded.key_hash, key_prefix=excluded.key_prefix, algo=excluded.algo,
		 is_active=excluded.is_active, expires_at=excluded.expires_at`,
		key.ID, key.KeyHash, key.KeyPrefix, algo, boolToInt(key.IsActive),
		timeToStr(key.ExpiresAt), timeToStr(key.LastUsedAt),
		created.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	// Grants are replaced wholesale; the join table is the only authority.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM api_key_upstreams WHERE api_key_id = ?`, key.ID); err != nil {
		return err
	}
	for _, upID := range key.UpstreamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_upstreams (api_key_id, upstream_id) VALUES (?, ?)`,
			key.ID, upID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetKeyByHash retrieves an API key by its SHA-256 hex hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys k WHERE k.key_hash = ?`, hash)
	key, err := scanKey(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadGrants(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GetKeysByPrefix returns every key sharing a display prefix. Bcrypt keys
// cannot be found by hash, so the verifier compares against each of these.
func (s *Store) GetKeysByPrefix(ctx context.Context, prefix string) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys k WHERE k.key_prefix = ?`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := s.loadGrants(ctx, k); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (s *Store) loadGrants(ctx context.Context, key *gateway.APIKey) error {
	rows, err := s.read.QueryContext(ctx,
		`SELECT upstream_id FROM api_key_upstreams WHERE api_key_id = ? ORDER BY upstream_id`,
		key.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		key.UpstreamIDs = append(key.UpstreamIDs, id)
	}
	return rows.Err()
}

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var isActive int
	var expiresAt, lastUsedAt, createdAt sql.NullString

	err := s.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Algo, &isActive,
		&expiresAt, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.IsActive = isActive != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// helpers

// marshalJSON stores v as a JSON column, mapping nil and empty values to NULL.
func marshalJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	switch string(b) {
	case "null", "[]", "{}":
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(ns sql.NullString, v any) error {
	if !ns.Valid {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
