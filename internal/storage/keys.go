package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// RegisterPublicKey inserts or refreshes an agent signing key. Re-registering
// an existing key ID updates the description and expiry and clears any
// revocation, so operators can rotate metadata without a new key ID.
func (db *DB) RegisterPublicKey(ctx context.Context, key model.PublicKey) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO public_keys (key_id, algorithm, public_key, description, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, now(), $5)
		 ON CONFLICT (key_id) DO UPDATE
		 SET public_key = EXCLUDED.public_key,
		     description = EXCLUDED.description,
		     expires_at = EXCLUDED.expires_at,
		     revoked_at = NULL`,
		key.KeyID, key.Algorithm, key.PublicKey, key.Description, key.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: register public key: %w", err)
	}
	return nil
}

// GetPublicKey fetches one key by ID. Returns ErrNotFound if absent.
func (db *DB) GetPublicKey(ctx context.Context, keyID string) (model.PublicKey, error) {
	var k model.PublicKey
	err := db.pool.QueryRow(ctx,
		`SELECT key_id, algorithm, public_key, description, created_at, expires_at, revoked_at
		 FROM public_keys WHERE key_id = $1`, keyID,
	).Scan(&k.KeyID, &k.Algorithm, &k.PublicKey, &k.Description, &k.CreatedAt, &k.ExpiresAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PublicKey{}, ErrNotFound
	}
	if err != nil {
		return model.PublicKey{}, fmt.Errorf("storage: get public key: %w", err)
	}
	return k, nil
}

// ListPublicKeys returns all registered keys, newest first.
func (db *DB) ListPublicKeys(ctx context.Context) ([]model.PublicKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT key_id, algorithm, public_key, description, created_at, expires_at, revoked_at
		 FROM public_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list public keys: %w", err)
	}
	defer rows.Close()

	var out []model.PublicKey
	for rows.Next() {
		var k model.PublicKey
		if err := rows.Scan(&k.KeyID, &k.Algorithm, &k.PublicKey, &k.Description,
			&k.CreatedAt, &k.ExpiresAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan public key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokePublicKey marks a key revoked. Returns false if the key was not found
// or already revoked.
func (db *DB) RevokePublicKey(ctx context.Context, keyID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE public_keys SET revoked_at = now() WHERE key_id = $1 AND revoked_at IS NULL`, keyID)
	if err != nil {
		return false, fmt.Errorf("storage: revoke public key: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
