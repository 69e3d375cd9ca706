package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// Key layout: APIKeyPrefix followed by hex-encoded random bytes. The first
// APIKeyLookupLen characters are stored in clear for lookup.
const (
	APIKeyPrefix    = "amr_"
	APIKeyLookupLen = 8
	apiKeyRandBytes = 24
)

// Scopes granted to API keys.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// GenerateAPIKey creates a random key and the record that stores its bcrypt
// hash. The raw key is returned once and never persisted.
func GenerateAPIKey(name string, scopes []string) (string, *models.APIKey, error) {
	if name == "" {
		return "", nil, errors.Wrap(ErrInvalidRecord, "api key name is required")
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeRead}
	}
	buf := make([]byte, apiKeyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, errors.Wrap(err, "generate api key")
	}
	raw := APIKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, errors.Wrap(err, "hash api key")
	}
	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:APIKeyLookupLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// APIKeyDAO stores the REST API keys. Only bcrypt hashes are persisted.
type APIKeyDAO struct {
	base
}

func NewAPIKeyDAO(pool *Pool, log *zap.Logger) *APIKeyDAO {
	return &APIKeyDAO{base: newBase(pool, log, "api_keys")}
}

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (d *APIKeyDAO) query(ctx context.Context, sql string, args ...any) ([]*models.APIKey, error) {
	keys := []*models.APIKey{}
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k models.APIKey
			if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
				&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
				return err
			}
			keys = append(keys, &k)
		}
		return rows.Err()
	})
	return keys, err
}

// GetAPIKeyByPrefix returns the active keys sharing a display prefix.
func (d *APIKeyDAO) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	keys, err := d.query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, d.fail("GetAPIKeyByPrefix", err)
	}
	return keys, nil
}

func (d *APIKeyDAO) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		_, err := conn.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
		return err
	})
	return d.fail("UpdateAPIKeyLastUsed", err, zap.Stringer("key_id", id))
}

func (d *APIKeyDAO) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
		return err
	})
	return d.fail("CreateAPIKey", err, zap.Stringer("key_id", key.ID))
}

// ListAPIKeys returns active keys, newest first.
func (d *APIKeyDAO) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	keys, err := d.query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, d.fail("ListAPIKeys", err)
	}
	return keys, nil
}

// RevokeAPIKey soft-deletes a key. Revoking an unknown or revoked key
// returns ErrNotFound.
func (d *APIKeyDAO) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
			 WHERE id = $1 AND deleted_at IS NULL`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	return d.fail("RevokeAPIKey", err, zap.Stringer("key_id", id))
}
