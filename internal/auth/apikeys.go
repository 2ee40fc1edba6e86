package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"ovpn-console/internal/audit"
)

// APIKey is the stored metadata of a key. The secret is only shown once.
type APIKey struct {
	ID          int64  `json:"id"`
	KeyID       string `json:"keyId"`
	UserID      int64  `json:"userId"`
	Description string `json:"description"`
	Active      bool   `json:"isActive"`
	CreatedAt   int64  `json:"createdAt"`
	LastUsed    int64  `json:"lastUsed,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

// CreateAPIKey issues a key for userID. The returned token has the form
// "<keyid>.<secret>" and is never stored in clear.
func (m *Manager) CreateAPIKey(ctx context.Context, userID int64, description string, ttl time.Duration) (*APIKey, string, error) {
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return nil, "", err
	}
	keyID := strings.ReplaceAll(uuid.NewString(), "-", "")
	var expires int64
	if ttl > 0 {
		expires = m.now().Add(ttl).Unix()
	}
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, user_id, secret_hash, description, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, keyID, userID, string(hash), strings.TrimSpace(description), expires)
	if err != nil {
		return nil, "", err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, "", err
	}
	key, err := m.getAPIKey(ctx, id)
	if err != nil {
		return nil, "", err
	}
	m.record(ctx, "auth.api_key.create", user.Username, audit.OutcomeSuccess, keyID)
	return key, keyID + "." + secret, nil
}

// ListAPIKeys returns the keys owned by userID.
func (m *Manager) ListAPIKeys(ctx context.Context, userID int64) ([]APIKey, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, key_id, user_id, description, is_active, created_at, last_used, expires_at
		FROM api_keys WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]APIKey, 0)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deactivates a key owned by userID.
func (m *Manager) RevokeAPIKey(ctx context.Context, userID, id int64) error {
	result, err := m.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrAPIKeyNotFound, id)
	}
	m.record(ctx, "auth.api_key.revoke", apiKeyTarget(id), audit.OutcomeSuccess, "")
	return nil
}

// AuthenticateAPIKey validates a "<keyid>.<secret>" token.
func (m *Manager) AuthenticateAPIKey(ctx context.Context, raw string) (*Identity, error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || keyID == "" || secret == "" {
		return nil, fmt.Errorf("%w: malformed api key", ErrTokenInvalid)
	}
	var (
		id, userID int64
		hash       string
		active     int
		expires    int64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, secret_hash, is_active, expires_at FROM api_keys WHERE key_id = ?
	`, keyID).Scan(&id, &userID, &hash, &active, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown api key", ErrTokenInvalid)
	}
	if err != nil {
		return nil, err
	}
	now := m.now()
	if active == 0 || (expires > 0 && now.Unix() >= expires) {
		return nil, fmt.Errorf("%w: api key inactive", ErrTokenInvalid)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return nil, fmt.Errorf("%w: api key mismatch", ErrTokenInvalid)
	}
	if _, err := m.db.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`, now.Unix(), id); err != nil {
		m.log.WithError(err).Warn("update api key last_used")
	}
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: owner missing", ErrTokenInvalid)
	}
	if !user.Active {
		return nil, ErrAccountDisabled
	}
	return &Identity{UserID: user.ID, Username: user.Username, Role: user.Role, Source: SourceAPIKey}, nil
}

func (m *Manager) getAPIKey(ctx context.Context, id int64) (*APIKey, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, key_id, user_id, description, is_active, created_at, last_used, expires_at
		FROM api_keys WHERE id = ?
	`, id)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrAPIKeyNotFound, id)
	}
	return key, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		key    APIKey
		active int
	)
	if err := row.Scan(&key.ID, &key.KeyID, &key.UserID, &key.Description, &active, &key.CreatedAt, &key.LastUsed, &key.ExpiresAt); err != nil {
		return nil, err
	}
	key.Active = active != 0
	return &key, nil
}

func apiKeyTarget(id int64) string {
	return fmt.Sprintf("api_key:%d", id)
}
