package vpn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const clientColumns = `
	c.id, c.instance_id, i.name, c.user_id, c.name, c.certificate_id, c.is_active, c.created_at, c.revoked_at`

// CreateClientRequest provisions a client row.
type CreateClientRequest struct {
	Name          string `json:"name"`
	UserID        *int64 `json:"userId,omitempty"`
	CertificateID *int64 `json:"-"`
}

// CreateClient inserts a client under instanceName.
func (s *Store) CreateClient(ctx context.Context, instanceName string, req CreateClientRequest) (*Client, error) {
	inst, err := s.Get(ctx, instanceName)
	if err != nil {
		return nil, err
	}
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vpn_clients (instance_id, user_id, name, certificate_id)
		VALUES (?, ?, ?, ?)
	`, inst.ID, nullableID(req.UserID), req.Name, nullableID(req.CertificateID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrClientExists, instanceName, req.Name)
		}
		return nil, err
	}
	return s.GetClient(ctx, instanceName, req.Name)
}

// GetClient fetches one client by instance and client name.
func (s *Store) GetClient(ctx context.Context, instanceName, clientName string) (*Client, error) {
	if err := ValidateName(clientName); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM vpn_clients c JOIN vpn_instances i ON i.id = c.instance_id
		WHERE i.name = ? AND c.name = ?
	`, instanceName, clientName)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrClientNotFound, instanceName, clientName)
	}
	return client, err
}

// ListClients returns clients of an instance; revoked clients only when includeRevoked.
func (s *Store) ListClients(ctx context.Context, instanceName string, includeRevoked bool) ([]Client, error) {
	if _, err := s.Get(ctx, instanceName); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + clientColumns + `
		FROM vpn_clients c JOIN vpn_instances i ON i.id = c.instance_id
		WHERE i.name = ?`
	if !includeRevoked {
		query += ` AND c.revoked_at = 0 AND c.is_active = 1`
	}
	query += ` ORDER BY c.name`

	rows, err := s.db.QueryContext(ctx, query, instanceName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Client, 0)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *client)
	}
	return out, rows.Err()
}

// SetClientCertificate links an issued certificate row to the client.
func (s *Store) SetClientCertificate(ctx context.Context, clientID, certificateID int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE vpn_clients SET certificate_id = ? WHERE id = ?`, certificateID, clientID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrClientNotFound, clientID)
	}
	return nil
}

// RevokeClient marks a client revoked. Revoking twice is a no-op.
func (s *Store) RevokeClient(ctx context.Context, instanceName, clientName string) (*Client, error) {
	client, err := s.GetClient(ctx, instanceName, clientName)
	if err != nil {
		return nil, err
	}
	if client.Revoked() {
		return client, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE vpn_clients SET is_active = 0, revoked_at = strftime('%s','now') WHERE id = ?
	`, client.ID); err != nil {
		return nil, err
	}
	return s.GetClient(ctx, instanceName, clientName)
}

// DeleteClient removes a client row entirely.
func (s *Store) DeleteClient(ctx context.Context, instanceName, clientName string) error {
	client, err := s.GetClient(ctx, instanceName, clientName)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM vpn_clients WHERE id = ?`, client.ID)
	return err
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		client   Client
		userID   sql.NullInt64
		certID   sql.NullInt64
		isActive int
	)
	if err := row.Scan(
		&client.ID, &client.InstanceID, &client.InstanceName, &userID, &client.Name,
		&certID, &isActive, &client.CreatedAt, &client.RevokedAt,
	); err != nil {
		return nil, err
	}
	if userID.Valid {
		id := userID.Int64
		client.UserID = &id
	}
	if certID.Valid {
		id := certID.Int64
		client.CertificateID = &id
	}
	client.Active = isActive != 0 && client.RevokedAt == 0
	return &client, nil
}

func nullableID(id *int64) any {
	if id == nil || *id <= 0 {
		return nil
	}
	return *id
}
