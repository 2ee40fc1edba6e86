package certs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Kinds of certificate rows.
const (
	KindCA     = "ca"
	KindServer = "server"
	KindClient = "client"
)

// Certificate is the metadata row for a certificate on disk.
type Certificate struct {
	ID           int64  `json:"id"`
	Kind         string `json:"kind"`
	CommonName   string `json:"commonName"`
	InstanceName string `json:"instanceName,omitempty"`
	Serial       string `json:"serial"`
	NotBefore    int64  `json:"notBefore"`
	NotAfter     int64  `json:"notAfter"`
	CertPath     string `json:"certPath"`
	KeyPath      string `json:"keyPath"`
	RevokedAt    int64  `json:"revokedAt,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// Expired reports whether the certificate is past NotAfter at now.
func (c Certificate) Expired(now time.Time) bool {
	return c.NotAfter > 0 && now.Unix() > c.NotAfter
}

// Store persists certificate metadata.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by an existing SQLite handle.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &Store{db: db}, nil
}

const certColumns = `id, kind, common_name, instance_name, serial, not_before, not_after, cert_path, key_path, revoked_at, created_at`

// Insert stores a new row and returns its id.
func (s *Store) Insert(ctx context.Context, cert Certificate) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (kind, common_name, instance_name, serial, not_before, not_after, cert_path, key_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cert.Kind, cert.CommonName, cert.InstanceName, cert.Serial, cert.NotBefore, cert.NotAfter, cert.CertPath, cert.KeyPath)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// Get fetches a row by id.
func (s *Store) Get(ctx context.Context, id int64) (*Certificate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE id = ?`, id)
	cert, err := scanCert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrCertificateNotFound, id)
	}
	return cert, err
}

// FindActive returns the newest unrevoked row for kind/instance/common name.
func (s *Store) FindActive(ctx context.Context, kind, instance, commonName string) (*Certificate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+certColumns+` FROM certificates
		WHERE kind = ? AND instance_name = ? AND common_name = ? AND revoked_at = 0
		ORDER BY id DESC LIMIT 1
	`, kind, instance, commonName)
	cert, err := scanCert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrCertificateNotFound, kind, commonName)
	}
	return cert, err
}

// List returns all rows ordered by id.
func (s *Store) List(ctx context.Context) ([]Certificate, error) {
	return s.query(ctx, `SELECT `+certColumns+` FROM certificates ORDER BY id`)
}

// ExpiringBefore returns unrevoked rows whose NotAfter is before cutoff.
func (s *Store) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]Certificate, error) {
	return s.query(ctx, `
		SELECT `+certColumns+` FROM certificates
		WHERE revoked_at = 0 AND not_after > 0 AND not_after < ?
		ORDER BY not_after
	`, cutoff.Unix())
}

// MarkRevoked sets revoked_at on a row.
func (s *Store) MarkRevoked(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE certificates SET revoked_at = ? WHERE id = ?`, at.Unix(), id)
	return err
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Certificate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Certificate, 0)
	for rows.Next() {
		cert, err := scanCert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cert)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCert(row rowScanner) (*Certificate, error) {
	var c Certificate
	err := row.Scan(&c.ID, &c.Kind, &c.CommonName, &c.InstanceName, &c.Serial, &c.NotBefore, &c.NotAfter, &c.CertPath, &c.KeyPath, &c.RevokedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
