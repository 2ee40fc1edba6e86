package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultGroups are seeded on startup and cannot be modified or deleted.
var DefaultGroups = []Group{
	{Name: "vpn_users", Description: "Standard VPN users", VPNAccess: true, MaxConnections: 5, AccessHours: "00:00-23:59"},
	{Name: "admins", Description: "Administrators", VPNAccess: true, MaxConnections: 10, AccessHours: "00:00-23:59"},
	{Name: "guests", Description: "Guest access", VPNAccess: true, MaxConnections: 1, BandwidthLimit: 1024, AccessHours: "08:00-18:00"},
	{Name: "restricted", Description: "No VPN access", VPNAccess: false, MaxConnections: 0, AccessHours: "00:00-23:59"},
}

var (
	groupNamePattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)
	accessHoursPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d-([01]\d|2[0-3]):[0-5]\d$`)
)

// Group is a named set of users sharing VPN access policy.
type Group struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	VPNAccess      bool   `json:"vpnAccess"`
	MaxConnections int    `json:"maxConnections"`
	BandwidthLimit int    `json:"bandwidthLimit"`
	AccessHours    string `json:"accessHours"`
	UserCount      int    `json:"userCount"`
	Protected      bool   `json:"protected"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// GroupRequest carries optional group fields.
type GroupRequest struct {
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	VPNAccess      *bool   `json:"vpnAccess"`
	MaxConnections *int    `json:"maxConnections"`
	BandwidthLimit *int    `json:"bandwidthLimit"`
	AccessHours    *string `json:"accessHours"`
}

func (r GroupRequest) apply(g *Group) {
	if r.Name != nil {
		g.Name = strings.TrimSpace(*r.Name)
	}
	if r.Description != nil {
		g.Description = strings.TrimSpace(*r.Description)
	}
	if r.VPNAccess != nil {
		g.VPNAccess = *r.VPNAccess
	}
	if r.MaxConnections != nil {
		g.MaxConnections = *r.MaxConnections
	}
	if r.BandwidthLimit != nil {
		g.BandwidthLimit = *r.BandwidthLimit
	}
	if r.AccessHours != nil {
		g.AccessHours = strings.TrimSpace(*r.AccessHours)
	}
}

// IsProtectedGroup reports whether name is one of the seeded groups.
func IsProtectedGroup(name string) bool {
	for _, g := range DefaultGroups {
		if g.Name == name {
			return true
		}
	}
	return false
}

// ValidateGroup checks name, limits and the access hours window.
func ValidateGroup(g Group) error {
	if !groupNamePattern.MatchString(g.Name) {
		return fmt.Errorf("%w: invalid group name %q", ErrUserValidation, g.Name)
	}
	if g.MaxConnections < 0 {
		return fmt.Errorf("%w: maxConnections must be >= 0", ErrUserValidation)
	}
	if g.BandwidthLimit < 0 {
		return fmt.Errorf("%w: bandwidthLimit must be >= 0", ErrUserValidation)
	}
	if !accessHoursPattern.MatchString(g.AccessHours) {
		return fmt.Errorf("%w: accessHours must be HH:MM-HH:MM", ErrUserValidation)
	}
	return nil
}

// WithinAccessHours reports whether t falls inside an HH:MM-HH:MM window.
// Windows whose end precedes the start wrap past midnight.
func WithinAccessHours(window string, t time.Time) bool {
	if !accessHoursPattern.MatchString(window) {
		return false
	}
	start := minutesOf(window[0:5])
	end := minutesOf(window[6:11])
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

func minutesOf(hhmm string) int {
	return int(hhmm[0]-'0')*600 + int(hhmm[1]-'0')*60 + int(hhmm[3]-'0')*10 + int(hhmm[4]-'0')
}

const groupColumns = `g.id, g.name, g.description, g.vpn_access, g.max_connections, g.bandwidth_limit, g.access_hours, g.created_at, g.updated_at,
	(SELECT COUNT(*) FROM group_members gm WHERE gm.group_id = g.id)`

// EnsureDefaultGroups inserts any missing seeded group.
func (s *Store) EnsureDefaultGroups(ctx context.Context) error {
	for _, g := range DefaultGroups {
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO groups (name, description, vpn_access, max_connections, bandwidth_limit, access_hours)
			VALUES (?, ?, ?, ?, ?, ?)
		`, g.Name, g.Description, boolToInt(g.VPNAccess), g.MaxConnections, g.BandwidthLimit, g.AccessHours); err != nil {
			return fmt.Errorf("seed group %s: %w", g.Name, err)
		}
	}
	return nil
}

// CreateGroup validates and inserts a group.
func (s *Store) CreateGroup(ctx context.Context, req GroupRequest) (*Group, error) {
	g := Group{VPNAccess: true, MaxConnections: 5, AccessHours: "00:00-23:59"}
	req.apply(&g)
	if err := ValidateGroup(g); err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (name, description, vpn_access, max_connections, bandwidth_limit, access_hours)
		VALUES (?, ?, ?, ?, ?, ?)
	`, g.Name, g.Description, boolToInt(g.VPNAccess), g.MaxConnections, g.BandwidthLimit, g.AccessHours)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrGroupExists, g.Name)
		}
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetGroup(ctx, id)
}

// GetGroup fetches a group by id.
func (s *Store) GetGroup(ctx context.Context, id int64) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups g WHERE g.id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrGroupNotFound, id)
	}
	return g, err
}

// ListGroups returns every group with its member count.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups g ORDER BY g.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	groups := make([]Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// UpdateGroup applies req to a non-seeded group.
func (s *Store) UpdateGroup(ctx context.Context, id int64, req GroupRequest) (*Group, error) {
	g, err := s.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Protected {
		return nil, fmt.Errorf("%w: group %s cannot be modified", ErrProtected, g.Name)
	}
	req.apply(g)
	if IsProtectedGroup(g.Name) {
		return nil, fmt.Errorf("%w: name %s is reserved", ErrProtected, g.Name)
	}
	if err := ValidateGroup(*g); err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE groups SET name = ?, description = ?, vpn_access = ?, max_connections = ?,
			bandwidth_limit = ?, access_hours = ?, updated_at = ?
		WHERE id = ?
	`, g.Name, g.Description, boolToInt(g.VPNAccess), g.MaxConnections, g.BandwidthLimit, g.AccessHours, s.now().Unix(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrGroupExists, g.Name)
		}
		return nil, err
	}
	return s.GetGroup(ctx, id)
}

// DeleteGroup removes a non-seeded group and its memberships.
func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	g, err := s.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if g.Protected {
		return fmt.Errorf("%w: group %s cannot be deleted", ErrProtected, g.Name)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrGroupNotFound, fmt.Sprintf("id %d", id))
}

// SetMembers replaces the member list of a group.
func (s *Store) SetMembers(ctx context.Context, id int64, userIDs []int64) (*Group, error) {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, id); err != nil {
		return nil, err
	}
	for _, userID := range userIDs {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, id, userID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetGroup(ctx, id)
}

func scanGroup(row rowScanner) (*Group, error) {
	var (
		g      Group
		access int
	)
	err := row.Scan(&g.ID, &g.Name, &g.Description, &access, &g.MaxConnections, &g.BandwidthLimit,
		&g.AccessHours, &g.CreatedAt, &g.UpdatedAt, &g.UserCount)
	if err != nil {
		return nil, err
	}
	g.VPNAccess = access != 0
	g.Protected = IsProtectedGroup(g.Name)
	return &g, nil
}
