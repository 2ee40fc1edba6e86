package firewall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store persists aliases and rules.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store backed by an existing SQLite handle.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

const aliasColumns = `id, enabled, name, type, content, description, created_at, updated_at`

const ruleColumns = `id, enabled, name, action, protocol, source, destination, destination_port, vpn_instance_id, position, description, created_at, updated_at`

// CreateAlias validates and inserts an alias.
func (s *Store) CreateAlias(ctx context.Context, req AliasRequest) (*Alias, error) {
	alias := Alias{Enabled: true, Type: AliasHost}
	req.apply(&alias)
	if err := ValidateAlias(alias); err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO firewall_aliases (enabled, name, type, content, description) VALUES (?, ?, ?, ?, ?)
	`, boolToInt(alias.Enabled), alias.Name, alias.Type, normalizeContent(alias), alias.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrAliasExists, alias.Name)
		}
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetAlias(ctx, id)
}

// GetAlias fetches an alias by id.
func (s *Store) GetAlias(ctx context.Context, id int64) (*Alias, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+aliasColumns+` FROM firewall_aliases WHERE id = ?`, id)
	alias, err := scanAlias(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrAliasNotFound, id)
	}
	return alias, err
}

// ListAliases returns every alias ordered by name.
func (s *Store) ListAliases(ctx context.Context) ([]Alias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+aliasColumns+` FROM firewall_aliases ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Alias, 0)
	for rows.Next() {
		alias, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *alias)
	}
	return out, rows.Err()
}

// UpdateAlias applies req. Renaming or retyping an alias that rules reference is refused.
func (s *Store) UpdateAlias(ctx context.Context, id int64, req AliasRequest) (*Alias, error) {
	alias, err := s.GetAlias(ctx, id)
	if err != nil {
		return nil, err
	}
	oldName, oldType := alias.Name, alias.Type
	req.apply(alias)
	if err := ValidateAlias(*alias); err != nil {
		return nil, err
	}
	if alias.Name != oldName || alias.Type != oldType {
		used, err := s.aliasReferenced(ctx, oldName)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, fmt.Errorf("%w: %s is referenced by rules", ErrAliasInUse, oldName)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE firewall_aliases SET enabled = ?, name = ?, type = ?, content = ?, description = ?, updated_at = ?
		WHERE id = ?
	`, boolToInt(alias.Enabled), alias.Name, alias.Type, normalizeContent(*alias), alias.Description, s.now().Unix(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrAliasExists, alias.Name)
		}
		return nil, err
	}
	return s.GetAlias(ctx, id)
}

// DeleteAlias removes an unreferenced alias.
func (s *Store) DeleteAlias(ctx context.Context, id int64) error {
	alias, err := s.GetAlias(ctx, id)
	if err != nil {
		return err
	}
	used, err := s.aliasReferenced(ctx, alias.Name)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: %s is referenced by rules", ErrAliasInUse, alias.Name)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM firewall_aliases WHERE id = ?`, id)
	return err
}

// CreateRule validates and inserts a rule. A zero position appends it.
func (s *Store) CreateRule(ctx context.Context, req RuleRequest) (*Rule, error) {
	rule := Rule{Enabled: true, Action: ActionAllow, Protocol: ProtoAny}
	req.apply(&rule)
	if err := s.validateRule(ctx, rule); err != nil {
		return nil, err
	}
	if rule.Position == 0 {
		var maxPos sql.NullInt64
		if err := s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM firewall_rules`).Scan(&maxPos); err != nil {
			return nil, err
		}
		rule.Position = int(maxPos.Int64) + 1
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO firewall_rules (enabled, name, action, protocol, source, destination, destination_port, vpn_instance_id, position, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, boolToInt(rule.Enabled), rule.Name, rule.Action, rule.Protocol, rule.Source, rule.Destination,
		rule.DestinationPort, nullableID(rule.VPNInstanceID), rule.Position, rule.Description)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return nil, fmt.Errorf("%w: unknown vpn instance", ErrValidation)
		}
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRule(ctx, id)
}

// GetRule fetches a rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM firewall_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	return rule, err
}

// ListRules returns rules in evaluation order.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM firewall_rules ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// UpdateRule applies req to a rule.
func (s *Store) UpdateRule(ctx context.Context, id int64, req RuleRequest) (*Rule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	req.apply(rule)
	if err := s.validateRule(ctx, *rule); err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE firewall_rules SET enabled = ?, name = ?, action = ?, protocol = ?, source = ?, destination = ?,
			destination_port = ?, vpn_instance_id = ?, position = ?, description = ?, updated_at = ?
		WHERE id = ?
	`, boolToInt(rule.Enabled), rule.Name, rule.Action, rule.Protocol, rule.Source, rule.Destination,
		rule.DestinationPort, nullableID(rule.VPNInstanceID), rule.Position, rule.Description, s.now().Unix(), id)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return nil, fmt.Errorf("%w: unknown vpn instance", ErrValidation)
		}
		return nil, err
	}
	return s.GetRule(ctx, id)
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM firewall_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	return nil
}

func (s *Store) validateRule(ctx context.Context, rule Rule) error {
	aliases, err := s.aliasMap(ctx)
	if err != nil {
		return err
	}
	return ValidateRule(rule, aliases)
}

func (s *Store) aliasMap(ctx context.Context) (map[string]Alias, error) {
	aliases, err := s.ListAliases(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Alias, len(aliases))
	for _, alias := range aliases {
		out[alias.Name] = alias
	}
	return out, nil
}

func (s *Store) aliasReferenced(ctx context.Context, name string) (bool, error) {
	ref := "@" + name
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM firewall_rules WHERE source = ? OR destination = ? OR destination_port = ?
	`, ref, ref, ref).Scan(&count)
	return count > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlias(row rowScanner) (*Alias, error) {
	var (
		a       Alias
		enabled int
	)
	if err := row.Scan(&a.ID, &enabled, &a.Name, &a.Type, &a.Content, &a.Description, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	return &a, nil
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r        Rule
		enabled  int
		instance sql.NullInt64
	)
	err := row.Scan(&r.ID, &enabled, &r.Name, &r.Action, &r.Protocol, &r.Source, &r.Destination,
		&r.DestinationPort, &instance, &r.Position, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	if instance.Valid {
		id := instance.Int64
		r.VPNInstanceID = &id
	}
	return &r, nil
}

func normalizeContent(a Alias) string {
	return strings.Join(a.Entries(), "\n")
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
