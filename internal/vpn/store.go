package vpn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const instanceColumns = `
	id, name, description, port, protocol, interface_type, topology, subnet,
	max_clients, active_clients, status, tls_auth, crl_enabled, verify_client,
	verify_remote_cert, strict_user_cn, renegotiate_time, redirect_gateway,
	dns_servers, ntp_servers, push_options, openvpn_options, local_network,
	client_to_client, block_ipv6, duplicate_cn, float, passtos, persist_remote_ip,
	route_noexec, route_nopull, explicit_exit_notify, remote_random,
	status_checked_at, config_generated_at, created_at, updated_at`

// Store persists instances and their clients in SQLite.
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

// Create inserts a new instance built from defaults overlaid with req.
func (s *Store) Create(ctx context.Context, req UpsertRequest) (*Instance, error) {
	inst := NewInstance(req.Name)
	req.Apply(&inst)
	if err := Validate(inst); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vpn_instances (
			name, description, port, protocol, interface_type, topology, subnet,
			max_clients, status, tls_auth, crl_enabled, verify_client,
			verify_remote_cert, strict_user_cn, renegotiate_time, redirect_gateway,
			dns_servers, ntp_servers, push_options, openvpn_options, local_network,
			client_to_client, block_ipv6, duplicate_cn, float, passtos, persist_remote_ip,
			route_noexec, route_nopull, explicit_exit_notify, remote_random
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, settableArgs(inst, true)...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrVPNAlreadyExists, inst.Name)
		}
		return nil, err
	}
	return s.Get(ctx, inst.Name)
}

// Get fetches an instance by name.
func (s *Store) Get(ctx context.Context, name string) (*Instance, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM vpn_instances WHERE name = ?`, name)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrVPNNotFound, name)
	}
	return inst, err
}

// GetByID fetches an instance by primary key.
func (s *Store) GetByID(ctx context.Context, id int64) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM vpn_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrVPNNotFound, id)
	}
	return inst, err
}

// List returns every instance ordered by name.
func (s *Store) List(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM vpn_instances ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// Names returns every instance name ordered alphabetically.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM vpn_instances ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Update applies a partial update. Renaming is not supported.
func (s *Store) Update(ctx context.Context, name string, req UpsertRequest) (*Instance, error) {
	current, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if req.Name != "" && req.Name != name {
		return nil, fmt.Errorf("%w: instances cannot be renamed", ErrVPNValidation)
	}
	updated := *current
	req.Apply(&updated)
	if err := Validate(updated); err != nil {
		return nil, err
	}

	args := append(settableArgs(updated, false), name)
	result, err := s.db.ExecContext(ctx, `
		UPDATE vpn_instances SET
			description = ?, port = ?, protocol = ?, interface_type = ?, topology = ?, subnet = ?,
			max_clients = ?, tls_auth = ?, crl_enabled = ?, verify_client = ?,
			verify_remote_cert = ?, strict_user_cn = ?, renegotiate_time = ?, redirect_gateway = ?,
			dns_servers = ?, ntp_servers = ?, push_options = ?, openvpn_options = ?, local_network = ?,
			client_to_client = ?, block_ipv6 = ?, duplicate_cn = ?, float = ?, passtos = ?,
			persist_remote_ip = ?, route_noexec = ?, route_nopull = ?, explicit_exit_notify = ?,
			remote_random = ?, updated_at = strftime('%s','now')
		WHERE name = ?
	`, args...)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(result, name); err != nil {
		return nil, err
	}
	return s.Get(ctx, name)
}

// Delete removes an instance row and, by cascade, its clients.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM vpn_instances WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireAffected(result, name)
}

// SetStatus stores the observed process state.
func (s *Store) SetStatus(ctx context.Context, name string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrVPNValidation, status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE vpn_instances SET status = ?, status_checked_at = strftime('%s','now')
		WHERE name = ?
	`, string(status), name)
	if err != nil {
		return err
	}
	return requireAffected(result, name)
}

// SetActiveClients stores the connected client count from the status log.
func (s *Store) SetActiveClients(ctx context.Context, name string, count int) error {
	result, err := s.db.ExecContext(ctx, `UPDATE vpn_instances SET active_clients = ? WHERE name = ?`, count, name)
	if err != nil {
		return err
	}
	return requireAffected(result, name)
}

// MarkConfigGenerated records when server.conf was last written.
func (s *Store) MarkConfigGenerated(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE vpn_instances SET config_generated_at = strftime('%s','now') WHERE name = ?
	`, name)
	if err != nil {
		return err
	}
	return requireAffected(result, name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst   Instance
		status string
		flags  [18]int
	)
	err := row.Scan(
		&inst.ID, &inst.Name, &inst.Description, &inst.Port, &inst.Protocol, &inst.InterfaceType,
		&inst.Topology, &inst.Subnet, &inst.MaxClients, &inst.ActiveClients, &status,
		&flags[0], &flags[1], &flags[2], &flags[3], &flags[4], &inst.RenegotiateTime, &flags[5],
		&inst.DNSServers, &inst.NTPServers, &inst.PushOptions, &inst.OpenVPNOptions, &inst.LocalNetwork,
		&flags[6], &flags[7], &flags[8], &flags[9], &flags[10], &flags[11],
		&flags[12], &flags[13], &flags[14], &flags[15],
		&inst.StatusCheckedAt, &inst.ConfigGeneratedAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = Status(status)
	inst.TLSAuth = flags[0] != 0
	inst.CRLEnabled = flags[1] != 0
	inst.VerifyClient = flags[2] != 0
	inst.VerifyRemoteCert = flags[3] != 0
	inst.StrictUserCN = flags[4] != 0
	inst.RedirectGateway = flags[5] != 0
	inst.ClientToClient = flags[6] != 0
	inst.BlockIPv6 = flags[7] != 0
	inst.DuplicateCN = flags[8] != 0
	inst.Float = flags[9] != 0
	inst.PassTOS = flags[10] != 0
	inst.PersistRemoteIP = flags[11] != 0
	inst.RouteNoExec = flags[12] != 0
	inst.RouteNoPull = flags[13] != 0
	inst.ExplicitExitNotify = flags[14] != 0
	inst.RemoteRandom = flags[15] != 0
	return &inst, nil
}

// settableArgs returns column values in INSERT order (withIdentity) or UPDATE order.
func settableArgs(inst Instance, withIdentity bool) []any {
	args := make([]any, 0, 31)
	if withIdentity {
		args = append(args, inst.Name)
	}
	args = append(args,
		inst.Description, inst.Port, inst.Protocol, inst.InterfaceType, inst.Topology, inst.Subnet,
		inst.MaxClients,
	)
	if withIdentity {
		status := inst.Status
		if status == "" {
			status = StatusStopped
		}
		args = append(args, string(status))
	}
	args = append(args,
		boolToInt(inst.TLSAuth), boolToInt(inst.CRLEnabled), boolToInt(inst.VerifyClient),
		boolToInt(inst.VerifyRemoteCert), boolToInt(inst.StrictUserCN), inst.RenegotiateTime,
		boolToInt(inst.RedirectGateway),
		inst.DNSServers, inst.NTPServers, inst.PushOptions, inst.OpenVPNOptions, inst.LocalNetwork,
		boolToInt(inst.ClientToClient), boolToInt(inst.BlockIPv6), boolToInt(inst.DuplicateCN),
		boolToInt(inst.Float), boolToInt(inst.PassTOS), boolToInt(inst.PersistRemoteIP),
		boolToInt(inst.RouteNoExec), boolToInt(inst.RouteNoPull), boolToInt(inst.ExplicitExitNotify),
		boolToInt(inst.RemoteRandom),
	)
	return args
}

func requireAffected(result sql.Result, name string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrVPNNotFound, name)
	}
	return nil
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
