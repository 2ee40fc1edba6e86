package database

// schema contains all table definitions. Each statement is idempotent (CREATE IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    username        TEXT    NOT NULL UNIQUE,
    password_hash   TEXT    NOT NULL DEFAULT '',
    email           TEXT    NOT NULL DEFAULT '',
    full_name       TEXT    NOT NULL DEFAULT '',
    role            TEXT    NOT NULL DEFAULT 'user',
    is_active       INTEGER NOT NULL DEFAULT 1,
    auth_source     TEXT    NOT NULL DEFAULT 'local',
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    locked_until    INTEGER NOT NULL DEFAULT 0,
    last_login      INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    updated_at      INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS groups (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    name            TEXT    NOT NULL UNIQUE,
    description     TEXT    NOT NULL DEFAULT '',
    vpn_access      INTEGER NOT NULL DEFAULT 1,
    max_connections INTEGER NOT NULL DEFAULT 5,
    bandwidth_limit INTEGER NOT NULL DEFAULT 0,
    access_hours    TEXT    NOT NULL DEFAULT '00:00-23:59',
    created_at      INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    updated_at      INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS group_members (
    group_id INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
    user_id  INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    PRIMARY KEY (group_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_group_members_user
    ON group_members (user_id);

CREATE TABLE IF NOT EXISTS vpn_instances (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    name                 TEXT    NOT NULL UNIQUE,
    description          TEXT    NOT NULL DEFAULT '',
    port                 INTEGER NOT NULL DEFAULT 1194,
    protocol             TEXT    NOT NULL DEFAULT 'udp',
    interface_type       TEXT    NOT NULL DEFAULT 'tun',
    topology             TEXT    NOT NULL DEFAULT 'subnet',
    subnet               TEXT    NOT NULL DEFAULT '10.8.0.0/24',
    max_clients          INTEGER NOT NULL DEFAULT 100,
    active_clients       INTEGER NOT NULL DEFAULT 0,
    status               TEXT    NOT NULL DEFAULT 'stopped',
    tls_auth             INTEGER NOT NULL DEFAULT 0,
    crl_enabled          INTEGER NOT NULL DEFAULT 0,
    verify_client        INTEGER NOT NULL DEFAULT 1,
    verify_remote_cert   INTEGER NOT NULL DEFAULT 1,
    strict_user_cn       INTEGER NOT NULL DEFAULT 0,
    renegotiate_time     INTEGER NOT NULL DEFAULT 3600,
    redirect_gateway     INTEGER NOT NULL DEFAULT 0,
    dns_servers          TEXT    NOT NULL DEFAULT '',
    ntp_servers          TEXT    NOT NULL DEFAULT '',
    push_options         TEXT    NOT NULL DEFAULT '',
    openvpn_options      TEXT    NOT NULL DEFAULT '',
    local_network        TEXT    NOT NULL DEFAULT '',
    client_to_client     INTEGER NOT NULL DEFAULT 0,
    block_ipv6           INTEGER NOT NULL DEFAULT 0,
    duplicate_cn         INTEGER NOT NULL DEFAULT 0,
    float                INTEGER NOT NULL DEFAULT 0,
    passtos              INTEGER NOT NULL DEFAULT 0,
    persist_remote_ip    INTEGER NOT NULL DEFAULT 0,
    route_noexec         INTEGER NOT NULL DEFAULT 0,
    route_nopull         INTEGER NOT NULL DEFAULT 0,
    explicit_exit_notify INTEGER NOT NULL DEFAULT 1,
    remote_random        INTEGER NOT NULL DEFAULT 0,
    status_checked_at    INTEGER NOT NULL DEFAULT 0,
    config_generated_at  INTEGER NOT NULL DEFAULT 0,
    created_at           INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    updated_at           INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS certificates (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    kind          TEXT    NOT NULL,
    common_name   TEXT    NOT NULL,
    instance_name TEXT    NOT NULL DEFAULT '',
    serial        TEXT    NOT NULL DEFAULT '',
    not_before    INTEGER NOT NULL DEFAULT 0,
    not_after     INTEGER NOT NULL DEFAULT 0,
    cert_path     TEXT    NOT NULL DEFAULT '',
    key_path      TEXT    NOT NULL DEFAULT '',
    revoked_at    INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_certificates_kind_cn
    ON certificates (kind, instance_name, common_name);

CREATE TABLE IF NOT EXISTS vpn_clients (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id    INTEGER NOT NULL REFERENCES vpn_instances(id) ON DELETE CASCADE,
    user_id        INTEGER REFERENCES users(id) ON DELETE SET NULL,
    name           TEXT    NOT NULL,
    certificate_id INTEGER REFERENCES certificates(id) ON DELETE SET NULL,
    is_active      INTEGER NOT NULL DEFAULT 1,
    created_at     INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    revoked_at     INTEGER NOT NULL DEFAULT 0,
    UNIQUE(instance_id, name)
);

CREATE TABLE IF NOT EXISTS firewall_aliases (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    enabled     INTEGER NOT NULL DEFAULT 1,
    name        TEXT    NOT NULL UNIQUE,
    type        TEXT    NOT NULL DEFAULT 'host',
    content     TEXT    NOT NULL DEFAULT '',
    description TEXT    NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    updated_at  INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS firewall_rules (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    enabled          INTEGER NOT NULL DEFAULT 1,
    name             TEXT    NOT NULL,
    action           TEXT    NOT NULL,
    protocol         TEXT    NOT NULL DEFAULT 'any',
    source           TEXT    NOT NULL DEFAULT '',
    destination      TEXT    NOT NULL DEFAULT '',
    destination_port TEXT    NOT NULL DEFAULT '',
    vpn_instance_id  INTEGER REFERENCES vpn_instances(id) ON DELETE SET NULL,
    position         INTEGER NOT NULL DEFAULT 0,
    description      TEXT    NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    updated_at       INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS audit_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at  INTEGER NOT NULL,
    actor       TEXT    NOT NULL DEFAULT '',
    action      TEXT    NOT NULL,
    target      TEXT    NOT NULL DEFAULT '',
    remote_addr TEXT    NOT NULL DEFAULT '',
    outcome     TEXT    NOT NULL DEFAULT 'success',
    severity    TEXT    NOT NULL DEFAULT 'info',
    detail      TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created
    ON audit_logs (created_at);

CREATE TABLE IF NOT EXISTS api_keys (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    key_id      TEXT    NOT NULL UNIQUE,
    user_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    secret_hash TEXT    NOT NULL,
    description TEXT    NOT NULL DEFAULT '',
    is_active   INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    last_used   INTEGER NOT NULL DEFAULT 0,
    expires_at  INTEGER NOT NULL DEFAULT 0
);
`

// Tables lists every application table in dependency order (parents first).
var Tables = []string{
	"users",
	"groups",
	"group_members",
	"vpn_instances",
	"certificates",
	"vpn_clients",
	"firewall_aliases",
	"firewall_rules",
	"audit_logs",
	"api_keys",
}
