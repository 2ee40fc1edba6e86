// Package config resolves startup configuration from defaults, an optional
// YAML file and OVPN_CONSOLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OVPN_CONSOLE_"

// Config is the fully resolved startup configuration.
type Config struct {
	BaseDir         string `yaml:"baseDir"`
	DatabasePath    string `yaml:"databasePath"`
	ListenAddr      string `yaml:"listenAddr"`
	ListenInterface string `yaml:"listenInterface"`
	PublicHost      string `yaml:"publicHost"`

	TLS       TLSConfig       `yaml:"tls"`
	Binaries  BinaryConfig    `yaml:"binaries"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	LDAP      LDAPConfig      `yaml:"ldap"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Logging   LoggingConfig   `yaml:"logging"`
	Subject   CertSubject     `yaml:"certSubject"`
	Firewall  FirewallConfig  `yaml:"firewall"`

	CommandTimeout time.Duration `yaml:"commandTimeout"`
}

// TLSConfig enables HTTPS for the console listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// BinaryConfig locates external tools.
type BinaryConfig struct {
	OpenVPN string `yaml:"openvpn"`
	OpenSSL string `yaml:"openssl"`
}

// HTTPConfig carries browser-facing request policy.
type HTTPConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	AllowedHosts   []string `yaml:"allowedHosts"`
}

// AuthConfig holds session token settings.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwtSecret"`
	SessionTTL    time.Duration `yaml:"sessionTTL"`
	AdminPassword string        `yaml:"adminPassword"`
	SecureCookie  bool          `yaml:"secureCookie"`
}

// LDAPConfig configures the optional directory backend.
type LDAPConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Address            string `yaml:"address"`
	Transport          string `yaml:"transport"` // plain, tls or starttls
	BindDN             string `yaml:"bindDN"`    // e.g. uid=%s,ou=people,dc=example,dc=org
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// Rule is one rate-limit class threshold.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig holds per-class thresholds.
type RateLimitConfig struct {
	Auth           Rule `yaml:"auth"`
	API            Rule `yaml:"api"`
	VPNOperations  Rule `yaml:"vpnOperations"`
	CertOperations Rule `yaml:"certOperations"`
	MaxKeys        int  `yaml:"maxKeys"`
}

// JobsConfig sets background job intervals.
type JobsConfig struct {
	StatusRefresh  time.Duration `yaml:"statusRefresh"`
	CertSweep      time.Duration `yaml:"certSweep"`
	AuditPrune     time.Duration `yaml:"auditPrune"`
	AuditRetention time.Duration `yaml:"auditRetention"`
	LimiterSweep   time.Duration `yaml:"limiterSweep"`
	CertExpiryWarn time.Duration `yaml:"certExpiryWarn"`
}

// LoggingConfig mirrors diaglog.Options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
}

// CertSubject is applied to every generated certificate.
type CertSubject struct {
	Country      string `yaml:"country"`
	Province     string `yaml:"province"`
	City         string `yaml:"city"`
	Organization string `yaml:"organization"`
	Unit         string `yaml:"unit"`
}

// FirewallConfig toggles nftables enforcement.
type FirewallConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseDir:    "/opt/ovpn-console",
		ListenAddr: ":8443",
		Binaries: BinaryConfig{
			OpenVPN: "/usr/sbin/openvpn",
			OpenSSL: "/usr/bin/openssl",
		},
		Auth: AuthConfig{
			SessionTTL: 8 * time.Hour,
		},
		LDAP: LDAPConfig{Transport: "plain"},
		RateLimit: RateLimitConfig{
			Auth:           Rule{Limit: 5, Window: 5 * time.Minute},
			API:            Rule{Limit: 100, Window: 15 * time.Minute},
			VPNOperations:  Rule{Limit: 10, Window: time.Minute},
			CertOperations: Rule{Limit: 5, Window: time.Minute},
			MaxKeys:        10000,
		},
		Jobs: JobsConfig{
			StatusRefresh:  30 * time.Second,
			CertSweep:      6 * time.Hour,
			AuditPrune:     24 * time.Hour,
			AuditRetention: 90 * 24 * time.Hour,
			LimiterSweep:   time.Minute,
			CertExpiryWarn: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "ovpn-console.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Subject: CertSubject{
			Country:      "US",
			Province:     "CA",
			City:         "San Francisco",
			Organization: "OpenVPN Console",
			Unit:         "VPN",
		},
		CommandTimeout: 30 * time.Second,
	}
}

// Load builds a config from defaults, the optional YAML file at path and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if strings.TrimSpace(path) != "" {
		if err := LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile merges a YAML file into cfg.
func LoadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// LoadFromEnv applies OVPN_CONSOLE_* overrides using lookup.
func LoadFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	env := func(key string) (string, bool) {
		val, ok := lookup(EnvPrefix + key)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(val), true
	}
	var errs []error
	str := func(key string, dst *string) {
		if val, ok := env(key); ok {
			*dst = val
		}
	}
	boolean := func(key string, dst *bool) {
		if val, ok := env(key); ok {
			parsed, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int) {
		if val, ok := env(key); ok {
			parsed, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	duration := func(key string, dst *time.Duration) {
		if val, ok := env(key); ok {
			parsed, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	list := func(key string, dst *[]string) {
		if val, ok := env(key); ok {
			*dst = SplitList(val)
		}
	}

	str("BASE_DIR", &cfg.BaseDir)
	str("DATABASE_PATH", &cfg.DatabasePath)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("LISTEN_INTERFACE", &cfg.ListenInterface)
	str("PUBLIC_HOST", &cfg.PublicHost)
	boolean("TLS_ENABLED", &cfg.TLS.Enabled)
	str("TLS_CERT_FILE", &cfg.TLS.CertFile)
	str("TLS_KEY_FILE", &cfg.TLS.KeyFile)
	str("OPENVPN_BINARY", &cfg.Binaries.OpenVPN)
	str("OPENSSL_BINARY", &cfg.Binaries.OpenSSL)
	list("ALLOWED_ORIGINS", &cfg.HTTP.AllowedOrigins)
	list("ALLOWED_HOSTS", &cfg.HTTP.AllowedHosts)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	duration("SESSION_TTL", &cfg.Auth.SessionTTL)
	str("ADMIN_PASSWORD", &cfg.Auth.AdminPassword)
	boolean("SECURE_COOKIE", &cfg.Auth.SecureCookie)
	boolean("LDAP_ENABLED", &cfg.LDAP.Enabled)
	str("LDAP_ADDRESS", &cfg.LDAP.Address)
	str("LDAP_TRANSPORT", &cfg.LDAP.Transport)
	str("LDAP_BIND_DN", &cfg.LDAP.BindDN)
	boolean("LDAP_INSECURE_SKIP_VERIFY", &cfg.LDAP.InsecureSkipVerify)
	integer("RATE_LIMIT_AUTH", &cfg.RateLimit.Auth.Limit)
	duration("RATE_LIMIT_AUTH_WINDOW", &cfg.RateLimit.Auth.Window)
	integer("RATE_LIMIT_API", &cfg.RateLimit.API.Limit)
	duration("RATE_LIMIT_API_WINDOW", &cfg.RateLimit.API.Window)
	integer("RATE_LIMIT_VPN", &cfg.RateLimit.VPNOperations.Limit)
	duration("RATE_LIMIT_VPN_WINDOW", &cfg.RateLimit.VPNOperations.Window)
	integer("RATE_LIMIT_CERT", &cfg.RateLimit.CertOperations.Limit)
	duration("RATE_LIMIT_CERT_WINDOW", &cfg.RateLimit.CertOperations.Window)
	integer("RATE_LIMIT_MAX_KEYS", &cfg.RateLimit.MaxKeys)
	duration("STATUS_REFRESH", &cfg.Jobs.StatusRefresh)
	duration("CERT_SWEEP", &cfg.Jobs.CertSweep)
	duration("AUDIT_RETENTION", &cfg.Jobs.AuditRetention)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_FILE", &cfg.Logging.File)
	boolean("FIREWALL_ENABLED", &cfg.Firewall.Enabled)
	duration("COMMAND_TIMEOUT", &cfg.CommandTimeout)

	return errors.Join(errs...)
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// OpenVPNDir is <base>/openvpn.
func (c *Config) OpenVPNDir() string { return filepath.Join(c.BaseDir, "openvpn") }

// CADir is <base>/openvpn/ca.
func (c *Config) CADir() string { return filepath.Join(c.OpenVPNDir(), "ca") }

// CertsDir is <base>/openvpn/certs.
func (c *Config) CertsDir() string { return filepath.Join(c.OpenVPNDir(), "certs") }

// LogsDir is <base>/logs.
func (c *Config) LogsDir() string { return filepath.Join(c.BaseDir, "logs") }

// BackupsDir is <base>/backups.
func (c *Config) BackupsDir() string { return filepath.Join(c.BaseDir, "backups") }

// SettingsPath is <base>/settings.json.
func (c *Config) SettingsPath() string { return filepath.Join(c.BaseDir, "settings.json") }

// DBPath returns the configured database path or <base>/ovpn-console.db.
func (c *Config) DBPath() string {
	if strings.TrimSpace(c.DatabasePath) != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.BaseDir, "ovpn-console.db")
}

// Validate rejects impossible settings and returns non-fatal warnings.
func (c *Config) Validate() ([]string, error) {
	var errs []error
	var warnings []string

	if strings.TrimSpace(c.BaseDir) == "" {
		errs = append(errs, errors.New("base dir is required"))
	}
	if _, port, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err))
	} else if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		errs = append(errs, fmt.Errorf("invalid listen port %q", port))
	}
	if c.TLS.Enabled && (strings.TrimSpace(c.TLS.CertFile) == "" || strings.TrimSpace(c.TLS.KeyFile) == "") {
		errs = append(errs, errors.New("tls enabled but cert or key file missing"))
	}
	for name, rule := range map[string]Rule{
		"auth":            c.RateLimit.Auth,
		"api":             c.RateLimit.API,
		"vpn_operations":  c.RateLimit.VPNOperations,
		"cert_operations": c.RateLimit.CertOperations,
	} {
		if rule.Limit <= 0 || rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate limit %s must have positive limit and window", name))
		}
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, errors.New("command timeout must be positive"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.LDAP.Enabled {
		if strings.TrimSpace(c.LDAP.Address) == "" || !strings.Contains(c.LDAP.BindDN, "%s") {
			errs = append(errs, errors.New("ldap requires an address and a bind DN containing %s"))
		}
		switch c.LDAP.Transport {
		case "plain", "tls", "starttls":
		default:
			errs = append(errs, fmt.Errorf("unsupported ldap transport %q", c.LDAP.Transport))
		}
	}

	if len(c.Auth.JWTSecret) < 32 {
		warnings = append(warnings, "jwt secret shorter than 32 bytes; a random secret is generated per process")
	}
	for label, bin := range map[string]string{"openvpn": c.Binaries.OpenVPN, "openssl": c.Binaries.OpenSSL} {
		if _, err := exec.LookPath(bin); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s binary not found at %s", label, bin))
		}
	}
	return warnings, errors.Join(errs...)
}
