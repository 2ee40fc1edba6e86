// Package auth authenticates console users and issues session tokens.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/users"
)

const tokenIssuer = "ovpn-console"

// bcryptCost is the work factor used when hashing API key secrets.
// It can be lowered in tests.
var bcryptCost = bcrypt.DefaultCost

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrAPIKeyNotFound     = errors.New("api key not found")
)

// Token sources.
const (
	SourceSession = "session"
	SourceAPIKey  = "api_key"
)

// Claims is the JWT payload.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated principal of a request.
type Identity struct {
	UserID    int64     `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Source    string    `json:"source"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Session is returned by a successful login.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      *users.User `json:"user"`
}

// Directory verifies credentials against an external user directory.
type Directory interface {
	Authenticate(ctx context.Context, username, password string) error
}

// Auditor receives authentication events.
type Auditor interface {
	Log(ctx context.Context, action, target, outcome, detail string)
	SecurityViolation(ctx context.Context, action, target, detail string)
}

// Options configures a Manager.
type Options struct {
	DB        *sql.DB
	Users     *users.Store
	Secret    []byte
	TTL       time.Duration
	Directory Directory
	Audit     Auditor
	Logger    logrus.FieldLogger
}

// Manager handles logins, token validation and API keys.
type Manager struct {
	db        *sql.DB
	users     *users.Store
	secret    []byte
	ttl       time.Duration
	directory Directory
	audit     Auditor
	log       logrus.FieldLogger
	now       func() time.Time
	denied    *denyList
}

// NewManager creates a Manager. A secret shorter than 32 bytes is replaced by a
// random one, which invalidates sessions on restart.
func NewManager(opts Options) (*Manager, error) {
	if opts.DB == nil || opts.Users == nil {
		return nil, fmt.Errorf("database and user store are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.TTL <= 0 {
		opts.TTL = 8 * time.Hour
	}
	if len(opts.Secret) < 32 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		opts.Logger.Warn("jwt secret too short; using a random per-process secret")
		opts.Secret = secret
	}
	return &Manager{
		db:        opts.DB,
		users:     opts.Users,
		secret:    opts.Secret,
		ttl:       opts.TTL,
		directory: opts.Directory,
		audit:     opts.Audit,
		log:       opts.Logger,
		now:       time.Now,
		denied:    newDenyList(),
	}, nil
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Login verifies credentials, updates lockout counters and issues a session token.
func (m *Manager) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	locked, err := m.users.IsLocked(ctx, username)
	if err != nil {
		return nil, err
	}
	if locked {
		m.record(ctx, "auth.login", username, audit.OutcomeDenied, "account locked")
		return nil, users.ErrAccountLocked
	}

	user, err := m.users.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, users.ErrUserNotFound) {
		return nil, err
	}

	switch {
	case user != nil && user.AuthSource == users.SourceLocal:
		if !users.CheckPassword(user.PasswordHash, password) {
			return nil, m.loginFailed(ctx, user, username)
		}
	case m.directory != nil:
		if err := m.directory.Authenticate(ctx, username, password); err != nil {
			m.log.WithError(err).WithField("username", username).Debug("directory bind failed")
			return nil, m.loginFailed(ctx, user, username)
		}
		if user == nil {
			user, err = m.users.Create(ctx, users.CreateRequest{
				Username:   username,
				Role:       users.RoleUser,
				AuthSource: users.SourceLDAP,
				Groups:     []string{"vpn_users"},
			})
			if err != nil {
				return nil, fmt.Errorf("provision directory user: %w", err)
			}
			m.log.WithField("username", username).Info("provisioned directory user")
		}
	default:
		return nil, m.loginFailed(ctx, user, username)
	}

	if !user.Active {
		m.record(ctx, "auth.login", username, audit.OutcomeDenied, "account disabled")
		return nil, ErrAccountDisabled
	}
	if err := m.users.RecordLogin(ctx, user.ID); err != nil {
		return nil, err
	}
	token, expires, err := m.issueToken(user)
	if err != nil {
		return nil, err
	}
	m.record(ctx, "auth.login", username, audit.OutcomeSuccess, "")
	return &Session{Token: token, ExpiresAt: expires, User: user}, nil
}

func (m *Manager) loginFailed(ctx context.Context, user *users.User, username string) error {
	detail := "bad credentials"
	if user != nil {
		locked, err := m.users.RecordFailure(ctx, user.ID)
		if err != nil {
			m.log.WithError(err).Warn("record login failure")
		}
		if locked {
			detail = "bad credentials; account locked"
		}
	}
	if m.audit != nil {
		m.audit.SecurityViolation(ctx, "auth.login", username, detail)
	}
	return ErrInvalidCredentials
}

// Logout revokes the session token until it would have expired anyway.
func (m *Manager) Logout(id *Identity) {
	if id == nil || id.Source != SourceSession || id.TokenID == "" {
		return
	}
	m.denied.add(id.TokenID, id.ExpiresAt, m.now())
}

// ParseToken validates a session JWT and resolves the current user.
func (m *Manager) ParseToken(ctx context.Context, raw string) (*Identity, error) {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ID == "" || m.denied.contains(claims.ID, m.now()) {
		return nil, fmt.Errorf("%w: revoked", ErrTokenInvalid)
	}
	user, err := m.activeUser(ctx, claims.Username)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		Source:   SourceSession,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// ChangePassword replaces the caller's local password after checking the current one.
func (m *Manager) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user.AuthSource != users.SourceLocal {
		return fmt.Errorf("%w: password is managed by the directory", users.ErrUserValidation)
	}
	if !users.CheckPassword(user.PasswordHash, current) {
		m.record(ctx, "auth.password", user.Username, audit.OutcomeFailure, "current password mismatch")
		return ErrInvalidCredentials
	}
	if err := m.users.SetPassword(ctx, userID, next); err != nil {
		return err
	}
	m.record(ctx, "auth.password", user.Username, audit.OutcomeSuccess, "")
	return nil
}

func (m *Manager) issueToken(user *users.User) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	claims := &Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (m *Manager) activeUser(ctx context.Context, username string) (*users.User, error) {
	user, err := m.users.GetByUsername(ctx, username)
	if errors.Is(err, users.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: unknown user", ErrTokenInvalid)
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

func (m *Manager) record(ctx context.Context, action, target, outcome, detail string) {
	if m.audit != nil {
		m.audit.Log(ctx, action, target, outcome, detail)
	}
}

// denyList holds revoked token ids until their expiry.
type denyList struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newDenyList() *denyList {
	return &denyList{entries: make(map[string]time.Time)}
}

func (d *denyList) add(id string, expires, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, exp := range d.entries {
		if !exp.After(now) {
			delete(d.entries, key)
		}
	}
	if expires.IsZero() {
		expires = now.Add(24 * time.Hour)
	}
	d.entries[id] = expires
}

func (d *denyList) contains(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.entries[id]
	if !ok {
		return false
	}
	if !exp.After(now) {
		delete(d.entries, id)
		return false
	}
	return true
}
