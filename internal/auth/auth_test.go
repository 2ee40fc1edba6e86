package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/database"
	"ovpn-console/internal/diaglog"
	"ovpn-console/internal/users"
)

func init() {
	// bcrypt.MinCost == 4; use minimum cost in tests for speed.
	bcryptCost = 4
}

type auditLog struct {
	mu      sync.Mutex
	entries []string
}

func (a *auditLog) Log(_ context.Context, action, target, outcome, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, action+" "+target+" "+outcome)
}

func (a *auditLog) SecurityViolation(_ context.Context, action, target, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, action+" "+target+" security")
}

func (a *auditLog) has(prefix string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range a.entries {
		if strings.HasPrefix(entry, prefix) {
			return true
		}
	}
	return false
}

type fakeDirectory struct {
	accounts map[string]string
}

func (f *fakeDirectory) Authenticate(_ context.Context, username, password string) error {
	if want, ok := f.accounts[username]; ok && want == password {
		return nil
	}
	return ErrInvalidCredentials
}

type fixture struct {
	mgr   *Manager
	users *users.Store
	audit *auditLog
	now   time.Time
}

func newFixture(t *testing.T, dir Directory) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := users.NewStore(db)
	if err != nil {
		t.Fatalf("users.NewStore: %v", err)
	}
	if err := store.EnsureDefaultGroups(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultGroups: %v", err)
	}
	f := &fixture{users: store, audit: &auditLog{}, now: time.Now()}
	mgr, err := NewManager(Options{
		DB:        db,
		Users:     store,
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
		TTL:       time.Hour,
		Directory: dir,
		Audit:     f.audit,
		Logger:    diaglog.Discard(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.now = func() time.Time { return f.now }
	f.mgr = mgr
	return f
}

func (f *fixture) addUser(t *testing.T, username, role string) *users.User {
	t.Helper()
	user, err := f.users.Create(context.Background(), users.CreateRequest{Username: username, Password: "Secret123", Role: role})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestLoginIssuesParsableToken(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "alice", users.RoleOperator)
	ctx := context.Background()

	session, err := f.mgr.Login(ctx, "alice", "Secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.Token == "" || !session.ExpiresAt.After(f.now) {
		t.Fatalf("unexpected session %+v", session)
	}
	id, err := f.mgr.ParseToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if id.Username != "alice" || id.Role != users.RoleOperator || id.Source != SourceSession || id.TokenID == "" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if !f.audit.has("auth.login alice success") {
		t.Fatalf("expected login audit entry, got %v", f.audit.entries)
	}
}

func TestLoginFailuresLockAccount(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "bob", users.RoleUser)
	ctx := context.Background()

	for i := 0; i < users.MaxFailedAttempts; i++ {
		if _, err := f.mgr.Login(ctx, "bob", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	if _, err := f.mgr.Login(ctx, "bob", "Secret123"); !errors.Is(err, users.ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if _, err := f.mgr.Login(ctx, "nobody", "Secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if !f.audit.has("auth.login bob security") {
		t.Fatal("expected security audit entry for failures")
	}
}

func TestLoginRejectsDisabledAccount(t *testing.T) {
	f := newFixture(t, nil)
	user := f.addUser(t, "carol", users.RoleUser)
	inactive := false
	if _, err := f.users.Update(context.Background(), user.ID, users.UpdateRequest{Active: &inactive}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := f.mgr.Login(context.Background(), "carol", "Secret123"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestLogoutAndExpiry(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "dave", users.RoleUser)
	ctx := context.Background()

	session, err := f.mgr.Login(ctx, "dave", "Secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, err := f.mgr.ParseToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	f.mgr.Logout(id)
	if _, err := f.mgr.ParseToken(ctx, session.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}

	second, err := f.mgr.Login(ctx, "dave", "Secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.mgr.ParseToken(ctx, second.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "erin", users.RoleUser)
	other := newFixture(t, nil)
	other.mgr.secret = []byte("ffffffffffffffffffffffffffffffff")
	other.addUser(t, "erin", users.RoleUser)

	session, err := other.mgr.Login(context.Background(), "erin", "Secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.mgr.ParseToken(context.Background(), session.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if _, err := f.mgr.ParseToken(context.Background(), "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for garbage, got %v", err)
	}
}

func TestDirectoryLoginProvisionsUser(t *testing.T) {
	f := newFixture(t, &fakeDirectory{accounts: map[string]string{"frank": "dir-pass"}})
	ctx := context.Background()

	session, err := f.mgr.Login(ctx, "frank", "dir-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.User.AuthSource != users.SourceLDAP || session.User.Role != users.RoleUser {
		t.Fatalf("unexpected provisioned user %+v", session.User)
	}
	if _, err := f.mgr.Login(ctx, "frank", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := f.mgr.ChangePassword(ctx, session.User.ID, "dir-pass", "Another456"); !errors.Is(err, users.ErrUserValidation) {
		t.Fatalf("expected directory users to be refused, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, nil)
	user := f.addUser(t, "gina", users.RoleUser)
	ctx := context.Background()

	if err := f.mgr.ChangePassword(ctx, user.ID, "wrong", "Another456"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := f.mgr.ChangePassword(ctx, user.ID, "Secret123", "weak"); !errors.Is(err, users.ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := f.mgr.ChangePassword(ctx, user.ID, "Secret123", "Another456"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := f.mgr.Login(ctx, "gina", "Another456"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	user := f.addUser(t, "hank", users.RoleOperator)
	ctx := context.Background()

	key, token, err := f.mgr.CreateAPIKey(ctx, user.ID, "ci", 0)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if !strings.HasPrefix(token, key.KeyID+".") {
		t.Fatalf("token %q does not start with key id %q", token, key.KeyID)
	}
	id, err := f.mgr.AuthenticateAPIKey(ctx, token)
	if err != nil {
		t.Fatalf("AuthenticateAPIKey: %v", err)
	}
	if id.Username != "hank" || id.Source != SourceAPIKey {
		t.Fatalf("unexpected identity %+v", id)
	}
	if _, err := f.mgr.AuthenticateAPIKey(ctx, key.KeyID+".wrong"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected mismatch to fail, got %v", err)
	}
	if _, err := f.mgr.AuthenticateAPIKey(ctx, "garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected malformed key to fail, got %v", err)
	}

	keys, err := f.mgr.ListAPIKeys(ctx, user.ID)
	if err != nil || len(keys) != 1 || keys[0].LastUsed == 0 {
		t.Fatalf("ListAPIKeys: %v %+v", err, keys)
	}
	if err := f.mgr.RevokeAPIKey(ctx, user.ID+1, key.ID); !errors.Is(err, ErrAPIKeyNotFound) {
		t.Fatalf("expected other users to be refused, got %v", err)
	}
	if err := f.mgr.RevokeAPIKey(ctx, user.ID, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if _, err := f.mgr.AuthenticateAPIKey(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected revoked key to fail, got %v", err)
	}

	_, expiring, err := f.mgr.CreateAPIKey(ctx, user.ID, "short", time.Minute)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	f.now = f.now.Add(2 * time.Minute)
	if _, err := f.mgr.AuthenticateAPIKey(ctx, expiring); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired key to fail, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t, nil)
	user := f.addUser(t, "ivan", users.RoleUser)
	ctx := context.Background()
	session, err := f.mgr.Login(ctx, "ivan", "Secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, apiToken, err := f.mgr.CreateAPIKey(ctx, user.ID, "", 0)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	var seen *Identity
	var actor string
	handler := f.mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFrom(r.Context())
		actor, _ = audit.ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		seen, actor = nil, ""
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(httptest.NewRequest(http.MethodGet, "/api/system/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("public path: expected 204, got %d", rec.Code)
	}

	rec = serve(httptest.NewRequest(http.MethodGet, "/api/vpn-instances", nil))
	if rec.Code != http.StatusUnauthorized || strings.TrimSpace(rec.Body.String()) != `{"error":"unauthorized"}` {
		t.Fatalf("expected 401 JSON, got %d %q", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/vpn-instances", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	if rec = serve(req); rec.Code != http.StatusNoContent || seen == nil || seen.Username != "ivan" || actor != "ivan" {
		t.Fatalf("bearer: code=%d identity=%+v actor=%q", rec.Code, seen, actor)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/vpn-instances", nil)
	req.AddCookie(SessionCookie(session.Token, session.ExpiresAt, false))
	if rec = serve(req); rec.Code != http.StatusNoContent || seen == nil {
		t.Fatalf("cookie: code=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/vpn-instances", nil)
	req.Header.Set(APIKeyHeader, apiToken)
	if rec = serve(req); rec.Code != http.StatusNoContent || seen == nil || seen.Source != SourceAPIKey {
		t.Fatalf("api key: code=%d identity=%+v", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/vpn-instances", nil)
	req.Header.Set("Authorization", "Bearer forged")
	if rec = serve(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged bearer: expected 401, got %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	f := newFixture(t, nil)
	handler := f.mgr.RequireRole(users.RoleAdmin, users.RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/vpn-instances/office/start", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{Username: "viewer", Role: users.RoleUser}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if !f.audit.has("authz.denied POST /api/vpn-instances/office/start denied") {
		t.Fatalf("expected denial audit, got %v", f.audit.entries)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/vpn-instances/office/start", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{Username: "op", Role: users.RoleOperator}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rec.Code)
	}
}
