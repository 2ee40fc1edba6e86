package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/auth"
	"ovpn-console/internal/backup"
	"ovpn-console/internal/config"
	"ovpn-console/internal/database"
	"ovpn-console/internal/diaglog"
	"ovpn-console/internal/firewall"
	"ovpn-console/internal/ovpnconf"
	"ovpn-console/internal/process"
	"ovpn-console/internal/ratelimit"
	"ovpn-console/internal/settings"
	"ovpn-console/internal/stats"
	"ovpn-console/internal/sysinfo"
	"ovpn-console/internal/users"
	"ovpn-console/internal/util"
	"ovpn-console/internal/vpn"
)

const adminPassword = "Admin-pass1"

type fakeSource struct {
	diskPercent float64
}

func (fakeSource) Uptime() (float64, error) { return 3600, nil }
func (fakeSource) LoadAverage() (sysinfo.Load, error) { return sysinfo.Load{One: 0.1}, nil }
func (fakeSource) Memory() (sysinfo.Memory, error) {
	return sysinfo.Memory{Total: 100, Used: 40, Free: 60, UsedPercent: 40}, nil
}
func (fakeSource) Swap() (sysinfo.Memory, error) { return sysinfo.Memory{}, nil }
func (fakeSource) CPUCount() (int, error) { return 2, nil }
func (fakeSource) ProcessCount() (int, error) { return 10, nil }
func (f fakeSource) DiskUsage(path string) (sysinfo.Disk, error) {
	return sysinfo.Disk{Path: path, Total: 100, Used: uint64(f.diskPercent), UsedPercent: f.diskPercent}, nil
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	base      string
	users     *users.Store
	instances *vpn.Store
	audit     *audit.Recorder
	processes *process.MockController
	applier   *firewall.MockApplier
	source    *fakeSource
}

func newTestEnv(t *testing.T, rules map[string]ratelimit.Rule) *testEnv {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.BaseDir = base
	cfg.PublicHost = "vpn.example.org"

	db, err := database.Open(filepath.Join(base, "console.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	log := diaglog.Discard()

	userStore, err := users.NewStore(db)
	if err != nil {
		t.Fatalf("user store: %v", err)
	}
	if _, _, err := userStore.EnsureAdmin(ctx, adminPassword); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	recorder, err := audit.NewRecorder(db, log)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	authManager, err := auth.NewManager(auth.Options{
		DB:     db,
		Users:  userStore,
		Secret: []byte(strings.Repeat("s", 32)),
		TTL:    time.Hour,
		Audit:  recorder,
		Logger: log,
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	instances, err := vpn.NewStore(db)
	if err != nil {
		t.Fatalf("vpn store: %v", err)
	}
	fwStore, err := firewall.NewStore(db)
	if err != nil {
		t.Fatalf("firewall store: %v", err)
	}
	applier := &firewall.MockApplier{}
	settingsManager := settings.NewManager(cfg.SettingsPath())
	backups, err := backup.NewManager(backup.Options{
		DB:        db,
		Dir:       cfg.BackupsDir(),
		FileRoots: map[string]string{"ca": cfg.CADir()},
		Settings:  settingsManager,
		Logger:    log,
	})
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	generator := ovpnconf.Generator{
		OpenVPNDir: cfg.OpenVPNDir(),
		CADir:      cfg.CADir(),
		CertsDir:   cfg.CertsDir(),
		LogsDir:    cfg.LogsDir(),
	}
	source := &fakeSource{diskPercent: 20}
	monitor := sysinfo.NewMonitor(sysinfo.Options{
		BaseDir:  base,
		Binaries: map[string]string{"openvpn": "/usr/sbin/openvpn"},
		Ping:     func(ctx context.Context) error { return database.Ping(ctx, db) },
		Source:   source,
		LookPath: func(path string) (string, error) { return path, nil },
	})
	if rules == nil {
		rules = ratelimit.DefaultRules()
	}
	processes := &process.MockController{}

	srv := New(Options{
		Config:    cfg,
		Instances: instances,
		Generator: generator,
		Processes: processes,
		Users:     userStore,
		Auth:      authManager,
		Audit:     recorder,
		Limiter:   ratelimit.New(rules, 1000),
		Firewall:  firewall.NewService(fwStore, instances, applier, true, log),
		Backups:   backups,
		System:    monitor,
		Stats:     stats.NewReader(generator.StatusLogPath),
		Settings:  settingsManager,
		Logger:    log,
	})
	return &testEnv{
		server:    srv,
		handler:   srv.Router(),
		base:      base,
		users:     userStore,
		instances: instances,
		audit:     recorder,
		processes: processes,
		applier:   applier,
		source:    source,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.RemoteAddr = "192.0.2.10:40000"
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	recorder := e.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"`+username+`","password":"`+password+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, recorder.Code, recorder.Body.String())
	}
	var session struct {
		Token string `json:"token"`
	}
	decodeBody(t, recorder, &session)
	if session.Token == "" {
		t.Fatalf("expected token in login response")
	}
	return session.Token
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
}

func requestWithParam(key, value string) *http.Request {
	request := httptest.NewRequest(http.MethodGet, "/api/vpn-instances/"+value, nil)
	routeContext := chi.NewRouteContext()
	routeContext.URLParams.Add(key, value)
	return request.WithContext(context.WithValue(request.Context(), chi.RouteCtxKey, routeContext))
}

func TestRequireNameParamRejectsTraversal(t *testing.T) {
	s := New(Options{})
	recorder := httptest.NewRecorder()

	_, ok := s.requireNameParam(recorder, requestWithParam("name", "../etc/passwd"), "name")
	if ok {
		t.Fatalf("expected traversal name to be rejected")
	}
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "invalid vpn name") {
		t.Fatalf("unexpected body %q", recorder.Body.String())
	}
}

func TestRequireNameParamAcceptsValidName(t *testing.T) {
	s := New(Options{})
	recorder := httptest.NewRecorder()

	name, ok := s.requireNameParam(recorder, requestWithParam("name", "office-1"), "name")
	if !ok || name != "office-1" {
		t.Fatalf("expected name to pass, got %q ok=%v", name, ok)
	}
}

func TestRequireIDParamRejectsNonNumeric(t *testing.T) {
	recorder := httptest.NewRecorder()
	if _, ok := requireIDParam(recorder, requestWithParam("id", "abc"), "id"); ok {
		t.Fatalf("expected non-numeric id to be rejected")
	}
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	recorder := env.do(t, http.MethodGet, "/api/vpn-instances", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestLoginSetsCookieAndMeReturnsUser(t *testing.T) {
	env := newTestEnv(t, nil)
	recorder := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"admin","password":"`+adminPassword+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range recorder.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("expected http-only session cookie, got %+v", cookie)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	request.AddCookie(cookie)
	me := httptest.NewRecorder()
	env.handler.ServeHTTP(me, request)
	if me.Code != http.StatusOK {
		t.Fatalf("expected 200 from me, got %d", me.Code)
	}
	var body struct {
		User users.User `json:"user"`
	}
	decodeBody(t, me, &body)
	if body.User.Username != "admin" || body.User.Role != users.RoleAdmin {
		t.Fatalf("unexpected user %+v", body.User)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	recorder := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"admin","password":"wrong"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	rules := ratelimit.DefaultRules()
	rules[ratelimit.ClassAuth] = ratelimit.Rule{Limit: 2, Window: time.Minute}
	env := newTestEnv(t, rules)

	for i := 0; i < 2; i++ {
		if code := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"nobody","password":"x"}`).Code; code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, code)
		}
	}
	recorder := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"nobody","password":"x"}`)
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
	if recorder.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("expected rate limit header, got %q", recorder.Header().Get("X-RateLimit-Limit"))
	}
}

func TestHealthIsPublicAndReportsRed(t *testing.T) {
	env := newTestEnv(t, nil)
	recorder := env.do(t, http.MethodGet, "/api/system/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	env.source.diskPercent = 97
	recorder = env.do(t, http.MethodGet, "/api/system/health", "", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with full disk, got %d", recorder.Code)
	}
	var health sysinfo.Health
	decodeBody(t, recorder, &health)
	if health.Overall != sysinfo.Red {
		t.Fatalf("expected red overall, got %q", health.Overall)
	}
}

func TestOperatorCannotManageUsers(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.Create(context.Background(), users.CreateRequest{
		Username: "operator1",
		Password: "Operator-pass1",
		Role:     users.RoleOperator,
	})
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}
	token := env.login(t, "operator1", "Operator-pass1")

	if code := env.do(t, http.MethodGet, "/api/users", token, "").Code; code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator listing users, got %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office"}`).Code; code != http.StatusCreated {
		t.Fatalf("expected operator to create instance, got %d", code)
	}

	denied, err := env.audit.List(context.Background(), audit.Filter{Action: "authz.denied"})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(denied) != 1 || denied[0].Actor != "operator1" {
		t.Fatalf("expected one denied entry for operator1, got %+v", denied)
	}
}

func TestVPNLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)

	recorder := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office","port":1195}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if code := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office"}`).Code; code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", code)
	}

	var started []string
	env.processes.StartFunc = func(_ context.Context, name string) error {
		started = append(started, name)
		return nil
	}
	if code := env.do(t, http.MethodPost, "/api/vpn-instances/office/start", token, "").Code; code != http.StatusOK {
		t.Fatalf("expected start 200, got %d", code)
	}
	if len(started) != 1 || started[0] != "office" {
		t.Fatalf("expected controller start for office, got %v", started)
	}

	env.processes.StatusFunc = func(context.Context, string) (vpn.Status, error) { return vpn.StatusRunning, nil }
	if code := env.do(t, http.MethodDelete, "/api/vpn-instances/office", token, "").Code; code != http.StatusConflict {
		t.Fatalf("expected 409 deleting running instance, got %d", code)
	}

	env.processes.StatusFunc = nil
	if code := env.do(t, http.MethodDelete, "/api/vpn-instances/office", token, "").Code; code != http.StatusOK {
		t.Fatalf("expected delete 200, got %d", code)
	}
	if code := env.do(t, http.MethodGet, "/api/vpn-instances/office", token, "").Code; code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", code)
	}
}

func TestInstanceReadsReflectLiveProcessStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)
	if code := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office-vpn"}`).Code; code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	env.processes.StatusFunc = func(context.Context, string) (vpn.Status, error) { return vpn.StatusRunning, nil }

	var one struct {
		Instance vpn.Instance `json:"instance"`
	}
	recorder := env.do(t, http.MethodGet, "/api/vpn-instances/office-vpn", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("get: %d %s", recorder.Code, recorder.Body.String())
	}
	decodeBody(t, recorder, &one)
	if one.Instance.Status != vpn.StatusRunning {
		t.Fatalf("expected running from live process, got %q", one.Instance.Status)
	}

	var list struct {
		Instances []vpn.Instance `json:"instances"`
	}
	recorder = env.do(t, http.MethodGet, "/api/vpn-instances", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list: %d %s", recorder.Code, recorder.Body.String())
	}
	decodeBody(t, recorder, &list)
	if len(list.Instances) != 1 || list.Instances[0].Status != vpn.StatusRunning {
		t.Fatalf("expected one running instance, got %+v", list.Instances)
	}

	env.processes.StatusFunc = func(context.Context, string) (vpn.Status, error) { return vpn.StatusUnknown, process.ErrScanFailed }
	recorder = env.do(t, http.MethodGet, "/api/vpn-instances/office-vpn", token, "")
	decodeBody(t, recorder, &one)
	if one.Instance.Status != vpn.StatusUnknown {
		t.Fatalf("expected unknown when the scan fails, got %q", one.Instance.Status)
	}
}

func TestStartVPNMapsControllerErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)
	if code := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office"}`).Code; code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}

	env.processes.StartFunc = func(context.Context, string) error { return process.ErrConfigMissing }
	if code := env.do(t, http.MethodPost, "/api/vpn-instances/office/start", token, "").Code; code != http.StatusConflict {
		t.Fatalf("expected 409 for missing config, got %d", code)
	}
	env.processes.StartFunc = func(context.Context, string) error {
		return &process.CommandError{Command: "openvpn", Stderr: "Options error", Err: process.ErrCommandFailed}
	}
	recorder := env.do(t, http.MethodPost, "/api/vpn-instances/office/start", token, "")
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for command failure, got %d", recorder.Code)
	}
	if code := env.do(t, http.MethodPost, "/api/vpn-instances/missing/start", token, "").Code; code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown instance, got %d", code)
	}
}

func TestControllerSecurityErrorsAreAuditedOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)
	if code := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office"}`).Code; code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	countInput := func() int {
		entries, err := env.audit.List(context.Background(), audit.Filter{Action: "vpn.input"})
		if err != nil {
			t.Fatalf("audit list: %v", err)
		}
		return len(entries)
	}

	escape := errors.Join(vpn.ErrSecurity, errors.New("config resolves outside allowed directories"))
	env.processes.StartFunc = func(context.Context, string) error { return process.MarkReported(escape) }
	if code := env.do(t, http.MethodPost, "/api/vpn-instances/office/start", token, "").Code; code != http.StatusBadRequest {
		t.Fatalf("expected 400 for path escape, got %d", code)
	}
	if n := countInput(); n != 0 {
		t.Fatalf("controller already audited the escape, got %d extra entries", n)
	}

	env.processes.StartFunc = func(context.Context, string) error { return escape }
	if code := env.do(t, http.MethodPost, "/api/vpn-instances/office/start", token, "").Code; code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unreported escape, got %d", code)
	}
	if n := countInput(); n != 1 {
		t.Fatalf("expected one entry for an unreported escape, got %d", n)
	}
}

func TestCreateVPNRejectsForbiddenNameAndAudits(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)

	recorder := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"evil;rm"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	entries, err := env.audit.List(context.Background(), audit.Filter{Action: "vpn.input"})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 || entries[0].Severity != audit.SeverityWarning || entries[0].Actor != "admin" {
		t.Fatalf("expected one security entry by admin, got %+v", entries)
	}
}

func TestGenerateConfigAndReportDrift(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)
	if code := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office"}`).Code; code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	if code := env.do(t, http.MethodGet, "/api/vpn-instances/office/config", token, "").Code; code != http.StatusNotFound {
		t.Fatalf("expected 404 before generation, got %d", code)
	}

	recorder := env.do(t, http.MethodPost, "/api/vpn-instances/office/config", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	path := filepath.Join(env.base, "openvpn", "servers", "office", "server.conf")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config at %s: %v", path, err)
	}

	recorder = env.do(t, http.MethodGet, "/api/vpn-instances/office/config", token, "")
	var body struct {
		Content string          `json:"content"`
		Drift   *ovpnconf.Drift `json:"drift"`
	}
	decodeBody(t, recorder, &body)
	if !strings.Contains(body.Content, "port 1194") {
		t.Fatalf("unexpected config content %q", body.Content)
	}
	if body.Drift == nil || !body.Drift.InSync {
		t.Fatalf("expected in-sync drift report, got %+v", body.Drift)
	}

	if code := env.do(t, http.MethodPut, "/api/vpn-instances/office", token, `{"port":1300}`).Code; code != http.StatusOK {
		t.Fatalf("update: %d", code)
	}
	recorder = env.do(t, http.MethodGet, "/api/vpn-instances/office/config", token, "")
	body.Drift = nil
	decodeBody(t, recorder, &body)
	if body.Drift == nil || body.Drift.InSync || len(body.Drift.Missing) == 0 {
		t.Fatalf("expected drift after port change, got %+v", body.Drift)
	}
}

func TestConnectionsReadStatusFile(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)
	if code := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office"}`).Code; code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	status := "TITLE\tOpenVPN 2.6.9\n" +
		"TIME\tnow\t" + strconv.FormatInt(time.Now().Unix(), 10) + "\n" +
		"HEADER\tCLIENT_LIST\tCommon Name\tReal Address\tVirtual Address\tVirtual IPv6 Address\tBytes Received\tBytes Sent\tConnected Since\tConnected Since (time_t)\tUsername\tClient ID\tPeer ID\tData Channel Cipher\n" +
		"CLIENT_LIST\talice\t203.0.113.5:51820\t10.8.0.2\t\t10\t20\tnow\t0\tUNDEF\t0\t0\tAES-256-GCM\n" +
		"END\n"
	if err := util.WriteFileAtomic(filepath.Join(env.base, "logs", "openvpn-office.log"), []byte(status), 0o600); err != nil {
		t.Fatalf("write status: %v", err)
	}

	recorder := env.do(t, http.MethodGet, "/api/vpn-instances/office/connections", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		Clients []stats.Client `json:"clients"`
	}
	decodeBody(t, recorder, &body)
	if len(body.Clients) != 1 || body.Clients[0].CommonName != "alice" {
		t.Fatalf("unexpected clients %+v", body.Clients)
	}
}

func TestClientRoutesWithoutCertificateServiceAreUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)
	recorder := env.do(t, http.MethodPost, "/api/vpn-instances/office/clients", token, `{"name":"alice"}`)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestFirewallApplyFailureKeepsAlias(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)
	env.applier.ApplyFunc = func(*firewall.Ruleset) error { return errors.New("netlink: operation not permitted") }

	recorder := env.do(t, http.MethodPost, "/api/firewall/aliases", token, `{"name":"lan","type":"network","content":"10.0.0.0/24","enabled":true}`)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on apply failure, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.do(t, http.MethodGet, "/api/firewall/aliases", token, "")
	var body struct {
		Aliases []firewall.Alias `json:"aliases"`
	}
	decodeBody(t, recorder, &body)
	if len(body.Aliases) != 1 || body.Aliases[0].Name != "lan" {
		t.Fatalf("expected stored alias despite apply failure, got %+v", body.Aliases)
	}

	recorder = env.do(t, http.MethodGet, "/api/firewall/status", token, "")
	var status struct {
		Status firewall.Status `json:"status"`
	}
	decodeBody(t, recorder, &status)
	if status.Status.Error == "" {
		t.Fatalf("expected last apply error in status, got %+v", status.Status)
	}
}

func TestFirewallRejectsInvalidAlias(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)
	recorder := env.do(t, http.MethodPost, "/api/firewall/aliases", token, `{"name":"lan","type":"network","content":"not-a-cidr"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if len(env.applier.Applied) != 0 {
		t.Fatalf("expected no apply for rejected alias")
	}
}

func TestSettingsDefaultDNSAppliesToNewInstances(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)

	if code := env.do(t, http.MethodPut, "/api/settings", token, `{"defaultDNS":"1.1.1.1, 9.9.9.9"}`).Code; code != http.StatusOK {
		t.Fatalf("save settings: %d", code)
	}
	if code := env.do(t, http.MethodPut, "/api/settings", token, `{"publicPort":70000}`).Code; code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid port, got %d", code)
	}

	recorder := env.do(t, http.MethodPost, "/api/vpn-instances", token, `{"name":"office"}`)
	var body struct {
		Instance vpn.Instance `json:"instance"`
	}
	decodeBody(t, recorder, &body)
	if body.Instance.DNSServers != "1.1.1.1,9.9.9.9" {
		t.Fatalf("expected default DNS on new instance, got %q", body.Instance.DNSServers)
	}
}

func TestPublicEndpointPrefersSettings(t *testing.T) {
	env := newTestEnv(t, nil)
	host, port := env.server.publicEndpoint()
	if host != "vpn.example.org" || port != 0 {
		t.Fatalf("expected config host, got %s:%d", host, port)
	}

	if _, err := env.server.settings.Update(settings.Update{PublicHost: strPtr("edge.example.org"), PublicPort: intPtr(443)}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	host, port = env.server.publicEndpoint()
	if host != "edge.example.org" || port != 443 {
		t.Fatalf("expected settings host, got %s:%d", host, port)
	}

	env.server.cfg.PublicHost = ""
	if _, err := env.server.settings.Update(settings.Update{PublicHost: strPtr("")}); err != nil {
		t.Fatalf("clear settings: %v", err)
	}
	env.server.wanAddress = func() (string, error) { return "198.51.100.1", nil }
	if host, _ = env.server.publicEndpoint(); host != "198.51.100.1" {
		t.Fatalf("expected WAN fallback, got %s", host)
	}
}

func TestBackupCreateListAndRejectBadID(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)

	recorder := env.do(t, http.MethodPost, "/api/backups", token, `{"note":"before upgrade"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = env.do(t, http.MethodGet, "/api/backups", token, "")
	var body struct {
		Backups []backup.Summary `json:"backups"`
	}
	decodeBody(t, recorder, &body)
	if len(body.Backups) != 1 || body.Backups[0].Note != "before upgrade" {
		t.Fatalf("unexpected backups %+v", body.Backups)
	}
	if code := env.do(t, http.MethodDelete, "/api/backups/not-a-uuid", token, "").Code; code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", code)
	}
}

func TestAuditLogsFilterValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", adminPassword)

	if code := env.do(t, http.MethodGet, "/api/system/audit-logs?limit=-1", token, "").Code; code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", code)
	}
	recorder := env.do(t, http.MethodGet, "/api/system/audit-logs?action=auth.login&limit=5000", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body struct {
		Entries []audit.Entry `json:"entries"`
		Limit   int           `json:"limit"`
	}
	decodeBody(t, recorder, &body)
	if body.Limit != maxAuditLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxAuditLimit, body.Limit)
	}
	if len(body.Entries) == 0 || body.Entries[0].Action != "auth.login" {
		t.Fatalf("expected login audit entry, got %+v", body.Entries)
	}
}

func TestAllowedHostsRejectsUnknownHost(t *testing.T) {
	handler := allowedHosts([]string{"console.example.org"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	request := httptest.NewRequest(http.MethodGet, "http://console.example.org:8443/api/system/health", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected allowed host to pass, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "http://attacker.example/api/system/health", nil)
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown host, got %d", recorder.Code)
	}
}

func strPtr(value string) *string { return &value }
func intPtr(value int) *int { return &value }
