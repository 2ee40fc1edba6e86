package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/auth"
	"ovpn-console/internal/backup"
	"ovpn-console/internal/certs"
	"ovpn-console/internal/config"
	"ovpn-console/internal/diaglog"
	"ovpn-console/internal/firewall"
	"ovpn-console/internal/ovpnconf"
	"ovpn-console/internal/ratelimit"
	"ovpn-console/internal/settings"
	"ovpn-console/internal/stats"
	"ovpn-console/internal/sysinfo"
	"ovpn-console/internal/users"
	"ovpn-console/internal/util"
	"ovpn-console/internal/vpn"
)

// VPNController starts, stops and inspects OpenVPN server processes.
type VPNController interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (vpn.Status, error)
	RefreshAll(ctx context.Context, names []string) map[string]vpn.Status
}

// Options carries every component the API serves.
type Options struct {
	Config    *config.Config
	Instances *vpn.Store
	Generator ovpnconf.Generator
	Processes VPNController
	Certs     *certs.Service
	Users     *users.Store
	Auth      *auth.Manager
	Audit     *audit.Recorder
	Limiter   *ratelimit.Limiter
	Firewall  *firewall.Service
	Backups   *backup.Manager
	System    *sysinfo.Monitor
	Stats     *stats.Reader
	Settings  *settings.Manager
	Logs      *diaglog.Manager
	Logger    logrus.FieldLogger
}

// Server handles HTTP requests.
type Server struct {
	cfg       *config.Config
	instances *vpn.Store
	generator ovpnconf.Generator
	processes VPNController
	certs     *certs.Service
	users     *users.Store
	auth      *auth.Manager
	audit     *audit.Recorder
	limiter   *ratelimit.Limiter
	firewall  *firewall.Service
	backups   *backup.Manager
	system    *sysinfo.Monitor
	stats     *stats.Reader
	settings  *settings.Manager
	logs      *diaglog.Manager
	log       logrus.FieldLogger

	// resolves the remote written into client profiles when no host is configured
	wanAddress func() (string, error)
}

// New creates an HTTP server.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = diaglog.Discard()
	}
	return &Server{
		cfg:        cfg,
		instances:  opts.Instances,
		generator:  opts.Generator,
		processes:  opts.Processes,
		certs:      opts.Certs,
		users:      opts.Users,
		auth:       opts.Auth,
		audit:      opts.Audit,
		limiter:    opts.Limiter,
		firewall:   opts.Firewall,
		backups:    opts.Backups,
		system:     opts.System,
		stats:      opts.Stats,
		settings:   opts.Settings,
		logs:       opts.Logs,
		log:        log,
		wanAddress: util.WANAddress,
	}
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(diaglog.AccessLog(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.APIKeyHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if len(s.cfg.HTTP.AllowedHosts) > 0 {
		r.Use(allowedHosts(s.cfg.HTTP.AllowedHosts))
	}

	r.Route("/api", func(api chi.Router) {
		if s.auth != nil {
			api.Use(s.auth.Middleware)
		}
		api.With(s.limit(ratelimit.ClassAuth)).Post("/auth/login", s.handleLogin)
		api.Get("/system/health", s.handleHealth)

		api.Group(func(p chi.Router) {
			operator := s.requireRole(users.RoleAdmin, users.RoleOperator)
			admin := s.requireRole(users.RoleAdmin)
			vpnOps := s.limit(ratelimit.ClassVPNOperations)
			certOps := s.limit(ratelimit.ClassCertOperations)

			p.Group(func(g chi.Router) {
				g.Use(s.limit(ratelimit.ClassAPI))

				g.Post("/auth/logout", s.handleLogout)
				g.Get("/auth/me", s.handleMe)
				g.Post("/auth/password", s.handleChangePassword)
				g.Get("/auth/api-keys", s.handleListAPIKeys)
				g.Post("/auth/api-keys", s.handleCreateAPIKey)
				g.Delete("/auth/api-keys/{id}", s.handleRevokeAPIKey)

				g.With(admin).Get("/users", s.handleListUsers)
				g.With(admin).Post("/users", s.handleCreateUser)
				g.With(admin).Get("/users/{id}", s.handleGetUser)
				g.With(admin).Put("/users/{id}", s.handleUpdateUser)
				g.With(admin).Delete("/users/{id}", s.handleDeleteUser)
				g.With(admin).Post("/users/{id}/password", s.handleResetPassword)

				g.Get("/groups", s.handleListGroups)
				g.Get("/groups/{id}", s.handleGetGroup)
				g.With(admin).Post("/groups", s.handleCreateGroup)
				g.With(admin).Put("/groups/{id}", s.handleUpdateGroup)
				g.With(admin).Delete("/groups/{id}", s.handleDeleteGroup)
				g.With(admin).Put("/groups/{id}/members", s.handleSetGroupMembers)

				g.Get("/vpn-instances", s.handleListVPNs)
				g.With(operator).Post("/vpn-instances", s.handleCreateVPN)
				g.Get("/vpn-instances/{name}", s.handleGetVPN)
				g.With(operator).Put("/vpn-instances/{name}", s.handleUpdateVPN)
				g.With(operator).Delete("/vpn-instances/{name}", s.handleDeleteVPN)
				g.Get("/vpn-instances/{name}/status", s.handleVPNStatus)
				g.Get("/vpn-instances/{name}/config", s.handleGetVPNConfig)
				g.Get("/vpn-instances/{name}/clients", s.handleListClients)
				g.With(operator).Get("/vpn-instances/{name}/clients/{client}/config", s.handleDownloadClientConfig)
				g.Get("/vpn-instances/{name}/connections", s.handleConnections)

				g.Get("/certificates", s.handleListCertificates)
				g.Get("/certificates/crl", s.handleCRL)

				g.Get("/firewall/aliases", s.handleListAliases)
				g.Get("/firewall/aliases/{id}", s.handleGetAlias)
				g.With(operator).Post("/firewall/aliases", s.handleCreateAlias)
				g.With(operator).Put("/firewall/aliases/{id}", s.handleUpdateAlias)
				g.With(operator).Delete("/firewall/aliases/{id}", s.handleDeleteAlias)
				g.Get("/firewall/rules", s.handleListRules)
				g.Get("/firewall/rules/{id}", s.handleGetRule)
				g.With(operator).Post("/firewall/rules", s.handleCreateRule)
				g.With(operator).Put("/firewall/rules/{id}", s.handleUpdateRule)
				g.With(operator).Delete("/firewall/rules/{id}", s.handleDeleteRule)
				g.With(operator).Post("/firewall/apply", s.handleApplyFirewall)
				g.Get("/firewall/status", s.handleFirewallStatus)
				g.Get("/firewall/preview", s.handleFirewallPreview)

				g.Get("/system/info", s.handleSystemInfo)
				g.With(operator).Get("/system/audit-logs", s.handleAuditLogs)
				g.Get("/system/version", s.handleVersion)

				g.With(operator).Get("/backups", s.handleListBackups)
				g.With(admin).Post("/backups", s.handleCreateBackup)
				g.With(admin).Post("/backups/{id}/restore", s.handleRestoreBackup)
				g.With(admin).Delete("/backups/{id}", s.handleDeleteBackup)

				g.Get("/settings", s.handleGetSettings)
				g.With(admin).Put("/settings", s.handleSaveSettings)
			})

			p.With(vpnOps, operator).Post("/vpn-instances/{name}/start", s.handleStartVPN)
			p.With(vpnOps, operator).Post("/vpn-instances/{name}/stop", s.handleStopVPN)
			p.With(vpnOps, operator).Post("/vpn-instances/{name}/restart", s.handleRestartVPN)
			p.With(vpnOps, operator).Post("/vpn-instances/{name}/config", s.handleGenerateVPNConfig)

			p.With(certOps, operator).Post("/vpn-instances/{name}/clients", s.handleCreateClient)
			p.With(certOps, operator).Delete("/vpn-instances/{name}/clients/{client}", s.handleRevokeClient)
			p.With(certOps, admin).Post("/certificates/ca", s.handleInitCA)
			p.With(certOps, operator).Post("/certificates/server", s.handleIssueServerCert)
		})
	})

	return r
}

// limit applies the limiter class keyed by username when authenticated and
// by remote address otherwise.
func (s *Server) limit(class string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return passthrough
	}
	return s.limiter.Middleware(class, rateKey)
}

func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	if s.auth == nil {
		return passthrough
	}
	return s.auth.RequireRole(roles...)
}

func rateKey(r *http.Request) string {
	if id := auth.IdentityFrom(r.Context()); id != nil {
		return "user:" + id.Username
	}
	return "ip:" + ratelimit.RemoteIP(r)
}

func passthrough(next http.Handler) http.Handler { return next }

// record writes an audit entry; the actor comes from the request context.
func (s *Server) record(ctx context.Context, action, target, outcome, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Log(ctx, action, target, outcome, detail)
}
