package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/auth"
	"ovpn-console/internal/backup"
	"ovpn-console/internal/certs"
	"ovpn-console/internal/config"
	"ovpn-console/internal/database"
	"ovpn-console/internal/diaglog"
	"ovpn-console/internal/firewall"
	"ovpn-console/internal/maintenance"
	"ovpn-console/internal/ovpnconf"
	"ovpn-console/internal/process"
	"ovpn-console/internal/ratelimit"
	"ovpn-console/internal/server"
	"ovpn-console/internal/settings"
	"ovpn-console/internal/stats"
	"ovpn-console/internal/sysinfo"
	"ovpn-console/internal/users"
	"ovpn-console/internal/util"
	"ovpn-console/internal/version"
	"ovpn-console/internal/vpn"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	baseDir := flag.String("base-dir", "", "data directory (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Current().String())
		return
	}

	logs := diaglog.New()
	log := logs.Component("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *baseDir != "" {
		cfg.BaseDir = *baseDir
	}
	warnings, err := cfg.Validate()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	for _, warning := range warnings {
		log.Warn(warning)
	}

	if err := logs.Configure(diaglog.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Dir:        cfg.LogsDir(),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAge,
	}); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	defer logs.Close()
	log.WithField("version", version.Current().String()).Info("starting")

	db, err := database.Open(cfg.DBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	app, err := build(cfg, db, logs)
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}

	ctx := context.Background()
	generated, created, err := app.users.EnsureAdmin(ctx, cfg.Auth.AdminPassword)
	if err != nil {
		log.Fatalf("failed to seed admin account: %v", err)
	}
	if created && generated != "" {
		log.WithField("username", "admin").Warnf("generated initial admin password: %s", generated)
	}

	if settingsValue, err := app.settings.Get(); err != nil {
		log.WithError(err).Warn("failed to load settings")
	} else if settingsValue.LogLevel != "" {
		if err := logs.SetLevel(settingsValue.LogLevel); err != nil {
			log.WithError(err).Warn("ignoring stored log level")
		}
	}

	if cfg.Firewall.Enabled {
		if err := app.firewall.Apply(ctx); err != nil {
			log.WithError(err).Warn("initial firewall apply failed")
		}
	}

	scheduler := maintenance.NewScheduler(logs.Component("maintenance"))
	addJobs(scheduler, cfg, app, logs)

	srv := server.New(server.Options{
		Config:    cfg,
		Instances: app.instances,
		Generator: app.generator,
		Processes: app.processes,
		Certs:     app.certs,
		Users:     app.users,
		Auth:      app.auth,
		Audit:     app.audit,
		Limiter:   app.limiter,
		Firewall:  app.firewall,
		Backups:   app.backups,
		System:    app.system,
		Stats:     app.stats,
		Settings:  app.settings,
		Logs:      logs,
		Logger:    logs.Component("http"),
	})

	listenAddr := resolveListenAddress(cfg.ListenAddr, cfg.ListenInterface, log)
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan struct{})
	scheduler.Start(stop)

	go func() {
		log.WithFields(logrus.Fields{"addr": listenAddr, "tls": cfg.TLS.Enabled}).Info("ovpn console listening")
		var err error
		if cfg.TLS.Enabled {
			err = httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Info("shutting down...")
	close(stop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown error")
	}
	scheduler.Wait()
}

type components struct {
	instances *vpn.Store
	generator ovpnconf.Generator
	processes *process.Controller
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
}

func build(cfg *config.Config, db *sql.DB, logs *diaglog.Manager) (*components, error) {
	app := &components{
		generator: ovpnconf.Generator{
			OpenVPNDir: cfg.OpenVPNDir(),
			CADir:      cfg.CADir(),
			CertsDir:   cfg.CertsDir(),
			LogsDir:    cfg.LogsDir(),
		},
		settings: settings.NewManager(cfg.SettingsPath()),
	}
	var err error

	if app.audit, err = audit.NewRecorder(db, logs.Component("audit")); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if app.instances, err = vpn.NewStore(db); err != nil {
		return nil, fmt.Errorf("vpn store: %w", err)
	}
	if app.users, err = users.NewStore(db); err != nil {
		return nil, fmt.Errorf("user store: %w", err)
	}

	var directory auth.Directory
	if cfg.LDAP.Enabled {
		directory = &auth.LDAPDirectory{
			Address:            cfg.LDAP.Address,
			Transport:          cfg.LDAP.Transport,
			BindDN:             cfg.LDAP.BindDN,
			InsecureSkipVerify: cfg.LDAP.InsecureSkipVerify,
			Timeout:            cfg.CommandTimeout,
		}
	}
	if app.auth, err = auth.NewManager(auth.Options{
		DB:        db,
		Users:     app.users,
		Secret:    []byte(cfg.Auth.JWTSecret),
		TTL:       cfg.Auth.SessionTTL,
		Directory: directory,
		Audit:     app.audit,
		Logger:    logs.Component("auth"),
	}); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	if app.processes, err = process.NewController(process.Options{
		ServersDir: app.generator.ServersDir(),
		Binary:     cfg.Binaries.OpenVPN,
		Timeout:    cfg.CommandTimeout,
		Store:      app.instances,
		Security:   app.audit,
		Logger:     logs.Component("process"),
	}); err != nil {
		return nil, fmt.Errorf("process controller: %w", err)
	}

	certStore, err := certs.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("certificate store: %w", err)
	}
	if app.certs, err = certs.NewService(certs.Options{
		CADir:    cfg.CADir(),
		CertsDir: cfg.CertsDir(),
		OpenSSL:  cfg.Binaries.OpenSSL,
		OpenVPN:  cfg.Binaries.OpenVPN,
		Timeout:  cfg.CommandTimeout,
		Store:    certStore,
		Subject:  certs.Subject(cfg.Subject),
		Logger:   logs.Component("certs"),
	}); err != nil {
		return nil, fmt.Errorf("certificates: %w", err)
	}

	rules := map[string]ratelimit.Rule{
		ratelimit.ClassAuth:           ratelimit.Rule(cfg.RateLimit.Auth),
		ratelimit.ClassAPI:            ratelimit.Rule(cfg.RateLimit.API),
		ratelimit.ClassVPNOperations:  ratelimit.Rule(cfg.RateLimit.VPNOperations),
		ratelimit.ClassCertOperations: ratelimit.Rule(cfg.RateLimit.CertOperations),
	}
	app.limiter = ratelimit.New(rules, cfg.RateLimit.MaxKeys)

	fwStore, err := firewall.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("firewall store: %w", err)
	}
	app.firewall = firewall.NewService(fwStore, app.instances, firewall.NFTApplier{}, cfg.Firewall.Enabled, logs.Component("firewall"))

	if app.backups, err = backup.NewManager(backup.Options{
		DB:  db,
		Dir: cfg.BackupsDir(),
		FileRoots: map[string]string{
			"ca":    cfg.CADir(),
			"certs": cfg.CertsDir(),
		},
		Settings: app.settings,
		Logger:   logs.Component("backup"),
	}); err != nil {
		return nil, fmt.Errorf("backups: %w", err)
	}

	app.system = sysinfo.NewMonitor(sysinfo.Options{
		BaseDir: cfg.BaseDir,
		Binaries: map[string]string{
			"openvpn": cfg.Binaries.OpenVPN,
			"openssl": cfg.Binaries.OpenSSL,
		},
		Ping:   func(ctx context.Context) error { return database.Ping(ctx, db) },
		Source: sysinfo.Sigar{},
	})
	app.stats = stats.NewReader(app.generator.StatusLogPath)
	return app, nil
}

func addJobs(scheduler *maintenance.Scheduler, cfg *config.Config, app *components, logs *diaglog.Manager) {
	jobLog := logs.Component("maintenance")
	scheduler.Add(maintenance.Job{
		Name:     "status-refresh",
		Interval: cfg.Jobs.StatusRefresh,
		Timeout:  cfg.CommandTimeout,
		Run:      maintenance.StatusRefresh(app.instances, app.processes, app.stats, jobLog),
	})
	scheduler.Add(maintenance.Job{
		Name:     "certificate-sweep",
		Interval: cfg.Jobs.CertSweep,
		Timeout:  time.Minute,
		Run:      maintenance.CertificateSweep(app.certs, cfg.Jobs.CertExpiryWarn, time.Now, jobLog),
	})
	scheduler.Add(maintenance.Job{
		Name:     "audit-prune",
		Interval: cfg.Jobs.AuditPrune,
		Timeout:  time.Minute,
		Run:      maintenance.AuditPrune(app.audit, cfg.Jobs.AuditRetention, time.Now, jobLog),
	})
	scheduler.Add(maintenance.Job{
		Name:     "limiter-sweep",
		Interval: cfg.Jobs.LimiterSweep,
		Timeout:  10 * time.Second,
		Run:      maintenance.LimiterSweep(app.limiter, time.Now),
	})
}

// resolveListenAddress binds to the IPv4 address of listenInterface when one
// is configured, keeping the port from defaultAddr.
func resolveListenAddress(defaultAddr, listenInterface string, log logrus.FieldLogger) string {
	host, port, err := net.SplitHostPort(defaultAddr)
	if err != nil {
		trimmed := strings.TrimPrefix(defaultAddr, ":")
		if trimmed == "" {
			port = "8443"
		} else {
			port = trimmed
		}
		host = ""
	}
	fallback := net.JoinHostPort(host, port)
	if listenInterface == "" {
		return fallback
	}
	ip, err := util.InterfaceIPv4(listenInterface)
	if err != nil || ip == "" {
		log.WithError(err).WithField("interface", listenInterface).Warn("unable to resolve interface address")
		return fallback
	}
	return net.JoinHostPort(ip, port)
}
