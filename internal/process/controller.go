package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ovpn-console/internal/util"
	"ovpn-console/internal/vpn"
)

var (
	// ErrConfigMissing indicates server.conf has not been generated yet.
	ErrConfigMissing = errors.New("server config not found")
	// ErrAlreadyRunning is returned by Start when a matching process exists.
	ErrAlreadyRunning = errors.New("instance already running")
	// ErrRestartFailed wraps the start failure of a restart whose stop succeeded.
	ErrRestartFailed = errors.New("restart failed")
	// ErrScanFailed indicates the process table could not be read.
	ErrScanFailed = errors.New("process table scan failed")
)

// reportedError wraps an error whose security violation is already in the audit log.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// MarkReported flags err as already audited so callers up the stack do not
// record it again. errors.Is still sees the wrapped error.
func MarkReported(err error) error {
	if err == nil {
		return nil
	}
	return reportedError{err}
}

// Reported reports whether err, or anything it wraps, went through MarkReported.
func Reported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}

// StatusStore receives observed states.
type StatusStore interface {
	SetStatus(ctx context.Context, name string, status vpn.Status) error
}

// SecurityReporter records rejected operations.
type SecurityReporter interface {
	SecurityViolation(ctx context.Context, action, target, detail string)
}

// Options wires a Controller.
type Options struct {
	ServersDir  string
	AllowedDirs []string // in addition to ServersDir
	Binary      string
	Timeout     time.Duration
	Runner      CommandRunner
	Table       ProcessTable
	Signaler    Signaler
	Store       StatusStore
	Security    SecurityReporter
	Logger      logrus.FieldLogger
}

// Controller maps instance names to live OpenVPN processes.
type Controller struct {
	serversDir string
	allowed    []string
	binary     string
	timeout    time.Duration
	runner     CommandRunner
	table      ProcessTable
	signaler   Signaler
	store      StatusStore
	security   SecurityReporter
	log        logrus.FieldLogger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewController builds a controller, defaulting to exec, gosigar and unix signals.
func NewController(opts Options) (*Controller, error) {
	if strings.TrimSpace(opts.ServersDir) == "" {
		return nil, fmt.Errorf("servers directory is required")
	}
	if opts.Binary == "" {
		opts.Binary = "openvpn"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Table == nil {
		opts.Table = SigarTable{}
	}
	if opts.Signaler == nil {
		opts.Signaler = UnixSignaler{}
	}
	if opts.Logger == nil {
		logger := logrus.New()
		opts.Logger = logger
	}
	allowed := append([]string{opts.ServersDir}, opts.AllowedDirs...)
	return &Controller{
		serversDir: opts.ServersDir,
		allowed:    allowed,
		binary:     opts.Binary,
		timeout:    opts.Timeout,
		runner:     opts.Runner,
		table:      opts.Table,
		signaler:   opts.Signaler,
		store:      opts.Store,
		security:   opts.Security,
		log:        opts.Logger,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// ConfigPath is the expected server.conf location for name.
func (c *Controller) ConfigPath(name string) string {
	return filepath.Join(c.serversDir, name, "server.conf")
}

// Start launches `openvpn --config <path> --daemon` for name.
func (c *Controller) Start(ctx context.Context, name string) error {
	if err := c.checkName(ctx, "vpn.start", name); err != nil {
		return err
	}
	unlock := c.lock(name)
	defer unlock()
	return c.startLocked(ctx, name)
}

// Stop sends SIGTERM to every process serving name's config. Stopping a
// stopped instance succeeds.
func (c *Controller) Stop(ctx context.Context, name string) error {
	if err := c.checkName(ctx, "vpn.stop", name); err != nil {
		return err
	}
	unlock := c.lock(name)
	defer unlock()
	return c.stopLocked(ctx, name)
}

// Restart stops then starts name. A failed start is not rolled back.
func (c *Controller) Restart(ctx context.Context, name string) error {
	if err := c.checkName(ctx, "vpn.restart", name); err != nil {
		return err
	}
	unlock := c.lock(name)
	defer unlock()

	if err := c.stopLocked(ctx, name); err != nil {
		return err
	}
	if err := c.startLocked(ctx, name); err != nil {
		c.statusLocked(ctx, name)
		return fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}
	return nil
}

// Status scans the process table and writes the observation back to the store.
func (c *Controller) Status(ctx context.Context, name string) (vpn.Status, error) {
	if err := c.checkName(ctx, "vpn.status", name); err != nil {
		return vpn.StatusUnknown, err
	}
	return c.statusLocked(ctx, name), nil
}

// RefreshAll reconciles the stored status of every named instance.
func (c *Controller) RefreshAll(ctx context.Context, names []string) map[string]vpn.Status {
	out := make(map[string]vpn.Status, len(names))
	procs, err := c.table.Processes()
	for _, name := range names {
		if vpn.ValidateName(name) != nil {
			continue
		}
		status := vpn.StatusUnknown
		if err == nil {
			status = vpn.StatusStopped
			if len(c.matching(procs, name)) > 0 {
				status = vpn.StatusRunning
			}
		}
		c.record(ctx, name, status)
		out[name] = status
	}
	if err != nil {
		c.log.WithError(err).Warn("process table scan failed during refresh")
	}
	return out
}

func (c *Controller) startLocked(ctx context.Context, name string) error {
	path, err := c.resolveConfig(ctx, name)
	if err != nil {
		return err
	}
	procs, err := c.table.Processes()
	if err == nil && len(c.matching(procs, name)) > 0 {
		c.record(ctx, name, vpn.StatusRunning)
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	if err != nil {
		c.log.WithError(err).WithField("instance", name).Warn("process scan failed before start")
	}

	if _, err := RunWithTimeout(ctx, c.runner, c.timeout, c.binary, "--config", path, "--daemon"); err != nil {
		c.log.WithError(err).WithField("instance", name).Error("openvpn start failed")
		return err
	}
	c.record(ctx, name, vpn.StatusRunning)
	c.log.WithField("instance", name).Info("openvpn started")
	return nil
}

func (c *Controller) stopLocked(ctx context.Context, name string) error {
	procs, err := c.table.Processes()
	if err != nil {
		c.record(ctx, name, vpn.StatusUnknown)
		return fmt.Errorf("%w: %w", ErrScanFailed, err)
	}
	var errs []error
	for _, proc := range c.matching(procs, name) {
		if err := c.signaler.Terminate(proc.PID); err != nil {
			errs = append(errs, fmt.Errorf("terminate pid %d: %w", proc.PID, err))
			continue
		}
		c.log.WithFields(logrus.Fields{"instance": name, "pid": proc.PID}).Info("sent SIGTERM")
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.record(ctx, name, vpn.StatusStopped)
	return nil
}

func (c *Controller) statusLocked(ctx context.Context, name string) vpn.Status {
	status := vpn.StatusStopped
	procs, err := c.table.Processes()
	switch {
	case err != nil:
		c.log.WithError(err).WithField("instance", name).Warn("process table scan failed")
		status = vpn.StatusUnknown
	case len(c.matching(procs, name)) > 0:
		status = vpn.StatusRunning
	}
	c.record(ctx, name, status)
	return status
}

func (c *Controller) record(ctx context.Context, name string, status vpn.Status) {
	if c.store == nil {
		return
	}
	if err := c.store.SetStatus(ctx, name, status); err != nil && !errors.Is(err, vpn.ErrVPNNotFound) {
		c.log.WithError(err).WithField("instance", name).Warn("failed to persist status")
	}
}

// checkName validates name and reports security violations before any subprocess runs.
func (c *Controller) checkName(ctx context.Context, action, name string) error {
	err := vpn.ValidateName(name)
	if err == nil {
		return nil
	}
	if errors.Is(err, vpn.ErrSecurity) {
		c.log.WithFields(logrus.Fields{"action": action, "instance": name}).Warn("rejected unsafe instance name")
		if c.security != nil {
			c.security.SecurityViolation(ctx, action, name, err.Error())
			return MarkReported(err)
		}
	}
	return err
}

// resolveConfig returns the symlink-resolved config path if it lies in an allow-listed directory.
func (c *Controller) resolveConfig(ctx context.Context, name string) (string, error) {
	path := c.ConfigPath(name)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return "", err
	}
	for _, dir := range c.allowed {
		root := dir
		if evaluated, err := filepath.EvalSymlinks(dir); err == nil {
			root = evaluated
		}
		if util.WithinDir(root, resolved) {
			return resolved, nil
		}
	}
	detail := fmt.Sprintf("config %s resolves outside allowed directories", path)
	err = fmt.Errorf("%w: %s", vpn.ErrSecurity, detail)
	if c.security != nil {
		c.security.SecurityViolation(ctx, "vpn.start", name, detail)
		return "", MarkReported(err)
	}
	return "", err
}

// matching returns openvpn processes whose --config argument is exactly this
// instance's config path (either as written or symlink-resolved).
func (c *Controller) matching(procs []Process, name string) []Process {
	want := map[string]struct{}{filepath.Clean(c.ConfigPath(name)): {}}
	if resolved, err := filepath.EvalSymlinks(c.ConfigPath(name)); err == nil {
		want[resolved] = struct{}{}
	}
	var out []Process
	for _, proc := range procs {
		if !strings.Contains(strings.ToLower(proc.Name), "openvpn") {
			continue
		}
		if value, ok := configArg(proc.Args); ok {
			if _, hit := want[filepath.Clean(value)]; hit {
				out = append(out, proc)
			}
		}
	}
	return out
}

func configArg(args []string) (string, bool) {
	for i, arg := range args {
		switch {
		case arg == "--config" && i+1 < len(args):
			return args[i+1], true
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config="), true
		}
	}
	return "", false
}

func (c *Controller) lock(name string) func() {
	c.locksMu.Lock()
	mu, ok := c.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[name] = mu
	}
	c.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
