package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"ovpn-console/internal/vpn"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	run   func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	r.mu.Unlock()
	if r.run != nil {
		return r.run(ctx, name, args...)
	}
	return nil, nil, nil
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeTable struct {
	mu    sync.Mutex
	procs []Process
	err   error
}

func (f *fakeTable) Processes() ([]Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]Process(nil), f.procs...), nil
}

func (f *fakeTable) set(procs ...Process) {
	f.mu.Lock()
	f.procs = procs
	f.mu.Unlock()
}

type fakeSignaler struct {
	signaled []int
}

func (f *fakeSignaler) Terminate(pid int) error {
	f.signaled = append(f.signaled, pid)
	return nil
}

type memoryStatus struct {
	mu       sync.Mutex
	statuses map[string]vpn.Status
}

func (m *memoryStatus) SetStatus(_ context.Context, name string, status vpn.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[string]vpn.Status)
	}
	m.statuses[name] = status
	return nil
}

func (m *memoryStatus) get(name string) vpn.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[name]
}

type securityLog struct {
	entries []string
}

func (s *securityLog) SecurityViolation(_ context.Context, action, target, detail string) {
	s.entries = append(s.entries, action+" "+target)
}

type harness struct {
	ctrl     *Controller
	runner   *recordingRunner
	table    *fakeTable
	signaler *fakeSignaler
	store    *memoryStatus
	security *securityLog
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		runner:   &recordingRunner{},
		table:    &fakeTable{},
		signaler: &fakeSignaler{},
		store:    &memoryStatus{},
		security: &securityLog{},
		dir:      filepath.Join(dir, "servers"),
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctrl, err := NewController(Options{
		ServersDir: h.dir,
		Binary:     "/usr/sbin/openvpn",
		Timeout:    time.Second,
		Runner:     h.runner,
		Table:      h.table,
		Signaler:   h.signaler,
		Store:      h.store,
		Security:   h.security,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) writeConfig(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(h.dir, name, "server.conf")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("port 1194\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	return resolved
}

func openvpnProc(pid int, config string) Process {
	return Process{PID: pid, Name: "openvpn", Args: []string{"/usr/sbin/openvpn", "--config", config, "--daemon"}}
}

func TestStartRunsOpenVPNAndMarksRunning(t *testing.T) {
	h := newHarness(t)
	path := h.writeConfig(t, "office-vpn")

	if err := h.ctrl.Start(context.Background(), "office-vpn"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	calls := h.runner.Calls()
	want := "/usr/sbin/openvpn --config " + path + " --daemon"
	if len(calls) != 1 || calls[0] != want {
		t.Fatalf("unexpected calls %v, want %q", calls, want)
	}
	if got := h.store.get("office-vpn"); got != vpn.StatusRunning {
		t.Fatalf("expected running, got %q", got)
	}
}

func TestStartRejectsForbiddenNamesWithoutSubprocess(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"evil;rm -rf /", "../etc", "a|b", "a&b", "$x", "a`b`", `a\b`} {
		err := h.ctrl.Start(context.Background(), name)
		if !errors.Is(err, vpn.ErrSecurity) {
			t.Fatalf("Start(%q): expected ErrSecurity, got %v", name, err)
		}
		err = h.ctrl.Stop(context.Background(), name)
		if !errors.Is(err, vpn.ErrSecurity) {
			t.Fatalf("Stop(%q): expected ErrSecurity, got %v", name, err)
		}
	}
	if calls := h.runner.Calls(); len(calls) != 0 {
		t.Fatalf("no subprocess expected, got %v", calls)
	}
	if len(h.signaler.signaled) != 0 {
		t.Fatalf("no signals expected, got %v", h.signaler.signaled)
	}
	if len(h.security.entries) != 14 {
		t.Fatalf("expected every rejection audited, got %d", len(h.security.entries))
	}
}

func TestStartMissingConfig(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background(), "office-vpn"); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
	if len(h.runner.Calls()) != 0 {
		t.Fatalf("no subprocess expected")
	}
}

func TestStartRejectsSymlinkOutsideAllowList(t *testing.T) {
	h := newHarness(t)
	outside := filepath.Join(t.TempDir(), "evil.conf")
	if err := os.WriteFile(outside, []byte("up /bin/sh\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(h.dir, "office-vpn", "server.conf")
	if err := os.MkdirAll(filepath.Dir(link), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	err := h.ctrl.Start(context.Background(), "office-vpn")
	if !errors.Is(err, vpn.ErrSecurity) {
		t.Fatalf("expected ErrSecurity, got %v", err)
	}
	if !Reported(err) {
		t.Fatalf("expected the escape to be marked as audited")
	}
	if len(h.security.entries) != 1 {
		t.Fatalf("expected one security entry, got %d", len(h.security.entries))
	}
	if len(h.runner.Calls()) != 0 {
		t.Fatalf("no subprocess expected")
	}
}

func TestStartNonZeroExitLeavesStatus(t *testing.T) {
	h := newHarness(t)
	h.writeConfig(t, "office-vpn")
	h.runner.run = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		err := exec.Command("sh", "-c", "exit 1").Run()
		return nil, []byte("Options error: bad directive"), err
	}

	err := h.ctrl.Start(context.Background(), "office-vpn")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 1 || !strings.Contains(cmdErr.Error(), "Options error") {
		t.Fatalf("unexpected command error: %+v", cmdErr)
	}
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed in chain")
	}
	if got := h.store.get("office-vpn"); got != "" {
		t.Fatalf("status must be unchanged, got %q", got)
	}
}

func TestStartTimeoutIsDistinct(t *testing.T) {
	h := newHarness(t)
	h.writeConfig(t, "office-vpn")
	h.ctrl.timeout = 20 * time.Millisecond
	h.runner.run = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}

	err := h.ctrl.Start(context.Background(), "office-vpn")
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if errors.Is(err, ErrCommandFailed) {
		t.Fatalf("timeout must not be reported as a non-zero exit")
	}
	if got := h.store.get("office-vpn"); got != "" {
		t.Fatalf("status must be unchanged, got %q", got)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	path := h.writeConfig(t, "office-vpn")
	h.table.set(openvpnProc(4242, path))

	if err := h.ctrl.Start(context.Background(), "office-vpn"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if len(h.runner.Calls()) != 0 {
		t.Fatalf("no subprocess expected")
	}
}

func TestStopSignalsOnlyExactConfigMatch(t *testing.T) {
	h := newHarness(t)
	path := h.writeConfig(t, "vpn")
	other := h.writeConfig(t, "vpn2")
	h.table.set(
		openvpnProc(100, path),
		openvpnProc(101, other),
		Process{PID: 102, Name: "openvpn", Args: []string{"openvpn", "--config=" + path}},
		Process{PID: 103, Name: "bash", Args: []string{"bash", "--config", path}},
		Process{PID: 104, Name: "openvpn", Args: []string{"openvpn", "--config", "/etc/vpn/server.conf"}},
	)

	if err := h.ctrl.Stop(context.Background(), "vpn"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(h.signaler.signaled) != 2 || h.signaler.signaled[0] != 100 || h.signaler.signaled[1] != 102 {
		t.Fatalf("unexpected signaled pids %v", h.signaler.signaled)
	}
	if got := h.store.get("vpn"); got != vpn.StatusStopped {
		t.Fatalf("expected stopped, got %q", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Stop(context.Background(), "office-vpn"); err != nil {
		t.Fatalf("Stop with no process should succeed: %v", err)
	}
	if got := h.store.get("office-vpn"); got != vpn.StatusStopped {
		t.Fatalf("expected stopped, got %q", got)
	}
	if len(h.signaler.signaled) != 0 {
		t.Fatalf("no signals expected")
	}
}

func TestStatusUnknownOnScanError(t *testing.T) {
	h := newHarness(t)
	h.table.err = os.ErrPermission

	status, err := h.ctrl.Status(context.Background(), "office-vpn")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != vpn.StatusUnknown {
		t.Fatalf("expected unknown, got %q", status)
	}
	if got := h.store.get("office-vpn"); got != vpn.StatusUnknown {
		t.Fatalf("expected unknown written back, got %q", got)
	}
}

func TestStatusRunningAndStopped(t *testing.T) {
	h := newHarness(t)
	path := h.writeConfig(t, "office-vpn")

	status, _ := h.ctrl.Status(context.Background(), "office-vpn")
	if status != vpn.StatusStopped {
		t.Fatalf("expected stopped, got %q", status)
	}
	h.table.set(openvpnProc(7, path))
	status, _ = h.ctrl.Status(context.Background(), "office-vpn")
	if status != vpn.StatusRunning {
		t.Fatalf("expected running, got %q", status)
	}
}

func TestRestartStopsThenStarts(t *testing.T) {
	h := newHarness(t)
	path := h.writeConfig(t, "office-vpn")
	h.table.set(openvpnProc(55, path))
	h.signaler = &fakeSignaler{}
	h.ctrl.signaler = terminateAndClear{h.signaler, h.table}

	if err := h.ctrl.Restart(context.Background(), "office-vpn"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if len(h.signaler.signaled) != 1 || h.signaler.signaled[0] != 55 {
		t.Fatalf("expected pid 55 to be stopped, got %v", h.signaler.signaled)
	}
	if len(h.runner.Calls()) != 1 {
		t.Fatalf("expected one start call, got %v", h.runner.Calls())
	}
	if got := h.store.get("office-vpn"); got != vpn.StatusRunning {
		t.Fatalf("expected running, got %q", got)
	}
}

func TestRestartFailureIsNotRolledBack(t *testing.T) {
	h := newHarness(t)
	h.writeConfig(t, "office-vpn")
	h.runner.run = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return nil, []byte("bind failed"), errors.New("exit status 1")
	}

	err := h.ctrl.Restart(context.Background(), "office-vpn")
	if !errors.Is(err, ErrRestartFailed) {
		t.Fatalf("expected ErrRestartFailed, got %v", err)
	}
	if len(h.runner.Calls()) != 1 {
		t.Fatalf("restart must not retry the start, calls %v", h.runner.Calls())
	}
	if got := h.store.get("office-vpn"); got != vpn.StatusStopped {
		t.Fatalf("expected observed stopped status, got %q", got)
	}
}

func TestRefreshAll(t *testing.T) {
	h := newHarness(t)
	path := h.writeConfig(t, "a")
	h.writeConfig(t, "b")
	h.table.set(openvpnProc(9, path))

	got := h.ctrl.RefreshAll(context.Background(), []string{"a", "b"})
	if got["a"] != vpn.StatusRunning || got["b"] != vpn.StatusStopped {
		t.Fatalf("unexpected refresh result %v", got)
	}

	h.table.err = errors.New("permission denied")
	got = h.ctrl.RefreshAll(context.Background(), []string{"a"})
	if got["a"] != vpn.StatusUnknown {
		t.Fatalf("expected unknown on scan failure, got %v", got)
	}
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	h := newHarness(t)
	path := h.writeConfig(t, "office-vpn")
	h.runner.run = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		h.table.set(openvpnProc(77, path))
		return nil, nil, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.ctrl.Start(context.Background(), "office-vpn")
		}(i)
	}
	wg.Wait()

	if calls := h.runner.Calls(); len(calls) != 1 {
		t.Fatalf("expected one spawn, got %d", len(calls))
	}
	already := 0
	for _, err := range errs {
		if errors.Is(err, ErrAlreadyRunning) {
			already++
		}
	}
	if already != 3 {
		t.Fatalf("expected 3 ErrAlreadyRunning, got %d (%v)", already, errs)
	}
}

// terminateAndClear removes signaled processes from the fake table.
type terminateAndClear struct {
	signaler *fakeSignaler
	table    *fakeTable
}

func (t terminateAndClear) Terminate(pid int) error {
	_ = t.signaler.Terminate(pid)
	t.table.mu.Lock()
	defer t.table.mu.Unlock()
	kept := t.table.procs[:0]
	for _, proc := range t.table.procs {
		if proc.PID != pid {
			kept = append(kept, proc)
		}
	}
	t.table.procs = kept
	return nil
}
