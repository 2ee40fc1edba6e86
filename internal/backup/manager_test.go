package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"ovpn-console/internal/database"
	"ovpn-console/internal/diaglog"
	"ovpn-console/internal/settings"
)

type fixture struct {
	manager  *Manager
	caDir    string
	certsDir string
	settings *settings.Manager
	exec     func(query string, args ...any)
	count    func(query string, args ...any) int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	db, err := database.Open(filepath.Join(base, "console.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		caDir:    filepath.Join(base, "openvpn", "ca"),
		certsDir: filepath.Join(base, "openvpn", "certs"),
		settings: settings.NewManager(filepath.Join(base, "settings.json")),
	}
	writeFile(t, filepath.Join(f.caDir, "ca.crt"), "CA CERT")
	writeFile(t, filepath.Join(f.caDir, "ca.key"), "CA KEY")
	writeFile(t, filepath.Join(f.certsDir, "clients", "office", "alice.crt"), "ALICE")

	manager, err := NewManager(Options{
		DB:        db,
		Dir:       filepath.Join(base, "backups"),
		FileRoots: map[string]string{"ca": f.caDir, "certs": f.certsDir},
		Settings:  f.settings,
		Logger:    diaglog.Discard(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return time.Unix(1790000000, 0) }
	f.manager = manager
	f.exec = func(query string, args ...any) {
		t.Helper()
		if _, err := db.Exec(query, args...); err != nil {
			t.Fatalf("exec %q: %v", query, err)
		}
	}
	f.count = func(query string, args ...any) int {
		t.Helper()
		var n int
		if err := db.QueryRow(query, args...).Scan(&n); err != nil {
			t.Fatalf("query %q: %v", query, err)
		}
		return n
	}
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestCreateListGet(t *testing.T) {
	f := newFixture(t)
	f.exec(`INSERT INTO users (username, password_hash, role) VALUES ('alice', 'x', 'admin')`)
	f.exec(`INSERT INTO firewall_aliases (name, type, content) VALUES ('lan', 'network', '10.0.0.0/8')`)
	if err := f.settings.Save(settings.Settings{PublicHost: "vpn.example.com"}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	summary, err := f.manager.Create(context.Background(), " weekly ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ValidateID(summary.ID); err != nil {
		t.Fatalf("backup id is not a uuid: %v", err)
	}
	if summary.Note != "weekly" || summary.Rows["users"] != 1 || summary.Rows["firewall_aliases"] != 1 || summary.Files != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	info, err := os.Stat(filepath.Join(f.manager.dir, summary.ID+".json"))
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 backup file, got %o", info.Mode().Perm())
	}

	list, err := f.manager.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != summary.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	snapshot, err := f.manager.Get(summary.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot.Format != FormatName || snapshot.Version != CurrentVersion || snapshot.CreatedAt != 1790000000 {
		t.Fatalf("unexpected header %+v", snapshot)
	}
	if snapshot.Settings.PublicHost != "vpn.example.com" {
		t.Fatalf("settings missing from snapshot: %+v", snapshot.Settings)
	}
	if got := snapshot.Tables["users"][0]["username"]; got != "alice" {
		t.Fatalf("unexpected user row %+v", snapshot.Tables["users"][0])
	}
	paths := make([]string, 0, len(snapshot.Files))
	for _, file := range snapshot.Files {
		paths = append(paths, file.Path)
	}
	if strings.Join(paths, ",") != "ca/ca.crt,ca/ca.key,certs/clients/office/alice.crt" {
		t.Fatalf("unexpected files %v", paths)
	}
}

func TestRestoreReplacesRowsAndFiles(t *testing.T) {
	f := newFixture(t)
	f.exec(`INSERT INTO users (username, password_hash) VALUES ('alice', 'x')`)
	summary, err := f.manager.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.exec(`DELETE FROM users WHERE username = 'alice'`)
	f.exec(`INSERT INTO users (username, password_hash) VALUES ('bob', 'y')`)
	writeFile(t, filepath.Join(f.caDir, "ca.crt"), "ROTATED")
	writeFile(t, filepath.Join(f.caDir, "extra.pem"), "EXTRA")
	if err := f.settings.Save(settings.Settings{LogLevel: "debug"}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	result, err := f.manager.Restore(context.Background(), summary.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if result.Rows["users"] != 1 || result.Files != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	if n := f.count(`SELECT COUNT(*) FROM users WHERE username = 'alice'`); n != 1 {
		t.Fatalf("expected alice restored, got %d", n)
	}
	if n := f.count(`SELECT COUNT(*) FROM users WHERE username = 'bob'`); n != 0 {
		t.Fatalf("expected bob removed, got %d", n)
	}
	if got := readFile(t, filepath.Join(f.caDir, "ca.crt")); got != "CA CERT" {
		t.Fatalf("ca.crt not restored: %q", got)
	}
	if _, err := os.Stat(filepath.Join(f.caDir, "extra.pem")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected extra.pem removed, got %v", err)
	}
	current, err := f.settings.Get()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if current.LogLevel != "" {
		t.Fatalf("settings not restored: %+v", current)
	}
}

func TestRestoreRollsBackWhenFilesFail(t *testing.T) {
	f := newFixture(t)
	f.exec(`INSERT INTO users (username, password_hash) VALUES ('alice', 'x')`)
	summary, err := f.manager.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.exec(`INSERT INTO users (username, password_hash) VALUES ('bob', 'y')`)
	if err := os.Remove(filepath.Join(f.caDir, "ca.crt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	writeFile(t, filepath.Join(f.caDir, "ca.crt", "blocker"), "DIR")

	if _, err := f.manager.Restore(context.Background(), summary.ID); err == nil {
		t.Fatalf("expected restore to fail")
	} else if !strings.Contains(err.Error(), "rolled back") {
		t.Fatalf("expected rollback message, got %v", err)
	}
	if n := f.count(`SELECT COUNT(*) FROM users WHERE username = 'bob'`); n != 1 {
		t.Fatalf("database changes must be rolled back, bob count %d", n)
	}
	if got := readFile(t, filepath.Join(f.caDir, "ca.crt", "blocker")); got != "DIR" {
		t.Fatalf("previous files not restored: %q", got)
	}
}

func TestValidateIDRejectsTraversal(t *testing.T) {
	valid := uuid.NewString()
	if err := ValidateID(valid); err != nil {
		t.Fatalf("expected %s valid: %v", valid, err)
	}
	for _, id := range []string{"", "../../etc/passwd", strings.ToUpper(valid), "{" + valid + "}", "urn:uuid:" + valid} {
		if err := ValidateID(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID for %q, got %v", id, err)
		}
	}
}

func TestGetAndDeleteMissing(t *testing.T) {
	f := newFixture(t)
	id := uuid.NewString()
	if _, err := f.manager.Get(id); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
	if err := f.manager.Delete(id); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
	if _, err := f.manager.Restore(context.Background(), "../x"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestDeleteRemovesBackup(t *testing.T) {
	f := newFixture(t)
	summary, err := f.manager.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.manager.Delete(summary.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err := f.manager.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %+v", list)
	}
}
