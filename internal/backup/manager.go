// Package backup exports and restores the console's database and PKI files.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ovpn-console/internal/database"
	"ovpn-console/internal/settings"
	"ovpn-console/internal/util"
)

type settingsStore interface {
	Get() (settings.Settings, error)
	Save(settings.Settings) error
}

// Options wires a Manager.
type Options struct {
	DB  *sql.DB
	Dir string
	// FileRoots maps a stable label ("ca", "certs") to a directory whose
	// regular files are captured with every backup.
	FileRoots map[string]string
	Settings  settingsStore
	Logger    logrus.FieldLogger
}

// Manager creates, lists and restores snapshot files.
type Manager struct {
	db       *sql.DB
	dir      string
	roots    map[string]string
	settings settingsStore
	log      logrus.FieldLogger

	now func() time.Time
	mu  sync.Mutex
}

// NewManager validates opts and returns a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		db:       opts.DB,
		dir:      opts.Dir,
		roots:    opts.FileRoots,
		settings: opts.Settings,
		log:      log,
		now:      time.Now,
	}, nil
}

// Create snapshots every table and PKI file and stores the result.
func (m *Manager) Create(ctx context.Context, note string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, err := m.export(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Note = strings.TrimSpace(note)

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, err
	}
	if err := util.WriteFileAtomic(m.path(snapshot.ID), data, 0o600); err != nil {
		return nil, err
	}
	summary := snapshot.summary(int64(len(data)))
	m.log.WithFields(logrus.Fields{"id": snapshot.ID, "files": summary.Files}).Info("backup created")
	return &summary, nil
}

// List returns stored backups, newest first. Unreadable files are skipped.
func (m *Manager) List() ([]Summary, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() || ValidateID(id) != nil {
			continue
		}
		snapshot, size, err := m.load(id)
		if err != nil {
			m.log.WithError(err).WithField("id", id).Warn("skipping unreadable backup")
			continue
		}
		out = append(out, snapshot.summary(size))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get loads a full snapshot.
func (m *Manager) Get(id string) (*Snapshot, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	snapshot, _, err := m.load(id)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Delete removes a stored backup.
func (m *Manager) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return err
	}
	m.log.WithField("id", id).Info("backup deleted")
	return nil
}

// Restore replaces all table rows inside one transaction and rewrites the PKI
// files. If the files cannot be written the transaction is rolled back and
// the previous files are put back.
func (m *Manager) Restore(ctx context.Context, id string) (*RestoreResult, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, _, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if err := validateSnapshot(snapshot, m.roots); err != nil {
		return nil, err
	}
	previous, err := m.exportFiles()
	if err != nil {
		return nil, fmt.Errorf("export current files: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return nil, err
	}
	counts, err := replaceTables(ctx, tx, snapshot.Tables)
	if err != nil {
		return nil, err
	}

	if err := m.replaceFiles(snapshot.Files); err != nil {
		if rollbackErr := m.replaceFiles(previous); rollbackErr != nil {
			return nil, fmt.Errorf("restore files: %v; rollback failed: %w", err, rollbackErr)
		}
		return nil, fmt.Errorf("restore files failed and was rolled back: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if rollbackErr := m.replaceFiles(previous); rollbackErr != nil {
			m.log.WithError(rollbackErr).Error("file rollback after failed commit")
		}
		return nil, err
	}

	result := &RestoreResult{ID: id, Rows: counts, Files: len(snapshot.Files)}
	if m.settings != nil {
		if err := m.settings.Save(snapshot.Settings); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("settings not restored: %v", err))
		}
	}
	m.log.WithFields(logrus.Fields{"id": id, "files": result.Files}).Warn("backup restored")
	return result, nil
}

// ValidateID accepts only canonical lowercase UUIDs, so ids can never name a
// path outside the backup directory.
func ValidateID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func (m *Manager) load(id string) (*Snapshot, int64, error) {
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return nil, 0, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if snapshot.ID != id {
		return nil, 0, fmt.Errorf("%w: id mismatch", ErrInvalidSnapshot)
	}
	return &snapshot, int64(len(data)), nil
}

func (m *Manager) export(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{
		Format:    FormatName,
		Version:   CurrentVersion,
		ID:        uuid.NewString(),
		CreatedAt: m.now().Unix(),
		Tables:    make(map[string][]Row, len(database.Tables)),
	}
	if m.settings != nil {
		current, err := m.settings.Get()
		if err != nil {
			return nil, err
		}
		snapshot.Settings = current
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, table := range database.Tables {
		rows, err := exportTable(ctx, tx, table)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", table, err)
		}
		snapshot.Tables[table] = rows
	}

	files, err := m.exportFiles()
	if err != nil {
		return nil, err
	}
	snapshot.Files = files
	return snapshot, nil
}

func exportTable(ctx context.Context, tx *sql.Tx, table string) ([]Row, error) {
	rows, err := tx.QueryContext(ctx, `SELECT * FROM "`+table+`" ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, column := range columns {
			if b, ok := values[i].([]byte); ok {
				row[column] = string(b)
				continue
			}
			row[column] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// replaceTables clears children before parents, then inserts parents first.
func replaceTables(ctx context.Context, tx *sql.Tx, tables map[string][]Row) (map[string]int, error) {
	for i := len(database.Tables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, `DELETE FROM "`+database.Tables[i]+`"`); err != nil {
			return nil, fmt.Errorf("clear %s: %w", database.Tables[i], err)
		}
	}
	counts := make(map[string]int, len(tables))
	for _, table := range database.Tables {
		rows := tables[table]
		if len(rows) == 0 {
			counts[table] = 0
			continue
		}
		known, err := tableColumns(ctx, tx, table)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			columns := make([]string, 0, len(row))
			for column := range row {
				if !known[column] {
					return nil, fmt.Errorf("%w: unknown column %s.%s", ErrInvalidSnapshot, table, column)
				}
				columns = append(columns, column)
			}
			sort.Strings(columns)
			args := make([]any, len(columns))
			quoted := make([]string, len(columns))
			for i, column := range columns {
				args[i] = normalizeValue(row[column])
				quoted[i] = `"` + column + `"`
			}
			query := `INSERT INTO "` + table + `" (` + strings.Join(quoted, ", ") + `) VALUES (` +
				strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + `)`
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return nil, fmt.Errorf("restore %s: %w", table, err)
			}
		}
		counts[table] = len(rows)
	}
	return counts, nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func normalizeValue(value any) any {
	number, ok := value.(json.Number)
	if !ok {
		return value
	}
	if n, err := number.Int64(); err == nil {
		return n
	}
	if f, err := number.Float64(); err == nil {
		return f
	}
	return number.String()
}

func validateSnapshot(snapshot *Snapshot, roots map[string]string) error {
	if snapshot.Format != FormatName {
		return fmt.Errorf("%w: unsupported backup format %q", ErrInvalidSnapshot, snapshot.Format)
	}
	if snapshot.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported backup version %d", ErrInvalidSnapshot, snapshot.Version)
	}
	known := make(map[string]bool, len(database.Tables))
	for _, table := range database.Tables {
		known[table] = true
	}
	for table := range snapshot.Tables {
		if !known[table] {
			return fmt.Errorf("%w: unknown table %q", ErrInvalidSnapshot, table)
		}
	}
	for _, file := range snapshot.Files {
		root, rel, ok := strings.Cut(file.Path, "/")
		dir, found := roots[root]
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if !ok || !found || rel == "" || filepath.IsAbs(rel) || target == filepath.Clean(dir) || !util.WithinDir(dir, target) {
			return fmt.Errorf("%w: file path %q escapes the backup roots", ErrInvalidSnapshot, file.Path)
		}
		if _, err := base64.StdEncoding.DecodeString(file.ContentBase64); err != nil {
			return fmt.Errorf("%w: file %q content: %v", ErrInvalidSnapshot, file.Path, err)
		}
	}
	return nil
}

// exportFiles captures every regular file under the roots as "<root>/<rel>".
func (m *Manager) exportFiles() ([]FileRecord, error) {
	out := make([]FileRecord, 0)
	for _, label := range sortedRoots(m.roots) {
		dir := m.roots[label]
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == dir {
					return filepath.SkipDir
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			out = append(out, FileRecord{
				Path:          label + "/" + filepath.ToSlash(rel),
				Mode:          uint32(info.Mode().Perm()),
				ContentBase64: base64.StdEncoding.EncodeToString(content),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read %s files: %w", label, err)
		}
	}
	return out, nil
}

// replaceFiles makes every root hold exactly the given files.
func (m *Manager) replaceFiles(files []FileRecord) error {
	wanted := make(map[string]bool, len(files))
	for _, file := range files {
		root, rel, _ := strings.Cut(file.Path, "/")
		dir := m.roots[root]
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if !util.WithinDir(dir, target) {
			return fmt.Errorf("file path %q escapes %s", file.Path, dir)
		}
		content, err := base64.StdEncoding.DecodeString(file.ContentBase64)
		if err != nil {
			return err
		}
		mode := fs.FileMode(file.Mode).Perm()
		if mode == 0 {
			mode = 0o600
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		if err := util.WriteFileAtomic(target, content, mode); err != nil {
			return err
		}
		wanted[target] = true
	}
	for _, label := range sortedRoots(m.roots) {
		dir := m.roots[label]
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == dir {
					return filepath.SkipDir
				}
				return err
			}
			if d.Type().IsRegular() && !wanted[path] {
				return os.Remove(path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func sortedRoots(roots map[string]string) []string {
	labels := make([]string, 0, len(roots))
	for label := range roots {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
