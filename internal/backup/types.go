package backup

import (
	"errors"

	"ovpn-console/internal/settings"
)

const (
	// FormatName identifies ovpn-console backup files.
	FormatName = "ovpn-console-backup"
	// CurrentVersion is incremented on incompatible backup schema changes.
	CurrentVersion = 1
)

var (
	// ErrInvalidSnapshot indicates backup payload validation failure.
	ErrInvalidSnapshot = errors.New("invalid backup snapshot")
	// ErrBackupNotFound indicates an unknown backup id.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrInvalidID rejects ids that are not canonical UUIDs.
	ErrInvalidID = errors.New("invalid backup id")
)

// Row is one table row keyed by column name.
type Row map[string]any

// Snapshot is the full export payload written to <backups>/<id>.json.
type Snapshot struct {
	Format    string            `json:"format"`
	Version   int               `json:"version"`
	ID        string            `json:"id"`
	CreatedAt int64             `json:"createdAt"`
	Note      string            `json:"note,omitempty"`
	Settings  settings.Settings `json:"settings"`
	Tables    map[string][]Row  `json:"tables"`
	Files     []FileRecord      `json:"files"`
}

// FileRecord is one PKI file relative to the CA directory.
type FileRecord struct {
	Path          string `json:"path"`
	Mode          uint32 `json:"mode"`
	ContentBase64 string `json:"contentBase64"`
}

// Summary describes a stored backup without its payload.
type Summary struct {
	ID        string         `json:"id"`
	CreatedAt int64          `json:"createdAt"`
	Note      string         `json:"note,omitempty"`
	Size      int64          `json:"size"`
	Rows      map[string]int `json:"rows"`
	Files     int            `json:"files"`
}

// RestoreResult reports what a restore replaced.
type RestoreResult struct {
	ID       string         `json:"id"`
	Rows     map[string]int `json:"rows"`
	Files    int            `json:"files"`
	Warnings []string       `json:"warnings,omitempty"`
}

func (s Snapshot) summary(size int64) Summary {
	rows := make(map[string]int, len(s.Tables))
	for table, items := range s.Tables {
		rows[table] = len(items)
	}
	return Summary{ID: s.ID, CreatedAt: s.CreatedAt, Note: s.Note, Size: size, Rows: rows, Files: len(s.Files)}
}
