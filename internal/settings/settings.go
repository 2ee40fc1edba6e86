// Package settings persists the runtime preferences editable from the UI.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ovpn-console/internal/diaglog"
	"ovpn-console/internal/util"
)

// ErrInvalid marks a rejected settings update.
var ErrInvalid = errors.New("invalid settings")

// Settings captures preferences persisted across restarts.
type Settings struct {
	// Client config "remote"; empty falls back to the configured public host.
	PublicHost string `json:"publicHost"`
	PublicPort int    `json:"publicPort,omitempty"`
	// Comma separated DNS servers pushed when an instance has none.
	DefaultDNS string `json:"defaultDNS"`
	LogLevel   string `json:"logLevel"`
}

// Update carries optional fields for a partial change.
type Update struct {
	PublicHost *string `json:"publicHost"`
	PublicPort *int    `json:"publicPort"`
	DefaultDNS *string `json:"defaultDNS"`
	LogLevel   *string `json:"logLevel"`
}

// Apply overlays the non-nil fields onto s.
func (u Update) Apply(s *Settings) {
	if u.PublicHost != nil {
		s.PublicHost = strings.TrimSpace(*u.PublicHost)
	}
	if u.PublicPort != nil {
		s.PublicPort = *u.PublicPort
	}
	if u.DefaultDNS != nil {
		s.DefaultDNS = strings.Join(util.SplitCSV(*u.DefaultDNS), ",")
	}
	if u.LogLevel != nil {
		s.LogLevel = strings.ToLower(strings.TrimSpace(*u.LogLevel))
	}
}

// Validate checks host, port, DNS and log level.
func Validate(s Settings) error {
	if s.PublicHost != "" && !util.IsIPOrHostname(s.PublicHost) {
		return fmt.Errorf("%w: public host %q is not an IP or hostname", ErrInvalid, s.PublicHost)
	}
	if s.PublicPort < 0 || s.PublicPort > 65535 {
		return fmt.Errorf("%w: public port must be between 1 and 65535", ErrInvalid)
	}
	for _, dns := range util.SplitCSV(s.DefaultDNS) {
		if !util.IsIPOrHostname(dns) {
			return fmt.Errorf("%w: dns server %q is not an IP or hostname", ErrInvalid, dns)
		}
	}
	if s.LogLevel != "" {
		if _, err := diaglog.ParseLevel(s.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Manager handles persistence of Settings on disk.
type Manager struct {
	path   string
	mu     sync.RWMutex
	cached Settings
	loaded bool
}

// NewManager creates a settings manager whose file is at settingsPath.
func NewManager(settingsPath string) *Manager {
	return &Manager{path: settingsPath}
}

// Get returns the cached settings, loading from disk if necessary.
func (m *Manager) Get() (Settings, error) {
	m.mu.RLock()
	if m.loaded {
		defer m.mu.RUnlock()
		return m.cached, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.cached, nil
	}

	bytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.loaded = true
			m.cached = Settings{}
			return m.cached, nil
		}
		return Settings{}, err
	}

	var settings Settings
	if err := json.Unmarshal(bytes, &settings); err != nil {
		return Settings{}, err
	}
	m.cached = settings
	m.loaded = true
	return settings, nil
}

// Save validates and persists the provided settings.
func (m *Manager) Save(settings Settings) error {
	if err := Validate(settings); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(m.path, data, 0o600); err != nil {
		return err
	}
	m.cached = settings
	m.loaded = true
	return nil
}

// Update applies a partial change and returns the stored result.
func (m *Manager) Update(u Update) (Settings, error) {
	current, err := m.Get()
	if err != nil {
		return Settings{}, err
	}
	u.Apply(&current)
	if err := m.Save(current); err != nil {
		return Settings{}, err
	}
	return current, nil
}

// Path returns the settings file location.
func (m *Manager) Path() string { return m.path }
