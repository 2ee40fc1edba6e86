// Package diaglog owns the process-wide structured logger.
package diaglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log level, format and optional file rotation.
type Options struct {
	Level      string
	Format     string // text or json
	Dir        string // empty disables file output
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Manager wraps a logrus logger and its rotating file sink.
type Manager struct {
	mu     sync.Mutex
	logger *logrus.Logger
	stdout io.Writer
	rotate *lumberjack.Logger
}

// New creates a manager logging text to stdout at info level.
func New() *Manager {
	return NewWithOutput(os.Stdout)
}

// NewWithOutput creates a manager whose console sink is out.
func NewWithOutput(out io.Writer) *Manager {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Manager{logger: logger, stdout: out}
}

// Logger returns the underlying logrus logger.
func (m *Manager) Logger() *logrus.Logger {
	return m.logger
}

// Component returns a field logger tagged with the component name.
func (m *Manager) Component(name string) logrus.FieldLogger {
	return m.logger.WithField("component", name)
}

// Configure applies level, formatter and file rotation settings.
func (m *Manager) Configure(opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	m.logger.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		m.logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		m.logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format %q", opts.Format)
	}

	if m.rotate != nil {
		_ = m.rotate.Close()
		m.rotate = nil
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		m.logger.SetOutput(m.stdout)
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file := strings.TrimSpace(opts.File)
	if file == "" {
		file = "ovpn-console.log"
	}
	m.rotate = &lumberjack.Logger{
		Filename:   filepath.Join(dir, file),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	m.logger.SetOutput(io.MultiWriter(m.stdout, m.rotate))
	return nil
}

// SetLevel changes verbosity at runtime.
func (m *Manager) SetLevel(raw string) error {
	level, err := ParseLevel(raw)
	if err != nil {
		return err
	}
	m.logger.SetLevel(level)
	return nil
}

// Level reports the current level name.
func (m *Manager) Level() string {
	return m.logger.GetLevel().String()
}

// Close closes the rotating file sink if one is open.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotate == nil {
		return nil
	}
	err := m.rotate.Close()
	m.rotate = nil
	m.logger.SetOutput(m.stdout)
	return err
}

// Debugf logs a debug-level message.
func (m *Manager) Debugf(format string, args ...any) {
	m.logger.Debugf(format, args...)
}

// Infof logs an info-level message.
func (m *Manager) Infof(format string, args ...any) {
	m.logger.Infof(format, args...)
}

// Warnf logs a warning-level message.
func (m *Manager) Warnf(format string, args ...any) {
	m.logger.Warnf(format, args...)
}

// Errorf logs an error-level message.
func (m *Manager) Errorf(format string, args ...any) {
	m.logger.Errorf(format, args...)
}

// ParseLevel maps a level name to logrus, defaulting empty input to info.
func ParseLevel(raw string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	}
	level, err := logrus.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// Discard returns a logger that drops everything; handy for tests and optional deps.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
