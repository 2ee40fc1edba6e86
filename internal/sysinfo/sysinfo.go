// Package sysinfo reports host facts and health through gosigar.
package sysinfo

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime"
	"time"

	"ovpn-console/internal/util"
	"ovpn-console/internal/version"
)

// Health levels, ordered by severity.
const (
	Green  = "green"
	Yellow = "yellow"
	Red    = "red"
)

// Thresholds in percent.
const (
	DiskYellow   = 85.0
	DiskRed      = 95.0
	MemoryYellow = 90.0
)

// Memory is a used/total pair in bytes.
type Memory struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
}

// Disk is file system usage of one path in bytes.
type Disk struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
}

// Load is the 1/5/15 minute load average.
type Load struct {
	One     float64 `json:"one"`
	Five    float64 `json:"five"`
	Fifteen float64 `json:"fifteen"`
}

// Info is the /system/info payload.
type Info struct {
	Hostname    string               `json:"hostname"`
	OS          string               `json:"os"`
	Arch        string               `json:"arch"`
	Version     version.Info         `json:"version"`
	Uptime      int64                `json:"uptime"`
	UptimeText  string               `json:"uptimeText"`
	BootTime    time.Time            `json:"bootTime"`
	Load        Load                 `json:"load"`
	Memory      Memory               `json:"memory"`
	Swap        Memory               `json:"swap"`
	CPUCount    int                  `json:"cpuCount"`
	Processes   int                  `json:"processes"`
	Disk        Disk                 `json:"disk"`
	Interfaces  []util.InterfaceInfo `json:"interfaces"`
	CurrentTime time.Time            `json:"currentTime"`
}

// Check is a single health check result.
type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health is the aggregated /system/health payload.
type Health struct {
	Overall   string    `json:"overall"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Source reads raw host metrics. Sigar is the production implementation.
type Source interface {
	Uptime() (float64, error)
	LoadAverage() (Load, error)
	Memory() (Memory, error)
	Swap() (Memory, error)
	CPUCount() (int, error)
	ProcessCount() (int, error)
	DiskUsage(path string) (Disk, error)
}

// Pinger checks database reachability.
type Pinger func(ctx context.Context) error

// Options configures a Monitor.
type Options struct {
	BaseDir  string
	Binaries map[string]string
	Ping     Pinger
	Source   Source
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Monitor gathers Info and Health.
type Monitor struct {
	baseDir  string
	binaries map[string]string
	ping     Pinger
	source   Source
	lookPath func(string) (string, error)
	now      func() time.Time
}

// NewMonitor builds a monitor; a nil Source uses gosigar.
func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		baseDir:  opts.BaseDir,
		binaries: opts.Binaries,
		ping:     opts.Ping,
		source:   opts.Source,
		lookPath: opts.LookPath,
		now:      time.Now,
	}
	if m.source == nil {
		m.source = Sigar{}
	}
	if m.lookPath == nil {
		m.lookPath = exec.LookPath
	}
	if m.baseDir == "" {
		m.baseDir = "/"
	}
	return m
}

// Info collects host facts. Individual lookup failures leave zero values.
func (m *Monitor) Info() Info {
	info := Info{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Version:     version.Current(),
		CurrentTime: m.now(),
	}
	if host, err := os.Hostname(); err == nil {
		info.Hostname = host
	}
	if up, err := m.source.Uptime(); err == nil {
		info.Uptime = int64(up)
		info.UptimeText = formatUptime(info.Uptime)
		info.BootTime = info.CurrentTime.Add(-time.Duration(info.Uptime) * time.Second)
	}
	if load, err := m.source.LoadAverage(); err == nil {
		info.Load = Load{One: round2(load.One), Five: round2(load.Five), Fifteen: round2(load.Fifteen)}
	}
	if mem, err := m.source.Memory(); err == nil {
		info.Memory = mem
	}
	if swap, err := m.source.Swap(); err == nil {
		info.Swap = swap
	}
	if n, err := m.source.CPUCount(); err == nil {
		info.CPUCount = n
	}
	if n, err := m.source.ProcessCount(); err == nil {
		info.Processes = n
	}
	if disk, err := m.source.DiskUsage(m.baseDir); err == nil {
		info.Disk = disk
	}
	if ifaces, err := util.InterfacesWithAddrs(); err == nil {
		info.Interfaces = ifaces
	}
	return info
}

// Health runs every check and reports the worst level as Overall.
func (m *Monitor) Health(ctx context.Context) Health {
	h := Health{Overall: Green, CheckedAt: m.now()}
	add := func(c Check) {
		h.Checks = append(h.Checks, c)
		h.Overall = worse(h.Overall, c.Status)
	}

	if m.ping != nil {
		if err := m.ping(ctx); err != nil {
			add(Check{Name: "database", Status: Red, Message: err.Error()})
		} else {
			add(Check{Name: "database", Status: Green})
		}
	}

	for _, name := range sortedKeys(m.binaries) {
		path := m.binaries[name]
		if _, err := m.lookPath(path); err != nil {
			add(Check{Name: name, Status: Red, Message: fmt.Sprintf("%s not executable: %v", path, err)})
			continue
		}
		add(Check{Name: name, Status: Green})
	}

	if disk, err := m.source.DiskUsage(m.baseDir); err != nil {
		add(Check{Name: "disk", Status: Yellow, Message: err.Error()})
	} else {
		add(levelCheck("disk", disk.UsedPercent, DiskYellow, DiskRed,
			fmt.Sprintf("%s %.0f%% used", disk.Path, disk.UsedPercent)))
	}

	if mem, err := m.source.Memory(); err != nil {
		add(Check{Name: "memory", Status: Yellow, Message: err.Error()})
	} else {
		add(levelCheck("memory", mem.UsedPercent, MemoryYellow, math.Inf(1),
			fmt.Sprintf("%.0f%% used", mem.UsedPercent)))
	}
	return h
}

func levelCheck(name string, value, yellow, red float64, msg string) Check {
	switch {
	case value >= red:
		return Check{Name: name, Status: Red, Message: msg}
	case value >= yellow:
		return Check{Name: name, Status: Yellow, Message: msg}
	}
	return Check{Name: name, Status: Green, Message: msg}
}

func worse(a, b string) string {
	rank := map[string]int{Green: 0, Yellow: 1, Red: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return round2(math.Min(100, 100*float64(used)/float64(total)))
}
