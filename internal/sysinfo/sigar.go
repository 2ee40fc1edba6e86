package sysinfo

import (
	"sort"

	sigar "github.com/cloudfoundry/gosigar"
)

// Sigar reads metrics from the running host.
type Sigar struct{}

func (Sigar) Uptime() (float64, error) {
	var up sigar.Uptime
	if err := up.Get(); err != nil {
		return 0, err
	}
	return up.Length, nil
}

func (Sigar) LoadAverage() (Load, error) {
	var avg sigar.LoadAverage
	if err := avg.Get(); err != nil {
		return Load{}, err
	}
	return Load{One: avg.One, Five: avg.Five, Fifteen: avg.Fifteen}, nil
}

// Memory reports actual usage, excluding buffers and cache.
func (Sigar) Memory() (Memory, error) {
	var mem sigar.Mem
	if err := mem.Get(); err != nil {
		return Memory{}, err
	}
	return Memory{
		Total:       mem.Total,
		Used:        mem.ActualUsed,
		Free:        mem.ActualFree,
		UsedPercent: percent(mem.ActualUsed, mem.Total),
	}, nil
}

func (Sigar) Swap() (Memory, error) {
	var swap sigar.Swap
	if err := swap.Get(); err != nil {
		return Memory{}, err
	}
	return Memory{Total: swap.Total, Used: swap.Used, Free: swap.Free, UsedPercent: percent(swap.Used, swap.Total)}, nil
}

func (Sigar) CPUCount() (int, error) {
	var cpus sigar.CpuList
	if err := cpus.Get(); err != nil {
		return 0, err
	}
	return len(cpus.List), nil
}

func (Sigar) ProcessCount() (int, error) {
	var procs sigar.ProcList
	if err := procs.Get(); err != nil {
		return 0, err
	}
	return len(procs.List), nil
}

// DiskUsage converts gosigar's KiB figures to bytes.
func (Sigar) DiskUsage(path string) (Disk, error) {
	var usage sigar.FileSystemUsage
	if err := usage.Get(path); err != nil {
		return Disk{}, err
	}
	total, used, free := usage.Total*1024, usage.Used*1024, usage.Avail*1024
	return Disk{Path: path, Total: total, Used: used, Free: free, UsedPercent: percent(used, total)}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
