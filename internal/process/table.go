package process

import (
	"errors"
	"fmt"

	sigar "github.com/cloudfoundry/gosigar"
	"golang.org/x/sys/unix"
)

// Process is one entry of the OS process table.
type Process struct {
	PID  int
	Name string
	Args []string
}

// ProcessTable lists running processes.
type ProcessTable interface {
	Processes() ([]Process, error)
}

// Signaler delivers termination signals.
type Signaler interface {
	Terminate(pid int) error
}

// SigarTable reads the process table through gosigar.
type SigarTable struct{}

// Processes lists every process whose state and arguments can be read.
// Processes that vanish mid-scan are skipped; a failure to list at all is returned.
func (SigarTable) Processes() ([]Process, error) {
	var list sigar.ProcList
	if err := list.Get(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Process, 0, len(list.List))
	for _, pid := range list.List {
		var state sigar.ProcState
		if err := state.Get(pid); err != nil {
			continue
		}
		var args sigar.ProcArgs
		if err := args.Get(pid); err != nil {
			if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
				return nil, fmt.Errorf("read arguments of pid %d: %w", pid, err)
			}
			continue
		}
		out = append(out, Process{PID: pid, Name: state.Name, Args: args.List})
	}
	return out, nil
}

// UnixSignaler sends SIGTERM with unix.Kill.
type UnixSignaler struct{}

func (UnixSignaler) Terminate(pid int) error {
	if pid <= 1 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	return unix.Kill(pid, unix.SIGTERM)
}
