// Package infra implements infrastructure concerns (process, launchd,
// diagnostics journal, engine version probe).
package infra

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/remapd/remapd/internal/domain"
)

// GopsutilProcessManager implements domain.ProcessManager. It backs the
// supervisor's conflict resolution (finding and killing karabiner_grabber
// and stray engine instances) and the liveness checks around engine
// start/stop.
type GopsutilProcessManager struct{}

// NewProcessManager creates a process manager.
func NewProcessManager() domain.ProcessManager {
	return &GopsutilProcessManager{}
}

// FindByName returns PIDs whose process name matches pattern as a
// case-insensitive substring. The substring match is deliberate: the
// grabber shows up as "karabiner_grabber" but the engine may run under
// a versioned binary name.
func (pm *GopsutilProcessManager) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(pattern)
	var found []int
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			// Exited between enumeration and inspection.
			continue
		}
		if strings.Contains(strings.ToLower(name), needle) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// Kill terminates a process by PID with SIGKILL. Conflict resolution
// wants the input device released now, not after a graceful shutdown.
func (pm *GopsutilProcessManager) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning reports whether pid names a live process. Used to cross-check
// launchd's view, which can lag behind the actual process table.
func (pm *GopsutilProcessManager) IsRunning(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// GetCurrentPID returns the supervisor's own PID.
func (pm *GopsutilProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

var _ domain.ProcessManager = (*GopsutilProcessManager)(nil)
