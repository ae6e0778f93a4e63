// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
)

// StartRequest describes one worker unit to start.
type StartRequest struct {
	// Unit is the unit name, unique per job on the host.
	Unit string

	// Argv is the worker command line. Argv[0] must be an absolute
	// path; process managers do not consult PATH.
	Argv []string

	// Resources are the unit's resource limits.
	Resources Resources
}

// Resources are the resource limits applied to a worker unit, mirroring
// the systemd properties Stagehand sets.
type Resources struct {
	// TasksMax caps tasks (threads + processes) in the unit. Zero
	// means unlimited.
	TasksMax int

	// MemoryMax is a systemd memory size string ("2G", "512M").
	MemoryMax string

	// CPUQuota is a systemd CPU quota string ("200%").
	CPUQuota string
}

// HasLimits reports whether any limit is set.
func (r Resources) HasLimits() bool {
	return r.TasksMax > 0 || r.MemoryMax != "" || r.CPUQuota != ""
}

// ProcessManager starts and stops worker units. Start is fire and
// forget: success means the spawn request was accepted, not that the
// worker reached any particular state. Supervision (restarts, logging,
// resource enforcement) belongs to the manager's backing system, not
// to Stagehand.
type ProcessManager interface {
	Start(ctx context.Context, request StartRequest) error
	Stop(ctx context.Context, unit string) error
}

// ExecManager is the fallback ProcessManager for hosts without systemd:
// workers are direct child processes of the launcher. Resource limits
// are not enforced; the caller is warned once per start with limits
// set.
type ExecManager struct {
	logger *slog.Logger

	mu        sync.Mutex
	processes map[string]*exec.Cmd
}

// NewExecManager returns an ExecManager logging to logger.
func NewExecManager(logger *slog.Logger) *ExecManager {
	return &ExecManager{
		logger:    logger,
		processes: make(map[string]*exec.Cmd),
	}
}

// Start spawns the worker as a child process in its own process group,
// so stopping the unit can signal the worker and everything it forked.
func (m *ExecManager) Start(ctx context.Context, request StartRequest) error {
	if len(request.Argv) == 0 {
		return &SpawnError{Unit: request.Unit, Err: fmt.Errorf("empty argv")}
	}
	if request.Resources.HasLimits() {
		m.logger.Warn("resource limits ignored without systemd", "unit", request.Unit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.processes[request.Unit]; exists {
		return &SpawnError{Unit: request.Unit, Err: fmt.Errorf("unit already running")}
	}

	cmd := exec.Command(request.Argv[0], request.Argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return &SpawnError{Unit: request.Unit, Err: err}
	}
	m.processes[request.Unit] = cmd

	// Reap the child in the background so it never lingers as a
	// zombie; the map entry goes with it.
	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		delete(m.processes, request.Unit)
		m.mu.Unlock()
		m.logger.Info("worker exited", "unit", request.Unit, "error", err)
	}()

	m.logger.Info("worker started", "unit", request.Unit, "pid", cmd.Process.Pid)
	return nil
}

// Stop signals the worker's process group with SIGTERM. Stopping an
// unknown unit is not an error; the worker may have already exited.
func (m *ExecManager) Stop(ctx context.Context, unit string) error {
	m.mu.Lock()
	cmd, exists := m.processes[unit]
	m.mu.Unlock()

	if !exists {
		return nil
	}

	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signaling unit %s: %w", unit, err)
	}
	return nil
}
