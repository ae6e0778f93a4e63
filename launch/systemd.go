// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// SystemdManager starts workers as transient systemd units via
// systemd-run. The unit is the supervision boundary: systemd owns
// restart policy, journal logging, cgroup resource enforcement, and
// cleanup of everything the worker forks.
type SystemdManager struct {
	// User runs units on the user manager (systemd-run --user)
	// instead of the system manager.
	User bool

	logger *slog.Logger
}

// NewSystemdManager returns a SystemdManager. user selects the per-user
// service manager, the usual choice when the launcher itself runs as an
// unprivileged service.
func NewSystemdManager(user bool, logger *slog.Logger) *SystemdManager {
	return &SystemdManager{User: user, logger: logger}
}

// SystemdAvailable reports whether systemd-run is on PATH.
func SystemdAvailable() bool {
	_, err := exec.LookPath("systemd-run")
	return err == nil
}

// Start spawns the worker as a transient service unit. --collect makes
// systemd garbage-collect the unit even when the worker fails, so a
// crashed job never blocks a relaunch under the same unit name.
func (m *SystemdManager) Start(ctx context.Context, request StartRequest) error {
	if len(request.Argv) == 0 {
		return &SpawnError{Unit: request.Unit, Err: fmt.Errorf("empty argv")}
	}

	args := m.runArgs(request)
	cmd := exec.CommandContext(ctx, "systemd-run", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &SpawnError{
			Unit: request.Unit,
			Err:  fmt.Errorf("systemd-run: %w: %s", err, strings.TrimSpace(string(output))),
		}
	}

	m.logger.Info("worker unit started", "unit", request.Unit, "user", m.User)
	return nil
}

// runArgs builds the systemd-run argument list for a start request.
func (m *SystemdManager) runArgs(request StartRequest) []string {
	args := []string{"--collect", "--unit=" + request.Unit}

	if m.User {
		args = append(args, "--user")
	}

	if request.Resources.TasksMax > 0 {
		args = append(args, fmt.Sprintf("--property=TasksMax=%d", request.Resources.TasksMax))
	}
	if request.Resources.MemoryMax != "" {
		args = append(args, "--property=MemoryMax="+request.Resources.MemoryMax)
	}
	if request.Resources.CPUQuota != "" {
		args = append(args, "--property=CPUQuota="+request.Resources.CPUQuota)
	}

	args = append(args, "--")
	return append(args, request.Argv...)
}

// Stop stops the unit with systemctl. An unknown unit is not an error;
// --collect may have reaped it already.
func (m *SystemdManager) Stop(ctx context.Context, unit string) error {
	args := []string{"stop", unit + ".service"}
	if m.User {
		args = append([]string{"--user"}, args...)
	}

	cmd := exec.CommandContext(ctx, "systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(output))
		if strings.Contains(text, "not loaded") {
			return nil
		}
		return fmt.Errorf("systemctl stop %s: %w: %s", unit, err, text)
	}

	m.logger.Info("worker unit stopped", "unit", unit)
	return nil
}
