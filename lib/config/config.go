// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Stagehand configuration from a single YAML file
// named by the STAGEHAND_CONFIG environment variable or a --config
// flag. There is no discovery chain and environment variables do not
// override file values; the one expansion performed is ${VAR} in path
// fields for portability across home directories.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the launcher's configuration.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Launcher configures launch behavior.
	Launcher LauncherConfig `yaml:"launcher"`

	// Resources are the default systemd resource limits applied to
	// worker units when a job manifest does not set its own.
	Resources ResourcesConfig `yaml:"resources"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// JobsRoot is the registry directory holding one symlink per
	// active job. Created 0700 on first use.
	JobsRoot string `yaml:"jobs_root"`

	// StageRoot is where job workspaces are staged, one directory
	// per job ID.
	StageRoot string `yaml:"stage_root"`

	// RunDir holds the launcher's IPC socket and other ephemeral
	// runtime state.
	RunDir string `yaml:"run_dir"`

	// StateDir holds persistent state: the launcher's age keypair.
	StateDir string `yaml:"state_dir"`
}

// LauncherConfig configures launch behavior.
type LauncherConfig struct {
	// WorkerBinary is the path to stagehand-worker. Empty means
	// resolve next to the launcher binary, then on PATH.
	WorkerBinary string `yaml:"worker_binary"`

	// SecretWriteTimeout bounds how long a coordinator waits for the
	// worker to attach to the secret channel before the launch is
	// failed and torn down.
	SecretWriteTimeout time.Duration `yaml:"secret_write_timeout"`

	// AttachPollInterval is how often the secret channel write re-polls
	// for a reader while waiting.
	AttachPollInterval time.Duration `yaml:"attach_poll_interval"`

	// UseSystemd selects the systemd-run process manager. When false
	// (or when systemd is absent and this is unset) workers are
	// spawned as direct child processes.
	UseSystemd *bool `yaml:"use_systemd,omitempty"`
}

// ResourcesConfig mirrors the systemd resource properties Stagehand
// sets on worker units.
type ResourcesConfig struct {
	// TasksMax caps the number of tasks (threads/processes) in the
	// unit. Zero means unlimited.
	TasksMax int `yaml:"tasks_max"`

	// MemoryMax is a systemd memory size string ("2G", "512M").
	// Empty means unlimited.
	MemoryMax string `yaml:"memory_max"`

	// CPUQuota is a systemd CPU quota string ("200%"). Empty means
	// unlimited.
	CPUQuota string `yaml:"cpu_quota"`
}

// Default returns the base configuration merged under any loaded file.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			JobsRoot:  "/run/stagehand/jobs",
			StageRoot: "/var/lib/stagehand/workspaces",
			RunDir:    "/run/stagehand",
			StateDir:  "/var/lib/stagehand",
		},
		Launcher: LauncherConfig{
			SecretWriteTimeout: 30 * time.Second,
			AttachPollInterval: 50 * time.Millisecond,
		},
	}
}

// Load loads configuration from the file named by STAGEHAND_CONFIG.
// Fails if the variable is unset; there is no fallback search.
func Load() (*Config, error) {
	path := os.Getenv("STAGEHAND_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("STAGEHAND_CONFIG is not set; point it at your stagehand.yaml or pass --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from an explicit path, merging over
// Default and expanding ${VAR} patterns in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandPaths()
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandPaths expands ${VAR} and ${VAR:-default} in every path field.
func (c *Config) expandPaths() {
	c.Paths.JobsRoot = expandVars(c.Paths.JobsRoot)
	c.Paths.StageRoot = expandVars(c.Paths.StageRoot)
	c.Paths.RunDir = expandVars(c.Paths.RunDir)
	c.Paths.StateDir = expandVars(c.Paths.StateDir)
	c.Launcher.WorkerBinary = expandVars(c.Launcher.WorkerBinary)
}

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.JobsRoot == "" {
		errs = append(errs, fmt.Errorf("paths.jobs_root is required"))
	}
	if c.Paths.StageRoot == "" {
		errs = append(errs, fmt.Errorf("paths.stage_root is required"))
	}
	if c.Paths.RunDir == "" {
		errs = append(errs, fmt.Errorf("paths.run_dir is required"))
	}
	if c.Paths.StateDir == "" {
		errs = append(errs, fmt.Errorf("paths.state_dir is required"))
	}
	if c.Launcher.SecretWriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("launcher.secret_write_timeout must be positive"))
	}
	if c.Launcher.AttachPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("launcher.attach_poll_interval must be positive"))
	}
	if c.Launcher.AttachPollInterval >= c.Launcher.SecretWriteTimeout {
		errs = append(errs, fmt.Errorf("launcher.attach_poll_interval must be shorter than launcher.secret_write_timeout"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasSystemd reports whether systemd is the running init system.
func HasSystemd() bool {
	_, err := os.Stat("/run/systemd/system")
	return err == nil
}

// EnsurePaths creates the configured directories. The jobs root is
// deliberately excluded: the registry creates it 0700 itself so the
// restrictive mode is applied in exactly one place.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.StageRoot, c.Paths.RunDir, c.Paths.StateDir} {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// SocketPath returns the launcher IPC socket path under the run dir.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.RunDir, "launcher.sock")
}
