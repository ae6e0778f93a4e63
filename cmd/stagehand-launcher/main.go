// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// stagehand-launcher is the host daemon that accepts job requests over
// a Unix socket and runs the launch sequence: stage the workspace,
// register the job, open the secret channel, start the worker unit, and
// deliver the secret with a bounded wait for the worker to attach.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/stagehand-sh/stagehand/launch"
	"github.com/stagehand-sh/stagehand/lib/config"
	"github.com/stagehand-sh/stagehand/lib/jobref"
	"github.com/stagehand-sh/stagehand/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath       string
		socketPath       string
		workerBinaryPath string
		showVersion      bool
	)

	flag.StringVar(&configPath, "config", "", "path to stagehand.yaml (defaults to $STAGEHAND_CONFIG, then built-in defaults)")
	flag.StringVar(&socketPath, "socket", "", "IPC socket path (overrides the run-dir derived default)")
	flag.StringVar(&workerBinaryPath, "worker-binary", "", "path to stagehand-worker binary (auto-detected if empty)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("stagehand-launcher %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load or generate the launcher keypair. Operators encrypt job
	// secrets to its public key when the request path crosses anything
	// less trusted than the local socket.
	keypair, firstBoot, err := loadOrGenerateKeypair(cfg.Paths.StateDir, logger)
	if err != nil {
		return fmt.Errorf("keypair: %w", err)
	}
	defer keypair.Close()
	logger.Info("launcher keypair loaded",
		"public_key", keypair.PublicKey,
		"first_boot", firstBoot,
	)

	// Find and validate the worker binary. Every launch needs the shim,
	// so a missing worker is a startup failure, not a per-request one.
	if workerBinaryPath == "" {
		workerBinaryPath = cfg.Launcher.WorkerBinary
	}
	if workerBinaryPath == "" {
		workerBinaryPath = findSiblingBinary("stagehand-worker", logger)
	}
	if err := validateBinary(workerBinaryPath, "stagehand-worker"); err != nil {
		return fmt.Errorf("stagehand-worker: %w\n  Install stagehand-worker or set --worker-binary to its path", err)
	}
	logger.Info("worker binary validated", "path", workerBinaryPath)

	manager := selectManager(cfg, logger)

	coordinator := &launch.Coordinator{
		Stager:       launch.NewStager(logger),
		Registry:     launch.NewRegistry(cfg.Paths.JobsRoot, logger),
		Manager:      manager,
		StageRoot:    cfg.Paths.StageRoot,
		WorkerBinary: workerBinaryPath,
		WriteTimeout: cfg.Launcher.SecretWriteTimeout,
		PollInterval: cfg.Launcher.AttachPollInterval,
		DefaultResources: launch.Resources{
			TasksMax:  cfg.Resources.TasksMax,
			MemoryMax: cfg.Resources.MemoryMax,
			CPUQuota:  cfg.Resources.CPUQuota,
		},
		Logger: logger,
	}

	launcher := &Launcher{
		coordinator: coordinator,
		registry:    coordinator.Registry,
		keypair:     keypair,
		launching:   make(map[jobref.JobID]bool),
		logger:      logger,
	}

	listener, err := listenSocket(socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer listener.Close()
	logger.Info("launcher listening", "socket", socketPath)

	go launcher.serve(ctx, listener)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// loadConfig resolves configuration: an explicit --config path, then
// $STAGEHAND_CONFIG, then built-in defaults. Running on pure defaults is
// supported so a dev host needs no config file at all.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	if os.Getenv("STAGEHAND_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// selectManager picks the process manager for worker units. An explicit
// launcher.use_systemd setting wins; otherwise systemd is used when it
// is both the running init and has systemd-run installed. Workers run
// as user units when the launcher is not root.
func selectManager(cfg *config.Config, logger *slog.Logger) launch.ProcessManager {
	useSystemd := config.HasSystemd() && launch.SystemdAvailable()
	if cfg.Launcher.UseSystemd != nil {
		useSystemd = *cfg.Launcher.UseSystemd
	}

	if useSystemd {
		userMode := os.Geteuid() != 0
		logger.Info("using systemd process manager", "user_mode", userMode)
		return launch.NewSystemdManager(userMode, logger)
	}

	logger.Info("using direct exec process manager")
	return launch.NewExecManager(logger)
}

// listenSocket creates a unix socket listener, removing any stale
// socket file from a previous run.
func listenSocket(socketPath string) (net.Listener, error) {
	socketDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	// Group-connectable so operator tooling running as a different user
	// can reach the daemon.
	if err := os.Chmod(socketPath, 0660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	return listener, nil
}

// findSiblingBinary looks for a Stagehand binary by name, first next to
// the launcher binary (the standard co-deployment layout), then on
// PATH. Returns an empty string if not found; the caller validates the
// result with validateBinary before proceeding.
func findSiblingBinary(name string, logger *slog.Logger) string {
	executable, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(executable), name)
		if _, err := os.Stat(candidate); err == nil {
			logger.Info("found binary next to launcher", "name", name, "path", candidate)
			return candidate
		}
	}

	path, err := exec.LookPath(name)
	if err == nil {
		logger.Info("found binary on PATH", "name", name, "path", path)
		return path
	}

	return ""
}

// validateBinary checks that a binary path points to a regular,
// executable file. Returns a precise error describing what's wrong and
// where it looked.
func validateBinary(path, name string) error {
	if path == "" {
		return fmt.Errorf("%s not found (checked next to launcher binary and PATH)", name)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s at %q: %w", name, path, err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s at %q is not a regular file (mode %s)", name, path, info.Mode())
	}

	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s at %q is not executable (mode %s)", name, path, info.Mode())
	}

	return nil
}
