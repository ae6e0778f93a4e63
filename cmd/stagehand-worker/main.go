// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// stagehand-worker is the in-job shim between the launcher and the job
// command. It opens the job's secret channel, drains the payload into
// locked memory, parses it as KEY=VALUE environment lines, and execs
// the job command inside the workspace with those variables injected.
//
// Injecting the secret this way keeps it out of the unit definition:
// variables set via systemd Environment= properties are readable with
// "systemctl show", while variables passed through exec are only in
// the process image.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/stagehand-sh/stagehand/lib/secret"
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
		envPipePath string
		workdir     string
		showVersion bool
	)

	flag.StringVar(&envPipePath, "env-pipe", "", "path to the job's secret channel (required)")
	flag.StringVar(&workdir, "workdir", "", "job workspace directory (required)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("stagehand-worker %s\n", version.Info())
		return nil
	}

	command := flag.Args()
	if envPipePath == "" {
		return fmt.Errorf("--env-pipe is required")
	}
	if workdir == "" {
		return fmt.Errorf("--workdir is required")
	}
	if len(command) == 0 {
		return fmt.Errorf("no job command given after flags")
	}

	// Opening the read end blocks until the launcher opens the write
	// end; this open is the rendezvous the launcher's bounded write
	// is polling for.
	reader, err := os.Open(envPipePath)
	if err != nil {
		return fmt.Errorf("opening secret channel: %w", err)
	}

	payload, err := secret.ReadAll(reader)
	closeErr := reader.Close()
	if err != nil {
		return fmt.Errorf("reading secret channel: %w", err)
	}
	if closeErr != nil {
		payload.Close()
		return fmt.Errorf("closing secret channel: %w", closeErr)
	}

	entries, err := parseEnvLines(payload.Bytes())
	if err != nil {
		payload.Close()
		// The parse error never echoes payload content.
		return fmt.Errorf("parsing secret payload: %w", err)
	}

	environment := append(os.Environ(), entries...)

	executable, err := exec.LookPath(command[0])
	if err != nil {
		payload.Close()
		return fmt.Errorf("resolving job command: %w", err)
	}

	if err := os.Chdir(workdir); err != nil {
		payload.Close()
		return fmt.Errorf("entering workspace: %w", err)
	}

	// Exec replaces this process image wholesale, entries included.
	// The payload buffer is closed first so the mlock'd region is
	// zeroed before the image swap.
	payload.Close()
	if err := unix.Exec(executable, command, environment); err != nil {
		return fmt.Errorf("exec %s: %w", executable, err)
	}
	return nil
}
