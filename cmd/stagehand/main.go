// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// stagehand is the operator CLI for the launcher daemon. It speaks CBOR
// over the launcher's Unix socket: launch a job from a manifest or
// flags, cancel a job, list active jobs, or query daemon status.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/pflag"

	"github.com/stagehand-sh/stagehand/lib/codec"
	"github.com/stagehand-sh/stagehand/lib/ipc"
	"github.com/stagehand-sh/stagehand/lib/version"
)

const defaultSocketPath = "/run/stagehand/launcher.sock"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("command required")
	}

	switch args[0] {
	case "launch":
		return runLaunch(args[1:])
	case "cancel":
		return runCancel(args[1:])
	case "list":
		return runList(args[1:])
	case "status":
		return runStatus(args[1:])
	case "version", "--version":
		fmt.Printf("stagehand %s\n", version.Info())
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: stagehand <command> [flags]

Commands:
  launch   launch a job from a manifest or flags
  cancel   cancel a job and tear down its workspace
  list     list active jobs
  status   show launcher daemon status
  version  print version information

Run 'stagehand <command> --help' for command flags.
`)
}

// socketFlag registers the shared --socket flag. The default comes from
// STAGEHAND_SOCKET when set, matching how the daemon side is pointed at
// a non-standard run dir in tests and user-mode deployments.
func socketFlag(flags *pflag.FlagSet) *string {
	defaultPath := os.Getenv("STAGEHAND_SOCKET")
	if defaultPath == "" {
		defaultPath = defaultSocketPath
	}
	return flags.String("socket", defaultPath, "launcher socket path")
}

// roundTrip sends one request to the launcher and returns its response.
// A response with OK false is returned as an error.
func roundTrip(socketPath string, request ipc.Request) (*ipc.Response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to launcher at %s: %w (is stagehand-launcher running?)", socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	var response ipc.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if !response.OK {
		if response.FailedStep != "" {
			return nil, fmt.Errorf("%s (failed step: %s)", response.Error, response.FailedStep)
		}
		return nil, fmt.Errorf("%s", response.Error)
	}
	return &response, nil
}
