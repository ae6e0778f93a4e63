// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/stagehand-sh/stagehand/lib/ipc"
	"github.com/stagehand-sh/stagehand/lib/manifest"
	"github.com/stagehand-sh/stagehand/lib/secret"
)

func runLaunch(args []string) error {
	flags := pflag.NewFlagSet("launch", pflag.ContinueOnError)
	socketPath := socketFlag(flags)
	manifestPath := flags.String("manifest", "", "job manifest file (JSONC); flags override its fields")
	jobID := flags.String("job-id", "", "caller-unique job identifier")
	sourcePath := flags.String("source", "", "workspace directory to stage")
	archivePath := flags.String("archive", "", "zstd tar of the workspace to stage")
	tempSourcePath := flags.String("temp-source", "", "supporting directory staged before the workspace")
	secretFile := flags.String("secret-file", "", "file holding the secret payload, or - for stdin")
	promptSecret := flags.Bool("prompt-secret", false, "prompt for the secret on the terminal (no echo)")
	seal := flags.Bool("seal", false, "encrypt the secret to the launcher's public key before sending")
	tasksMax := flags.Int("tasks-max", 0, "TasksMax for the worker unit (0 = launcher default)")
	memoryMax := flags.String("memory-max", "", "MemoryMax for the worker unit (e.g. 2G)")
	cpuQuota := flags.String("cpu-quota", "", "CPUQuota for the worker unit (e.g. 200%)")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: stagehand launch [flags] [-- command...]")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}

	request := ipc.Request{Action: ipc.ActionLaunchJob}

	if *manifestPath != "" {
		m, err := manifest.Load(*manifestPath)
		if err != nil {
			return fmt.Errorf("manifest %s: %w", *manifestPath, err)
		}
		request.JobID = m.JobID
		request.SourcePath = m.Source
		request.ArchivePath = m.Archive
		request.TempSourcePath = m.TempSource
		request.Command = m.Command
		if m.Resources != nil {
			request.Resources = &ipc.Resources{
				TasksMax:  m.Resources.TasksMax,
				MemoryMax: m.Resources.MemoryMax,
				CPUQuota:  m.Resources.CPUQuota,
			}
		}
	}

	// Flags override manifest fields.
	if *jobID != "" {
		request.JobID = *jobID
	}
	if *sourcePath != "" {
		request.SourcePath = *sourcePath
	}
	if *archivePath != "" {
		request.ArchivePath = *archivePath
	}
	if *tempSourcePath != "" {
		request.TempSourcePath = *tempSourcePath
	}
	if command := commandAfterDash(flags); command != nil {
		request.Command = command
	}
	if *tasksMax != 0 || *memoryMax != "" || *cpuQuota != "" {
		request.Resources = &ipc.Resources{
			TasksMax:  *tasksMax,
			MemoryMax: *memoryMax,
			CPUQuota:  *cpuQuota,
		}
	}

	payload, err := readSecret(*secretFile, *promptSecret)
	if err != nil {
		return err
	}
	defer payload.Close()

	if *seal {
		ciphertext, err := sealPayload(*socketPath, payload)
		if err != nil {
			return err
		}
		request.SealedSecret = ciphertext
	} else {
		// The CBOR encoder copies these bytes into its wire buffer; on
		// the plaintext path that heap copy is accepted, the local
		// socket being inside the same trust boundary as the daemon.
		request.Secret = payload.Bytes()
	}

	response, err := roundTrip(*socketPath, request)
	request.Secret = nil
	if err != nil {
		return err
	}

	fmt.Printf("launched %s\n", request.JobID)
	fmt.Printf("  unit:      %s\n", response.Unit)
	fmt.Printf("  registry:  %s\n", response.RegistryPath)
	fmt.Printf("  workspace: %s\n", response.WorkspaceDigest)
	return nil
}

// commandAfterDash returns the args after the "--" separator, or nil
// when no separator was given.
func commandAfterDash(flags *pflag.FlagSet) []string {
	dashIndex := flags.ArgsLenAtDash()
	if dashIndex < 0 {
		return nil
	}
	return flags.Args()[dashIndex:]
}

// readSecret obtains the secret payload from a file, stdin, or a
// terminal prompt, directly into protected memory.
func readSecret(secretFile string, promptSecret bool) (*secret.Buffer, error) {
	switch {
	case secretFile != "" && promptSecret:
		return nil, fmt.Errorf("--secret-file and --prompt-secret are mutually exclusive")
	case secretFile != "":
		payload, err := secret.ReadFromPath(secretFile)
		if err != nil {
			return nil, fmt.Errorf("reading secret: %w", err)
		}
		return payload, nil
	case promptSecret:
		fmt.Fprint(os.Stderr, "secret: ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading secret from terminal: %w", err)
		}
		payload, err := secret.NewFromBytes(line)
		if err != nil {
			return nil, fmt.Errorf("protecting secret: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("a secret is required: pass --secret-file (- for stdin) or --prompt-secret")
	}
}

// sealPayload fetches the launcher's public key over the status action
// and encrypts the payload to it.
func sealPayload(socketPath string, payload *secret.Buffer) (string, error) {
	publicKey, err := fetchPublicKey(socketPath)
	if err != nil {
		return "", err
	}
	return encryptTo(payload, publicKey)
}
