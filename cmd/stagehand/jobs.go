// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/stagehand-sh/stagehand/lib/ipc"
	"github.com/stagehand-sh/stagehand/lib/sealed"
	"github.com/stagehand-sh/stagehand/lib/secret"
)

func runCancel(args []string) error {
	flags := pflag.NewFlagSet("cancel", pflag.ContinueOnError)
	socketPath := socketFlag(flags)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: stagehand cancel [flags] <job-id>")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("exactly one job ID is required")
	}
	jobID := flags.Arg(0)

	if _, err := roundTrip(*socketPath, ipc.Request{
		Action: ipc.ActionCancelJob,
		JobID:  jobID,
	}); err != nil {
		return err
	}

	fmt.Printf("cancelled %s\n", jobID)
	return nil
}

func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	socketPath := socketFlag(flags)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: stagehand list [flags]")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}

	response, err := roundTrip(*socketPath, ipc.Request{Action: ipc.ActionListJobs})
	if err != nil {
		return err
	}

	if len(response.Jobs) == 0 {
		fmt.Println("no active jobs")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "JOB ID\tUNIT\tWORKSPACE")
	for _, job := range response.Jobs {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", job.JobID, job.Unit, job.WorkspacePath)
	}
	return writer.Flush()
}

func runStatus(args []string) error {
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	socketPath := socketFlag(flags)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: stagehand status [flags]")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}

	response, err := roundTrip(*socketPath, ipc.Request{Action: ipc.ActionStatus})
	if err != nil {
		return err
	}

	fmt.Printf("launcher:    %s\n", *socketPath)
	fmt.Printf("version:     %s\n", response.Version)
	fmt.Printf("public key:  %s\n", response.PublicKey)
	return nil
}

// fetchPublicKey asks the launcher for its sealing key.
func fetchPublicKey(socketPath string) (string, error) {
	response, err := roundTrip(socketPath, ipc.Request{Action: ipc.ActionStatus})
	if err != nil {
		return "", fmt.Errorf("fetching launcher public key: %w", err)
	}
	if response.PublicKey == "" {
		return "", fmt.Errorf("launcher reported no public key")
	}
	return response.PublicKey, nil
}

// encryptTo seals the payload to the launcher's public key. The
// resulting ciphertext is safe to carry over untrusted hops.
func encryptTo(payload *secret.Buffer, publicKey string) (string, error) {
	if err := sealed.ParsePublicKey(publicKey); err != nil {
		return "", err
	}
	ciphertext, err := sealed.Encrypt(payload.Bytes(), publicKey)
	if err != nil {
		return "", fmt.Errorf("sealing secret: %w", err)
	}
	return ciphertext, nil
}
