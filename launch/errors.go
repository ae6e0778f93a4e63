// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"fmt"
	"time"

	"github.com/stagehand-sh/stagehand/lib/jobref"
)

// Step names a coordinator phase. Carried in StepError so a failed
// launch is diagnosable from the error alone.
type Step string

// Coordinator steps, in execution order.
const (
	StepStageTemp   Step = "stage-temp"
	StepStage       Step = "stage"
	StepRegister    Step = "register"
	StepOpenChannel Step = "open-channel"
	StepLaunch      Step = "launch"
	StepWriteSecret Step = "write-secret"
)

// CopyError reports a failed workspace transfer. Nothing is assumed
// about partial state at the destination; the caller must treat the
// staged tree as unusable and re-stage from scratch.
type CopyError struct {
	Source string
	Dest   string
	Err    error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copying %s to %s: %v", e.Source, e.Dest, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// DuplicateJobError reports a registry collision: the job ID already
// has a live entry. The existing entry is left untouched.
type DuplicateJobError struct {
	JobID        jobref.JobID
	RegistryPath string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s is already registered at %s", e.JobID, e.RegistryPath)
}

// FilesystemError reports a failed directory, symlink, or FIFO
// operation: permissions, disk full, path too long.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// SpawnError reports that the process manager rejected or failed to
// start the worker unit.
type SpawnError struct {
	Unit string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning unit %s: %v", e.Unit, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports that no reader attached to the secret channel
// within the bounded wait. The channel node is removed by the caller's
// compensation; the payload was never transferred.
type TimeoutError struct {
	ChannelPath string
	Wait        time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reader attached to secret channel %s within %v", e.ChannelPath, e.Wait)
}

// ChannelExistsError reports a stale channel node left by a previous
// run at the path a new channel would use.
type ChannelExistsError struct {
	Path string
}

func (e *ChannelExistsError) Error() string {
	return fmt.Sprintf("secret channel node already exists at %s", e.Path)
}

// StepError wraps a failure with the job ID and the coordinator step
// that produced it. errors.As reaches through to the underlying typed
// error.
type StepError struct {
	JobID jobref.JobID
	Step  Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("job %s: step %s: %v", e.JobID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
