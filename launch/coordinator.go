// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/stagehand-sh/stagehand/lib/jobref"
	"github.com/stagehand-sh/stagehand/lib/secret"
)

// Coordinator runs the launch sequence for one job at a time per call.
// Multiple jobs launch concurrently as independent Launch calls; the
// only state they share is the registry, whose Register is atomic.
type Coordinator struct {
	// Stager stages workspaces under StageRoot.
	Stager *Stager

	// Registry indexes active jobs.
	Registry *Registry

	// Manager starts and stops worker units.
	Manager ProcessManager

	// StageRoot is where workspaces are staged, one directory per
	// job ID.
	StageRoot string

	// WorkerBinary is the absolute path of the worker shim that
	// drains the secret channel and execs the job command.
	WorkerBinary string

	// WriteTimeout bounds the wait for the worker to attach to the
	// secret channel.
	WriteTimeout time.Duration

	// PollInterval is the secret channel's reader-attach poll cadence.
	PollInterval time.Duration

	// DefaultResources apply to worker units when the request does
	// not carry its own.
	DefaultResources Resources

	// Logger receives structured launch progress. Secret material is
	// never a log field.
	Logger *slog.Logger
}

// LaunchRequest describes one job launch.
type LaunchRequest struct {
	// JobID is the caller-unique job identifier.
	JobID jobref.JobID

	// SourcePath is the workspace directory to stage. Mutually
	// exclusive with ArchivePath; exactly one must be set.
	SourcePath string

	// ArchivePath is a zstd tar of the workspace to stage.
	ArchivePath string

	// TempSourcePath is an optional supporting directory staged
	// before the workspace.
	TempSourcePath string

	// Command is the argv the worker runs inside the workspace after
	// consuming the secret channel.
	Command []string

	// Secret is the payload delivered over the channel. The
	// coordinator borrows it; the caller closes it after Launch
	// returns.
	Secret *secret.Buffer

	// Resources override DefaultResources when non-nil.
	Resources *Resources
}

// LaunchResult reports a successful launch.
type LaunchResult struct {
	Unit            string
	RegistryPath    string
	WorkspacePath   string
	WorkspaceDigest string
}

// Launch runs the sequence: stage temp dir (if any), stage workspace,
// register, open channel, start worker, write secret. Each completed
// step pushes a compensating action; any failure unwinds them in
// reverse and returns a *StepError naming the failed step. A worker
// that never attaches to the channel within WriteTimeout is a
// *TimeoutError at step write-secret, fully unwound like any other
// failure.
func (c *Coordinator) Launch(ctx context.Context, request LaunchRequest) (result *LaunchResult, err error) {
	if err := c.validate(request); err != nil {
		return nil, err
	}

	logger := c.Logger.With("job_id", request.JobID)
	workspacePath := filepath.Join(c.StageRoot, request.JobID.String())

	// Duplicate pre-flight. The atomic Register below is the
	// authoritative collision guard; failing early here keeps a
	// relaunch of a live job ID from overwriting that job's staged
	// workspace before Register would reject it.
	if _, resolveErr := c.Registry.Resolve(request.JobID); resolveErr == nil {
		return nil, &StepError{
			JobID: request.JobID,
			Step:  StepRegister,
			Err:   &DuplicateJobError{JobID: request.JobID, RegistryPath: c.Registry.EntryPath(request.JobID)},
		}
	}

	// Compensating actions for completed steps, run LIFO on failure.
	var compensations []func()
	defer func() {
		if err == nil {
			return
		}
		logger.Warn("launch failed, unwinding", "error", err)
		for index := len(compensations) - 1; index >= 0; index-- {
			compensations[index]()
		}
	}()

	// Step 1: supporting temp directory, only when supplied.
	if request.TempSourcePath != "" {
		tempPath := c.TempPath(request.JobID)
		if _, stageErr := c.Stager.Stage(ctx, request.TempSourcePath, tempPath); stageErr != nil {
			return nil, &StepError{JobID: request.JobID, Step: StepStageTemp, Err: stageErr}
		}
		compensations = append(compensations, func() {
			if removeErr := os.RemoveAll(tempPath); removeErr != nil {
				logger.Error("removing temp directory", "path", tempPath, "error", removeErr)
			}
		})
	}

	// Step 2: stage the workspace.
	var digest string
	var stageErr error
	if request.ArchivePath != "" {
		digest, stageErr = c.Stager.StageArchive(ctx, request.ArchivePath, workspacePath)
	} else {
		digest, stageErr = c.Stager.Stage(ctx, request.SourcePath, workspacePath)
	}
	if stageErr != nil {
		// A failed stage leaves partial state; remove it now since no
		// compensation was pushed for this step yet.
		if removeErr := os.RemoveAll(workspacePath); removeErr != nil {
			logger.Error("removing partial workspace", "path", workspacePath, "error", removeErr)
		}
		return nil, &StepError{JobID: request.JobID, Step: StepStage, Err: stageErr}
	}
	compensations = append(compensations, func() {
		if removeErr := os.RemoveAll(workspacePath); removeErr != nil {
			logger.Error("removing workspace", "path", workspacePath, "error", removeErr)
		}
	})

	// Step 3: register the job. Atomic; a duplicate ID fails here and
	// the existing entry is untouched.
	registryPath, registerErr := c.Registry.Register(request.JobID, workspacePath)
	if registerErr != nil {
		return nil, &StepError{JobID: request.JobID, Step: StepRegister, Err: registerErr}
	}
	compensations = append(compensations, func() {
		if deregisterErr := c.Registry.Deregister(request.JobID); deregisterErr != nil {
			logger.Error("deregistering job", "error", deregisterErr)
		}
	})

	// Step 4: create the secret channel inside the workspace, so the
	// worker reaches it as <registry entry>/env.
	channel, channelErr := OpenChannel(filepath.Join(workspacePath, ChannelNodeName), c.PollInterval, logger)
	if channelErr != nil {
		return nil, &StepError{JobID: request.JobID, Step: StepOpenChannel, Err: channelErr}
	}
	compensations = append(compensations, func() {
		if removeErr := channel.Remove(); removeErr != nil {
			logger.Error("removing secret channel", "error", removeErr)
		}
	})

	// Step 5: start the worker unit. Fire and forget; the rendezvous
	// with the channel is the only synchronization.
	unit := request.JobID.UnitName()
	startErr := c.Manager.Start(ctx, StartRequest{
		Unit:      unit,
		Argv:      c.workerArgv(registryPath, request.Command),
		Resources: c.resources(request),
	})
	if startErr != nil {
		return nil, &StepError{JobID: request.JobID, Step: StepLaunch, Err: startErr}
	}
	compensations = append(compensations, func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if stopErr := c.Manager.Stop(stopCtx, unit); stopErr != nil {
			logger.Error("stopping worker unit", "unit", unit, "error", stopErr)
		}
	})

	// Step 6: deliver the secret, bounded by WriteTimeout.
	writeCtx, cancel := context.WithTimeout(ctx, c.WriteTimeout)
	defer cancel()
	if writeErr := channel.WriteOnce(writeCtx, request.Secret); writeErr != nil {
		return nil, &StepError{JobID: request.JobID, Step: StepWriteSecret, Err: writeErr}
	}

	// The payload is delivered; the node has served its purpose. The
	// worker holds the read end open until it drains the pipe buffer,
	// unlink does not interfere with that.
	if removeErr := channel.Remove(); removeErr != nil {
		logger.Warn("removing secret channel after delivery", "error", removeErr)
	}

	logger.Info("job launched", "unit", unit, "workspace", workspacePath)
	return &LaunchResult{
		Unit:            unit,
		RegistryPath:    registryPath,
		WorkspacePath:   workspacePath,
		WorkspaceDigest: digest,
	}, nil
}

// Cancel tears down a job: stop the worker unit, remove the secret
// channel node, deregister, and remove the staged workspace and temp
// directory. Teardown is best effort across all resources; errors are
// joined rather than short-circuiting so one stuck resource does not
// leak the rest.
func (c *Coordinator) Cancel(ctx context.Context, jobID jobref.JobID) error {
	logger := c.Logger.With("job_id", jobID)

	workspacePath, resolveErr := c.Registry.Resolve(jobID)
	if resolveErr != nil {
		return fmt.Errorf("job %s is not registered: %w", jobID, resolveErr)
	}

	var errs []error

	if err := c.Manager.Stop(ctx, jobID.UnitName()); err != nil {
		errs = append(errs, err)
	}
	if err := RemoveChannelNode(filepath.Join(workspacePath, ChannelNodeName)); err != nil {
		errs = append(errs, err)
	}
	if err := c.Registry.Deregister(jobID); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(workspacePath); err != nil {
		errs = append(errs, &FilesystemError{Op: "removing workspace", Path: workspacePath, Err: err})
	}
	if err := os.RemoveAll(c.TempPath(jobID)); err != nil {
		errs = append(errs, &FilesystemError{Op: "removing temp directory", Path: c.TempPath(jobID), Err: err})
	}

	if len(errs) > 0 {
		return fmt.Errorf("cancelling job %s: %w", jobID, errors.Join(errs...))
	}

	logger.Info("job cancelled")
	return nil
}

// TempPath returns the supporting temp directory path for a job.
func (c *Coordinator) TempPath(jobID jobref.JobID) string {
	return filepath.Join(c.StageRoot, jobID.String()+".tmp")
}

// workerArgv builds the worker unit's command line: the shim, the
// channel path through the registry entry, the workspace, then the job
// command after a separator.
func (c *Coordinator) workerArgv(registryPath string, command []string) []string {
	argv := []string{
		c.WorkerBinary,
		"--env-pipe", filepath.Join(registryPath, ChannelNodeName),
		"--workdir", registryPath,
		"--",
	}
	return append(argv, command...)
}

// resources picks the request's limits or the coordinator defaults.
func (c *Coordinator) resources(request LaunchRequest) Resources {
	if request.Resources != nil {
		return *request.Resources
	}
	return c.DefaultResources
}

// validate rejects malformed requests before any filesystem mutation.
func (c *Coordinator) validate(request LaunchRequest) error {
	if request.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if request.SourcePath == "" && request.ArchivePath == "" {
		return fmt.Errorf("job %s: one of source path or archive path is required", request.JobID)
	}
	if request.SourcePath != "" && request.ArchivePath != "" {
		return fmt.Errorf("job %s: source path and archive path are mutually exclusive", request.JobID)
	}
	if len(request.Command) == 0 {
		return fmt.Errorf("job %s: command is required", request.JobID)
	}
	if request.Secret == nil {
		return fmt.Errorf("job %s: secret payload is required", request.JobID)
	}
	return nil
}
