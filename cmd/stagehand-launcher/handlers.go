// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/stagehand-sh/stagehand/launch"
	"github.com/stagehand-sh/stagehand/lib/codec"
	"github.com/stagehand-sh/stagehand/lib/ipc"
	"github.com/stagehand-sh/stagehand/lib/jobref"
	"github.com/stagehand-sh/stagehand/lib/sealed"
	"github.com/stagehand-sh/stagehand/lib/secret"
	"github.com/stagehand-sh/stagehand/lib/version"
)

// connDeadline bounds one request/response cycle. It must exceed the
// coordinator's secret write timeout or a slow worker attach would kill
// the connection before the launch result is reported.
const connDeadline = 2 * time.Minute

// Launcher handles IPC requests from the CLI. The serve loop accepts
// connections concurrently (each handleConnection runs in its own
// goroutine). Launches for distinct job IDs run in parallel; the
// launching map only serializes requests for the same ID so a doubled
// request fails fast instead of racing the registry.
type Launcher struct {
	coordinator *launch.Coordinator
	registry    *launch.Registry
	keypair     *sealed.Keypair
	logger      *slog.Logger

	mu        sync.Mutex
	launching map[jobref.JobID]bool
}

// serve accepts connections on the IPC socket and handles requests.
func (l *Launcher) serve(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.logger.Error("accept error", "error", err)
			continue
		}
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection processes a single request/response cycle.
func (l *Launcher) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(connDeadline))

	decoder := codec.NewDecoder(conn)
	encoder := codec.NewEncoder(conn)

	var request ipc.Request
	if err := decoder.Decode(&request); err != nil {
		l.logger.Error("decoding IPC request", "error", err)
		if err := encoder.Encode(ipc.Response{OK: false, Error: "invalid request"}); err != nil {
			l.logger.Error("encoding IPC error response", "error", err)
		}
		return
	}

	l.logger.Info("IPC request", "action", request.Action, "job_id", request.JobID)

	var response ipc.Response
	switch request.Action {
	case ipc.ActionLaunchJob:
		response = l.handleLaunch(ctx, &request)
	case ipc.ActionCancelJob:
		response = l.handleCancel(ctx, &request)
	case ipc.ActionListJobs:
		response = l.handleList()
	case ipc.ActionStatus:
		response = ipc.Response{
			OK:        true,
			PublicKey: l.keypair.PublicKey,
			Version:   version.Info(),
		}
	default:
		response = ipc.Response{OK: false, Error: fmt.Sprintf("unknown action %q", request.Action)}
	}

	if err := encoder.Encode(response); err != nil {
		l.logger.Error("encoding IPC response", "error", err)
	}
}

// handleLaunch runs the launch sequence for one request. The secret is
// moved into protected memory before anything else; the request's own
// byte slice is zeroed so the plaintext does not outlive decoding in
// regular heap memory.
func (l *Launcher) handleLaunch(ctx context.Context, request *ipc.Request) ipc.Response {
	jobID, err := jobref.Parse(request.JobID)
	if err != nil {
		zeroRequestSecret(request)
		return ipc.Response{OK: false, Error: err.Error()}
	}

	payload, err := l.extractSecret(request)
	if err != nil {
		return ipc.Response{OK: false, Error: err.Error()}
	}
	defer payload.Close()

	if !l.beginLaunch(jobID) {
		return ipc.Response{
			OK:         false,
			Error:      fmt.Sprintf("job %s already has a launch in flight", jobID),
			FailedStep: string(launch.StepRegister),
		}
	}
	defer l.endLaunch(jobID)

	launchRequest := launch.LaunchRequest{
		JobID:          jobID,
		SourcePath:     request.SourcePath,
		ArchivePath:    request.ArchivePath,
		TempSourcePath: request.TempSourcePath,
		Command:        request.Command,
		Secret:         payload,
	}
	if request.Resources != nil {
		launchRequest.Resources = &launch.Resources{
			TasksMax:  request.Resources.TasksMax,
			MemoryMax: request.Resources.MemoryMax,
			CPUQuota:  request.Resources.CPUQuota,
		}
	}

	result, err := l.coordinator.Launch(ctx, launchRequest)
	if err != nil {
		response := ipc.Response{OK: false, Error: err.Error()}
		var stepErr *launch.StepError
		if errors.As(err, &stepErr) {
			response.FailedStep = string(stepErr.Step)
		}
		return response
	}

	return ipc.Response{
		OK:              true,
		Unit:            result.Unit,
		RegistryPath:    result.RegistryPath,
		WorkspaceDigest: result.WorkspaceDigest,
	}
}

// extractSecret moves the request's secret into a protected buffer.
// Exactly one of Secret and SealedSecret must be set; plaintext request
// bytes are zeroed on every path out.
func (l *Launcher) extractSecret(request *ipc.Request) (*secret.Buffer, error) {
	defer zeroRequestSecret(request)

	switch {
	case len(request.Secret) > 0 && request.SealedSecret != "":
		return nil, fmt.Errorf("secret and sealed_secret are mutually exclusive")
	case len(request.Secret) > 0:
		return secret.NewFromBytes(request.Secret)
	case request.SealedSecret != "":
		return sealed.Decrypt(request.SealedSecret, l.keypair.PrivateKey)
	default:
		return nil, fmt.Errorf("a secret payload is required (secret or sealed_secret)")
	}
}

func zeroRequestSecret(request *ipc.Request) {
	secret.Zero(request.Secret)
	request.Secret = nil
}

func (l *Launcher) beginLaunch(jobID jobref.JobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launching[jobID] {
		return false
	}
	l.launching[jobID] = true
	return true
}

func (l *Launcher) endLaunch(jobID jobref.JobID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.launching, jobID)
}

// handleCancel tears down one job.
func (l *Launcher) handleCancel(ctx context.Context, request *ipc.Request) ipc.Response {
	jobID, err := jobref.Parse(request.JobID)
	if err != nil {
		return ipc.Response{OK: false, Error: err.Error()}
	}

	if !l.beginLaunch(jobID) {
		return ipc.Response{OK: false, Error: fmt.Sprintf("job %s has a launch in flight", jobID)}
	}
	defer l.endLaunch(jobID)

	if err := l.coordinator.Cancel(ctx, jobID); err != nil {
		return ipc.Response{OK: false, Error: err.Error()}
	}
	return ipc.Response{OK: true}
}

// handleList reports active registry entries.
func (l *Launcher) handleList() ipc.Response {
	entries, err := l.registry.List()
	if err != nil {
		return ipc.Response{OK: false, Error: err.Error()}
	}

	jobs := make([]ipc.JobEntry, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, ipc.JobEntry{
			JobID:         entry.JobID.String(),
			WorkspacePath: entry.WorkspacePath,
			Unit:          entry.JobID.UnitName(),
		})
	}
	return ipc.Response{OK: true, Jobs: jobs}
}
