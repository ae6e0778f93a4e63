// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stagehand-sh/stagehand/lib/testutil"
)

// fakeManager is an in-process ProcessManager. onStart, when set, runs
// in a goroutine with the start request; tests use it to play the
// worker's side of the secret channel rendezvous.
type fakeManager struct {
	mu      sync.Mutex
	started []StartRequest
	stopped []string

	failStart bool
	onStart   func(request StartRequest)
}

func (m *fakeManager) Start(ctx context.Context, request StartRequest) error {
	if m.failStart {
		return &SpawnError{Unit: request.Unit, Err: fmt.Errorf("process manager rejected the unit")}
	}
	m.mu.Lock()
	m.started = append(m.started, request)
	m.mu.Unlock()

	if m.onStart != nil {
		go m.onStart(request)
	}
	return nil
}

func (m *fakeManager) Stop(ctx context.Context, unit string) error {
	m.mu.Lock()
	m.stopped = append(m.stopped, unit)
	m.mu.Unlock()
	return nil
}

func (m *fakeManager) stoppedUnits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stopped...)
}

// envPipeArg extracts the --env-pipe value from a worker argv.
func envPipeArg(t *testing.T, argv []string) string {
	t.Helper()
	for index, arg := range argv {
		if arg == "--env-pipe" && index+1 < len(argv) {
			return argv[index+1]
		}
	}
	t.Fatalf("argv has no --env-pipe: %v", argv)
	return ""
}

// readPipe plays the worker: open the channel, drain it, report the
// payload.
func readPipe(t *testing.T, results chan<- string) func(StartRequest) {
	t.Helper()
	return func(request StartRequest) {
		reader, err := os.Open(envPipeArg(t, request.Argv))
		if err != nil {
			results <- "open error: " + err.Error()
			return
		}
		defer reader.Close()
		payload, err := io.ReadAll(reader)
		if err != nil {
			results <- "read error: " + err.Error()
			return
		}
		results <- string(payload)
	}
}

func newTestCoordinator(t *testing.T, manager ProcessManager) *Coordinator {
	t.Helper()
	root := t.TempDir()
	return &Coordinator{
		Stager:       NewStager(testLogger()),
		Registry:     NewRegistry(filepath.Join(root, "jobs"), testLogger()),
		Manager:      manager,
		StageRoot:    filepath.Join(root, "workspaces"),
		WorkerBinary: "/usr/lib/stagehand/stagehand-worker",
		WriteTimeout: 5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Logger:       testLogger(),
	}
}

func launchRequest(t *testing.T, jobID, sourcePath, payload string) LaunchRequest {
	t.Helper()
	return LaunchRequest{
		JobID:      mustJobID(t, jobID),
		SourcePath: sourcePath,
		Command:    []string{"./run.sh"},
		Secret:     newTestSecret(t, payload),
	}
}

// Full successful run: one registry entry, a started worker referencing
// it, and the worker's first read yields exactly the secret.
func TestLaunch_Success(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"run.sh": "#!/bin/sh\n"})

	results := make(chan string, 1)
	manager := &fakeManager{}
	manager.onStart = readPipe(t, results)

	coordinator := newTestCoordinator(t, manager)
	result, err := coordinator.Launch(context.Background(), launchRequest(t, "42", source, "token-xyz"))
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	if payload := testutil.RequireReceive(t, results, 5*time.Second, "worker payload"); payload != "token-xyz" {
		t.Errorf("worker read %q, want %q", payload, "token-xyz")
	}

	if result.Unit != "stagehand-job-42" {
		t.Errorf("unexpected unit: %q", result.Unit)
	}
	if result.WorkspaceDigest == "" {
		t.Error("expected a workspace digest")
	}

	// Exactly one registry entry, pointing at the staged workspace.
	entries, err := coordinator.Registry.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID.String() != "42" {
		t.Fatalf("unexpected registry entries: %+v", entries)
	}
	if entries[0].WorkspacePath != result.WorkspacePath {
		t.Errorf("registry points at %q, workspace is %q", entries[0].WorkspacePath, result.WorkspacePath)
	}
	if !pathExists(t, filepath.Join(result.WorkspacePath, "run.sh")) {
		t.Error("staged workspace is missing job input")
	}

	// The channel node is gone after delivery.
	if pathExists(t, filepath.Join(result.WorkspacePath, ChannelNodeName)) {
		t.Error("channel node left behind after successful delivery")
	}
}

func TestLaunch_StagesTempDirectory(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"run.sh": ""})
	tempSource := t.TempDir()
	writeTree(t, tempSource, map[string]string{"cache/seed.bin": "warm"})

	results := make(chan string, 1)
	manager := &fakeManager{}
	manager.onStart = readPipe(t, results)

	coordinator := newTestCoordinator(t, manager)
	request := launchRequest(t, "42", source, "token-xyz")
	request.TempSourcePath = tempSource

	if _, err := coordinator.Launch(context.Background(), request); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	testutil.RequireReceive(t, results, 5*time.Second, "worker payload")

	tempPath := coordinator.TempPath(mustJobID(t, "42"))
	if got := readFile(t, filepath.Join(tempPath, "cache/seed.bin")); got != "warm" {
		t.Errorf("temp directory content mismatch: %q", got)
	}
}

// Scenario B: a second launch for a live job ID fails with
// DuplicateJobError and disturbs nothing belonging to the first.
func TestLaunch_DuplicateJobID(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"run.sh": "original"})

	results := make(chan string, 1)
	manager := &fakeManager{}
	manager.onStart = readPipe(t, results)

	coordinator := newTestCoordinator(t, manager)
	first, err := coordinator.Launch(context.Background(), launchRequest(t, "42", source, "token-one"))
	if err != nil {
		t.Fatalf("first Launch failed: %v", err)
	}
	testutil.RequireReceive(t, results, 5*time.Second, "first worker payload")

	_, err = coordinator.Launch(context.Background(), launchRequest(t, "42", source, "token-two"))
	var duplicate *DuplicateJobError
	if !errors.As(err, &duplicate) {
		t.Fatalf("expected *DuplicateJobError, got %v", err)
	}
	var stepError *StepError
	if !errors.As(err, &stepError) || stepError.Step != StepRegister {
		t.Errorf("expected failure at step %s, got %v", StepRegister, err)
	}

	// First job's registry entry and workspace are intact.
	workspacePath, err := coordinator.Registry.Resolve(mustJobID(t, "42"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if workspacePath != first.WorkspacePath {
		t.Errorf("registry entry changed: %q", workspacePath)
	}
	if got := readFile(t, filepath.Join(first.WorkspacePath, "run.sh")); got != "original" {
		t.Errorf("first job's workspace was disturbed: %q", got)
	}
}

// Scenario C: spawn failure aborts before the write step and unwinds
// the channel, registry entry, and workspace.
func TestLaunch_SpawnFailureUnwinds(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"run.sh": ""})

	manager := &fakeManager{failStart: true}
	coordinator := newTestCoordinator(t, manager)

	_, err := coordinator.Launch(context.Background(), launchRequest(t, "42", source, "token-xyz"))

	var spawnError *SpawnError
	if !errors.As(err, &spawnError) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	var stepError *StepError
	if !errors.As(err, &stepError) || stepError.Step != StepLaunch {
		t.Errorf("expected failure at step %s, got %v", StepLaunch, err)
	}

	workspacePath := filepath.Join(coordinator.StageRoot, "42")
	if pathExists(t, workspacePath) {
		t.Error("workspace not removed after spawn failure")
	}
	if pathExists(t, coordinator.Registry.EntryPath(mustJobID(t, "42"))) {
		t.Error("registry entry not removed after spawn failure")
	}
	if len(manager.stoppedUnits()) != 0 {
		t.Errorf("no unit was started, none should be stopped: %v", manager.stoppedUnits())
	}
}

// Scenario D: the worker never attaches. The write fails with
// TimeoutError after the bounded wait and everything is torn down,
// including the spawned unit.
func TestLaunch_SecretWriteTimeout(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"run.sh": ""})

	manager := &fakeManager{} // accepts the unit, never reads the pipe
	coordinator := newTestCoordinator(t, manager)
	coordinator.WriteTimeout = 300 * time.Millisecond

	_, err := coordinator.Launch(context.Background(), launchRequest(t, "42", source, "token-xyz"))

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	var stepError *StepError
	if !errors.As(err, &stepError) || stepError.Step != StepWriteSecret {
		t.Errorf("expected failure at step %s, got %v", StepWriteSecret, err)
	}

	workspacePath := filepath.Join(coordinator.StageRoot, "42")
	if pathExists(t, filepath.Join(workspacePath, ChannelNodeName)) {
		t.Error("channel node leaked after timeout")
	}
	if pathExists(t, workspacePath) {
		t.Error("workspace not removed after timeout")
	}
	if pathExists(t, coordinator.Registry.EntryPath(mustJobID(t, "42"))) {
		t.Error("registry entry not removed after timeout")
	}
	if stopped := manager.stoppedUnits(); len(stopped) != 1 || stopped[0] != "stagehand-job-42" {
		t.Errorf("spawned unit not stopped: %v", stopped)
	}
}

func TestLaunch_ValidatesRequest(t *testing.T) {
	coordinator := newTestCoordinator(t, &fakeManager{})
	secret := newTestSecret(t, "x")

	cases := map[string]LaunchRequest{
		"missing job ID": {SourcePath: "/s", Command: []string{"x"}, Secret: secret},
		"missing source": {JobID: mustJobID(t, "a"), Command: []string{"x"}, Secret: secret},
		"both sources": {
			JobID: mustJobID(t, "a"), SourcePath: "/s", ArchivePath: "/a.tar.zst",
			Command: []string{"x"}, Secret: secret,
		},
		"missing command": {JobID: mustJobID(t, "a"), SourcePath: "/s", Secret: secret},
		"missing secret":  {JobID: mustJobID(t, "a"), SourcePath: "/s", Command: []string{"x"}},
	}
	for name, request := range cases {
		if _, err := coordinator.Launch(context.Background(), request); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCancel_TearsDownEverything(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"run.sh": ""})
	tempSource := t.TempDir()
	writeTree(t, tempSource, map[string]string{"seed": ""})

	results := make(chan string, 1)
	manager := &fakeManager{}
	manager.onStart = readPipe(t, results)

	coordinator := newTestCoordinator(t, manager)
	request := launchRequest(t, "42", source, "token-xyz")
	request.TempSourcePath = tempSource

	result, err := coordinator.Launch(context.Background(), request)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	testutil.RequireReceive(t, results, 5*time.Second, "worker payload")

	if err := coordinator.Cancel(context.Background(), mustJobID(t, "42")); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if stopped := manager.stoppedUnits(); len(stopped) != 1 || stopped[0] != "stagehand-job-42" {
		t.Errorf("worker unit not stopped: %v", stopped)
	}
	if pathExists(t, result.WorkspacePath) {
		t.Error("workspace survived Cancel")
	}
	if pathExists(t, coordinator.TempPath(mustJobID(t, "42"))) {
		t.Error("temp directory survived Cancel")
	}
	if pathExists(t, coordinator.Registry.EntryPath(mustJobID(t, "42"))) {
		t.Error("registry entry survived Cancel")
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	coordinator := newTestCoordinator(t, &fakeManager{})
	if err := coordinator.Cancel(context.Background(), mustJobID(t, "ghost")); err == nil {
		t.Fatal("expected error cancelling unknown job")
	}
}
