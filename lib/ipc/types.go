// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR request/response types spoken over the
// launcher's Unix socket. The CLI is the writer, the launcher daemon is
// the reader; both import the canonical definitions from here.
package ipc

// Actions accepted by the launcher socket.
const (
	ActionLaunchJob = "launch-job"
	ActionCancelJob = "cancel-job"
	ActionListJobs  = "list-jobs"
	ActionStatus    = "status"
)

// Request is one operation sent to the launcher.
type Request struct {
	// Action is one of the Action constants.
	Action string `cbor:"action"`

	// JobID identifies the job for launch-job and cancel-job.
	JobID string `cbor:"job_id,omitempty"`

	// SourcePath is the workspace directory to stage (launch-job).
	// Mutually exclusive with ArchivePath.
	SourcePath string `cbor:"source_path,omitempty"`

	// ArchivePath is a zstd tar of the workspace to stage
	// (launch-job). Mutually exclusive with SourcePath.
	ArchivePath string `cbor:"archive_path,omitempty"`

	// TempSourcePath is an optional supporting directory staged before
	// the workspace (launch-job).
	TempSourcePath string `cbor:"temp_source_path,omitempty"`

	// Command is the argv the worker runs inside the staged workspace
	// (launch-job).
	Command []string `cbor:"command,omitempty"`

	// Secret is the plaintext secret payload (launch-job). Safe over
	// the local socket (same trust boundary as the launcher process),
	// but the daemon moves it into protected memory immediately after
	// decoding and zeroes this field. Mutually exclusive with
	// SealedSecret.
	Secret []byte `cbor:"secret,omitempty"`

	// SealedSecret is an age ciphertext (base64) encrypted to the
	// launcher's public key (launch-job). Preferred when the request
	// crosses anything less trusted than the local socket, e.g. an ssh
	// pipe from a control host. Mutually exclusive with Secret.
	SealedSecret string `cbor:"sealed_secret,omitempty"`

	// Resources override the launcher's default worker resource
	// limits (launch-job).
	Resources *Resources `cbor:"resources,omitempty"`
}

// Resources are systemd resource limits carried with a launch request.
type Resources struct {
	TasksMax  int    `cbor:"tasks_max,omitempty"`
	MemoryMax string `cbor:"memory_max,omitempty"`
	CPUQuota  string `cbor:"cpu_quota,omitempty"`
}

// Response is the launcher's reply to one Request.
type Response struct {
	// OK reports whether the request succeeded.
	OK bool `cbor:"ok"`

	// Error is the failure description when OK is false. Never
	// contains secret material.
	Error string `cbor:"error,omitempty"`

	// FailedStep names the coordinator step that failed ("stage",
	// "register", "open-channel", "launch", "write-secret") so the
	// operator can diagnose without re-running.
	FailedStep string `cbor:"failed_step,omitempty"`

	// Unit is the worker's systemd unit name (launch-job).
	Unit string `cbor:"unit,omitempty"`

	// RegistryPath is the job's registry symlink (launch-job).
	RegistryPath string `cbor:"registry_path,omitempty"`

	// WorkspaceDigest is the BLAKE3 digest of the staged tree
	// (launch-job), for transfer integrity checks against the source.
	WorkspaceDigest string `cbor:"workspace_digest,omitempty"`

	// Jobs lists active registry entries (list-jobs).
	Jobs []JobEntry `cbor:"jobs,omitempty"`

	// PublicKey is the launcher's age public key (status). Operators
	// encrypt SealedSecret payloads to it.
	PublicKey string `cbor:"public_key,omitempty"`

	// Version is the launcher's build version (status).
	Version string `cbor:"version,omitempty"`
}

// JobEntry describes one active job returned by list-jobs.
type JobEntry struct {
	// JobID is the registry entry name.
	JobID string `cbor:"job_id"`

	// WorkspacePath is the symlink target.
	WorkspacePath string `cbor:"workspace_path"`

	// Unit is the worker's systemd unit name.
	Unit string `cbor:"unit"`
}
