// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/stagehand-sh/stagehand/lib/jobref"
)

// Registry is the filesystem index of active jobs: one symlink per job
// ID under the jobs root, pointing at the job's staged workspace. The
// root is an explicit constructor argument: multiple coordinators on
// one host share the registry through the filesystem, never through
// ambient package state.
//
// Registration is a single symlink(2) call, so two coordinators racing
// on the same job ID resolve atomically in the kernel: one wins, the
// other gets EEXIST.
type Registry struct {
	root   string
	logger *slog.Logger
}

// RegistryEntry is one active job as listed from the jobs root.
type RegistryEntry struct {
	JobID         jobref.JobID
	WorkspacePath string
}

// NewRegistry returns a Registry rooted at root. The root directory is
// created on first registration, not here, so constructing a Registry
// for a read-only inspection never mutates the filesystem.
func NewRegistry(root string, logger *slog.Logger) *Registry {
	return &Registry{root: root, logger: logger}
}

// Root returns the jobs root path.
func (r *Registry) Root() string { return r.root }

// EntryPath returns the registry symlink path for a job ID.
func (r *Registry) EntryPath(jobID jobref.JobID) string {
	return filepath.Join(r.root, jobID.String())
}

// Register creates the registry entry for jobID pointing at
// workspacePath and returns the entry path. The jobs root is created
// 0700 if absent. A live entry for the same ID fails with
// *DuplicateJobError and is left untouched.
func (r *Registry) Register(jobID jobref.JobID, workspacePath string) (string, error) {
	if err := os.MkdirAll(r.root, 0700); err != nil {
		return "", &FilesystemError{Op: "creating jobs root", Path: r.root, Err: err}
	}

	entryPath := r.EntryPath(jobID)
	if err := os.Symlink(workspacePath, entryPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", &DuplicateJobError{JobID: jobID, RegistryPath: entryPath}
		}
		return "", &FilesystemError{Op: "creating registry entry", Path: entryPath, Err: err}
	}

	r.logger.Info("job registered", "job_id", jobID, "workspace", workspacePath)
	return entryPath, nil
}

// Deregister removes the registry entry for jobID. The workspace the
// entry points at is not touched; workspace cleanup belongs to the
// coordinator. Removing an absent entry is not an error.
func (r *Registry) Deregister(jobID jobref.JobID) error {
	entryPath := r.EntryPath(jobID)
	if err := os.Remove(entryPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &FilesystemError{Op: "removing registry entry", Path: entryPath, Err: err}
	}

	r.logger.Info("job deregistered", "job_id", jobID)
	return nil
}

// Resolve returns the workspace path a job's entry points at.
func (r *Registry) Resolve(jobID jobref.JobID) (string, error) {
	workspacePath, err := os.Readlink(r.EntryPath(jobID))
	if err != nil {
		return "", &FilesystemError{Op: "resolving registry entry", Path: r.EntryPath(jobID), Err: err}
	}
	return workspacePath, nil
}

// List returns all active registry entries, sorted by job ID. Entries
// that are not symlinks or have names that fail job ID validation are
// skipped; the jobs root is mode 0700, so anything else in there was
// put there by the owning principal and is not ours to interpret.
func (r *Registry) List() ([]RegistryEntry, error) {
	dirEntries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &FilesystemError{Op: "reading jobs root", Path: r.root, Err: err}
	}

	var entries []RegistryEntry
	for _, dirEntry := range dirEntries {
		if dirEntry.Type()&fs.ModeSymlink == 0 {
			continue
		}
		jobID, err := jobref.Parse(dirEntry.Name())
		if err != nil {
			continue
		}
		workspacePath, err := os.Readlink(filepath.Join(r.root, dirEntry.Name()))
		if err != nil {
			continue
		}
		entries = append(entries, RegistryEntry{JobID: jobID, WorkspacePath: workspacePath})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].JobID < entries[j].JobID
	})
	return entries, nil
}
