// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest parses job manifest files. Manifests are JSONC
// (JSON with comments and trailing commas) because they are written by
// hand and a format that forbids a "# why this job exists" note gets
// that note in a README instead, where it rots.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/stagehand-sh/stagehand/lib/jobref"
)

// Manifest describes one job to launch.
type Manifest struct {
	// JobID is the caller-unique identifier for the job.
	JobID string `json:"job_id"`

	// Source is the workspace directory to stage. Mutually exclusive
	// with Archive.
	Source string `json:"source,omitempty"`

	// Archive is a zstd-compressed tar of the workspace to stage.
	// Mutually exclusive with Source.
	Archive string `json:"archive,omitempty"`

	// TempSource is an optional supporting directory staged next to
	// the workspace before it (build caches, shared fixtures).
	TempSource string `json:"temp_source,omitempty"`

	// Command is the argv the worker runs inside the workspace after
	// consuming the secret channel.
	Command []string `json:"command"`

	// Resources are systemd resource limits for the worker unit.
	// Unset fields fall back to the launcher's configured defaults.
	Resources *Resources `json:"resources,omitempty"`
}

// Resources are per-job systemd resource limits.
type Resources struct {
	TasksMax  int    `json:"tasks_max,omitempty"`
	MemoryMax string `json:"memory_max,omitempty"`
	CPUQuota  string `json:"cpu_quota,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse validates manifest bytes. The JSONC translation happens first,
// then strict JSON decoding (unknown fields are errors: a typo'd
// field name in a manifest should not silently do nothing).
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	plain := jsonc.ToJSON(data)
	strict := json.NewDecoder(bytes.NewReader(plain))
	strict.DisallowUnknownFields()
	if err := strict.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for errors.
func (m *Manifest) Validate() error {
	var errs []error

	if _, err := jobref.Parse(m.JobID); err != nil {
		errs = append(errs, fmt.Errorf("job_id: %w", err))
	}
	if m.Source == "" && m.Archive == "" {
		errs = append(errs, fmt.Errorf("one of source or archive is required"))
	}
	if m.Source != "" && m.Archive != "" {
		errs = append(errs, fmt.Errorf("source and archive are mutually exclusive"))
	}
	if len(m.Command) == 0 {
		errs = append(errs, fmt.Errorf("command is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
