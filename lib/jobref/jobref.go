// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobref provides the validated job identifier type. A JobID is
// caller-supplied and opaque, but it becomes a path component in the
// jobs registry and a systemd unit name fragment, so it must survive
// both without escaping. Parse is the only way to construct one;
// everything downstream can trust a JobID it receives.
package jobref

import (
	"fmt"
)

// MaxLength bounds a job ID. Registry symlink names and systemd unit
// names both embed the ID, and unit names cap out at 256 bytes.
const MaxLength = 128

// JobID identifies one job on a host. The zero value is invalid; use
// Parse.
type JobID string

// Parse validates a raw identifier. Valid IDs are 1 to MaxLength bytes
// of [A-Za-z0-9._-], not starting with a dot or dash. This rules out
// path traversal ("..", "/"), hidden registry entries, and strings that
// systemd-run would reject or reinterpret as option flags.
func Parse(raw string) (JobID, error) {
	if raw == "" {
		return "", fmt.Errorf("job ID is empty")
	}
	if len(raw) > MaxLength {
		return "", fmt.Errorf("job ID exceeds %d bytes: %q", MaxLength, raw)
	}
	if raw[0] == '.' || raw[0] == '-' {
		return "", fmt.Errorf("job ID must not start with %q: %q", string(raw[0]), raw)
	}
	for index := 0; index < len(raw); index++ {
		if !validByte(raw[index]) {
			return "", fmt.Errorf("job ID contains invalid byte %q at position %d: %q", string(raw[index]), index, raw)
		}
	}
	return JobID(raw), nil
}

func validByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	}
	return false
}

// String returns the raw identifier.
func (id JobID) String() string {
	return string(id)
}

// UnitName returns the systemd unit name for this job's worker.
func (id JobID) UnitName() string {
	return "stagehand-job-" + string(id)
}
