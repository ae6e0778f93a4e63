// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package jobref

import (
	"strings"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	for _, raw := range []string{
		"42",
		"job_2026-08-31",
		"a",
		"deploy.webserver.7",
		strings.Repeat("x", MaxLength),
	} {
		id, err := Parse(raw)
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", raw, err)
			continue
		}
		if id.String() != raw {
			t.Errorf("Parse(%q) returned %q", raw, id)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"..",
		".hidden",
		"-rf",
		"a/b",
		"a b",
		"job\x00id",
		"jöb",
		strings.Repeat("x", MaxLength+1),
	} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q): expected error", raw)
		}
	}
}

func TestUnitName(t *testing.T) {
	id, err := Parse("42")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := id.UnitName(); got != "stagehand-job-42" {
		t.Errorf("unexpected unit name: %q", got)
	}
}
