// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package ipc_test

import (
	"bytes"
	"testing"

	"github.com/stagehand-sh/stagehand/lib/codec"
	"github.com/stagehand-sh/stagehand/lib/ipc"
)

// The wire contract: a request encoded by the CLI decodes identically in
// the daemon, and empty optional fields stay off the wire entirely.
func TestRequestWire(t *testing.T) {
	request := ipc.Request{
		Action:     ipc.ActionLaunchJob,
		JobID:      "job-7",
		SourcePath: "/srv/jobs/job-7",
		Command:    []string{"ansible-playbook", "site.yml"},
		Secret:     []byte("API_TOKEN=abc\n"),
		Resources:  &ipc.Resources{MemoryMax: "2G"},
	}

	data, err := codec.Marshal(request)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded ipc.Request
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.JobID != "job-7" || decoded.Resources.MemoryMax != "2G" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
	if string(decoded.Secret) != "API_TOKEN=abc\n" {
		t.Errorf("secret bytes mismatch: %q", decoded.Secret)
	}

	if bytes.Contains(data, []byte("sealed_secret")) {
		t.Error("empty sealed_secret field should be omitted from the wire")
	}

	minimal, err := codec.Marshal(ipc.Request{Action: ipc.ActionStatus})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if bytes.Contains(minimal, []byte("job_id")) {
		t.Error("empty job_id field should be omitted from the wire")
	}
}

func TestResponseWire(t *testing.T) {
	response := ipc.Response{
		OK: true,
		Jobs: []ipc.JobEntry{
			{JobID: "a", WorkspacePath: "/w/a", Unit: "stagehand-job-a"},
		},
	}

	data, err := codec.Marshal(response)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded ipc.Response
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !decoded.OK || len(decoded.Jobs) != 1 || decoded.Jobs[0].Unit != "stagehand-job-a" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}
