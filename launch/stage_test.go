// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestStage_CopiesTree(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"run.sh":          "#!/bin/sh\necho hello\n",
		"inputs/data.txt": "payload\n",
	})
	if err := os.Chmod(filepath.Join(source, "run.sh"), 0755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.Symlink("inputs/data.txt", filepath.Join(source, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "workspace")
	stager := NewStager(testLogger())

	digest, err := stager.Stage(context.Background(), source, dest)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if digest == "" {
		t.Error("expected non-empty digest")
	}

	if got := readFile(t, filepath.Join(dest, "inputs/data.txt")); got != "payload\n" {
		t.Errorf("file content mismatch: %q", got)
	}

	info, err := os.Stat(filepath.Join(dest, "run.sh"))
	if err != nil {
		t.Fatalf("stat run.sh: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode not preserved: %v", info.Mode().Perm())
	}

	linkTarget, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if linkTarget != "inputs/data.txt" {
		t.Errorf("symlink target mismatch: %q", linkTarget)
	}
}

func TestStage_DigestStableAcrossRestage(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "beta",
	})

	dest := filepath.Join(t.TempDir(), "workspace")
	stager := NewStager(testLogger())

	first, err := stager.Stage(context.Background(), source, dest)
	if err != nil {
		t.Fatalf("first Stage failed: %v", err)
	}
	second, err := stager.Stage(context.Background(), source, dest)
	if err != nil {
		t.Fatalf("second Stage failed: %v", err)
	}
	if first != second {
		t.Errorf("digest changed across re-stage: %s vs %s", first, second)
	}
}

func TestStage_OverwritesExistingDest(t *testing.T) {
	source := t.TempDir()
	writeTree(t, source, map[string]string{"current.txt": "new"})

	dest := filepath.Join(t.TempDir(), "workspace")
	writeTree(t, dest, map[string]string{"stale.txt": "old"})

	stager := NewStager(testLogger())
	if _, err := stager.Stage(context.Background(), source, dest); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	if pathExists(t, filepath.Join(dest, "stale.txt")) {
		t.Error("stale destination content survived re-stage")
	}
	if got := readFile(t, filepath.Join(dest, "current.txt")); got != "new" {
		t.Errorf("expected new content, got %q", got)
	}
}

func TestStage_MissingSource(t *testing.T) {
	stager := NewStager(testLogger())
	_, err := stager.Stage(context.Background(), filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "dest"))

	var copyError *CopyError
	if !errors.As(err, &copyError) {
		t.Fatalf("expected *CopyError, got %v", err)
	}
}

func TestStage_SourceIsFile(t *testing.T) {
	source := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(source, []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	stager := NewStager(testLogger())
	_, err := stager.Stage(context.Background(), source, filepath.Join(t.TempDir(), "dest"))

	var copyError *CopyError
	if !errors.As(err, &copyError) {
		t.Fatalf("expected *CopyError, got %v", err)
	}
}

// buildArchive writes a zstd tar containing the given files.
func buildArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()

	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating archive: %v", err)
	}
	defer out.Close()

	compressor, err := zstd.NewWriter(out)
	if err != nil {
		t.Fatalf("creating zstd writer: %v", err)
	}
	writer := tar.NewWriter(compressor)

	for name, content := range files {
		header := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := writer.WriteHeader(header); err != nil {
			t.Fatalf("writing tar header: %v", err)
		}
		if _, err := writer.Write([]byte(content)); err != nil {
			t.Fatalf("writing tar content: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("closing tar writer: %v", err)
	}
	if err := compressor.Close(); err != nil {
		t.Fatalf("closing zstd writer: %v", err)
	}
}

func TestStageArchive_Extracts(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "job.tar.zst")
	buildArchive(t, archivePath, map[string]string{
		"run.sh":          "#!/bin/sh\n",
		"inputs/data.txt": "payload\n",
	})

	dest := filepath.Join(t.TempDir(), "workspace")
	stager := NewStager(testLogger())

	digest, err := stager.StageArchive(context.Background(), archivePath, dest)
	if err != nil {
		t.Fatalf("StageArchive failed: %v", err)
	}
	if digest == "" {
		t.Error("expected non-empty digest")
	}
	if got := readFile(t, filepath.Join(dest, "inputs/data.txt")); got != "payload\n" {
		t.Errorf("file content mismatch: %q", got)
	}
}

func TestStageArchive_RejectsTraversal(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil.tar.zst")
	buildArchive(t, archivePath, map[string]string{
		"../escape.txt": "gotcha",
	})

	stager := NewStager(testLogger())
	_, err := stager.StageArchive(context.Background(), archivePath, filepath.Join(t.TempDir(), "workspace"))

	var copyError *CopyError
	if !errors.As(err, &copyError) {
		t.Fatalf("expected *CopyError for traversal entry, got %v", err)
	}
}

func TestStageArchive_MissingArchive(t *testing.T) {
	stager := NewStager(testLogger())
	_, err := stager.StageArchive(context.Background(), filepath.Join(t.TempDir(), "absent.tar.zst"), filepath.Join(t.TempDir(), "dest"))

	var copyError *CopyError
	if !errors.As(err, &copyError) {
		t.Fatalf("expected *CopyError, got %v", err)
	}
}

func TestSanitizeArchivePath(t *testing.T) {
	cases := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "plain.txt", want: "plain.txt"},
		{name: "./nested/file", want: "nested/file"},
		{name: ".", want: ""},
		{name: "/etc/passwd", wantErr: true},
		{name: "../up", wantErr: true},
		{name: "a/../../up", wantErr: true},
	}
	for _, testCase := range cases {
		got, err := sanitizeArchivePath(testCase.name)
		if testCase.wantErr {
			if err == nil {
				t.Errorf("sanitizeArchivePath(%q): expected error", testCase.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("sanitizeArchivePath(%q): %v", testCase.name, err)
			continue
		}
		if got != testCase.want {
			t.Errorf("sanitizeArchivePath(%q) = %q, want %q", testCase.name, got, testCase.want)
		}
	}
}
