// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"archive/tar"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Stager copies job input trees into place under the stage root.
// Staging is idempotent: an existing destination is removed and
// re-created, so a failed transfer is always retried from scratch
// rather than patched.
type Stager struct {
	logger *slog.Logger
}

// NewStager returns a Stager logging to logger.
func NewStager(logger *slog.Logger) *Stager {
	return &Stager{logger: logger}
}

// Stage copies the directory tree at sourcePath to destPath, preserving
// file modes and symlinks as links. Returns the BLAKE3 digest of the
// staged tree (relative paths, entry kinds, link targets, and file
// contents), which is stable across re-stages of identical input.
//
// Failures are reported as *CopyError. Partial destination state is not
// rolled back here; the coordinator's compensation removes it.
func (s *Stager) Stage(ctx context.Context, sourcePath, destPath string) (string, error) {
	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		return "", &CopyError{Source: sourcePath, Dest: destPath, Err: err}
	}
	if !sourceInfo.IsDir() {
		return "", &CopyError{Source: sourcePath, Dest: destPath, Err: fmt.Errorf("source is not a directory")}
	}

	if err := resetDest(destPath, sourceInfo.Mode().Perm()); err != nil {
		return "", &CopyError{Source: sourcePath, Dest: destPath, Err: err}
	}

	hasher := blake3.New()

	walkError := filepath.WalkDir(sourcePath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relativePath, err := filepath.Rel(sourcePath, path)
		if err != nil {
			return err
		}
		if relativePath == "." {
			return nil
		}
		target := filepath.Join(destPath, relativePath)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			hashEntry(hasher, relativePath, "dir", nil)
			return os.MkdirAll(target, info.Mode().Perm())

		case info.Mode()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hashEntry(hasher, relativePath, "symlink", []byte(linkTarget))
			return os.Symlink(linkTarget, target)

		case info.Mode().IsRegular():
			return copyFile(hasher, path, target, relativePath, info.Mode().Perm())

		default:
			// Sockets and device nodes have no business in a job
			// workspace; a FIFO at the channel path would collide with
			// the secret channel.
			s.logger.Warn("skipping special file during stage",
				"path", path, "mode", info.Mode().String())
			return nil
		}
	})
	if walkError != nil {
		return "", &CopyError{Source: sourcePath, Dest: destPath, Err: walkError}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	s.logger.Info("workspace staged",
		"source", sourcePath, "dest", destPath, "digest", digest)
	return digest, nil
}

// StageArchive extracts a zstd-compressed tar stream at archivePath to
// destPath with the same destination semantics as Stage. Entries with
// absolute paths or ".." components are rejected. Returns the BLAKE3
// digest of the extracted entries in archive order.
func (s *Stager) StageArchive(ctx context.Context, archivePath, destPath string) (string, error) {
	archive, err := os.Open(archivePath)
	if err != nil {
		return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
	}
	defer archive.Close()

	decompressor, err := zstd.NewReader(archive)
	if err != nil {
		return "", &CopyError{Source: archivePath, Dest: destPath, Err: fmt.Errorf("opening zstd stream: %w", err)}
	}
	defer decompressor.Close()

	if err := resetDest(destPath, 0755); err != nil {
		return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
	}

	hasher := blake3.New()
	reader := tar.NewReader(decompressor)

	for {
		if err := ctx.Err(); err != nil {
			return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
		}

		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
		}

		relativePath, err := sanitizeArchivePath(header.Name)
		if err != nil {
			return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
		}
		if relativePath == "" {
			continue
		}
		target := filepath.Join(destPath, relativePath)
		mode := fs.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			hashEntry(hasher, relativePath, "dir", nil)
			if err := os.MkdirAll(target, mode); err != nil {
				return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
			}

		case tar.TypeSymlink:
			hashEntry(hasher, relativePath, "symlink", []byte(header.Linkname))
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
			}
			if err := extractFile(hasher, reader, target, relativePath, mode); err != nil {
				return "", &CopyError{Source: archivePath, Dest: destPath, Err: err}
			}

		default:
			s.logger.Warn("skipping unsupported archive entry",
				"name", header.Name, "type", header.Typeflag)
		}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	s.logger.Info("archive staged",
		"archive", archivePath, "dest", destPath, "digest", digest)
	return digest, nil
}

// resetDest removes any existing destination and creates a fresh
// directory with the given mode.
func resetDest(destPath string, mode fs.FileMode) error {
	if err := os.RemoveAll(destPath); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	return os.Mkdir(destPath, mode)
}

// sanitizeArchivePath normalizes a tar entry name and rejects anything
// that would escape the destination.
func sanitizeArchivePath(name string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(name, "./"))
	if cleaned == "." {
		return "", nil
	}
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry has absolute path: %q", name)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes destination: %q", name)
	}
	return cleaned, nil
}

// hashEntry feeds one tree entry into the digest: length-prefixed
// relative path, entry kind, and payload. Length prefixes keep
// adjacent entries from colliding under concatenation.
func hashEntry(hasher *blake3.Hasher, relativePath, kind string, payload []byte) {
	var length [8]byte

	binary.LittleEndian.PutUint64(length[:], uint64(len(relativePath)))
	hasher.Write(length[:])
	hasher.Write([]byte(relativePath))
	hasher.Write([]byte(kind))
	binary.LittleEndian.PutUint64(length[:], uint64(len(payload)))
	hasher.Write(length[:])
	hasher.Write(payload)
}

func copyFile(hasher *blake3.Hasher, sourcePath, target, relativePath string, mode fs.FileMode) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	hashEntry(hasher, relativePath, "file", nil)

	dest, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.MultiWriter(dest, hasher), source); err != nil {
		dest.Close()
		return err
	}
	return dest.Close()
}

func extractFile(hasher *blake3.Hasher, reader io.Reader, target, relativePath string, mode fs.FileMode) error {
	hashEntry(hasher, relativePath, "file", nil)

	dest, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.MultiWriter(dest, hasher), reader); err != nil {
		dest.Close()
		return err
	}
	return dest.Close()
}
