// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stagehand-sh/stagehand/lib/secret"
)

// ChannelNodeName is the secret channel's filename inside a staged
// workspace, so the node is reachable as <jobs-root>/<job-id>/env
// through the registry symlink.
const ChannelNodeName = "env"

// Channel is a job's secret channel: a FIFO that transfers one secret
// payload to exactly one reader. The payload exists only in locked
// memory and the kernel pipe buffer; the FIFO node on disk is a
// rendezvous point, not storage.
//
// The worker's open of the read end and the coordinator's WriteOnce
// are unsynchronized; the rendezvous happens purely through FIFO open
// semantics, with WriteOnce polling under a deadline so a worker that
// never starts cannot block the coordinator forever.
type Channel struct {
	path         string
	pollInterval time.Duration
	logger       *slog.Logger
}

// OpenChannel creates the FIFO node at path, mode 0600. A node already
// present (stale state from a previous run) fails with
// *ChannelExistsError rather than being silently reused: a stale FIFO
// could have a stale reader attached.
func OpenChannel(path string, pollInterval time.Duration, logger *slog.Logger) (*Channel, error) {
	if err := unix.Mkfifo(path, 0600); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, &ChannelExistsError{Path: path}
		}
		return nil, &FilesystemError{Op: "creating secret channel", Path: path, Err: err}
	}

	logger.Info("secret channel created", "path", path)
	return &Channel{path: path, pollInterval: pollInterval, logger: logger}, nil
}

// Path returns the channel node path.
func (c *Channel) Path() string { return c.path }

// WriteOnce transfers the payload to the channel's reader as a single
// stream. It waits for a reader to attach by polling a nonblocking
// write-side open (ENXIO means no reader yet) until the context
// deadline, then writes the full payload and closes the write end, so
// the reader observes the bytes once and then end-of-stream.
//
// A context deadline expiring before a reader attaches fails with
// *TimeoutError; the payload has not left the buffer. The channel node
// is not removed here; Remove runs on every exit path via the
// coordinator's compensation.
func (c *Channel) WriteOnce(ctx context.Context, payload *secret.Buffer) error {
	started := time.Now()

	for {
		fd, err := unix.Open(c.path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return c.transfer(fd, payload, started)
		}
		if !errors.Is(err, unix.ENXIO) {
			return &FilesystemError{Op: "opening secret channel for write", Path: c.path, Err: err}
		}

		// No reader yet. Wait one poll interval or give up at the
		// deadline, whichever comes first.
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TimeoutError{ChannelPath: c.path, Wait: time.Since(started)}
			}
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// transfer writes the payload through an open write-side descriptor.
func (c *Channel) transfer(fd int, payload *secret.Buffer, started time.Time) error {
	// The nonblocking flag was only needed to probe for a reader; the
	// write itself should block until the pipe buffer drains.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return &FilesystemError{Op: "configuring secret channel", Path: c.path, Err: err}
	}

	file := os.NewFile(uintptr(fd), c.path)
	written, err := payload.WriteTo(file)
	closeErr := file.Close()
	if err != nil {
		return &FilesystemError{Op: "writing secret payload", Path: c.path, Err: err}
	}
	if closeErr != nil {
		return &FilesystemError{Op: "closing secret channel", Path: c.path, Err: closeErr}
	}

	c.logger.Info("secret payload delivered",
		"path", c.path,
		"bytes", written,
		"waited", time.Since(started).Round(time.Millisecond))
	return nil
}

// Remove deletes the channel node. Idempotent; called on every exit
// path so a failed launch never leaks a FIFO for a later run to trip
// over.
func (c *Channel) Remove() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &FilesystemError{Op: "removing secret channel", Path: c.path, Err: err}
	}
	return nil
}

// RemoveChannelNode removes a channel node by path, for teardown paths
// that never held a Channel value (cancellation of a job launched by an
// earlier coordinator).
func RemoveChannelNode(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &FilesystemError{Op: "removing secret channel", Path: path, Err: err}
	}
	return nil
}
