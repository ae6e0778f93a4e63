// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds job secret payloads in memory that never reaches
// durable storage.
//
// A Buffer is allocated with mmap(MAP_ANONYMOUS) outside the Go heap,
// locked into physical RAM with mlock (no swap), and excluded from core
// dumps with madvise(MADV_DONTDUMP). Close zeros, unlocks, and unmaps
// the region. Because the garbage collector never sees the allocation,
// it cannot copy the secret elsewhere in memory behind our back.
//
// Stagehand's invariant is that a job's secret exists only in a Buffer
// and in kernel pipe buffers between the coordinator's write and the
// worker's read. Every code path that touches secret bytes goes through
// this package.
package secret

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds one secret payload in mmap-backed memory. It must not be
// copied after creation. Accessing the contents after Close panics;
// losing a secret silently would be worse than crashing.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	length int
	closed bool
}

// New allocates a zeroed secret buffer of the given size. The region is
// locked against swap and excluded from core dumps. The caller owns the
// buffer and must Close it when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}

	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}

	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}

	return &Buffer{
		region: region,
		length: size,
	}, nil
}

// NewFromBytes copies source into a new protected buffer and zeros the
// source slice in place, so the caller's copy of the secret is gone by
// the time this returns.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}

	copy(buffer.region, source)
	Zero(source)

	return buffer, nil
}

// Bytes returns the secret contents. The slice aliases the mmap region;
// do not retain it past the buffer's lifetime. Panics after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}

	return b.region[:b.length]
}

// Len returns the payload size in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.length
}

// String returns the secret as a string. The string is a heap copy (Go
// strings are immutable), so use this only at API boundaries that demand
// a string, such as the age identity parser. Panics after Close.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}

	return string(b.region[:b.length])
}

// WriteTo writes the full payload to w as a single stream. This is how
// the secret enters the job's channel: the writer is the channel's file
// descriptor and the bytes go straight from the locked region into the
// kernel pipe buffer. Implements io.WriterTo. Panics after Close.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: write from closed buffer")
	}

	written := 0
	for written < b.length {
		n, err := w.Write(b.region[written:b.length])
		written += n
		if err != nil {
			return int64(written), err
		}
	}
	return int64(written), nil
}

// Close zeros the contents and releases the mapping. Idempotent. After
// Close, Bytes, String, and WriteTo panic.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.region)

	// Unmap failures are surfaced but not actionable; the region is
	// reclaimed at process exit regardless.
	var firstError error
	if err := unix.Munlock(b.region); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.region); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap: %w", err)
	}

	b.region = nil
	return firstError
}

// Zero overwrites every byte of data with zero. Use it on any transient
// heap slice that held secret bytes before letting it go to the garbage
// collector.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
