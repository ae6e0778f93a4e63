// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFromPath reads a secret from a file, or from the first line of
// stdin when path is "-". Surrounding whitespace is trimmed and every
// intermediate heap copy is zeroed before return. Fails if the trimmed
// secret is empty.
func ReadFromPath(path string) (*Buffer, error) {
	var data []byte

	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading stdin: %w", err)
			}
			return nil, fmt.Errorf("stdin is empty")
		}
		data = scanner.Bytes()
	} else {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret is empty")
	}

	// NewFromBytes zeros trimmed; Zero sweeps any whitespace prefix or
	// suffix bytes outside the trimmed sub-slice.
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// ReadAll drains r completely into a protected buffer. This is the
// worker side of the secret channel: r is the channel's read end, and
// the read returns once the writer closes it. Fails if r yields no
// bytes.
func ReadAll(r io.Reader) (*Buffer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		Zero(data)
		return nil, fmt.Errorf("draining secret source: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("secret source is empty")
	}

	// NewFromBytes zeros the heap copy.
	return NewFromBytes(data)
}
