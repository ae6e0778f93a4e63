// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
)

// parseEnvLines splits a secret payload into KEY=VALUE environment
// entries, one per line. Blank lines are allowed; anything else that
// is not KEY=VALUE is an error, reported by line number only, never
// by content.
func parseEnvLines(payload []byte) ([]string, error) {
	var entries []string

	for number, line := range strings.Split(string(payload), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		key, _, found := strings.Cut(trimmed, "=")
		if !found {
			return nil, fmt.Errorf("line %d is not KEY=VALUE", number+1)
		}
		if !validEnvKey(key) {
			return nil, fmt.Errorf("line %d has an invalid variable name", number+1)
		}
		entries = append(entries, trimmed)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("payload contains no environment entries")
	}
	return entries, nil
}

// validEnvKey reports whether key is a portable environment variable
// name: [A-Za-z_][A-Za-z0-9_]*.
func validEnvKey(key string) bool {
	if key == "" {
		return false
	}
	for index := 0; index < len(key); index++ {
		b := key[index]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b == '_':
		case b >= '0' && b <= '9':
			if index == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
