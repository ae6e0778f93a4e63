// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"reflect"
	"testing"
)

func TestParseEnvLines(t *testing.T) {
	entries, err := parseEnvLines([]byte("API_TOKEN=token-xyz\n\nDB_URL=postgres://h/db\n"))
	if err != nil {
		t.Fatalf("parseEnvLines failed: %v", err)
	}

	want := []string{"API_TOKEN=token-xyz", "DB_URL=postgres://h/db"}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries mismatch:\n got %v\nwant %v", entries, want)
	}
}

func TestParseEnvLines_ValueMayContainEquals(t *testing.T) {
	entries, err := parseEnvLines([]byte("SIG=a=b=c"))
	if err != nil {
		t.Fatalf("parseEnvLines failed: %v", err)
	}
	if entries[0] != "SIG=a=b=c" {
		t.Errorf("unexpected entry: %q", entries[0])
	}
}

func TestParseEnvLines_Invalid(t *testing.T) {
	cases := map[string]string{
		"no separator":    "JUSTAVALUE",
		"empty key":       "=value",
		"bad key char":    "MY-KEY=x",
		"digit-first key": "1KEY=x",
		"whitespace only": "   \n\n  ",
		"empty payload":   "",
	}
	for name, payload := range cases {
		if _, err := parseEnvLines([]byte(payload)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidEnvKey(t *testing.T) {
	for key, want := range map[string]bool{
		"API_TOKEN": true,
		"_private":  true,
		"K9":        true,
		"":          false,
		"9K":        false,
		"A B":       false,
	} {
		if got := validEnvKey(key); got != want {
			t.Errorf("validEnvKey(%q) = %v, want %v", key, got, want)
		}
	}
}
