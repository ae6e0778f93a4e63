// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/stagehand-sh/stagehand/lib/sealed"
	"github.com/stagehand-sh/stagehand/lib/secret"
)

// loadOrGenerateKeypair loads the launcher keypair from the state
// directory, or generates a new one on first boot. Returns the keypair
// and whether it was just generated.
func loadOrGenerateKeypair(stateDir string, logger *slog.Logger) (*sealed.Keypair, bool, error) {
	privateKeyPath := filepath.Join(stateDir, "launcher-key.txt")
	publicKeyPath := filepath.Join(stateDir, "launcher-key.pub")

	privateKeyData, err := os.ReadFile(privateKeyPath)
	if err == nil {
		publicKeyData, err := os.ReadFile(publicKeyPath)
		if err != nil {
			secret.Zero(privateKeyData)
			return nil, false, fmt.Errorf("private key exists but public key missing at %s: %w", publicKeyPath, err)
		}

		// Move the private key into mmap-backed memory. TrimSpace
		// returns a sub-slice of privateKeyData; NewFromBytes copies it
		// into mmap and zeros the sub-slice. Zero the full read buffer
		// afterward to catch surrounding whitespace bytes.
		trimmedKey := bytes.TrimSpace(privateKeyData)
		privateKeyBuffer, bufferError := secret.NewFromBytes(trimmedKey)
		secret.Zero(privateKeyData)
		if bufferError != nil {
			return nil, false, fmt.Errorf("protecting private key: %w", bufferError)
		}

		publicKey := strings.TrimSpace(string(publicKeyData))

		if err := sealed.ParsePrivateKey(privateKeyBuffer); err != nil {
			privateKeyBuffer.Close()
			return nil, false, fmt.Errorf("stored private key is invalid: %w", err)
		}
		if err := sealed.ParsePublicKey(publicKey); err != nil {
			privateKeyBuffer.Close()
			return nil, false, fmt.Errorf("stored public key is invalid: %w", err)
		}

		return &sealed.Keypair{PrivateKey: privateKeyBuffer, PublicKey: publicKey}, false, nil
	}

	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("reading private key from %s: %w", privateKeyPath, err)
	}

	logger.Info("generating launcher keypair (first boot)")

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return nil, false, fmt.Errorf("generating keypair: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		keypair.Close()
		return nil, false, fmt.Errorf("creating state directory %s: %w", stateDir, err)
	}

	// Private key 0600, owner only.
	if err := os.WriteFile(privateKeyPath, keypair.PrivateKey.Bytes(), 0600); err != nil {
		keypair.Close()
		return nil, false, fmt.Errorf("writing private key to %s: %w", privateKeyPath, err)
	}

	// Public key 0644; operators read it to seal secrets.
	if err := os.WriteFile(publicKeyPath, []byte(keypair.PublicKey), 0644); err != nil {
		keypair.Close()
		return nil, false, fmt.Errorf("writing public key to %s: %w", publicKeyPath, err)
	}

	return keypair, true, nil
}
