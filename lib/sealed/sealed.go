// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for the one exchange Stagehand
// needs: an operator encrypts a job secret to the launcher's public key,
// and the launcher decrypts it with its private key before piping it to
// the worker. Ciphertext is base64-encoded so it travels cleanly inside
// CBOR/JSON request fields.
//
// Private keys and decrypted plaintext live in secret.Buffer values
// (mmap-backed, locked against swap, zeroed on close). The plaintext
// secret never exists as a plain heap allocation for longer than it
// takes to move it into protected memory.
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/stagehand-sh/stagehand/lib/secret"
)

// Keypair is the launcher's age x25519 identity. The private key stays
// in protected memory; the public key is plain text and is what
// operators encrypt job secrets to.
type Keypair struct {
	// PrivateKey holds the AGE-SECRET-KEY-1... string in mmap-backed
	// memory. Never log it, never pass it on a command line.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... recipient string. Safe to publish; the
	// launcher writes it world-readable in its state directory.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a fresh launcher identity. The private key is
// moved into protected memory immediately; the caller must Close the
// returned Keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}

	// identity.String() is an immutable heap string we cannot zero; the
	// mmap buffer is the durable copy and the string is left to the GC.
	privateKeyBytes := []byte(identity.String())
	privateKey, err := secret.NewFromBytes(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Encrypt encrypts plaintext to the given age public key and returns
// base64 ciphertext. The plaintext slice is not zeroed here; callers
// that hold secrets in heap memory are responsible for secret.Zero.
func Encrypt(plaintext []byte, recipientKey string) (string, error) {
	recipient, err := age.ParseX25519Recipient(recipientKey)
	if err != nil {
		return "", fmt.Errorf("parsing recipient key: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Decrypt decrypts base64 ciphertext with the given private key and
// returns the plaintext in a protected buffer. The private key buffer
// is borrowed, not closed. The caller must Close the returned buffer.
func Decrypt(ciphertext string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("decrypted secret is empty")
	}

	// NewFromBytes zeros the heap copy.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// ParsePublicKey validates an age public key string before it is used
// as an encryption recipient.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// ParsePrivateKey validates a stored private key after it is loaded
// from the state directory.
func ParsePrivateKey(privateKey *secret.Buffer) error {
	if _, err := age.ParseX25519Identity(privateKey.String()); err != nil {
		return fmt.Errorf("invalid age private key: %w", err)
	}
	return nil
}
