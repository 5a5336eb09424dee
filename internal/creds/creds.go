// Package creds seals instance credentials at rest. Sealing is authenticated
// encryption keyed from an operator secret; a stored row can only be opened
// by a process holding the same secret.
package creds

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrEmptySecret is returned when the operator secret is missing. Refusing
// to start beats silently storing recoverable credentials.
var ErrEmptySecret = errors.New("creds: operator secret is empty")

// ErrOpenFailed is returned when sealed credentials cannot be opened:
// tampered ciphertext or a different operator secret.
var ErrOpenFailed = errors.New("creds: cannot open sealed credentials")

// Keeper seals and opens credential pairs.
type Keeper struct {
	aead cipher.AEAD
}

// NewKeeper derives the sealing key from the operator secret.
func NewKeeper(secret string) (*Keeper, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("creds: init cipher: %w", err)
	}
	return &Keeper{aead: aead}, nil
}

// Seal encrypts a credential pair into a storable string. The nonce is
// random per call, so sealing the same pair twice yields different outputs.
func (k *Keeper) Seal(username, password string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("creds: nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(username+":"+password), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed credential pair. Basic-auth usernames cannot
// contain a colon, so the first colon splits the pair unambiguously.
func (k *Keeper) Open(sealed string) (username, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", "", ErrOpenFailed
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]

	plain, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", "", ErrOpenFailed
	}
	pair := strings.SplitN(string(plain), ":", 2)
	if len(pair) != 2 {
		return "", "", ErrOpenFailed
	}
	return pair[0], pair[1], nil
}
