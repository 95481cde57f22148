/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package local keeps ed25519 signing keys in process memory, optionally
// persisted as PEM files so several processes can share them.
package local

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// ErrUnknownKey is returned when signing with a key this custodian does not hold.
var ErrUnknownKey = errors.New("unknown key")

var validAlias = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Custody holds ed25519 keys.  Key ids are "local/<alias>".
type Custody struct {
	dir string

	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

// New returns a custodian that persists keys under dir, or keeps them only in
// memory when dir is empty.
func New(dir string) (*Custody, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
	}
	return &Custody{dir: dir, keys: make(map[string]ed25519.PrivateKey)}, nil
}

// KeyID returns the key id for alias.
func KeyID(alias string) string {
	return "local/" + alias
}

func (c *Custody) path(alias string) string {
	return filepath.Join(c.dir, alias+".pem")
}

// Provision implements custody.Provisioner.
func (c *Custody) Provision(_ context.Context, alias string) (bulksign.SigningKey, error) {
	if !validAlias.MatchString(alias) {
		return bulksign.SigningKey{}, fmt.Errorf("invalid key alias %q", alias)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := bulksign.SigningKey{ID: KeyID(alias), Alias: alias}
	if _, err := c.load(alias); err == nil {
		return key, nil
	} else if !errors.Is(err, ErrUnknownKey) {
		return bulksign.SigningKey{}, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return bulksign.SigningKey{}, fmt.Errorf("generating key: %w", err)
	}
	if c.dir != "" {
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return bulksign.SigningKey{}, fmt.Errorf("encoding key: %w", err)
		}
		block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		if err := os.WriteFile(c.path(alias), block, 0o600); err != nil {
			return bulksign.SigningKey{}, fmt.Errorf("writing key: %w", err)
		}
	}
	c.keys[alias] = priv
	return key, nil
}

// load returns the key for alias from memory or disk.  c.mu must be held.
func (c *Custody) load(alias string) (ed25519.PrivateKey, error) {
	if k, ok := c.keys[alias]; ok {
		return k, nil
	}
	if c.dir == "" {
		return nil, fmt.Errorf("%s: %w", alias, ErrUnknownKey)
	}
	b, err := os.ReadFile(c.path(alias))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", alias, ErrUnknownKey)
	} else if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", c.path(alias))
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	k, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an ed25519 key: %T", alias, parsed)
	}
	c.keys[alias] = k
	return k, nil
}

func (c *Custody) key(keyID string) (ed25519.PrivateKey, error) {
	alias, ok := aliasOf(keyID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", keyID, ErrUnknownKey)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(alias)
}

func aliasOf(keyID string) (string, bool) {
	const prefix = "local/"
	if len(keyID) <= len(prefix) || keyID[:len(prefix)] != prefix {
		return "", false
	}
	alias := keyID[len(prefix):]
	return alias, validAlias.MatchString(alias)
}

// Sign implements custody.Signer.
func (c *Custody) Sign(_ context.Context, keyID string, payload []byte) ([]byte, error) {
	k, err := c.key(keyID)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(k, payload), nil
}

// PublicKey returns the public half of keyID.
func (c *Custody) PublicKey(keyID string) (ed25519.PublicKey, error) {
	k, err := c.key(keyID)
	if err != nil {
		return nil, err
	}
	return k.Public().(ed25519.PublicKey), nil
}

// Verify implements custody.Verifier.
func (c *Custody) Verify(_ context.Context, keyID string, payload, signature []byte) error {
	pub, err := c.PublicKey(keyID)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, signature) {
		return fmt.Errorf("signature does not verify with %s", keyID)
	}
	return nil
}
