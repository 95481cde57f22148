/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package custody abstracts where signing keys live and how payloads get
// signed with them.
package custody

import (
	"context"
	"fmt"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/custody/gcpkms"
	"github.com/chainguard-dev/bulk-signer/pkg/custody/local"
)

// Signer signs payloads with a key held in custody.
type Signer interface {
	Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error)
}

// Provisioner creates a new key in custody under the given alias.
// Provisioning an alias that already exists returns the existing key.
type Provisioner interface {
	Provision(ctx context.Context, alias string) (bulksign.SigningKey, error)
}

// Verifier checks a signature produced by Signer.
type Verifier interface {
	Verify(ctx context.Context, keyID string, payload, signature []byte) error
}

// Custodian is a complete custody backend.
type Custodian interface {
	Signer
	Provisioner
	Verifier
}

var (
	_ Custodian = (*local.Custody)(nil)
	_ Custodian = (*gcpkms.Custody)(nil)
)

// New creates a custodian based on a url.
// Supported URL schemes:
// - local://<dir>: ed25519 keys kept as PEM files under dir.
// - local://: ed25519 keys kept in memory only.
// - gcpkms://<key ring>: keys created in the given Cloud KMS key ring.
func New(ctx context.Context, url string) (Custodian, error) {
	t := strings.SplitN(url, "://", 2)
	if len(t) < 2 {
		return nil, fmt.Errorf("invalid custody url: %s", url)
	}

	switch t[0] {
	case "local":
		c, err := local.New(t[1])
		if err != nil {
			return nil, err
		}
		return c, nil

	case "gcpkms":
		client, err := kms.NewKeyManagementClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not create kms client: %w", err)
		}
		return gcpkms.New(client, t[1]), nil
	}
	return nil, fmt.Errorf("unknown custody type: %s", t[0])
}

// KeyAlias is the alias of the i-th bootstrapped key.
func KeyAlias(i int) string {
	return fmt.Sprintf("signing_key_%d", i)
}

// Bootstrap provisions n keys and registers them in pool as free and never
// used.  It is safe to run again: provisioning returns existing keys and the
// pool ignores ids it already has.
func Bootstrap(ctx context.Context, pool bulksign.KeyPool, p Provisioner, n int) ([]bulksign.SigningKey, error) {
	keys := make([]bulksign.SigningKey, 0, n)
	for i := range n {
		key, err := p.Provision(ctx, KeyAlias(i))
		if err != nil {
			return nil, fmt.Errorf("provision %s: %w", KeyAlias(i), err)
		}
		clog.FromContext(ctx).With("key_id", key.ID, "key_alias", key.Alias).Info("Provisioned signing key")
		keys = append(keys, key)
	}
	if err := pool.Bootstrap(ctx, keys...); err != nil {
		return nil, fmt.Errorf("register keys: %w", err)
	}
	return keys, nil
}
