/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// NewKeyPool returns a KeyPool over a database opened with Open.
func NewKeyPool(db *sql.DB, opts ...bulksign.Option) bulksign.KeyPool {
	return &keyPool{db: db, opts: bulksign.NewOptions(opts...)}
}

type keyPool struct {
	db   *sql.DB
	opts bulksign.Options
}

var _ bulksign.KeyPool = (*keyPool)(nil)

const acquireSQL = `
UPDATE signing_keys SET in_use = 1, lease_token = ?, lease_expires_at = ?
WHERE key_id = (
    SELECT key_id FROM signing_keys
    WHERE in_use = 0 OR lease_expires_at < ?
    ORDER BY last_used ASC, key_id ASC
    LIMIT 1
)
RETURNING key_id, alias, last_used`

// Acquire implements bulksign.KeyPool.
func (p *keyPool) Acquire(ctx context.Context) (*bulksign.Lease, error) {
	now := p.opts.Now()
	l := &bulksign.Lease{
		Token:   bulksign.NewToken(),
		Expires: now.Add(p.opts.LeaseDuration),
	}
	var lastUsed sql.NullInt64
	err := p.db.QueryRowContext(ctx, acquireSQL, l.Token, nanos(l.Expires), nanos(now)).
		Scan(&l.Key.ID, &l.Key.Alias, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bulksign.ErrNoKeyAvailable
	} else if err != nil {
		return nil, unavailable("acquire key", err)
	}
	l.Key.LastUsed = fromNanos(lastUsed)
	l.Key.InUse = true
	l.Key.LeaseExpires = l.Expires
	return l, nil
}

// Renew implements bulksign.KeyPool.
func (p *keyPool) Renew(ctx context.Context, lease *bulksign.Lease) (*bulksign.Lease, error) {
	if lease == nil {
		return nil, fmt.Errorf("renew: %w", bulksign.ErrLeaseLost)
	}
	l := &bulksign.Lease{
		Key:     lease.Key,
		Token:   lease.Token,
		Expires: p.opts.Now().Add(p.opts.LeaseDuration),
	}
	var lastUsed sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
UPDATE signing_keys SET lease_expires_at = ?
WHERE key_id = ? AND in_use = 1 AND lease_token = ?
RETURNING alias, last_used`,
		nanos(l.Expires), lease.Key.ID, lease.Token,
	).Scan(&l.Key.Alias, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("renew %q: %w", lease.Key.ID, bulksign.ErrLeaseLost)
	} else if err != nil {
		return nil, unavailable("renew lease", err)
	}
	l.Key.LastUsed = fromNanos(lastUsed)
	l.Key.InUse = true
	l.Key.LeaseExpires = l.Expires
	return l, nil
}

// Release implements bulksign.KeyPool.
func (p *keyPool) Release(ctx context.Context, lease *bulksign.Lease) error {
	if lease == nil {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, `
UPDATE signing_keys
SET in_use = 0, lease_token = NULL, lease_expires_at = NULL, last_used = ?
WHERE key_id = ? AND in_use = 1 AND lease_token = ?`,
		nanos(p.opts.Now()), lease.Key.ID, lease.Token); err != nil {
		return unavailable("release key", err)
	}
	return nil
}

// Bootstrap implements bulksign.KeyPool.
func (p *keyPool) Bootstrap(ctx context.Context, keys ...bulksign.SigningKey) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin bootstrap", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, key := range keys {
		if key.ID == "" {
			return fmt.Errorf("bootstrap: key with alias %q has no id", key.Alias)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO signing_keys (key_id, alias) VALUES (?, ?) ON CONFLICT (key_id) DO NOTHING`,
			key.ID, key.Alias); err != nil {
			return unavailable("bootstrap", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("bootstrap", err)
	}
	return nil
}

// List implements bulksign.KeyPool.
func (p *keyPool) List(ctx context.Context) ([]bulksign.SigningKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key_id, alias, last_used, in_use, lease_expires_at FROM signing_keys ORDER BY key_id`)
	if err != nil {
		return nil, unavailable("list keys", err)
	}
	defer rows.Close()

	var out []bulksign.SigningKey
	for rows.Next() {
		var (
			k                 bulksign.SigningKey
			lastUsed, expires sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.Alias, &lastUsed, &k.InUse, &expires); err != nil {
			return nil, unavailable("list keys", err)
		}
		k.LastUsed = fromNanos(lastUsed)
		k.LeaseExpires = fromNanos(expires)
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list keys", err)
	}
	return out, nil
}
