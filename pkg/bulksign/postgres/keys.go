/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// NewKeyPool returns a KeyPool backed by pool.
func NewKeyPool(pool *pgxpool.Pool, opts ...bulksign.Option) bulksign.KeyPool {
	return &keyPool{pool: pool, opts: bulksign.NewOptions(opts...)}
}

type keyPool struct {
	pool *pgxpool.Pool
	opts bulksign.Options
}

var _ bulksign.KeyPool = (*keyPool)(nil)

const acquireSQL = `
WITH picked AS (
    SELECT key_id FROM signing_keys
    WHERE NOT in_use OR lease_expires_at < $3
    ORDER BY last_used ASC NULLS FIRST, key_id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE signing_keys k SET in_use = TRUE, lease_token = $1, lease_expires_at = $2
FROM picked
WHERE k.key_id = picked.key_id
RETURNING k.key_id, k.alias, k.last_used`

func utc(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// Acquire implements bulksign.KeyPool.
func (p *keyPool) Acquire(ctx context.Context) (*bulksign.Lease, error) {
	now := p.opts.Now()
	l := &bulksign.Lease{
		Token:   bulksign.NewToken(),
		Expires: now.Add(p.opts.LeaseDuration),
	}
	var lastUsed *time.Time
	err := p.pool.QueryRow(ctx, acquireSQL, l.Token, l.Expires, now).Scan(&l.Key.ID, &l.Key.Alias, &lastUsed)
	if isNoRows(err) {
		return nil, bulksign.ErrNoKeyAvailable
	} else if err != nil {
		return nil, unavailable("acquire key", err)
	}
	l.Key.LastUsed = utc(lastUsed)
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
	var lastUsed *time.Time
	err := p.pool.QueryRow(ctx, `
UPDATE signing_keys SET lease_expires_at = $1
WHERE key_id = $2 AND in_use AND lease_token = $3
RETURNING alias, last_used`,
		l.Expires, lease.Key.ID, lease.Token,
	).Scan(&l.Key.Alias, &lastUsed)
	if isNoRows(err) {
		return nil, fmt.Errorf("renew %q: %w", lease.Key.ID, bulksign.ErrLeaseLost)
	} else if err != nil {
		return nil, unavailable("renew lease", err)
	}
	l.Key.LastUsed = utc(lastUsed)
	l.Key.InUse = true
	l.Key.LeaseExpires = l.Expires
	return l, nil
}

// Release implements bulksign.KeyPool.
func (p *keyPool) Release(ctx context.Context, lease *bulksign.Lease) error {
	if lease == nil {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `
UPDATE signing_keys
SET in_use = FALSE, lease_token = NULL, lease_expires_at = NULL, last_used = $1
WHERE key_id = $2 AND in_use AND lease_token = $3`,
		p.opts.Now(), lease.Key.ID, lease.Token); err != nil {
		return unavailable("release key", err)
	}
	return nil
}

// Bootstrap implements bulksign.KeyPool.
func (p *keyPool) Bootstrap(ctx context.Context, keys ...bulksign.SigningKey) error {
	batch := &pgx.Batch{}
	for _, key := range keys {
		if key.ID == "" {
			return fmt.Errorf("bootstrap: key with alias %q has no id", key.Alias)
		}
		batch.Queue(`INSERT INTO signing_keys (key_id, alias) VALUES ($1, $2) ON CONFLICT (key_id) DO NOTHING`,
			key.ID, key.Alias)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("bootstrap", err)
	}
	return nil
}

// List implements bulksign.KeyPool.
func (p *keyPool) List(ctx context.Context) ([]bulksign.SigningKey, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key_id, alias, last_used, in_use, lease_expires_at FROM signing_keys ORDER BY key_id`)
	if err != nil {
		return nil, unavailable("list keys", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (bulksign.SigningKey, error) {
		var (
			k                 bulksign.SigningKey
			lastUsed, expires *time.Time
		)
		if err := row.Scan(&k.ID, &k.Alias, &lastUsed, &k.InUse, &expires); err != nil {
			return k, err
		}
		k.LastUsed = utc(lastUsed)
		k.LeaseExpires = utc(expires)
		return k, nil
	})
	if err != nil {
		return nil, unavailable("list keys", err)
	}
	return keys, nil
}
