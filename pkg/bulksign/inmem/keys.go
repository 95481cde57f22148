/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// NewKeyPool creates a new in-memory key pool.
// This is intended for testing, and is not suitable for production use.
func NewKeyPool(opts ...bulksign.Option) bulksign.KeyPool {
	return &keyPool{
		opts: bulksign.NewOptions(opts...),
		keys: make(map[string]*keyRow, 10),
	}
}

type keyPool struct {
	opts bulksign.Options

	// mu guards the key table; every mutation is a single critical section,
	// which is this backend's compare-and-set.
	mu   sync.Mutex
	keys map[string]*keyRow
}

type keyRow struct {
	bulksign.SigningKey
	token string
}

var _ bulksign.KeyPool = (*keyPool)(nil)

func (k *keyRow) free(now time.Time) bool {
	return !k.InUse || now.After(k.LeaseExpires)
}

// Acquire implements bulksign.KeyPool.
func (p *keyPool) Acquire(_ context.Context) (*bulksign.Lease, error) {
	now := p.opts.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var best *keyRow
	for _, k := range p.keys {
		if !k.free(now) {
			continue
		}
		if best == nil || k.LastUsed.Before(best.LastUsed) ||
			(k.LastUsed.Equal(best.LastUsed) && k.ID < best.ID) {
			best = k
		}
	}
	if best == nil {
		return nil, bulksign.ErrNoKeyAvailable
	}

	best.InUse = true
	best.token = bulksign.NewToken()
	best.LeaseExpires = now.Add(p.opts.LeaseDuration)
	return &bulksign.Lease{
		Key:     best.SigningKey,
		Token:   best.token,
		Expires: best.LeaseExpires,
	}, nil
}

// Renew implements bulksign.KeyPool.
func (p *keyPool) Renew(_ context.Context, lease *bulksign.Lease) (*bulksign.Lease, error) {
	if lease == nil {
		return nil, fmt.Errorf("renew: %w", bulksign.ErrLeaseLost)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.keys[lease.Key.ID]
	if !ok || !k.InUse || k.token != lease.Token {
		return nil, fmt.Errorf("renew %q: %w", lease.Key.ID, bulksign.ErrLeaseLost)
	}
	k.LeaseExpires = p.opts.Now().Add(p.opts.LeaseDuration)
	return &bulksign.Lease{
		Key:     k.SigningKey,
		Token:   k.token,
		Expires: k.LeaseExpires,
	}, nil
}

// Release implements bulksign.KeyPool.
func (p *keyPool) Release(_ context.Context, lease *bulksign.Lease) error {
	if lease == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.keys[lease.Key.ID]
	if !ok || !k.InUse || k.token != lease.Token {
		// Already released, or reclaimed after expiry.
		return nil
	}
	k.InUse = false
	k.token = ""
	k.LeaseExpires = time.Time{}
	k.LastUsed = p.opts.Now()
	return nil
}

// Bootstrap implements bulksign.KeyPool.
func (p *keyPool) Bootstrap(_ context.Context, keys ...bulksign.SigningKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		if key.ID == "" {
			return fmt.Errorf("bootstrap: key with alias %q has no id", key.Alias)
		}
		if _, ok := p.keys[key.ID]; ok {
			continue
		}
		p.keys[key.ID] = &keyRow{SigningKey: bulksign.SigningKey{
			ID:    key.ID,
			Alias: key.Alias,
		}}
	}
	return nil
}

// List implements bulksign.KeyPool.
func (p *keyPool) List(_ context.Context) ([]bulksign.SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bulksign.SigningKey, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, k.SigningKey)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}
