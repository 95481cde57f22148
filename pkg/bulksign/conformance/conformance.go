/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package conformance holds the behavioral suite that every ClaimQueue and
// KeyPool backend must pass.  Constructors must return an empty store.
package conformance

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// RecordStoreCtor builds an empty record store.
type RecordStoreCtor func(opts ...bulksign.Option) bulksign.RecordStore

// KeyPoolCtor builds an empty key pool.
type KeyPoolCtor func(opts ...bulksign.Option) bulksign.KeyPool

var epoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	claimTTL      = time.Minute
	leaseDuration = time.Minute
)

func sortedIDs(c *bulksign.Claim) []int64 {
	ids := c.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func entriesFor(c *bulksign.Claim, by string, at time.Time) []bulksign.SignatureEntry {
	out := make([]bulksign.SignatureEntry, 0, len(c.Records))
	for _, r := range c.Records {
		out = append(out, bulksign.SignatureEntry{
			RecordID:  r.ID,
			Signature: append([]byte("sig:"), r.Payload...),
			SignedAt:  at,
			SignedBy:  by,
		})
	}
	return out
}

func mustSeed(ctx context.Context, t *testing.T, s bulksign.RecordStore, n int) {
	t.Helper()
	got, err := s.Seed(ctx, n)
	if err != nil {
		t.Fatalf("Seed(%d) = %v", n, err)
	}
	if got != n {
		t.Fatalf("Seed(%d) = %d", n, got)
	}
}

func mustClaim(ctx context.Context, t *testing.T, s bulksign.ClaimQueue, n int) *bulksign.Claim {
	t.Helper()
	c, err := s.ClaimBatch(ctx, n)
	if err != nil {
		t.Fatalf("ClaimBatch(%d) = %v", n, err)
	}
	return c
}

func checkPending(ctx context.Context, t *testing.T, s bulksign.ClaimQueue, want int64) {
	t.Helper()
	got, err := s.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() = %v", err)
	}
	if got != want {
		t.Fatalf("CountPending() = %d, want %d", got, want)
	}
}

func checkAcquire(ctx context.Context, t *testing.T, p bulksign.KeyPool, want string) *bulksign.Lease {
	t.Helper()
	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() = %v, want %q", err, want)
	}
	if l.Key.ID != want {
		t.Fatalf("Acquire() = %q, want %q", l.Key.ID, want)
	}
	if !l.Key.InUse {
		t.Errorf("Acquire(%q) returned a key not marked in use", l.Key.ID)
	}
	return l
}

func checkInUse(ctx context.Context, t *testing.T, p bulksign.KeyPool, want map[string]bool) {
	t.Helper()
	keys, err := p.List(ctx)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	got := make(map[string]bool, len(keys))
	for _, k := range keys {
		got[k.ID] = k.InUse
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Unexpected in-use keys (-want, +got):\n%s", diff)
	}
}

func newClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(epoch)
}
