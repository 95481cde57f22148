/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []string{KindMemory, KindSQLite} {
		t.Run(kind, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			b, err := Open(ctx, Config{
				Kind:          kind,
				SQLitePath:    filepath.Join(t.TempDir(), "bulksign.db"),
				ClaimTTL:      time.Minute,
				LeaseDuration: time.Minute,
			}, bulksign.WithClock(clock))
			if err != nil {
				t.Fatalf("Open() = %v", err)
			}
			defer b.Close()

			if _, err := b.Records.Seed(ctx, 3); err != nil {
				t.Fatalf("Seed() = %v", err)
			}
			claim, err := b.Records.ClaimBatch(ctx, 10)
			if err != nil {
				t.Fatalf("ClaimBatch() = %v", err)
			}
			if len(claim.Records) != 3 {
				t.Fatalf("ClaimBatch() = %d records, want 3", len(claim.Records))
			}
			// The configured claim TTL is what the backend uses.
			if want := clock.Now().UTC().Add(time.Minute); !claim.Expires.Equal(want) {
				t.Errorf("claim expires %v, want %v", claim.Expires, want)
			}
		})
	}
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	const d = time.Minute
	for name, cfg := range map[string]Config{
		"unknown kind":         {Kind: "etcd", ClaimTTL: d, LeaseDuration: d},
		"postgres without dsn": {Kind: KindPostgres, ClaimTTL: d, LeaseDuration: d},
		"postgres unreachable": {Kind: KindPostgres, ClaimTTL: d, LeaseDuration: d, DatabaseURL: "postgres://bulksign@127.0.0.1:1/bulksign?connect_timeout=1"},
		"zero lease":           {Kind: KindMemory, ClaimTTL: d},
		"negative lease":       {Kind: KindMemory, ClaimTTL: d, LeaseDuration: -d},
		"zero claim ttl":       {Kind: KindMemory, LeaseDuration: d},
	} {
		t.Run(name, func(t *testing.T) {
			if b, err := Open(ctx, cfg); err == nil {
				b.Close()
				t.Errorf("Open(%+v) = nil error, want error", cfg)
			}
		})
	}
}
