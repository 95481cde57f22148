/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/conformance"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "bulksign.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestClaimQueue(t *testing.T) {
	conformance.TestClaimQueue(t, func(opts ...bulksign.Option) bulksign.RecordStore {
		return NewRecordStore(newDB(t), opts...)
	})
}

func TestKeyPool(t *testing.T) {
	conformance.TestKeyPool(t, func(opts ...bulksign.Option) bulksign.KeyPool {
		return NewKeyPool(newDB(t), opts...)
	})
}

func TestConcurrency(t *testing.T) {
	conformance.TestConcurrency(t,
		func(opts ...bulksign.Option) bulksign.RecordStore {
			return NewRecordStore(newDB(t), opts...)
		},
		func(opts ...bulksign.Option) bulksign.KeyPool {
			return NewKeyPool(newDB(t), opts...)
		})
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bulksign.db")

	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if _, err := NewRecordStore(db).Seed(ctx, 2500); err != nil {
		t.Fatalf("Seed() = %v", err)
	}
	if err := NewKeyPool(db).Bootstrap(ctx, bulksign.SigningKey{ID: "k", Alias: "signing_key_0"}); err != nil {
		t.Fatalf("Bootstrap() = %v", err)
	}
	db.Close()

	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("Open(again) = %v", err)
	}
	defer db.Close()
	n, err := NewRecordStore(db).CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() = %v", err)
	}
	if n != 2500 {
		t.Errorf("CountPending() = %d, want 2500", n)
	}
	keys, err := NewKeyPool(db).List(ctx)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(keys) != 1 || keys[0].Alias != "signing_key_0" {
		t.Errorf("List() = %v", keys)
	}
}
