/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/conformance"
)

const dsnEnv = "BULKSIGN_TEST_POSTGRES_DSN"

// newDatabase creates a throwaway database for one store, and drops it when
// the test ends.
func newDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s is not set", dsnEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	name := "bulksign_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		t.Fatalf("create database: %v", err)
	}

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	u.Path = "/" + name
	pool, err := NewPool(ctx, u.String(), 16)
	if err != nil {
		t.Fatalf("NewPool() = %v", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate() = %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		ctx := context.Background()
		_, _ = admin.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize())
		_ = admin.Close(ctx)
	})
	return pool
}

// requireDSN skips the calling test when no database is configured. The skip
// must happen on the top-level test, not inside a conformance subtest.
func requireDSN(t *testing.T) {
	t.Helper()
	if os.Getenv(dsnEnv) == "" {
		t.Skipf("%s is not set", dsnEnv)
	}
}

func TestClaimQueue(t *testing.T) {
	requireDSN(t)
	conformance.TestClaimQueue(t, func(opts ...bulksign.Option) bulksign.RecordStore {
		return NewRecordStore(newDatabase(t), opts...)
	})
}

func TestKeyPool(t *testing.T) {
	requireDSN(t)
	conformance.TestKeyPool(t, func(opts ...bulksign.Option) bulksign.KeyPool {
		return NewKeyPool(newDatabase(t), opts...)
	})
}

func TestConcurrency(t *testing.T) {
	requireDSN(t)
	conformance.TestConcurrency(t,
		func(opts ...bulksign.Option) bulksign.RecordStore {
			return NewRecordStore(newDatabase(t), opts...)
		},
		func(opts ...bulksign.Option) bulksign.KeyPool {
			return NewKeyPool(newDatabase(t), opts...)
		})
}

func TestUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{{
		name: "connection failure",
		err:  &pgconn.PgError{Code: "08006"},
		want: true,
	}, {
		name: "serialization failure",
		err:  &pgconn.PgError{Code: "40001"},
		want: true,
	}, {
		name: "admin shutdown",
		err:  &pgconn.PgError{Code: "57P01"},
		want: true,
	}, {
		name: "syntax error",
		err:  &pgconn.PgError{Code: "42601"},
		want: false,
	}, {
		name: "network error",
		err:  errors.New("dial tcp: connection refused"),
		want: true,
	}, {
		name: "cancelled",
		err:  context.Canceled,
		want: false,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := unavailable("op", tt.err)
			if got := errors.Is(err, bulksign.ErrStoreUnavailable); got != tt.want {
				t.Errorf("unavailable(%v) unavailable = %v, want %v", tt.err, got, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("unavailable(%v) lost the cause", tt.err)
			}
		})
	}
}
