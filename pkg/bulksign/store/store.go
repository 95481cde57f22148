/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package store opens the record store and key pool the binaries share,
// picking the backend from configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/inmem"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/postgres"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/sqlite"
	"github.com/chainguard-dev/bulk-signer/pkg/secrets"
)

// Kinds of backend.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Config selects and tunes a backend.  For postgres, DatabaseURL wins over
// DBSecret when both are set.
type Config struct {
	Kind          string        `env:"STORE, default=sqlite"`
	SQLitePath    string        `env:"SQLITE_PATH, default=bulksign.db"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	DBSecret      string        `env:"DB_SECRET_NAME"`
	ProjectID     string        `env:"GOOGLE_CLOUD_PROJECT"`
	MaxConns      int32         `env:"DB_MAX_CONNS, default=10"`
	ClaimTTL      time.Duration `env:"CLAIM_TTL, default=10m"`
	LeaseDuration time.Duration `env:"LEASE_DURATION, default=5m"`
}

// Backend is an open record store and key pool.
type Backend struct {
	Records bulksign.RecordStore
	Keys    bulksign.KeyPool

	close func()
}

// Close releases the underlying connections.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open opens the backend cfg describes, creating its schema if needed.
func Open(ctx context.Context, cfg Config, opts ...bulksign.Option) (*Backend, error) {
	if cfg.ClaimTTL <= 0 {
		return nil, fmt.Errorf("claim TTL must be positive, got %v", cfg.ClaimTTL)
	}
	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %v", cfg.LeaseDuration)
	}
	opts = append([]bulksign.Option{
		bulksign.WithClaimTTL(cfg.ClaimTTL),
		bulksign.WithLeaseDuration(cfg.LeaseDuration),
	}, opts...)

	switch cfg.Kind {
	case KindMemory:
		clog.WarnContext(ctx, "Using the in-memory store; nothing survives this process")
		return &Backend{
			Records: inmem.NewRecordStore(opts...),
			Keys:    inmem.NewKeyPool(opts...),
		}, nil

	case KindSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return &Backend{
			Records: sqlite.NewRecordStore(db, opts...),
			Keys:    sqlite.NewKeyPool(db, opts...),
			close:   func() { db.Close() },
		}, nil

	case KindPostgres:
		dsn, err := postgresDSN(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pool, err := postgres.NewPool(ctx, dsn, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return &Backend{
			Records: postgres.NewRecordStore(pool, opts...),
			Keys:    postgres.NewKeyPool(pool, opts...),
			close:   pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store %q, want one of %s, %s or %s", cfg.Kind, KindMemory, KindSQLite, KindPostgres)
	}
}

func postgresDSN(ctx context.Context, cfg Config) (string, error) {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL, nil
	}
	if cfg.DBSecret == "" {
		return "", errors.New("postgres needs DATABASE_URL or DB_SECRET_NAME")
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("create secret manager client: %w", err)
	}
	defer client.Close()
	return secrets.DSN(ctx, client, cfg.ProjectID, cfg.DBSecret)
}
