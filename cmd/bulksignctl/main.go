/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/store"
	"github.com/chainguard-dev/bulk-signer/pkg/custody"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(ctx).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals are the flags every subcommand shares.  Their defaults come from
// the same environment variables the services read.
type globals struct {
	Store      store.Config
	CustodyURL string `env:"CUSTODY_URL, default=local://.bulksign-keys"`
}

func newRootCmd(ctx context.Context) *cobra.Command {
	var g globals
	envconfig.MustProcess(ctx, &g)

	root := &cobra.Command{
		Use:           "bulksignctl",
		Short:         "Operate a bulk signing run",
		Long:          "Seed records, provision signing keys, drive rounds and check the results of a bulk signing run.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.Store.Kind, "store", g.Store.Kind, "Backend: memory, sqlite or postgres ($STORE)")
	pf.StringVar(&g.Store.SQLitePath, "sqlite-path", g.Store.SQLitePath, "SQLite database file ($SQLITE_PATH)")
	pf.StringVar(&g.Store.DatabaseURL, "database-url", g.Store.DatabaseURL, "PostgreSQL DSN ($DATABASE_URL)")
	pf.StringVar(&g.Store.DBSecret, "db-secret", g.Store.DBSecret, "Secret Manager secret holding database credentials ($DB_SECRET_NAME)")
	pf.StringVar(&g.Store.ProjectID, "project", g.Store.ProjectID, "Project of the database secret ($GOOGLE_CLOUD_PROJECT)")
	pf.StringVar(&g.CustodyURL, "custody", g.CustodyURL, "Key custody: local://<dir> or gcpkms://<key ring> ($CUSTODY_URL)")

	root.AddCommand(
		newInitCmd(&g),
		newStatusCmd(&g),
		newRoundCmd(&g),
		newRunCmd(&g),
		newFinalizeCmd(&g),
		newVerifyCmd(&g),
	)
	return root
}

func (g *globals) open(ctx context.Context) (*store.Backend, error) {
	b, err := store.Open(ctx, g.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	clog.FromContext(ctx).With("store", g.Store.Kind).Debug("Opened store")
	return b, nil
}

func (g *globals) custody(ctx context.Context) (custody.Custodian, error) {
	c, err := custody.New(ctx, g.CustodyURL)
	if err != nil {
		return nil, fmt.Errorf("open custody: %w", err)
	}
	return c, nil
}
