/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chainguard-dev/bulk-signer/pkg/custody"
)

func newInitCmd(g *globals) *cobra.Command {
	var records, keys int
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Provision signing keys and seed unsigned records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if records < 0 || keys < 0 {
				return errors.New("--records and --keys must not be negative")
			}
			ctx := cmd.Context()
			b, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			c, err := g.custody(ctx)
			if err != nil {
				return err
			}

			provisioned, err := custody.Bootstrap(ctx, b.Keys, c, keys)
			if err != nil {
				return err
			}
			seeded, err := b.Records.Seed(ctx, records)
			if err != nil {
				return fmt.Errorf("seed records: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provisioned %d keys, seeded %d records\n", len(provisioned), seeded)
			return nil
		},
	}
	cmd.Flags().IntVar(&records, "records", 2500, "Number of unsigned records to add")
	cmd.Flags().IntVar(&keys, "keys", 1, "Number of signing keys to provision")
	return cmd
}
