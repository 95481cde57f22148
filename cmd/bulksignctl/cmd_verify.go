/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

func newVerifyCmd(g *globals) *cobra.Command {
	var first, limit int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the signatures of a range of records",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			var checked, verified, unsigned int
			var failed []int64
			for id := first; id < first+limit; id++ {
				r, err := b.Records.Get(ctx, id)
				if errors.Is(err, bulksign.ErrNotFound) {
					break
				} else if err != nil {
					return err
				}
				checked++
				if r.Pending() {
					unsigned++
					continue
				}
				if err := c.Verify(ctx, r.SignedBy, r.Payload, r.Signature); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "record %d: %v\n", id, err)
					failed = append(failed, id)
					continue
				}
				verified++
			}

			fmt.Fprintf(cmd.OutOrStdout(), "checked %d records: %d verified, %d unsigned, %d failed\n",
				checked, verified, unsigned, len(failed))
			if len(failed) > 0 {
				return fmt.Errorf("%d signatures did not verify", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&first, "from", 1, "First record id to check")
	cmd.Flags().Int64Var(&limit, "limit", 100, "Maximum number of records to check")
	return cmd
}
