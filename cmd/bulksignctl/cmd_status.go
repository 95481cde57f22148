/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending records and the state of the key pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			pending, err := b.Records.CountPending(ctx)
			if err != nil {
				return err
			}
			keys, err := b.Keys.List(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending records: %d\n", pending)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tALIAS\tIN USE\tLAST USED")
			for _, k := range keys {
				last := "never"
				if !k.LastUsed.IsZero() {
					last = k.LastUsed.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", k.ID, k.Alias, k.InUse, last)
			}
			return tw.Flush()
		},
	}
}
