/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/dispatch"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/finalizer"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/orchestrator"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/store"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/worker"
)

// local runs the orchestrator with in-process workers.
type local struct {
	batchSize      int
	concurrency    int
	executionID    string
	acquireTimeout time.Duration
	archive        string
	archivePrefix  string
}

func (l *local) addFlags(fs *pflag.FlagSet) {
	fs.IntVar(&l.batchSize, "batch-size", worker.DefaultBatchSize, "Records per batch")
	fs.IntVar(&l.concurrency, "concurrency", 3, "Batches per round")
	fs.StringVar(&l.executionID, "execution-id", "", "Name of this run; generated when empty")
	fs.DurationVar(&l.acquireTimeout, "acquire-timeout", 5*time.Second, "How long a batch waits for a free key")
	fs.StringVar(&l.archive, "archive", "", "Bucket URL to archive the completion summary to")
	fs.StringVar(&l.archivePrefix, "archive-prefix", "summaries", "Key prefix for archived summaries")
}

// build wires an orchestrator to direct dispatch.  The returned func closes
// whatever build opened.
func (l *local) build(ctx context.Context, g *globals) (*orchestrator.Orchestrator, *dispatch.Direct, func(), error) {
	b, err := g.open(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := g.custody(ctx)
	if err != nil {
		b.Close()
		return nil, nil, nil, err
	}
	fin, closeFin, err := l.finalizer(ctx)
	if err != nil {
		b.Close()
		return nil, nil, nil, err
	}

	direct := dispatch.NewDirect(worker.New(b.Records, b.Keys, c,
		worker.WithAcquireTimeout(l.acquireTimeout),
		worker.WithLeaseDuration(g.Store.LeaseDuration),
	))
	o, err := orchestrator.New(b.Records, direct, fin, orchestrator.Config{
		BatchSize:   l.batchSize,
		Concurrency: l.concurrency,
		ExecutionID: l.executionID,
	}, orchestrator.WithKeyPool(b.Keys))
	if err != nil {
		closeFin()
		b.Close()
		return nil, nil, nil, err
	}
	return o, direct, func() {
		direct.Wait()
		closeFin()
		b.Close()
	}, nil
}

func (l *local) finalizer(ctx context.Context) (*finalizer.Finalizer, func(), error) {
	if l.archive == "" {
		return finalizer.New(), func() {}, nil
	}
	bucket, err := blob.OpenBucket(ctx, l.archive)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive bucket: %w", err)
	}
	return finalizer.New(finalizer.WithArchive(bucket, l.archivePrefix)), func() { _ = bucket.Close() }, nil
}

func newRoundCmd(g *globals) *cobra.Command {
	var l local
	cmd := &cobra.Command{
		Use:   "round",
		Short: "Run one orchestration round with in-process workers and wait for its batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			o, direct, done, err := l.build(ctx, g)
			if err != nil {
				return err
			}
			defer done()

			status, err := o.Round(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, oc := range direct.Wait() {
				printOutcome(out, oc)
			}
			return printJSON(out, status)
		},
	}
	l.addFlags(cmd.Flags())
	return cmd
}

func newRunCmd(g *globals) *cobra.Command {
	var (
		l        local
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run rounds with in-process workers until every record is signed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			o, _, done, err := l.build(ctx, g)
			if err != nil {
				return err
			}
			defer done()

			status, err := o.Run(ctx, interval)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	l.addFlags(cmd.Flags())
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Time between rounds")
	return cmd
}

func newFinalizeCmd(g *globals) *cobra.Command {
	var (
		l     local
		start string
	)
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Produce the completion summary of a finished run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var startTime time.Time
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				startTime = t
			}

			b, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := checkComplete(ctx, b); err != nil {
				return err
			}

			fin, closeFin, err := l.finalizer(ctx)
			if err != nil {
				return err
			}
			defer closeFin()
			return printJSON(cmd.OutOrStdout(), fin.Finalize(ctx, l.executionID, startTime))
		},
	}
	cmd.Flags().StringVar(&l.executionID, "execution-id", "", "Name of the run being finalized")
	cmd.Flags().StringVar(&start, "start", "", "RFC 3339 start time of the run, if known")
	cmd.Flags().StringVar(&l.archive, "archive", "", "Bucket URL to archive the summary to")
	cmd.Flags().StringVar(&l.archivePrefix, "archive-prefix", "summaries", "Key prefix for archived summaries")
	return cmd
}

func checkComplete(ctx context.Context, b *store.Backend) error {
	pending, err := b.Records.CountPending(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		return fmt.Errorf("%d records are still pending", pending)
	}
	return nil
}

func printOutcome(w io.Writer, oc dispatch.Outcome) {
	if oc.Err != nil {
		fmt.Fprintf(w, "batch %s: %v\n", oc.Batch.ID, oc.Err)
		return
	}
	fmt.Fprintf(w, "batch %s: signed %d with %s, %d remaining\n", oc.Batch.ID, oc.Result.Processed, oc.Result.KeyID, oc.Result.Remaining)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
