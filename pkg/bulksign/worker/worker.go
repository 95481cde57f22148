/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package worker signs one batch of records per invocation: claim records,
// lease a key, sign, commit, release.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/custody"
)

// DefaultBatchSize is used when a batch does not carry a size.
const DefaultBatchSize = 100

// Status reports whether any records remained after a batch.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Result is what a worker reports back for one batch.
type Result struct {
	BatchID   string `json:"batch_id"`
	Processed int    `json:"processed"`
	Remaining int64  `json:"remaining"`
	Status    Status `json:"status"`
	KeyID     string `json:"key_id,omitempty"`
}

// Processor handles a single batch.  Dispatch transports deliver batches to
// a Processor.
type Processor interface {
	Process(ctx context.Context, batch bulksign.Batch) (Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(context.Context, bulksign.Batch) (Result, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, batch bulksign.Batch) (Result, error) {
	return f(ctx, batch)
}

// Option configures a Worker.
type Option func(*Worker)

// WithBatchSize sets the claim size used when a batch does not carry one.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// WithAcquireTimeout makes the worker retry key acquisition with
// exponential backoff for up to d before giving up.  Zero disables retries.
func WithAcquireTimeout(d time.Duration) Option {
	return func(w *Worker) { w.acquireTimeout = d }
}

// WithRenewInterval sets how often a held lease is renewed.
func WithRenewInterval(d time.Duration) Option {
	return func(w *Worker) { w.renewInterval = d }
}

// WithLeaseDuration renews held leases three times per lease duration.  It
// must match the lease duration of the key pool handed to New.
func WithLeaseDuration(d time.Duration) Option {
	return WithRenewInterval(d / 3)
}

// WithClock sets the clock used for heartbeats and latency metrics.
func WithClock(c clockwork.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// Worker implements Processor against a record store, key pool and signer.
type Worker struct {
	records bulksign.ClaimQueue
	keys    bulksign.KeyPool
	signer  custody.Signer

	batchSize      int
	acquireTimeout time.Duration
	renewInterval  time.Duration
	clock          clockwork.Clock
}

var _ Processor = (*Worker)(nil)

var tracer = otel.Tracer("github.com/chainguard-dev/bulk-signer/pkg/bulksign/worker")

// New creates a Worker.
func New(records bulksign.ClaimQueue, keys bulksign.KeyPool, signer custody.Signer, opts ...Option) *Worker {
	w := &Worker{
		records:       records,
		keys:          keys,
		signer:        signer,
		batchSize:     DefaultBatchSize,
		renewInterval: bulksign.DefaultLeaseDuration / 3,
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.renewInterval <= 0 {
		w.renewInterval = bulksign.DefaultLeaseDuration / 3
	}
	return w
}

// Process implements Processor.
//
// Every path after a successful key acquisition releases the key, and every
// failure after a successful claim abandons the claim, so a failed batch
// leaves nothing held.
func (w *Worker) Process(ctx context.Context, batch bulksign.Batch) (res Result, err error) {
	start := w.clock.Now()
	ctx, span := tracer.Start(ctx, "bulksign.worker.Process", trace.WithAttributes(
		attribute.String("bulksign.batch_id", batch.ID),
		attribute.Int("bulksign.batch_size", batch.Size),
	))
	defer span.End()

	log := clog.FromContext(ctx).With(batch.LogAttrs()...)
	ctx = clog.WithLogger(ctx, log)

	res = Result{BatchID: batch.ID, Status: StatusInProgress}
	defer func() {
		mBatchLatency.With(labels()).Observe(w.clock.Since(start).Seconds())
		mBatches.With(labels("outcome", outcome(res, err))).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("bulksign.processed", res.Processed))
	}()

	size := batch.Size
	if size <= 0 {
		size = w.batchSize
	}

	claim, err := w.records.ClaimBatch(ctx, size)
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	if claim.Empty() {
		log.Info("No pending records to claim")
		return w.finish(ctx, res)
	}
	log = log.With("claimed", len(claim.Records))

	lease, err := w.acquire(ctx)
	if err != nil {
		w.abandon(ctx, claim)
		return res, err
	}
	res.KeyID = lease.Key.ID
	log = log.With(lease.LogAttrs()...)
	ctx = clog.WithLogger(ctx, log)
	defer func() {
		// Release even if our caller has given up on us.
		if rerr := w.keys.Release(context.WithoutCancel(ctx), lease); rerr != nil {
			log.Errorf("Failed to release key: %v", rerr)
		}
	}()

	signCtx, stop := w.heartbeat(ctx, lease)
	defer stop()
	entries, err := w.sign(signCtx, claim, lease.Key.ID)
	stop()
	if err != nil {
		w.abandon(ctx, claim)
		return res, err
	}

	if err := w.records.CommitSignatures(ctx, claim, entries); err != nil {
		w.abandon(ctx, claim)
		return res, fmt.Errorf("commit batch: %w", err)
	}
	res.Processed = len(entries)
	mRecordsSigned.With(labels()).Add(float64(res.Processed))
	log.Infof("Committed %d signatures", res.Processed)

	return w.finish(ctx, res)
}

func (w *Worker) finish(ctx context.Context, res Result) (Result, error) {
	remaining, err := w.records.CountPending(ctx)
	if err != nil {
		return res, fmt.Errorf("count pending: %w", err)
	}
	res.Remaining = remaining
	if remaining == 0 {
		res.Status = StatusCompleted
	}
	return res, nil
}

func (w *Worker) acquire(ctx context.Context) (*bulksign.Lease, error) {
	op := func() (*bulksign.Lease, error) {
		l, err := w.keys.Acquire(ctx)
		switch {
		case err == nil:
			mKeyAcquires.With(labels("outcome", "acquired")).Inc()
			return l, nil
		case errors.Is(err, bulksign.ErrNoKeyAvailable):
			mKeyAcquires.With(labels("outcome", "unavailable")).Inc()
			return nil, err
		default:
			mKeyAcquires.With(labels("outcome", "error")).Inc()
			return nil, backoff.Permanent(err)
		}
	}
	if w.acquireTimeout <= 0 {
		l, err := op()
		if err != nil {
			return nil, fmt.Errorf("acquire key: %w", unwrapPermanent(err))
		}
		return l, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	l, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(w.acquireTimeout),
		backoff.WithNotify(func(err error, d time.Duration) {
			clog.DebugContextf(ctx, "Key acquisition failed, retrying in %v: %v", d, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire key: %w", unwrapPermanent(err))
	}
	return l, nil
}

func unwrapPermanent(err error) error {
	var perr *backoff.PermanentError
	if errors.As(err, &perr) {
		return perr.Unwrap()
	}
	return err
}

// heartbeat renews lease until stop is called.  The returned context is
// cancelled with ErrLeaseLost if the lease is taken away.  stop may be called
// more than once.
func (w *Worker) heartbeat(ctx context.Context, lease *bulksign.Lease) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	ticker := w.clock.NewTicker(w.renewInterval)

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-ticker.Chan():
				if _, err := w.keys.Renew(ctx, lease); errors.Is(err, bulksign.ErrLeaseLost) {
					clog.ErrorContextf(ctx, "Lost key lease: %v", err)
					cancel(err)
					return
				} else if err != nil && ctx.Err() == nil {
					// The lease is still ours until it expires; try again on
					// the next tick.
					clog.WarnContextf(ctx, "Failed to renew key lease: %v", err)
				}
			}
		}
	}()

	return ctx, func() {
		cancel(nil)
		<-done
	}
}

func (w *Worker) sign(ctx context.Context, claim *bulksign.Claim, keyID string) ([]bulksign.SignatureEntry, error) {
	entries := make([]bulksign.SignatureEntry, 0, len(claim.Records))
	for _, r := range claim.Records {
		start := w.clock.Now()
		sig, err := w.signer.Sign(ctx, keyID, r.Payload)
		mSignLatency.With(labels()).Observe(w.clock.Since(start).Seconds())
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				err = cause
			}
			return nil, fmt.Errorf("%w: record %d: %w", bulksign.ErrSignFailed, r.ID, err)
		}
		if len(sig) == 0 {
			return nil, fmt.Errorf("%w: record %d: empty signature", bulksign.ErrSignFailed, r.ID)
		}
		entries = append(entries, bulksign.SignatureEntry{
			RecordID:  r.ID,
			Signature: sig,
			SignedAt:  w.clock.Now().UTC(),
			SignedBy:  keyID,
		})
	}
	// The lease may have been lost after the last signature.
	if cause := context.Cause(ctx); errors.Is(cause, bulksign.ErrLeaseLost) {
		return nil, fmt.Errorf("%w: %w", bulksign.ErrSignFailed, cause)
	}
	return entries, nil
}

func (w *Worker) abandon(ctx context.Context, claim *bulksign.Claim) {
	if err := w.records.Abandon(context.WithoutCancel(ctx), claim); err != nil {
		// The claim will expire on its own.
		clog.WarnContextf(ctx, "Failed to abandon claim: %v", err)
	}
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.Processed == 0:
		return "empty"
	case err == nil:
		return "committed"
	case errors.Is(err, bulksign.ErrNoKeyAvailable):
		return "no_key"
	case errors.Is(err, bulksign.ErrSignFailed):
		return "sign_failed"
	case errors.Is(err, bulksign.ErrCommitFailed):
		return "commit_failed"
	default:
		return "error"
	}
}
