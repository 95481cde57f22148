/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package orchestrator drives a signing run in rounds.  Each round counts the
// pending records, submits up to a concurrency limit of batches, and once
// nothing is pending runs the finalizer exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/dispatch"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/finalizer"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/worker"
)

// State is the lifecycle position of a run.
type State string

const (
	StateInitial    State = "initial"
	StateSubmitting State = "submitting"
	StateCompleted  State = "completed"
	StateFinalized  State = "finalized"
)

// Status is reported after every round.  Progress stays in_progress until
// nothing is pending.
type Status struct {
	Progress         worker.Status      `json:"status"`
	State            State              `json:"state"`
	ExecutionID      string             `json:"execution_id"`
	RecordsRemaining int64              `json:"records_remaining"`
	BatchesSubmitted int                `json:"batches_submitted"`
	DispatchErrors   int                `json:"dispatch_errors,omitempty"`
	Summary          *finalizer.Summary `json:"summary,omitempty"`
}

func (s *Status) setState(st State) {
	s.State = st
	if st == StateCompleted || st == StateFinalized {
		s.Progress = worker.StatusCompleted
	} else {
		s.Progress = worker.StatusInProgress
	}
}

// Finalizer runs once when a run completes.
type Finalizer interface {
	Finalize(ctx context.Context, executionID string, start time.Time) finalizer.Summary
}

// Config holds the sizing of a run.
type Config struct {
	BatchSize   int
	Concurrency int
	// ExecutionID names the run; generated when empty.
	ExecutionID string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for the start time and the Run ticker.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithKeyPool lets the orchestrator warn when the concurrency limit exceeds
// the number of signing keys.
func WithKeyPool(p bulksign.KeyPool) Option {
	return func(o *Orchestrator) { o.keys = p }
}

// Orchestrator holds the state of a single run.
type Orchestrator struct {
	records bulksign.ClaimQueue
	invoker dispatch.Invoker
	fin     Finalizer
	keys    bulksign.KeyPool
	cfg     Config
	clock   clockwork.Clock

	mu      sync.Mutex
	state   State
	start   time.Time
	summary *finalizer.Summary
}

// New validates cfg and creates an Orchestrator in the initial state.
func New(records bulksign.ClaimQueue, invoker dispatch.Invoker, fin Finalizer, cfg Config, opts ...Option) (*Orchestrator, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if cfg.ExecutionID == "" {
		cfg.ExecutionID = uuid.NewString()
	}
	o := &Orchestrator{
		records: records,
		invoker: invoker,
		fin:     fin,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		state:   StateInitial,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Round runs one planning round.  Dispatch failures of individual batches
// are logged and counted in the status; they do not fail the round, since
// the records stay pending for the next one.
func (o *Orchestrator) Round(ctx context.Context) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	log := clog.FromContext(ctx).With("execution_id", o.cfg.ExecutionID)
	status := Status{ExecutionID: o.cfg.ExecutionID}

	if o.state == StateFinalized {
		status.setState(o.state)
		status.Summary = o.summary
		return status, nil
	}
	if o.state == StateInitial {
		o.start = o.clock.Now().UTC()
		o.warnIfUnderprovisioned(ctx)
	}

	pending, err := o.records.CountPending(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count pending: %w", err)
	}
	mPending.With(labels()).Set(float64(pending))
	status.RecordsRemaining = pending

	action := Plan(pending, o.cfg.BatchSize, o.cfg.Concurrency)
	if action.Complete {
		o.state = StateCompleted
		log.Info("No records pending, finalizing")
		s := o.fin.Finalize(ctx, o.cfg.ExecutionID, o.start)
		o.summary = &s
		o.state = StateFinalized
		mRounds.With(labels("state", string(o.state))).Inc()
		status.setState(o.state)
		status.Summary = o.summary
		return status, nil
	}

	o.state = StateSubmitting
	for range action.Batches {
		batch := bulksign.Batch{
			ID:          uuid.NewString(),
			Size:        o.cfg.BatchSize,
			ExecutionID: o.cfg.ExecutionID,
			StartTime:   o.start,
		}
		if err := o.invoker.Invoke(ctx, batch); err != nil {
			log.With(batch.LogAttrs()...).Errorf("Failed to dispatch batch: %v", err)
			mSubmitted.With(labels("outcome", "error")).Inc()
			status.DispatchErrors++
			continue
		}
		mSubmitted.With(labels("outcome", "ok")).Inc()
		status.BatchesSubmitted++
	}
	log.With("pending", pending, "submitted", status.BatchesSubmitted).Info("Submitted batches")
	mRounds.With(labels("state", string(o.state))).Inc()
	status.setState(o.state)
	return status, nil
}

func (o *Orchestrator) warnIfUnderprovisioned(ctx context.Context) {
	if o.keys == nil {
		return
	}
	keys, err := o.keys.List(ctx)
	if err != nil {
		clog.WarnContextf(ctx, "Unable to list signing keys: %v", err)
		return
	}
	if len(keys) < o.cfg.Concurrency {
		clog.WarnContextf(ctx, "Concurrency %d exceeds the %d signing keys; some batches will find no key and retry",
			o.cfg.Concurrency, len(keys))
	}
}

// Run calls Round every interval until the run is finalized or ctx is done.
// Failed rounds are logged and retried on the next tick.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) (Status, error) {
	ticker := o.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := o.Round(ctx)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			return status, err
		case err != nil:
			clog.ErrorContextf(ctx, "Round failed: %v", err)
		case status.State == StateFinalized:
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.Chan():
		}
	}
}
