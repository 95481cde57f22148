/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package dispatch delivers batch descriptors to workers.  Delivery is
// asynchronous and at-least-once; there is no ordering between batches.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/worker"
)

// Invoker hands a batch to some worker without waiting for it to finish.
// A nil error means the batch was handed off, not that it was processed.
type Invoker interface {
	Invoke(ctx context.Context, batch bulksign.Batch) error
}

// Outcome is the result of one invocation that ran in the background.
type Outcome struct {
	Batch  bulksign.Batch
	Result worker.Result
	Err    error
}

// background runs invocations in goroutines and remembers how they ended.
type background struct {
	transport string

	wg       sync.WaitGroup
	mu       sync.Mutex
	outcomes []Outcome
}

func (b *background) run(ctx context.Context, batch bulksign.Batch, f func(context.Context) (worker.Result, error)) {
	// The invocation outlives the caller's request.
	ctx = context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		var o Outcome
		o.Batch = batch
		defer func() {
			if r := recover(); r != nil {
				o.Err = fmt.Errorf("batch %s panicked: %v", batch.ID, r)
			}
			b.record(ctx, o)
		}()
		o.Result, o.Err = f(ctx)
	}()
}

func (b *background) record(ctx context.Context, o Outcome) {
	log := clog.FromContext(ctx).With(o.Batch.LogAttrs()...)
	if o.Err != nil {
		mCompleted.With(labels("transport", b.transport, "outcome", "error")).Inc()
		log.Warnf("Batch failed: %v", o.Err)
	} else {
		mCompleted.With(labels("transport", b.transport, "outcome", "ok")).Inc()
		log.With("processed", o.Result.Processed, "remaining", o.Result.Remaining).Info("Batch finished")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, o)
}

// Wait blocks until every invocation started so far has finished, and
// returns their outcomes since the previous Wait.
func (b *background) Wait() []Outcome {
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.outcomes
	b.outcomes = nil
	return out
}

// Direct invokes a Processor in a goroutine of the current process.
type Direct struct {
	background
	p worker.Processor
}

var _ Invoker = (*Direct)(nil)

// NewDirect returns an Invoker that runs p in-process.
func NewDirect(p worker.Processor) *Direct {
	return &Direct{background: background{transport: "direct"}, p: p}
}

// Invoke implements Invoker.
func (d *Direct) Invoke(ctx context.Context, batch bulksign.Batch) error {
	mDispatched.With(labels("transport", d.transport)).Inc()
	d.run(ctx, batch, func(ctx context.Context) (worker.Result, error) {
		return d.p.Process(ctx, batch)
	})
	return nil
}
