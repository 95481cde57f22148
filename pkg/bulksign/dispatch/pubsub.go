/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/worker"
)

// Topic publishes batches as JSON messages.
type Topic struct {
	topic *pubsub.Topic
}

var _ Invoker = (*Topic)(nil)

// NewTopic returns an Invoker that publishes to t.
func NewTopic(t *pubsub.Topic) *Topic {
	return &Topic{topic: t}
}

// Invoke implements Invoker.
func (t *Topic) Invoke(ctx context.Context, batch bulksign.Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}
	if err := t.topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"batch_id":     batch.ID,
			"content-type": "application/json",
		},
	}); err != nil {
		return fmt.Errorf("publishing batch %s: %w", batch.ID, err)
	}
	mDispatched.With(labels("transport", "pubsub")).Inc()
	return nil
}

// Receive pulls batches from sub and processes up to concurrency of them at
// a time, until ctx is cancelled.
//
// Successful and permanently failed batches are acked.  Batches that fail
// with a retryable error are nacked so they are redelivered.
func Receive(ctx context.Context, sub *pubsub.Subscription, p worker.Processor, concurrency int) error {
	var eg errgroup.Group
	eg.SetLimit(max(concurrency, 1))
	defer func() { _ = eg.Wait() }()

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		eg.Go(func() error {
			handleMessage(ctx, msg, p)
			return nil
		})
	}
}

func handleMessage(ctx context.Context, msg *pubsub.Message, p worker.Processor) {
	log := clog.FromContext(ctx).With("message_id", msg.LoggableID)

	var batch bulksign.Batch
	if err := json.Unmarshal(msg.Body, &batch); err != nil {
		log.Errorf("Dropping malformed batch message: %v", err)
		mReceived.With(labels("transport", "pubsub", "disposition", "malformed")).Inc()
		msg.Ack()
		return
	}
	log = log.With(batch.LogAttrs()...)

	res, err := p.Process(clog.WithLogger(ctx, log), batch)
	switch {
	case err == nil:
		log.With("processed", res.Processed, "remaining", res.Remaining).Info("Processed batch")
		mReceived.With(labels("transport", "pubsub", "disposition", "ack")).Inc()
		msg.Ack()

	case errors.Is(err, bulksign.ErrNoKeyAvailable):
		// The orchestrator redispatches unsigned records next round.
		log.Infof("No signing key free, dropping batch: %v", err)
		mReceived.With(labels("transport", "pubsub", "disposition", "no_key")).Inc()
		msg.Ack()

	case bulksign.IsRetryable(err) || errors.Is(err, context.Canceled):
		log.Warnf("Batch failed, redelivering: %v", err)
		mReceived.With(labels("transport", "pubsub", "disposition", "nack")).Inc()
		if msg.Nackable() {
			msg.Nack()
		}
		// Otherwise the ack deadline lapses and the message comes back.

	default:
		log.Errorf("Batch failed permanently: %v", err)
		mReceived.With(labels("transport", "pubsub", "disposition", "failed")).Inc()
		msg.Ack()
	}
}
