/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/clog"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/google/uuid"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/worker"
)

// BatchEventType is the CloudEvents type carrying a batch descriptor.
const BatchEventType = "dev.chainguard.bulksign.batch.v1"

// CloudEvents sends each batch as a CloudEvent to a worker's HTTP endpoint.
// The worker answers once the batch is done, so sends run in the background.
type CloudEvents struct {
	background
	client cloudevents.Client
	source string
}

var _ Invoker = (*CloudEvents)(nil)

// NewCloudEvents returns an Invoker that sends through client, which must
// already be configured with the worker's target URL.
func NewCloudEvents(client cloudevents.Client, source string) *CloudEvents {
	return &CloudEvents{
		background: background{transport: "cloudevents"},
		client:     client,
		source:     source,
	}
}

// Invoke implements Invoker.
func (c *CloudEvents) Invoke(ctx context.Context, batch bulksign.Batch) error {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetType(BatchEventType)
	event.SetSource(c.source)
	event.SetSubject(batch.ID)
	if err := event.SetData(cloudevents.ApplicationJSON, batch); err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}
	mDispatched.With(labels("transport", "cloudevents")).Inc()

	c.run(ctx, batch, func(ctx context.Context) (worker.Result, error) {
		result := c.client.Send(ctx, event)
		switch {
		case cloudevents.IsUndelivered(result):
			return worker.Result{}, fmt.Errorf("sending batch %s: %w", batch.ID, result)
		case !cloudevents.IsACK(result):
			return worker.Result{}, fmt.Errorf("batch %s rejected: %w", batch.ID, result)
		}
		return worker.Result{BatchID: batch.ID}, nil
	})
	return nil
}

// EventHandler returns the worker side of the CloudEvents transport.  Batches
// that fail with a retryable error are answered with 503 so the sender (or a
// push subscription in front of it) retries.
func EventHandler(ctx context.Context, p worker.Processor) (http.Handler, error) {
	protocol, err := cloudevents.NewHTTP()
	if err != nil {
		return nil, fmt.Errorf("creating CloudEvents protocol: %w", err)
	}
	h, err := cloudevents.NewHTTPReceiveHandler(ctx, protocol, func(ctx context.Context, event cloudevents.Event) cloudevents.Result {
		log := clog.FromContext(ctx).With(
			"event_id", event.ID(),
			"event_type", event.Type(),
			"event_source", event.Source(),
		)
		if event.Type() != BatchEventType {
			log.Warn("Ignoring event of unexpected type")
			mReceived.With(labels("transport", "cloudevents", "disposition", "ignored")).Inc()
			return cloudevents.ResultACK
		}
		var batch bulksign.Batch
		if err := event.DataAs(&batch); err != nil {
			log.Errorf("Malformed batch event: %v", err)
			mReceived.With(labels("transport", "cloudevents", "disposition", "malformed")).Inc()
			return cehttp.NewResult(http.StatusBadRequest, "malformed batch: %v", err)
		}
		log = log.With(batch.LogAttrs()...)

		res, err := p.Process(clog.WithLogger(ctx, log), batch)
		switch {
		case err == nil:
			log.With("processed", res.Processed, "remaining", res.Remaining).Info("Processed batch")
			mReceived.With(labels("transport", "cloudevents", "disposition", "ack")).Inc()
			return cloudevents.ResultACK

		case bulksign.IsRetryable(err) || errors.Is(err, context.Canceled):
			log.Warnf("Batch failed, asking for redelivery: %v", err)
			mReceived.With(labels("transport", "cloudevents", "disposition", "nack")).Inc()
			return cehttp.NewResult(http.StatusServiceUnavailable, "retryable: %v", err)

		default:
			log.Errorf("Batch failed permanently: %v", err)
			mReceived.With(labels("transport", "cloudevents", "disposition", "failed")).Inc()
			return cloudevents.ResultACK
		}
	})
	if err != nil {
		return nil, fmt.Errorf("creating CloudEvents handler: %w", err)
	}
	return h, nil
}
