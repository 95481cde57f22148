/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package finalizer

import (
	"context"
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"gocloud.dev/pubsub"
)

// CompletedEventType is the CloudEvents type of a completion notice.
const CompletedEventType = "dev.chainguard.bulksign.completed.v1"

// NotificationSubject titles completion notices.
const NotificationSubject = "Record Signing Process Completed"

// CloudEventsNotifier sends the summary as a CloudEvent.
type CloudEventsNotifier struct {
	Client cloudevents.Client
	Source string
}

// Notify implements Notifier.
func (n *CloudEventsNotifier) Notify(ctx context.Context, s Summary) error {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetType(CompletedEventType)
	event.SetSource(n.Source)
	event.SetSubject(s.ExecutionID)
	event.SetTime(s.Timestamp)
	if err := event.SetData(cloudevents.ApplicationJSON, s); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if result := n.Client.Send(ctx, event); cloudevents.IsUndelivered(result) || !cloudevents.IsACK(result) {
		return fmt.Errorf("sending completion event: %w", result)
	}
	return nil
}

// TopicNotifier publishes the summary as JSON to a pubsub topic.
type TopicNotifier struct {
	Topic *pubsub.Topic
}

// Notify implements Notifier.
func (n *TopicNotifier) Notify(ctx context.Context, s Summary) error {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return n.Topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"subject":      NotificationSubject,
			"execution_id": s.ExecutionID,
			"content-type": "application/json",
		},
	})
}
