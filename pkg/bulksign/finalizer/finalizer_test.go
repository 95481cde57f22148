/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package finalizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/pubsub/mempubsub"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0h 0m 0.00s"},
		{1500 * time.Millisecond, "0h 0m 1.50s"},
		{61 * time.Second, "0h 1m 1.00s"},
		{2*time.Hour + 3*time.Minute + 4250*time.Millisecond, "2h 3m 4.25s"},
		{26 * time.Hour, "26h 0m 0.00s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Summary) error {
	f.calls++
	return errors.New("smtp is down")
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start.Add(time.Hour + 2*time.Minute + 3*time.Second))

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(ctx)

	broken := &failingNotifier{}
	f := New(
		WithClock(clock),
		WithArchive(bucket, "summaries"),
		WithNotifiers(broken, &TopicNotifier{Topic: topic}),
	)

	got := f.Finalize(ctx, "exec-1", start)

	secs := 3723.0
	want := Summary{
		Status:            "completed",
		ExecutionID:       "exec-1",
		Timestamp:         clock.Now().UTC(),
		StartTime:         &start,
		DurationSeconds:   &secs,
		DurationFormatted: "1h 2m 3.00s",
		Message:           CompletedMessage,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Finalize() (-want, +got):\n%s", diff)
	}
	if broken.calls != 1 {
		t.Errorf("failing notifier called %d times, want 1", broken.calls)
	}

	b, err := bucket.ReadAll(ctx, "summaries/exec-1.json")
	if err != nil {
		t.Fatalf("ReadAll() = %v", err)
	}
	var archived Summary
	if err := json.Unmarshal(b, &archived); err != nil {
		t.Fatalf("Unmarshal(archive) = %v", err)
	}
	if diff := cmp.Diff(want, archived); diff != "" {
		t.Errorf("archived summary (-want, +got):\n%s", diff)
	}

	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() = %v", err)
	}
	msg.Ack()
	if got := msg.Metadata["subject"]; got != NotificationSubject {
		t.Errorf("notification subject = %q", got)
	}
	var notified Summary
	if err := json.Unmarshal(msg.Body, &notified); err != nil {
		t.Fatalf("Unmarshal(notification) = %v", err)
	}
	if notified.DurationFormatted != "1h 2m 3.00s" {
		t.Errorf("notified duration = %q", notified.DurationFormatted)
	}
}

func TestFinalizeUnknownStart(t *testing.T) {
	got := New().Finalize(context.Background(), "", time.Time{})
	if got.DurationFormatted != "Unknown" || got.DurationSeconds != nil || got.StartTime != nil {
		t.Errorf("Finalize(no start) = %+v, want unknown duration", got)
	}
	if got.Status != "completed" {
		t.Errorf("Finalize() status = %q", got.Status)
	}
}

func TestCloudEventsNotifier(t *testing.T) {
	ctx := context.Background()
	events := make(chan cloudevents.Event, 1)

	protocol, err := cloudevents.NewHTTP()
	if err != nil {
		t.Fatalf("NewHTTP() = %v", err)
	}
	h, err := cloudevents.NewHTTPReceiveHandler(ctx, protocol, func(_ context.Context, event cloudevents.Event) {
		events <- event
	})
	if err != nil {
		t.Fatalf("NewHTTPReceiveHandler() = %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(srv.URL))
	if err != nil {
		t.Fatalf("NewClientHTTP() = %v", err)
	}
	n := &CloudEventsNotifier{Client: client, Source: "test/finalizer"}
	s := New().Finalize(ctx, "exec-2", time.Now().Add(-time.Minute))
	if err := n.Notify(ctx, s); err != nil {
		t.Fatalf("Notify() = %v", err)
	}

	event := <-events
	if event.Type() != CompletedEventType {
		t.Errorf("event type = %q, want %q", event.Type(), CompletedEventType)
	}
	var got Summary
	if err := event.DataAs(&got); err != nil {
		t.Fatalf("DataAs() = %v", err)
	}
	if got.ExecutionID != "exec-2" || got.Message != CompletedMessage {
		t.Errorf("event summary = %+v", got)
	}
}
