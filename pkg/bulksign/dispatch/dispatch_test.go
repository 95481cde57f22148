/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/worker"
)

// recorder is a Processor that remembers what it was asked to do.
type recorder struct {
	mu       sync.Mutex
	attempts map[string]int
	fail     func(batch bulksign.Batch, attempt int) error
	done     chan string
}

func newRecorder(fail func(bulksign.Batch, int) error) *recorder {
	return &recorder{
		attempts: map[string]int{},
		fail:     fail,
		done:     make(chan string, 100),
	}
}

func (r *recorder) Process(_ context.Context, batch bulksign.Batch) (worker.Result, error) {
	r.mu.Lock()
	r.attempts[batch.ID]++
	attempt := r.attempts[batch.ID]
	r.mu.Unlock()
	defer func() { r.done <- batch.ID }()

	if r.fail != nil {
		if err := r.fail(batch, attempt); err != nil {
			return worker.Result{}, err
		}
	}
	return worker.Result{BatchID: batch.ID, Processed: batch.Size, Status: worker.StatusInProgress}, nil
}

func (r *recorder) attemptsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func TestDirect(t *testing.T) {
	rec := newRecorder(func(b bulksign.Batch, _ int) error {
		switch b.ID {
		case "b-2":
			return fmt.Errorf("x: %w", bulksign.ErrNoKeyAvailable)
		case "b-3":
			panic("boom")
		}
		return nil
	})
	d := NewDirect(rec)

	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range []string{"b-1", "b-2", "b-3"} {
		if err := d.Invoke(ctx, bulksign.Batch{ID: id, Size: 10}); err != nil {
			t.Fatalf("Invoke(%s) = %v", id, err)
		}
	}
	// Invocations survive the caller going away.
	cancel()

	outcomes := d.Wait()
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Batch.ID < outcomes[j].Batch.ID })
	if len(outcomes) != 3 {
		t.Fatalf("Wait() = %d outcomes, want 3", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[0].Result.Processed != 10 {
		t.Errorf("b-1 outcome = %+v", outcomes[0])
	}
	if !errors.Is(outcomes[1].Err, bulksign.ErrNoKeyAvailable) {
		t.Errorf("b-2 outcome = %v, want ErrNoKeyAvailable", outcomes[1].Err)
	}
	if outcomes[2].Err == nil {
		t.Error("b-3 outcome = nil, want the panic as an error")
	}
	if got := d.Wait(); len(got) != 0 {
		t.Errorf("second Wait() = %v, want nothing new", got)
	}
}

func TestTopicReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := mempubsub.NewTopic()
	defer topic.Shutdown(context.Background())
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(context.Background())

	rec := newRecorder(func(b bulksign.Batch, attempt int) error {
		switch {
		case b.ID == "retry" && attempt == 1:
			return fmt.Errorf("x: %w", bulksign.ErrCommitFailed)
		case b.ID == "fatal":
			return fmt.Errorf("x: %w", bulksign.ErrSignFailed)
		case b.ID == "busy":
			return fmt.Errorf("x: %w", bulksign.ErrNoKeyAvailable)
		}
		return nil
	})

	received := make(chan error, 1)
	go func() { received <- Receive(ctx, sub, rec, 2) }()

	inv := NewTopic(topic)
	for _, id := range []string{"ok", "retry", "fatal", "busy"} {
		if err := inv.Invoke(ctx, bulksign.Batch{ID: id, Size: 5}); err != nil {
			t.Fatalf("Invoke(%s) = %v", id, err)
		}
	}
	if err := topic.Send(ctx, &pubsub.Message{Body: []byte("not json")}); err != nil {
		t.Fatalf("Send() = %v", err)
	}

	// ok once, retry twice, fatal once, busy once.
	for range 5 {
		select {
		case <-rec.done:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for batches")
		}
	}

	cancel()
	if err := <-received; err != nil {
		t.Fatalf("Receive() = %v", err)
	}

	got := map[string]int{
		"ok":    rec.attemptsFor("ok"),
		"retry": rec.attemptsFor("retry"),
		"fatal": rec.attemptsFor("fatal"),
		"busy":  rec.attemptsFor("busy"),
	}
	want := map[string]int{"ok": 1, "retry": 2, "fatal": 1, "busy": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("attempts (-want, +got):\n%s", diff)
	}
}

func TestCloudEvents(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder(func(b bulksign.Batch, _ int) error {
		if b.ID == "busy" {
			return fmt.Errorf("x: %w", bulksign.ErrNoKeyAvailable)
		}
		return nil
	})
	h, err := EventHandler(ctx, rec)
	if err != nil {
		t.Fatalf("EventHandler() = %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(srv.URL))
	if err != nil {
		t.Fatalf("NewClientHTTP() = %v", err)
	}
	inv := NewCloudEvents(client, "test/orchestrator")

	want := bulksign.Batch{ID: "b-1", Size: 100, ExecutionID: "exec-1"}
	if err := inv.Invoke(ctx, want); err != nil {
		t.Fatalf("Invoke() = %v", err)
	}
	if err := inv.Invoke(ctx, bulksign.Batch{ID: "busy", Size: 100}); err != nil {
		t.Fatalf("Invoke(busy) = %v", err)
	}

	outcomes := inv.Wait()
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Batch.ID < outcomes[j].Batch.ID })
	if len(outcomes) != 2 {
		t.Fatalf("Wait() = %d outcomes, want 2", len(outcomes))
	}
	if outcomes[0].Err != nil {
		t.Errorf("b-1 outcome = %v", outcomes[0].Err)
	}
	if outcomes[1].Err == nil {
		t.Error("busy outcome = nil, want a rejected send")
	}
	if got := rec.attemptsFor("b-1"); got != 1 {
		t.Errorf("b-1 processed %d times, want 1", got)
	}
}
