/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/sethvargo/go-envconfig"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/gcppubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/dispatch"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/finalizer"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/orchestrator"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/store"
	"github.com/chainguard-dev/bulk-signer/pkg/httpmetrics"
	mce "github.com/chainguard-dev/bulk-signer/pkg/httpmetrics/cloudevents"
	"github.com/chainguard-dev/bulk-signer/pkg/prober"
	"github.com/chainguard-dev/bulk-signer/pkg/profiler"
)

type envConfig struct {
	Port        int    `env:"PORT, default=8080"`
	BatchSize   int    `env:"BATCH_SIZE, default=100"`
	Concurrency int    `env:"CONCURRENCY, default=3"`
	ExecutionID string `env:"EXECUTION_ID"`

	// Interval, when set, drives rounds from a ticker instead of waiting
	// for a scheduler to call the HTTP endpoint.
	Interval time.Duration `env:"ROUND_INTERVAL"`

	DispatchTopic string `env:"DISPATCH_TOPIC"`
	WorkerURL     string `env:"WORKER_URL"`
	EventSource   string `env:"EVENT_SOURCE, default=bulk-signer/orchestrator"`

	ProbeAuthz string `env:"PROBE_AUTHORIZATION"`

	NotifyTopic   string `env:"NOTIFY_TOPIC"`
	NotifyURL     string `env:"NOTIFY_URL"`
	ArchiveBucket string `env:"ARCHIVE_BUCKET"`
	ArchivePrefix string `env:"ARCHIVE_PREFIX, default=summaries"`

	Store store.Config
}

func main() {
	profiler.SetupProfiler()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var env envConfig
	envconfig.MustProcess(ctx, &env)
	log := clog.FromContext(ctx)

	go httpmetrics.ServeMetrics()
	defer httpmetrics.SetupTracer(ctx)()

	backend, err := store.Open(ctx, env.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer backend.Close()

	invoker, closeInvoker, err := newInvoker(ctx, env)
	if err != nil {
		log.Fatalf("Failed to set up dispatch: %v", err)
	}
	defer closeInvoker()

	fin, closeFin, err := newFinalizer(ctx, env)
	if err != nil {
		log.Fatalf("Failed to set up finalizer: %v", err)
	}
	defer closeFin()

	o, err := orchestrator.New(backend.Records, invoker, fin, orchestrator.Config{
		BatchSize:   env.BatchSize,
		Concurrency: env.Concurrency,
		ExecutionID: env.ExecutionID,
	}, orchestrator.WithKeyPool(backend.Keys))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if env.Interval > 0 {
		log.With("interval", env.Interval).Info("Running rounds on a timer")
		status, err := o.Run(ctx, env.Interval)
		if err != nil {
			log.Fatalf("Run failed: %v", err)
		}
		log.With("status", status.Progress, "state", status.State).Info("Signing run finished")
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/", httpmetrics.Handler("orchestrator", orchestrator.Handler(o)))
	mux.Handle("/healthz", prober.Handler(env.ProbeAuthz, prober.Store(backend.Records)))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("Failed to shut down server: %v", err)
		}
	}()
	log.With("port", env.Port).Info("Serving rounds")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("failed to start server: %v", err)
	}
}

func newInvoker(ctx context.Context, env envConfig) (dispatch.Invoker, func(), error) {
	switch {
	case env.DispatchTopic != "":
		topic, err := pubsub.OpenTopic(ctx, env.DispatchTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("open topic: %w", err)
		}
		return dispatch.NewTopic(topic), func() { _ = topic.Shutdown(context.WithoutCancel(ctx)) }, nil

	case env.WorkerURL != "":
		c, err := eventClient(ctx, env.WorkerURL)
		if err != nil {
			return nil, nil, err
		}
		ce := dispatch.NewCloudEvents(c, env.EventSource)
		// Let batches already sent finish before exiting.
		return ce, func() { ce.Wait() }, nil

	default:
		return nil, nil, errors.New("one of DISPATCH_TOPIC or WORKER_URL is required")
	}
}

func newFinalizer(ctx context.Context, env envConfig) (*finalizer.Finalizer, func(), error) {
	var (
		opts    []finalizer.Option
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if env.NotifyTopic != "" {
		topic, err := pubsub.OpenTopic(ctx, env.NotifyTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("open notify topic: %w", err)
		}
		closers = append(closers, func() { _ = topic.Shutdown(context.WithoutCancel(ctx)) })
		opts = append(opts, finalizer.WithNotifiers(&finalizer.TopicNotifier{Topic: topic}))
	}
	if env.NotifyURL != "" {
		c, err := eventClient(ctx, env.NotifyURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opts = append(opts, finalizer.WithNotifiers(&finalizer.CloudEventsNotifier{Client: c, Source: env.EventSource}))
	}
	if env.ArchiveBucket != "" {
		bucket, err := blob.OpenBucket(ctx, env.ArchiveBucket)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open archive bucket: %w", err)
		}
		closers = append(closers, func() { _ = bucket.Close() })
		opts = append(opts, finalizer.WithArchive(bucket, env.ArchivePrefix))
	}
	return finalizer.New(opts...), closeAll, nil
}

func eventClient(ctx context.Context, url string) (cloudevents.Client, error) {
	opts, err := mce.WithTarget(ctx, url)
	if err != nil {
		return nil, err
	}
	c, err := mce.NewClientHTTP(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CloudEvents client: %w", err)
	}
	return c, nil
}
