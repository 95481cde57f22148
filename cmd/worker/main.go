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
	"github.com/sethvargo/go-envconfig"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/gcppubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/dispatch"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/store"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/worker"
	"github.com/chainguard-dev/bulk-signer/pkg/custody"
	"github.com/chainguard-dev/bulk-signer/pkg/httpmetrics"
	"github.com/chainguard-dev/bulk-signer/pkg/prober"
	"github.com/chainguard-dev/bulk-signer/pkg/profiler"
)

type envConfig struct {
	Port int `env:"PORT, default=8080"`

	// Mode is "cloudevents" (push over HTTP) or "pubsub" (pull).
	Mode               string `env:"WORKER_MODE, default=cloudevents"`
	Subscription       string `env:"WORKER_SUBSCRIPTION"`
	ReceiveConcurrency int    `env:"WORKER_CONCURRENCY, default=1"`
	ProbeAuthz         string `env:"PROBE_AUTHORIZATION"`

	CustodyURL     string        `env:"CUSTODY_URL, required"`
	SignRPS        float64       `env:"SIGN_RPS, default=0"`
	SignBurst      int           `env:"SIGN_BURST, default=1"`
	BatchSize      int           `env:"BATCH_SIZE, default=100"`
	AcquireTimeout time.Duration `env:"ACQUIRE_TIMEOUT, default=30s"`

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

	c, err := custody.New(ctx, env.CustodyURL)
	if err != nil {
		log.Fatalf("Failed to set up key custody: %v", err)
	}
	w := worker.New(backend.Records, backend.Keys, custody.RateLimited(c, env.SignRPS, env.SignBurst),
		worker.WithBatchSize(env.BatchSize),
		worker.WithAcquireTimeout(env.AcquireTimeout),
		worker.WithLeaseDuration(env.Store.LeaseDuration),
	)

	log.With("mode", env.Mode, "store", env.Store.Kind).Info("Starting batch worker")
	switch env.Mode {
	case "pubsub":
		err = receive(ctx, env, w)
	case "cloudevents":
		err = serve(ctx, env, w, prober.Store(backend.Records))
	default:
		err = fmt.Errorf("unsupported WORKER_MODE %q", env.Mode)
	}
	if err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}

func receive(ctx context.Context, env envConfig, w *worker.Worker) error {
	if env.Subscription == "" {
		return errors.New("WORKER_SUBSCRIPTION is required in pubsub mode")
	}
	sub, err := pubsub.OpenSubscription(ctx, env.Subscription)
	if err != nil {
		return fmt.Errorf("open subscription: %w", err)
	}
	defer func() {
		if err := sub.Shutdown(context.WithoutCancel(ctx)); err != nil {
			clog.WarnContextf(ctx, "Failed to shut down subscription: %v", err)
		}
	}()
	return dispatch.Receive(ctx, sub, w, env.ReceiveConcurrency)
}

func serve(ctx context.Context, env envConfig, w *worker.Worker, health prober.Interface) error {
	h, err := dispatch.EventHandler(ctx, w)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/", httpmetrics.Handler("worker", h))
	mux.Handle("/healthz", prober.Handler(env.ProbeAuthz, health))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			clog.WarnContextf(ctx, "Failed to shut down server: %v", err)
		}
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
