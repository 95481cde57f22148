/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package worker

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-envconfig"
)

var env = envconfig.MustProcess(context.Background(), &struct {
	// https://cloud.google.com/run/docs/container-contract#services-env-vars
	KnativeServiceName  string `env:"K_SERVICE, default=unknown"`
	KnativeRevisionName string `env:"K_REVISION, default=unknown"`
}{})

var (
	mBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksign_worker_batches",
			Help: "The number of batches processed, by outcome.",
		},
		[]string{"outcome", "service_name", "revision_name"},
	)
	mRecordsSigned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksign_worker_records_signed",
			Help: "The number of records whose signatures were committed.",
		},
		[]string{"service_name", "revision_name"},
	)
	mKeyAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksign_worker_key_acquires",
			Help: "The number of key acquisition attempts, by outcome.",
		},
		[]string{"outcome", "service_name", "revision_name"},
	)
	mSignLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulksign_worker_sign_latency_seconds",
			Help:    "The duration of a single custody signing call.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"service_name", "revision_name"},
	)
	mBatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulksign_worker_batch_latency_seconds",
			Help:    "The duration taken to process a batch.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 45, 60, 120, 240, 480},
		},
		[]string{"service_name", "revision_name"},
	)
)

func labels(kv ...string) prometheus.Labels {
	l := prometheus.Labels{
		"service_name":  env.KnativeServiceName,
		"revision_name": env.KnativeRevisionName,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		l[kv[i]] = kv[i+1]
	}
	return l
}
