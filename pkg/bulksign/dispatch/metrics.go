/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package dispatch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-envconfig"
)

var env = envconfig.MustProcess(context.Background(), &struct {
	KnativeServiceName  string `env:"K_SERVICE, default=unknown"`
	KnativeRevisionName string `env:"K_REVISION, default=unknown"`
}{})

var (
	mDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksign_dispatch_batches",
			Help: "The number of batches handed to a transport.",
		},
		[]string{"transport", "service_name", "revision_name"},
	)
	mCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksign_dispatch_completed_batches",
			Help: "The number of background invocations that finished, by outcome.",
		},
		[]string{"transport", "outcome", "service_name", "revision_name"},
	)
	mReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksign_dispatch_received_batches",
			Help: "The number of batches received by a worker, by disposition.",
		},
		[]string{"transport", "disposition", "service_name", "revision_name"},
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
