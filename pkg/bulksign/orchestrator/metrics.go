/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

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
	mPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulksign_pending_records",
			Help: "The number of unsigned records seen by the last round.",
		},
		[]string{"service_name", "revision_name"},
	)
	mRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksign_orchestrator_rounds",
			Help: "The number of rounds run, by resulting state.",
		},
		[]string{"state", "service_name", "revision_name"},
	)
	mSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulksign_orchestrator_submitted_batches",
			Help: "The number of batches submitted, by outcome.",
		},
		[]string{"outcome", "service_name", "revision_name"},
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
