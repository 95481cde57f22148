/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package profiler starts the Cloud Profiler agent when ENABLE_PROFILER is set.
package profiler

import (
	"context"

	"cloud.google.com/go/profiler"
	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
)

var env = envconfig.MustProcess(context.Background(), &struct {
	EnableProfiler bool   `env:"ENABLE_PROFILER, default=false"`
	Service        string `env:"K_SERVICE, default=bulk-signer"`
	Version        string `env:"K_REVISION"`
}{})

// SetupProfiler starts profiling, or does nothing when disabled.
func SetupProfiler() {
	if !env.EnableProfiler {
		return
	}
	if err := profiler.Start(profiler.Config{Service: env.Service, ServiceVersion: env.Version}); err != nil {
		clog.Fatalf("failed to start profiler: %v", err)
	}
}
