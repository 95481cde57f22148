/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prober

import (
	"context"
	"net/http"

	"github.com/chainguard-dev/clog"
)

// Interface checks that a service can do its job.
type Interface interface {
	// Probe performs a single probe and is passed the HTTP request context.
	Probe(context.Context) error
}

// Func is a convenience wrapper for turning a function into an Interface.
type Func func(context.Context) error

// Probe implements Interface
func (pf Func) Probe(ctx context.Context) error {
	return pf(ctx)
}

// Handler serves probes of i.  When authz is set, requests must carry it as
// their Authorization header.
func Handler(authz string, i Interface) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authz != "" && r.Header.Get("Authorization") != authz {
			clog.WarnContext(r.Context(), "probe request was not authorized")
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		if err := i.Probe(r.Context()); err != nil {
			clog.ErrorContextf(r.Context(), "probe failed: %v", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// Store probes a record store by counting what is pending.
func Store(counter interface {
	CountPending(context.Context) (int64, error)
}) Interface {
	return Func(func(ctx context.Context) error {
		_, err := counter.CountPending(ctx)
		return err
	})
}
