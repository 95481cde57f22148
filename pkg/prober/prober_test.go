/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prober

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/inmem"
)

type failingStore struct{}

func (failingStore) CountPending(context.Context) (int64, error) {
	return 0, bulksign.ErrStoreUnavailable
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		authz  string
		header string
		probe  Interface
		want   int
	}{{
		name:  "healthy store",
		probe: Store(inmem.NewRecordStore()),
		want:  http.StatusOK,
	}, {
		name:  "unavailable store",
		probe: Store(failingStore{}),
		want:  http.StatusServiceUnavailable,
	}, {
		name:   "authorized",
		authz:  "Bearer s3cr3t",
		header: "Bearer s3cr3t",
		probe:  Func(func(context.Context) error { return nil }),
		want:   http.StatusOK,
	}, {
		name:   "unauthorized",
		authz:  "Bearer s3cr3t",
		header: "Bearer nope",
		probe:  Func(func(context.Context) error { return errors.New("must not run") }),
		want:   http.StatusUnauthorized,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Handler(tt.authz, tt.probe).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
