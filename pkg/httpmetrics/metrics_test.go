/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestServerMetrics(t *testing.T) {
	handler := "test-server"
	srv := httptest.NewServer(Handler(handler, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(CeTypeHeader, "test.event")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %s", resp.Status)
	}

	if got := testutil.ToFloat64(counter.With(prometheus.Labels{
		"handler":       handler,
		"method":        http.MethodPost,
		"code":          "503",
		"service_name":  "unknown",
		"revision_name": "unknown",
		"ce_type":       "test.event",
	})); got != 1 {
		t.Errorf("want metric count = 1, got %f", got)
	}
}
