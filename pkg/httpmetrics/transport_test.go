/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
)

func TestTransport(t *testing.T) {
	requestSeen := make(chan struct{})
	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		close(requestSeen)
		<-release
	}))
	defer s.Close()

	var grp errgroup.Group
	grp.Go(func() error {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, s.URL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set(CeTypeHeader, "testce")
		resp, err := (&http.Client{Transport: Transport}).Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("want OK, got %s", resp.Status)
		}
		return nil
	})

	inFlight := prometheus.Labels{
		"method":        http.MethodGet,
		"host":          "other",
		"service_name":  "unknown",
		"revision_name": "unknown",
		"ce_type":       "testce",
	}
	<-requestSeen
	if got := testutil.ToFloat64(mReqInFlight.With(inFlight)); got != 1 {
		t.Errorf("want metric in-flight = 1, got %f", got)
	}
	close(release)
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(mReqCount.With(prometheus.Labels{
		"method":        http.MethodGet,
		"code":          "200",
		"host":          "other",
		"service_name":  "unknown",
		"revision_name": "unknown",
		"ce_type":       "testce",
	})); got != 1 {
		t.Errorf("want metric count = 1, got %f", got)
	}
	if got := testutil.ToFloat64(mReqInFlight.With(inFlight)); got != 0 {
		t.Errorf("want metric in-flight = 0, got %f", got)
	}
}

func TestExtractInnerTransport(t *testing.T) {
	t.Run("not wrapped", func(t *testing.T) {
		tr := &http.Transport{}
		if got := ExtractInnerTransport(tr); got != tr {
			t.Errorf("want %v, got %v", tr, got)
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		inner := &http.Transport{}
		if got := ExtractInnerTransport(WrapTransport(inner)); got != inner {
			t.Errorf("want %v, got %v", inner, got)
		}
	})
}

func TestBucketize(t *testing.T) {
	for _, c := range []struct{ host, bucket string }{
		{"cloudkms.googleapis.com", "KMS"},
		{"pubsub.googleapis.com", "Pub/Sub"},
		{"storage.googleapis.com", "GCS"},
		{"compute.googleapis.com", "Google API"},
		{"googleapis.com", "other"}, // only as a suffix
		{"worker-abc123-uc.a.run.app", "Cloud Run"},
		{"127.0.0.1:8080", "other"},
	} {
		if got := bucketize(c.host); got != c.bucket {
			t.Errorf("bucketize(%q) = %q, want %q", c.host, got, c.bucket)
		}
	}
}

func TestMapErrorToLabel(t *testing.T) {
	for _, c := range []struct{ err, label string }{
		{"dial tcp 10.0.0.1:443: connect: no route to host", "no-route-to-host"},
		{"dial tcp 127.0.0.1:1: connect: connection refused", "connection-refused"},
		{"read tcp: i/o timeout", "io-timeout"},
		{"net/http: TLS handshake timeout", "tls-handshake-timeout"},
		{"unexpected EOF", "unexpected-eof"},
		{"something else", "unknown-error"},
	} {
		if got := mapErrorToLabel(errors.New(c.err)); got != c.label {
			t.Errorf("mapErrorToLabel(%q) = %q, want %q", c.err, got, c.label)
		}
	}
}
