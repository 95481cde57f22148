/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// CeTypeHeader carries the CloudEvent type in binary-mode HTTP requests.
const CeTypeHeader string = "ce-type"

var (
	mReqCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_client_request_count",
			Help: "The total number of HTTP requests",
		},
		[]string{"code", "method", "host", "service_name", "revision_name", "ce_type"},
	)
	mReqInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_client_request_in_flight",
			Help: "The number of outgoing HTTP requests currently inflight",
		},
		[]string{"method", "host", "service_name", "revision_name", "ce_type"},
	)
	mReqDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_client_request_duration_seconds",
			Help:    "The duration of HTTP requests",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"code", "method", "host", "service_name", "revision_name", "ce_type"},
	)
)

// Hosts are reported by bucket to keep label cardinality bounded.
var (
	buckets = map[string]string{
		"cloudkms.googleapis.com":      "KMS",
		"pubsub.googleapis.com":        "Pub/Sub",
		"secretmanager.googleapis.com": "Secret Manager",
		"storage.googleapis.com":       "GCS",
		"oauth2.googleapis.com":        "OAuth",
	}
	bucketSuffixes = map[string]string{
		"googleapis.com": "Google API",
		"run.app":        "Cloud Run",
	}
)

// Transport is an http.RoundTripper that records metrics for each request.
var Transport = WrapTransport(http.DefaultTransport)

// MetricsTransport is the instrumented wrapper returned by WrapTransport.
type MetricsTransport struct {
	http.RoundTripper

	inner http.RoundTripper
}

// WrapTransport wraps an http.RoundTripper with instrumentation.
func WrapTransport(t http.RoundTripper) http.RoundTripper {
	return &MetricsTransport{
		RoundTripper: instrumentRoundTripperCounter(
			instrumentRoundTripperInFlight(
				instrumentRoundTripperDuration(
					otelhttp.NewTransport(t)))),
		inner: t,
	}
}

// ExtractInnerTransport undoes WrapTransport, returning rt otherwise.
func ExtractInnerTransport(rt http.RoundTripper) http.RoundTripper {
	if mt, ok := rt.(*MetricsTransport); ok {
		return mt.inner
	}
	return rt
}

func mapErrorToLabel(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no route to host"):
		return "no-route-to-host"
	case strings.Contains(msg, "connection refused"):
		return "connection-refused"
	case strings.Contains(msg, "i/o timeout"):
		return "io-timeout"
	case strings.Contains(msg, "TLS handshake timeout"):
		return "tls-handshake-timeout"
	case strings.Contains(msg, "unexpected EOF"):
		return "unexpected-eof"
	case strings.Contains(msg, "context deadline exceeded"):
		return "deadline-exceeded"
	}
	return "unknown-error"
}

func requestLabels(r *http.Request) prometheus.Labels {
	return prometheus.Labels{
		"method":        r.Method,
		"host":          bucketize(r.URL.Host),
		"service_name":  env.KnativeServiceName,
		"revision_name": env.KnativeRevisionName,
		"ce_type":       r.Header.Get(CeTypeHeader),
	}
}

func withCode(l prometheus.Labels, resp *http.Response, err error) prometheus.Labels {
	out := make(prometheus.Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	if err != nil {
		out["code"] = mapErrorToLabel(err)
	} else {
		out["code"] = fmt.Sprintf("%d", resp.StatusCode)
	}
	return out
}

func instrumentRoundTripperCounter(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		resp, err := next.RoundTrip(r)
		mReqCount.With(withCode(requestLabels(r), resp, err)).Inc()
		return resp, err
	}
}

func instrumentRoundTripperInFlight(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		g := mReqInFlight.With(requestLabels(r))
		g.Inc()
		defer g.Dec()
		return next.RoundTrip(r)
	}
}

func instrumentRoundTripperDuration(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)
		if err == nil {
			mReqDuration.With(withCode(requestLabels(r), resp, nil)).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

func bucketize(host string) string {
	if b, ok := buckets[host]; ok {
		return b
	}
	for k, v := range bucketSuffixes {
		if strings.HasSuffix(host, "."+k) {
			return v
		}
	}
	return "other"
}
