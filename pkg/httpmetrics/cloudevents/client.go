/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package cloudevents builds CloudEvents HTTP clients that report through
// httpmetrics.
package cloudevents

import (
	"net/http"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/chainguard-dev/bulk-signer/pkg/httpmetrics"
)

// NewClientHTTP is cloudevents.NewClientHTTP with instrumented sending and
// receiving.  Options given later take precedence.
func NewClientHTTP(opts ...cehttp.Option) (cloudevents.Client, error) {
	// Without an explicit client the SDK adopts http.DefaultClient and may
	// replace its Transport.
	metricsClient := http.Client{
		Transport: httpmetrics.Transport,
	}
	copt := append([]cehttp.Option{
		cehttp.WithClient(metricsClient),
		cloudevents.WithMiddleware(func(next http.Handler) http.Handler {
			return httpmetrics.Handler("cloudevents", next)
		})}, opts...)
	return cloudevents.NewClientHTTP(copt...)
}
