/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
	"google.golang.org/api/option/internaloption"
	htransport "google.golang.org/api/transport/http"
)

// NewIdTokenClient returns an http.Client that attaches a Google identity
// token for audience to every request, with metrics.
//
// idtoken.NewClient always builds on http.DefaultTransport, which would
// double-instrument once Transport is installed there, so the token
// transport is assembled here on top of the unwrapped one.
func NewIdTokenClient(ctx context.Context, audience string, opts ...idtoken.ClientOption) (*http.Client, error) {
	inner, ok := ExtractInnerTransport(http.DefaultTransport).(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("default transport is %T, not *http.Transport", http.DefaultTransport)
	}
	httpTransport := inner.Clone()
	httpTransport.MaxIdleConnsPerHost = 100

	ts, err := idtoken.NewTokenSource(ctx, audience, opts...)
	if err != nil {
		return nil, err
	}
	// The token source would otherwise conflict with caller credentials.
	opts = append(opts, option.WithTokenSource(ts), internaloption.SkipDialSettingsValidation())

	t, err := htransport.NewTransport(ctx, httpTransport, opts...)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: WrapTransport(t)}, nil
}
