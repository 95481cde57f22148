/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package cloudevents

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/chainguard-dev/bulk-signer/pkg/httpmetrics"
)

// WithTarget wraps cehttp.WithTarget, authenticating with an identity token
// for the target when it is an HTTPS URL.
func WithTarget(ctx context.Context, url string) ([]cehttp.Option, error) {
	opts := make([]cehttp.Option, 0, 2)

	if strings.HasPrefix(url, "https://") {
		idc, err := httpmetrics.NewIdTokenClient(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("creating idtoken client for %s: %w", url, err)
		}
		opts = append(opts, cehttp.WithClient(http.Client{Transport: idc.Transport}))
	}

	return append(opts, cehttp.WithTarget(url)), nil
}
