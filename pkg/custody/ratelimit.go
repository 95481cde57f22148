/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package custody

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps s so that at most rps signatures per second are requested,
// with bursts of up to burst.  A non-positive rps returns s unchanged.
func RateLimited(s Signer, rps float64, burst int) Signer {
	if rps <= 0 {
		return s
	}
	return &limited{
		inner:   s,
		limiter: rate.NewLimiter(rate.Limit(rps), max(burst, 1)),
	}
}

type limited struct {
	inner   Signer
	limiter *rate.Limiter
}

func (l *limited) Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for signing quota: %w", err)
	}
	return l.inner.Sign(ctx, keyID, payload)
}
