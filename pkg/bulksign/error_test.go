/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package bulksign

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{{
		name: "nil",
		err:  nil,
		want: false,
	}, {
		name: "no key available",
		err:  ErrNoKeyAvailable,
		want: true,
	}, {
		name: "wrapped commit failure",
		err:  fmt.Errorf("%w: %w", ErrCommitFailed, errors.New("connection reset")),
		want: true,
	}, {
		name: "claim lost",
		err:  fmt.Errorf("%w: %w", ErrCommitFailed, ErrClaimLost),
		want: true,
	}, {
		name: "store unavailable",
		err:  fmt.Errorf("count pending: %w", ErrStoreUnavailable),
		want: true,
	}, {
		name: "sign failure aborts the batch",
		err:  fmt.Errorf("%w: kms: permission denied", ErrSignFailed),
		want: false,
	}, {
		name: "unknown error",
		err:  errors.New("boom"),
		want: false,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClaimHelpers(t *testing.T) {
	var nilClaim *Claim
	if !nilClaim.Empty() {
		t.Error("nil claim should be empty")
	}
	if got := nilClaim.IDs(); got != nil {
		t.Errorf("nil claim IDs() = %v, want nil", got)
	}

	c := &Claim{Records: []Record{{ID: 3}, {ID: 1}, {ID: 2}}}
	if c.Empty() {
		t.Error("claim with records should not be empty")
	}
	got := c.IDs()
	want := []int64{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("IDs()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRandomPayload(t *testing.T) {
	p, err := RandomPayload()
	if err != nil {
		t.Fatalf("RandomPayload() = %v", err)
	}
	if len(p) != PayloadLength {
		t.Errorf("len(RandomPayload()) = %d, want %d", len(p), PayloadLength)
	}
	for _, c := range p {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			t.Errorf("RandomPayload() contains %q", c)
		}
	}
}
