/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package custody

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/inmem"
)

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, "local://")
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	pool := inmem.NewKeyPool()

	keys, err := Bootstrap(ctx, pool, c, 3)
	if err != nil {
		t.Fatalf("Bootstrap() = %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("Bootstrap() = %d keys, want 3", len(keys))
	}
	// Running it again changes nothing.
	if _, err := Bootstrap(ctx, pool, c, 3); err != nil {
		t.Fatalf("Bootstrap(again) = %v", err)
	}

	got, err := pool.List(ctx)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	want := []bulksign.SigningKey{
		{ID: "local/signing_key_0", Alias: "signing_key_0"},
		{ID: "local/signing_key_1", Alias: "signing_key_1"},
		{ID: "local/signing_key_2", Alias: "signing_key_2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() (-want, +got):\n%s", diff)
	}
}

func TestNew(t *testing.T) {
	for _, url := range []string{"local", "vault://x"} {
		if _, err := New(context.Background(), url); err == nil {
			t.Errorf("New(%q) = nil error", url)
		}
	}
}

type countingSigner struct{ calls int }

func (s *countingSigner) Sign(context.Context, string, []byte) ([]byte, error) {
	s.calls++
	return []byte("sig"), nil
}

func TestRateLimited(t *testing.T) {
	inner := &countingSigner{}
	if got := RateLimited(inner, 0, 1); got != Signer(inner) {
		t.Errorf("RateLimited(rps=0) wrapped the signer")
	}

	s := RateLimited(inner, 1, 1)
	ctx := context.Background()
	if _, err := s.Sign(ctx, "k", nil); err != nil {
		t.Fatalf("Sign() = %v", err)
	}
	// The burst is spent; the next call would wait a full second.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := s.Sign(ctx, "k", nil); err == nil {
		t.Fatal("Sign() past quota = nil, want error")
	}
	if inner.calls != 1 {
		t.Errorf("inner signer called %d times, want 1", inner.calls)
	}
}
