/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package conformance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

type keyTester struct {
	t    *testing.T
	ctor KeyPoolCtor
}

func (kt *keyTester) scenario(name string, f func(context.Context, *testing.T, *clockwork.FakeClock, bulksign.KeyPool)) {
	kt.t.Run(name, func(t *testing.T) {
		clock := newClock()
		p := kt.ctor(
			bulksign.WithClock(clock),
			bulksign.WithLeaseDuration(leaseDuration),
		)
		if p == nil {
			t.Fatal("key pool constructor returned nil")
		}
		f(context.Background(), t, clock, p)
	})
}

func bootstrap(ctx context.Context, t *testing.T, p bulksign.KeyPool, ids ...string) {
	t.Helper()
	keys := make([]bulksign.SigningKey, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, bulksign.SigningKey{ID: id, Alias: "alias-" + id})
	}
	if err := p.Bootstrap(ctx, keys...); err != nil {
		t.Fatalf("Bootstrap(%v) = %v", ids, err)
	}
}

func checkExhausted(ctx context.Context, t *testing.T, p bulksign.KeyPool) {
	t.Helper()
	if l, err := p.Acquire(ctx); !errors.Is(err, bulksign.ErrNoKeyAvailable) {
		t.Fatalf("Acquire() = (%v, %v), want ErrNoKeyAvailable", l, err)
	}
}

// TestKeyPool exercises the KeyPool contract against a backend.
func TestKeyPool(t *testing.T, ctor KeyPoolCtor) {
	kt := &keyTester{t: t, ctor: ctor}

	kt.scenario("empty pool", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, p bulksign.KeyPool) {
		checkExhausted(ctx, t, p)
		keys, err := p.List(ctx)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("List() = %v, want empty", keys)
		}
	})

	kt.scenario("unused keys are handed out by id", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, p bulksign.KeyPool) {
		bootstrap(ctx, t, p, "key-b", "key-c", "key-a")
		checkAcquire(ctx, t, p, "key-a")
		checkAcquire(ctx, t, p, "key-b")
		checkAcquire(ctx, t, p, "key-c")
		checkExhausted(ctx, t, p)
		checkInUse(ctx, t, p, map[string]bool{"key-a": true, "key-b": true, "key-c": true})
	})

	kt.scenario("least recently used key wins", func(ctx context.Context, t *testing.T, clock *clockwork.FakeClock, p bulksign.KeyPool) {
		bootstrap(ctx, t, p, "key-a", "key-b")
		a := checkAcquire(ctx, t, p, "key-a")
		b := checkAcquire(ctx, t, p, "key-b")

		clock.Advance(time.Second)
		if err := p.Release(ctx, b); err != nil {
			t.Fatalf("Release(b) = %v", err)
		}
		clock.Advance(time.Second)
		if err := p.Release(ctx, a); err != nil {
			t.Fatalf("Release(a) = %v", err)
		}

		keys, err := p.List(ctx)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		for _, k := range keys {
			if k.LastUsed.IsZero() {
				t.Errorf("key %s has no last use after release", k.ID)
			}
		}

		checkAcquire(ctx, t, p, "key-b")
		checkAcquire(ctx, t, p, "key-a")
	})

	kt.scenario("release is idempotent", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, p bulksign.KeyPool) {
		bootstrap(ctx, t, p, "key-a")
		l := checkAcquire(ctx, t, p, "key-a")
		if err := p.Release(ctx, l); err != nil {
			t.Fatalf("Release() = %v", err)
		}
		if err := p.Release(ctx, l); err != nil {
			t.Fatalf("Release(again) = %v", err)
		}
		checkInUse(ctx, t, p, map[string]bool{"key-a": false})

		// A stale release must not free the key out from under its new holder.
		checkAcquire(ctx, t, p, "key-a")
		if err := p.Release(ctx, l); err != nil {
			t.Fatalf("Release(stale) = %v", err)
		}
		checkInUse(ctx, t, p, map[string]bool{"key-a": true})
		checkExhausted(ctx, t, p)
	})

	kt.scenario("release of nil lease", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, p bulksign.KeyPool) {
		if err := p.Release(ctx, nil); err != nil {
			t.Fatalf("Release(nil) = %v", err)
		}
	})

	kt.scenario("expired leases are reclaimable", func(ctx context.Context, t *testing.T, clock *clockwork.FakeClock, p bulksign.KeyPool) {
		bootstrap(ctx, t, p, "key-a")
		crashed := checkAcquire(ctx, t, p, "key-a")

		clock.Advance(leaseDuration / 2)
		checkExhausted(ctx, t, p)

		clock.Advance(leaseDuration)
		recovered := checkAcquire(ctx, t, p, "key-a")
		if recovered.Token == crashed.Token {
			t.Fatalf("Reacquired lease reused token %q", crashed.Token)
		}

		if _, err := p.Renew(ctx, crashed); !errors.Is(err, bulksign.ErrLeaseLost) {
			t.Fatalf("Renew(stale) = %v, want ErrLeaseLost", err)
		}
		if err := p.Release(ctx, crashed); err != nil {
			t.Fatalf("Release(stale) = %v", err)
		}
		checkExhausted(ctx, t, p)
		if err := p.Release(ctx, recovered); err != nil {
			t.Fatalf("Release(recovered) = %v", err)
		}
		checkInUse(ctx, t, p, map[string]bool{"key-a": false})
	})

	kt.scenario("renew extends the lease", func(ctx context.Context, t *testing.T, clock *clockwork.FakeClock, p bulksign.KeyPool) {
		bootstrap(ctx, t, p, "key-a")
		l := checkAcquire(ctx, t, p, "key-a")

		clock.Advance(leaseDuration / 2)
		renewed, err := p.Renew(ctx, l)
		if err != nil {
			t.Fatalf("Renew() = %v", err)
		}
		if !renewed.Expires.After(l.Expires) {
			t.Errorf("Renew() expiry = %v, want after %v", renewed.Expires, l.Expires)
		}
		if renewed.Token != l.Token {
			t.Errorf("Renew() changed the token from %q to %q", l.Token, renewed.Token)
		}

		// Past the original expiry but within the renewed one.
		clock.Advance(leaseDuration * 3 / 4)
		checkExhausted(ctx, t, p)

		if err := p.Release(ctx, renewed); err != nil {
			t.Fatalf("Release() = %v", err)
		}
		if _, err := p.Renew(ctx, renewed); !errors.Is(err, bulksign.ErrLeaseLost) {
			t.Fatalf("Renew(released) = %v, want ErrLeaseLost", err)
		}
	})

	kt.scenario("bootstrap is idempotent", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, p bulksign.KeyPool) {
		bootstrap(ctx, t, p, "key-a", "key-b")
		checkAcquire(ctx, t, p, "key-a")
		bootstrap(ctx, t, p, "key-a", "key-b", "key-c")
		checkInUse(ctx, t, p, map[string]bool{"key-a": true, "key-b": false, "key-c": false})

		keys, err := p.List(ctx)
		if err != nil {
			t.Fatalf("List() = %v", err)
		}
		for _, k := range keys {
			if k.Alias != "alias-"+k.ID {
				t.Errorf("key %s alias = %q", k.ID, k.Alias)
			}
		}
	})
}
