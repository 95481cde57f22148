/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package conformance

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

type claimTester struct {
	t    *testing.T
	ctor RecordStoreCtor
}

func (ct *claimTester) scenario(name string, f func(context.Context, *testing.T, *clockwork.FakeClock, bulksign.RecordStore)) {
	ct.t.Run(name, func(t *testing.T) {
		clock := newClock()
		s := ct.ctor(
			bulksign.WithClock(clock),
			bulksign.WithClaimTTL(claimTTL),
		)
		if s == nil {
			t.Fatal("record store constructor returned nil")
		}
		checkPending(context.Background(), t, s, 0)
		f(context.Background(), t, clock, s)
	})
}

// TestClaimQueue exercises the ClaimQueue contract against a backend.
func TestClaimQueue(t *testing.T, ctor RecordStoreCtor) {
	ct := &claimTester{t: t, ctor: ctor}

	ct.scenario("empty set claims nothing", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, s bulksign.RecordStore) {
		c := mustClaim(ctx, t, s, 100)
		if !c.Empty() {
			t.Fatalf("ClaimBatch(100) = %v, want empty", c.IDs())
		}
		checkPending(ctx, t, s, 0)
	})

	ct.scenario("non-positive count claims nothing", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, s bulksign.RecordStore) {
		mustSeed(ctx, t, s, 3)
		if c := mustClaim(ctx, t, s, 0); !c.Empty() {
			t.Fatalf("ClaimBatch(0) = %v, want empty", c.IDs())
		}
		if c := mustClaim(ctx, t, s, -1); !c.Empty() {
			t.Fatalf("ClaimBatch(-1) = %v, want empty", c.IDs())
		}
	})

	ct.scenario("claims are bounded and disjoint", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, s bulksign.RecordStore) {
		mustSeed(ctx, t, s, 10)

		first := mustClaim(ctx, t, s, 4)
		if got := len(first.Records); got != 4 {
			t.Fatalf("first ClaimBatch(4) returned %d records", got)
		}
		second := mustClaim(ctx, t, s, 10)
		if got := len(second.Records); got != 6 {
			t.Fatalf("second ClaimBatch(10) returned %d records, want the 6 unclaimed", got)
		}
		seen := make(map[int64]struct{}, 10)
		for _, id := range append(first.IDs(), second.IDs()...) {
			if _, dup := seen[id]; dup {
				t.Fatalf("record %d was claimed twice", id)
			}
			seen[id] = struct{}{}
		}
		for _, r := range append(first.Records, second.Records...) {
			if len(r.Payload) == 0 {
				t.Errorf("record %d was claimed without its payload", r.ID)
			}
		}

		if c := mustClaim(ctx, t, s, 10); !c.Empty() {
			t.Fatalf("third ClaimBatch(10) = %v, want empty while everything is claimed", c.IDs())
		}
		// Claimed but unsigned records are still pending.
		checkPending(ctx, t, s, 10)
	})

	ct.scenario("commit signs the whole batch", func(ctx context.Context, t *testing.T, clock *clockwork.FakeClock, s bulksign.RecordStore) {
		mustSeed(ctx, t, s, 5)
		c := mustClaim(ctx, t, s, 5)
		if err := s.CommitSignatures(ctx, c, entriesFor(c, "key-a", clock.Now())); err != nil {
			t.Fatalf("CommitSignatures() = %v", err)
		}
		checkPending(ctx, t, s, 0)

		for _, claimed := range c.Records {
			r, err := s.Get(ctx, claimed.ID)
			if err != nil {
				t.Fatalf("Get(%d) = %v", claimed.ID, err)
			}
			if r.Pending() {
				t.Errorf("record %d is still pending after commit", r.ID)
			}
			if want := append([]byte("sig:"), claimed.Payload...); !cmp.Equal(want, r.Signature) {
				t.Errorf("record %d signature = %q, want %q", r.ID, r.Signature, want)
			}
			if r.SignedBy != "key-a" {
				t.Errorf("record %d signed by %q, want key-a", r.ID, r.SignedBy)
			}
			if !r.SignedAt.Equal(clock.Now()) {
				t.Errorf("record %d signed at %v, want %v", r.ID, r.SignedAt, clock.Now())
			}
		}

		if c := mustClaim(ctx, t, s, 5); !c.Empty() {
			t.Fatalf("ClaimBatch() after commit = %v, want empty", c.IDs())
		}
	})

	ct.scenario("empty commit is a no-op", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, s bulksign.RecordStore) {
		mustSeed(ctx, t, s, 1)
		c := mustClaim(ctx, t, s, 1)
		if err := s.CommitSignatures(ctx, c, nil); err != nil {
			t.Fatalf("CommitSignatures(nil) = %v", err)
		}
		checkPending(ctx, t, s, 1)
	})

	ct.scenario("failure part way through a commit rolls back every row", func(ctx context.Context, t *testing.T, clock *clockwork.FakeClock, s bulksign.RecordStore) {
		mustSeed(ctx, t, s, 6)
		mine := mustClaim(ctx, t, s, 5)
		theirs := mustClaim(ctx, t, s, 1)
		if len(mine.Records) != 5 || len(theirs.Records) != 1 {
			t.Fatalf("claims = %d + %d records, want 5 + 1", len(mine.Records), len(theirs.Records))
		}

		// The first three writes are valid; the fourth targets a record held
		// by another claim, so the commit must fail after writing k=3 rows.
		entries := entriesFor(mine, "key-a", clock.Now())[:3]
		entries = append(entries, entriesFor(theirs, "key-a", clock.Now())...)
		err := s.CommitSignatures(ctx, mine, entries)
		if !errors.Is(err, bulksign.ErrCommitFailed) {
			t.Fatalf("CommitSignatures() = %v, want ErrCommitFailed", err)
		}
		if !bulksign.IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = false", err)
		}
		checkPending(ctx, t, s, 6)
		for _, id := range append(mine.IDs(), theirs.IDs()...) {
			r, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get(%d) = %v", id, err)
			}
			if !r.Pending() {
				t.Errorf("record %d was signed by a rolled back commit", id)
			}
		}

		// A missing record is a failure too.
		entries = entriesFor(mine, "key-a", clock.Now())
		entries[4].RecordID = 1 << 40
		if err := s.CommitSignatures(ctx, mine, entries); !errors.Is(err, bulksign.ErrCommitFailed) {
			t.Fatalf("CommitSignatures(missing record) = %v, want ErrCommitFailed", err)
		}
		checkPending(ctx, t, s, 6)

		// After a clean rollback the same claim can be retried.
		if err := s.CommitSignatures(ctx, mine, entriesFor(mine, "key-a", clock.Now())); err != nil {
			t.Fatalf("CommitSignatures(retry) = %v", err)
		}
		checkPending(ctx, t, s, 1)
	})

	ct.scenario("abandon returns records immediately", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, s bulksign.RecordStore) {
		mustSeed(ctx, t, s, 3)
		c := mustClaim(ctx, t, s, 3)
		if err := s.Abandon(ctx, c); err != nil {
			t.Fatalf("Abandon() = %v", err)
		}
		// Abandoning twice is harmless.
		if err := s.Abandon(ctx, c); err != nil {
			t.Fatalf("Abandon(again) = %v", err)
		}
		again := mustClaim(ctx, t, s, 3)
		if diff := cmp.Diff(sortedIDs(c), sortedIDs(again)); diff != "" {
			t.Fatalf("Reclaimed records differ (-abandoned, +reclaimed):\n%s", diff)
		}
		// The stale claim may no longer commit.
		if err := s.CommitSignatures(ctx, c, entriesFor(c, "key-a", epoch)); !errors.Is(err, bulksign.ErrCommitFailed) {
			t.Fatalf("CommitSignatures(abandoned claim) = %v, want ErrCommitFailed", err)
		}
	})

	ct.scenario("expired claims are reclaimable", func(ctx context.Context, t *testing.T, clock *clockwork.FakeClock, s bulksign.RecordStore) {
		mustSeed(ctx, t, s, 3)
		crashed := mustClaim(ctx, t, s, 3)

		clock.Advance(claimTTL / 2)
		if c := mustClaim(ctx, t, s, 3); !c.Empty() {
			t.Fatalf("ClaimBatch() before expiry = %v, want empty", c.IDs())
		}

		clock.Advance(claimTTL)
		recovered := mustClaim(ctx, t, s, 3)
		if diff := cmp.Diff(sortedIDs(crashed), sortedIDs(recovered)); diff != "" {
			t.Fatalf("Recovered records differ (-crashed, +recovered):\n%s", diff)
		}

		err := s.CommitSignatures(ctx, crashed, entriesFor(crashed, "key-a", clock.Now()))
		if !errors.Is(err, bulksign.ErrCommitFailed) {
			t.Fatalf("CommitSignatures(stale claim) = %v, want ErrCommitFailed", err)
		}
		if err := s.CommitSignatures(ctx, recovered, entriesFor(recovered, "key-b", clock.Now())); err != nil {
			t.Fatalf("CommitSignatures(recovered claim) = %v", err)
		}
		checkPending(ctx, t, s, 0)
	})

	ct.scenario("count pending is idempotent", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, s bulksign.RecordStore) {
		mustSeed(ctx, t, s, 7)
		first, err := s.CountPending(ctx)
		if err != nil {
			t.Fatalf("CountPending() = %v", err)
		}
		second, err := s.CountPending(ctx)
		if err != nil {
			t.Fatalf("CountPending() = %v", err)
		}
		if first != second || first != 7 {
			t.Fatalf("CountPending() = %d then %d, want 7 twice", first, second)
		}
	})

	ct.scenario("get of a missing record", func(ctx context.Context, t *testing.T, _ *clockwork.FakeClock, s bulksign.RecordStore) {
		if _, err := s.Get(ctx, 42); !errors.Is(err, bulksign.ErrNotFound) {
			t.Fatalf("Get(42) = %v, want ErrNotFound", err)
		}
	})
}
