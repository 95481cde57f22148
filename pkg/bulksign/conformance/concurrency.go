/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package conformance

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// TestConcurrency checks mutual exclusion under contention.  The store and
// pool run on a real clock so nothing expires mid-test.
func TestConcurrency(t *testing.T, records RecordStoreCtor, keys KeyPoolCtor) {
	t.Run("concurrent claims are disjoint", func(t *testing.T) {
		ctx := context.Background()
		s := records()
		const total = 500
		mustSeed(ctx, t, s, total)

		var mu sync.Mutex
		seen := make(map[int64]int, total)
		var eg errgroup.Group
		for range 8 {
			eg.Go(func() error {
				for {
					c, err := s.ClaimBatch(ctx, 37)
					if err != nil {
						return err
					}
					if c.Empty() {
						return nil
					}
					mu.Lock()
					for _, id := range c.IDs() {
						seen[id]++
					}
					mu.Unlock()
				}
			})
		}
		if err := eg.Wait(); err != nil {
			t.Fatalf("ClaimBatch() = %v", err)
		}
		if len(seen) != total {
			t.Errorf("claimed %d distinct records, want %d", len(seen), total)
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("record %d claimed %d times", id, n)
			}
		}
	})

	t.Run("concurrent claim and commit signs each record once", func(t *testing.T) {
		ctx := context.Background()
		s := records()
		const total = 300
		mustSeed(ctx, t, s, total)

		var committed atomic.Int64
		var eg errgroup.Group
		for i := range 6 {
			eg.Go(func() error {
				by := fmt.Sprintf("key-%d", i)
				for {
					c, err := s.ClaimBatch(ctx, 25)
					if err != nil {
						return err
					}
					if c.Empty() {
						return nil
					}
					if err := s.CommitSignatures(ctx, c, entriesFor(c, by, time.Now())); err != nil {
						return err
					}
					committed.Add(int64(len(c.Records)))
				}
			})
		}
		if err := eg.Wait(); err != nil {
			t.Fatalf("worker = %v", err)
		}
		if got := committed.Load(); got != total {
			t.Errorf("committed %d signatures, want %d", got, total)
		}
		checkPending(ctx, t, s, 0)
	})

	t.Run("a key has at most one holder", func(t *testing.T) {
		ctx := context.Background()
		p := keys()
		ids := []string{"key-a", "key-b", "key-c"}
		bootstrap(ctx, t, p, ids...)

		holders := make(map[string]*atomic.Int32, len(ids))
		for _, id := range ids {
			holders[id] = &atomic.Int32{}
		}
		var acquired atomic.Int64
		var eg errgroup.Group
		for range 10 {
			eg.Go(func() error {
				for range 20 {
					l, err := p.Acquire(ctx)
					if errors.Is(err, bulksign.ErrNoKeyAvailable) {
						runtime.Gosched()
						continue
					} else if err != nil {
						return err
					}
					acquired.Add(1)
					if n := holders[l.Key.ID].Add(1); n != 1 {
						return fmt.Errorf("key %s has %d concurrent holders", l.Key.ID, n)
					}
					time.Sleep(time.Millisecond)
					holders[l.Key.ID].Add(-1)
					if err := p.Release(ctx, l); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			t.Fatal(err)
		}
		if acquired.Load() == 0 {
			t.Error("no worker ever acquired a key")
		}
		checkInUse(ctx, t, p, map[string]bool{"key-a": false, "key-b": false, "key-c": false})
	})
}
