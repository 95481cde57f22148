/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// NewRecordStore creates a new in-memory record store.
// This is intended for testing, and is not suitable for production use.
func NewRecordStore(opts ...bulksign.Option) bulksign.RecordStore {
	return &records{
		opts: bulksign.NewOptions(opts...),
		rows: make(map[int64]*row, 100),
	}
}

type records struct {
	opts bulksign.Options

	// rw guards the rows and their claim stamps.  Holding it for the whole
	// of ClaimBatch is what makes claims disjoint in this backend.
	rw     sync.RWMutex
	nextID int64
	order  []int64
	rows   map[int64]*row
}

type row struct {
	bulksign.Record

	claimToken   string
	claimedUntil time.Time
}

var _ bulksign.RecordStore = (*records)(nil)

// ClaimBatch implements bulksign.ClaimQueue.
func (s *records) ClaimBatch(_ context.Context, maxCount int) (*bulksign.Claim, error) {
	now := s.opts.Now()
	claim := &bulksign.Claim{
		Token:   bulksign.NewToken(),
		Expires: now.Add(s.opts.ClaimTTL),
	}
	if maxCount <= 0 {
		return claim, nil
	}

	s.rw.Lock()
	defer s.rw.Unlock()
	for _, id := range s.order {
		if len(claim.Records) >= maxCount {
			break
		}
		r := s.rows[id]
		if !r.Pending() {
			continue
		}
		if r.claimToken != "" && now.Before(r.claimedUntil) {
			// Someone else holds it; skip rather than wait.
			continue
		}
		r.claimToken = claim.Token
		r.claimedUntil = claim.Expires
		claim.Records = append(claim.Records, bulksign.Record{
			ID:      r.ID,
			Payload: append([]byte(nil), r.Payload...),
		})
	}
	return claim, nil
}

// CommitSignatures implements bulksign.ClaimQueue.
func (s *records) CommitSignatures(_ context.Context, claim *bulksign.Claim, entries []bulksign.SignatureEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if claim == nil {
		return fmt.Errorf("%w: no claim", bulksign.ErrCommitFailed)
	}

	s.rw.Lock()
	defer s.rw.Unlock()

	// Validate every entry before touching anything, so that a failure part
	// way through leaves no row signed.
	seen := make(map[int64]struct{}, len(entries))
	for i, e := range entries {
		r, ok := s.rows[e.RecordID]
		if !ok {
			return fmt.Errorf("%w: entry %d: record %d: %w", bulksign.ErrCommitFailed, i, e.RecordID, bulksign.ErrNotFound)
		}
		if _, dup := seen[e.RecordID]; dup || !r.Pending() || r.claimToken != claim.Token {
			return fmt.Errorf("%w: entry %d: record %d: %w", bulksign.ErrCommitFailed, i, e.RecordID, bulksign.ErrClaimLost)
		}
		if len(e.Signature) == 0 {
			return fmt.Errorf("%w: entry %d: record %d has an empty signature", bulksign.ErrCommitFailed, i, e.RecordID)
		}
		seen[e.RecordID] = struct{}{}
	}

	for _, e := range entries {
		r := s.rows[e.RecordID]
		r.Signature = append([]byte(nil), e.Signature...)
		r.SignedAt = e.SignedAt.UTC()
		r.SignedBy = e.SignedBy
		r.claimToken = ""
		r.claimedUntil = time.Time{}
	}
	return nil
}

// Abandon implements bulksign.ClaimQueue.
func (s *records) Abandon(_ context.Context, claim *bulksign.Claim) error {
	if claim.Empty() {
		return nil
	}
	s.rw.Lock()
	defer s.rw.Unlock()
	for _, id := range claim.IDs() {
		if r, ok := s.rows[id]; ok && r.claimToken == claim.Token {
			r.claimToken = ""
			r.claimedUntil = time.Time{}
		}
	}
	return nil
}

// CountPending implements bulksign.ClaimQueue.
func (s *records) CountPending(_ context.Context) (int64, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	var n int64
	for _, r := range s.rows {
		if r.Pending() {
			n++
		}
	}
	return n, nil
}

// Seed implements bulksign.RecordStore.
func (s *records) Seed(_ context.Context, n int) (int, error) {
	payloads := make([][]byte, 0, n)
	for range n {
		p, err := bulksign.RandomPayload()
		if err != nil {
			return 0, err
		}
		payloads = append(payloads, p)
	}

	s.rw.Lock()
	defer s.rw.Unlock()
	for _, p := range payloads {
		s.nextID++
		s.rows[s.nextID] = &row{Record: bulksign.Record{ID: s.nextID, Payload: p}}
		s.order = append(s.order, s.nextID)
	}
	return len(payloads), nil
}

// Get implements bulksign.RecordStore.
func (s *records) Get(_ context.Context, id int64) (*bulksign.Record, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("record %d: %w", id, bulksign.ErrNotFound)
	}
	rec := r.Record
	rec.Payload = append([]byte(nil), r.Payload...)
	if r.Signature != nil {
		rec.Signature = append([]byte(nil), r.Signature...)
	}
	return &rec, nil
}
