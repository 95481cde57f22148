/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// NewRecordStore returns a RecordStore backed by pool.
func NewRecordStore(pool *pgxpool.Pool, opts ...bulksign.Option) bulksign.RecordStore {
	return &records{pool: pool, opts: bulksign.NewOptions(opts...)}
}

type records struct {
	pool *pgxpool.Pool
	opts bulksign.Options
}

var _ bulksign.RecordStore = (*records)(nil)

const claimSQL = `
WITH picked AS (
    SELECT id FROM records
    WHERE signature IS NULL AND (claim_token IS NULL OR claimed_until <= $3)
    ORDER BY id
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
UPDATE records r SET claim_token = $1, claimed_until = $2
FROM picked
WHERE r.id = picked.id
RETURNING r.id, r.payload`

// ClaimBatch implements bulksign.ClaimQueue.
func (s *records) ClaimBatch(ctx context.Context, maxCount int) (*bulksign.Claim, error) {
	now := s.opts.Now()
	claim := &bulksign.Claim{
		Token:   bulksign.NewToken(),
		Expires: now.Add(s.opts.ClaimTTL),
	}
	if maxCount <= 0 {
		return claim, nil
	}

	rows, err := s.pool.Query(ctx, claimSQL, claim.Token, claim.Expires, now, maxCount)
	if err != nil {
		return nil, unavailable("claim batch", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (bulksign.Record, error) {
		var r bulksign.Record
		err := row.Scan(&r.ID, &r.Payload)
		return r, err
	})
	if err != nil {
		return nil, unavailable("claim batch", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	claim.Records = recs
	return claim, nil
}

const commitSQL = `
UPDATE records
SET signature = $1, signed_at = $2, signed_by = $3, claim_token = NULL, claimed_until = NULL
WHERE id = $4 AND claim_token = $5 AND signature IS NULL`

// CommitSignatures implements bulksign.ClaimQueue.
func (s *records) CommitSignatures(ctx context.Context, claim *bulksign.Claim, entries []bulksign.SignatureEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if claim == nil {
		return fmt.Errorf("%w: no claim", bulksign.ErrCommitFailed)
	}
	for i, e := range entries {
		if len(e.Signature) == 0 {
			return fmt.Errorf("%w: entry %d: record %d has an empty signature", bulksign.ErrCommitFailed, i, e.RecordID)
		}
	}

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(commitSQL, e.Signature, e.SignedAt.UTC(), e.SignedBy, e.RecordID, claim.Token)
		}
		results := tx.SendBatch(ctx, batch)
		for i, e := range entries {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return fmt.Errorf("%w: entry %d: %w", bulksign.ErrCommitFailed, i, unavailable("update record", err))
			}
			if tag.RowsAffected() == 1 {
				continue
			}
			if err := results.Close(); err != nil {
				return fmt.Errorf("%w: entry %d: %w", bulksign.ErrCommitFailed, i, unavailable("update record", err))
			}
			cause := bulksign.ErrClaimLost
			var one int
			if err := tx.QueryRow(ctx, `SELECT 1 FROM records WHERE id = $1`, e.RecordID).Scan(&one); isNoRows(err) {
				cause = bulksign.ErrNotFound
			}
			return fmt.Errorf("%w: entry %d: record %d: %w", bulksign.ErrCommitFailed, i, e.RecordID, cause)
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("%w: %w", bulksign.ErrCommitFailed, unavailable("update records", err))
		}
		return nil
	})
}

// Abandon implements bulksign.ClaimQueue.
func (s *records) Abandon(ctx context.Context, claim *bulksign.Claim) error {
	if claim.Empty() {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE records SET claim_token = NULL, claimed_until = NULL WHERE claim_token = $1`,
		claim.Token); err != nil {
		return unavailable("abandon", err)
	}
	return nil
}

// CountPending implements bulksign.ClaimQueue.
func (s *records) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM records WHERE signature IS NULL`).Scan(&n); err != nil {
		return 0, unavailable("count pending", err)
	}
	return n, nil
}

// Seed implements bulksign.RecordStore.  Rows are streamed with COPY in
// chunks of SeedChunkSize.
func (s *records) Seed(ctx context.Context, n int) (int, error) {
	inserted := 0
	for inserted < n {
		chunk := min(bulksign.SeedChunkSize, n-inserted)
		rows := make([][]any, 0, chunk)
		for range chunk {
			p, err := bulksign.RandomPayload()
			if err != nil {
				return inserted, err
			}
			rows = append(rows, []any{p})
		}
		copied, err := s.pool.CopyFrom(ctx, pgx.Identifier{"records"}, []string{"payload"}, pgx.CopyFromRows(rows))
		if err != nil {
			return inserted, unavailable("seed", err)
		}
		inserted += int(copied)
	}
	return inserted, nil
}

// Get implements bulksign.RecordStore.
func (s *records) Get(ctx context.Context, id int64) (*bulksign.Record, error) {
	var (
		r        bulksign.Record
		signedAt *time.Time
		signedBy *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, payload, signature, signed_at, signed_by FROM records WHERE id = $1`, id,
	).Scan(&r.ID, &r.Payload, &r.Signature, &signedAt, &signedBy)
	if isNoRows(err) {
		return nil, fmt.Errorf("record %d: %w", id, bulksign.ErrNotFound)
	} else if err != nil {
		return nil, unavailable("get record", err)
	}
	if signedAt != nil {
		r.SignedAt = signedAt.UTC()
	}
	if signedBy != nil {
		r.SignedBy = *signedBy
	}
	return &r, nil
}
