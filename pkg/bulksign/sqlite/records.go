/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// NewRecordStore returns a RecordStore over a database opened with Open.
func NewRecordStore(db *sql.DB, opts ...bulksign.Option) bulksign.RecordStore {
	return &records{db: db, opts: bulksign.NewOptions(opts...)}
}

type records struct {
	db   *sql.DB
	opts bulksign.Options
}

var _ bulksign.RecordStore = (*records)(nil)

const claimSQL = `
UPDATE records SET claim_token = ?, claimed_until = ?
WHERE id IN (
    SELECT id FROM records
    WHERE signature IS NULL AND (claim_token IS NULL OR claimed_until <= ?)
    ORDER BY id
    LIMIT ?
)
RETURNING id, payload`

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

	rows, err := s.db.QueryContext(ctx, claimSQL, claim.Token, nanos(claim.Expires), nanos(now), maxCount)
	if err != nil {
		return nil, unavailable("claim batch", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r bulksign.Record
		if err := rows.Scan(&r.ID, &r.Payload); err != nil {
			return nil, unavailable("claim batch", err)
		}
		claim.Records = append(claim.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("claim batch", err)
	}
	sort.Slice(claim.Records, func(i, j int) bool {
		return claim.Records[i].ID < claim.Records[j].ID
	})
	return claim, nil
}

const commitSQL = `
UPDATE records
SET signature = ?, signed_at = ?, signed_by = ?, claim_token = NULL, claimed_until = NULL
WHERE id = ? AND claim_token = ? AND signature IS NULL`

// CommitSignatures implements bulksign.ClaimQueue.
func (s *records) CommitSignatures(ctx context.Context, claim *bulksign.Claim, entries []bulksign.SignatureEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	if claim == nil {
		return fmt.Errorf("%w: no claim", bulksign.ErrCommitFailed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin commit", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, commitSQL)
	if err != nil {
		return unavailable("prepare commit", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		if len(e.Signature) == 0 {
			return fmt.Errorf("%w: entry %d: record %d has an empty signature", bulksign.ErrCommitFailed, i, e.RecordID)
		}
		res, err := stmt.ExecContext(ctx, e.Signature, nanos(e.SignedAt), e.SignedBy, e.RecordID, claim.Token)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", bulksign.ErrCommitFailed, i, unavailable("update record", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", bulksign.ErrCommitFailed, i, unavailable("update record", err))
		}
		if n == 1 {
			continue
		}
		cause := bulksign.ErrClaimLost
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, e.RecordID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
			cause = bulksign.ErrNotFound
		}
		return fmt.Errorf("%w: entry %d: record %d: %w", bulksign.ErrCommitFailed, i, e.RecordID, cause)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", bulksign.ErrCommitFailed, unavailable("commit", err))
	}
	return nil
}

// Abandon implements bulksign.ClaimQueue.
func (s *records) Abandon(ctx context.Context, claim *bulksign.Claim) error {
	if claim.Empty() {
		return nil
	}
	// Every record of a claim carries its token, so the token alone
	// identifies the rows.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE records SET claim_token = NULL, claimed_until = NULL WHERE claim_token = ?`,
		claim.Token); err != nil {
		return unavailable("abandon", err)
	}
	return nil
}

// CountPending implements bulksign.ClaimQueue.
func (s *records) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE signature IS NULL`).Scan(&n); err != nil {
		return 0, unavailable("count pending", err)
	}
	return n, nil
}

// Seed implements bulksign.RecordStore.
func (s *records) Seed(ctx context.Context, n int) (int, error) {
	inserted := 0
	for inserted < n {
		chunk := min(bulksign.SeedChunkSize, n-inserted)
		args := make([]any, 0, chunk)
		for range chunk {
			p, err := bulksign.RandomPayload()
			if err != nil {
				return inserted, err
			}
			args = append(args, p)
		}
		q := "INSERT INTO records (payload) VALUES " + strings.TrimSuffix(strings.Repeat("(?),", chunk), ",")
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return inserted, unavailable("seed", err)
		}
		inserted += chunk
	}
	return inserted, nil
}

// Get implements bulksign.RecordStore.
func (s *records) Get(ctx context.Context, id int64) (*bulksign.Record, error) {
	var (
		r        bulksign.Record
		signedAt sql.NullInt64
		signedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, payload, signature, signed_at, signed_by FROM records WHERE id = ?`, id,
	).Scan(&r.ID, &r.Payload, &r.Signature, &signedAt, &signedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %d: %w", id, bulksign.ErrNotFound)
	} else if err != nil {
		return nil, unavailable("get record", err)
	}
	r.SignedAt = fromNanos(signedAt)
	r.SignedBy = signedBy.String
	return &r, nil
}
