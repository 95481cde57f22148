/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package bulksign

import (
	"context"
	"time"
)

// Note that these are variables, so that they can be modified by tests and
// made flags in binary entrypoints.
var (
	// DefaultClaimTTL is how long a claimed batch of records stays invisible
	// to other claimants.  A worker that crashes between ClaimBatch and
	// CommitSignatures has its records returned once this elapses.
	DefaultClaimTTL = 10 * time.Minute

	// DefaultLeaseDuration is how long a key lease is honored without being
	// renewed.  A key whose lease has expired is free to be acquired again.
	DefaultLeaseDuration = 5 * time.Minute
)

// Record is a single payload to be signed exactly once.
type Record struct {
	ID        int64
	Payload   []byte
	Signature []byte
	SignedAt  time.Time
	SignedBy  string
}

// Pending reports whether the record still awaits a signature.
func (r Record) Pending() bool {
	return r.Signature == nil
}

// SignatureEntry is the result of signing one record.
type SignatureEntry struct {
	RecordID  int64
	Signature []byte
	SignedAt  time.Time
	SignedBy  string
}

// Claim is a set of records handed to exactly one caller of ClaimBatch.
type Claim struct {
	// Token identifies this claim in the backing store.  Commits and
	// abandons only apply to rows still stamped with it.
	Token   string
	Records []Record
	Expires time.Time
}

// Empty reports whether the claim carries no work.
func (c *Claim) Empty() bool {
	return c == nil || len(c.Records) == 0
}

// IDs returns the ids of the claimed records, in claim order.
func (c *Claim) IDs() []int64 {
	if c == nil {
		return nil
	}
	ids := make([]int64, 0, len(c.Records))
	for _, r := range c.Records {
		ids = append(ids, r.ID)
	}
	return ids
}

// SigningKey is one member of the fixed pool of exclusive-use keys.
type SigningKey struct {
	// ID is the stable handle passed to the custody service (e.g. a KMS
	// key version resource name).
	ID    string
	Alias string

	// LastUsed is the time the key was last released.  The zero value means
	// the key has never been used, and sorts first.
	LastUsed time.Time

	InUse        bool
	LeaseExpires time.Time
}

// Lease is proof that the caller currently holds Key.
type Lease struct {
	Key     SigningKey
	Token   string
	Expires time.Time
}

// Batch describes one unit of work sent over the dispatch transport.
// The ID is informational: redelivered batches are harmless because
// exclusivity comes from the ClaimQueue, not from batch deduplication.
type Batch struct {
	ID          string    `json:"batch_id"`
	Size        int       `json:"batch_size"`
	ExecutionID string    `json:"execution_id,omitempty"`
	StartTime   time.Time `json:"start_time,omitempty"`
}

// ClaimQueue hands out disjoint batches of pending records and commits their
// signatures back.
type ClaimQueue interface {
	// ClaimBatch atomically claims up to maxCount pending records that no
	// other caller currently holds.  Callers racing each other never block
	// and never receive overlapping records.  An empty claim is not an
	// error: it means there is no claimable work right now.
	ClaimBatch(ctx context.Context, maxCount int) (*Claim, error)

	// CommitSignatures applies every entry as one atomic unit, or none of
	// them.  It fails with ErrCommitFailed if any entry does not belong to
	// the claim anymore, or if any write fails.
	CommitSignatures(ctx context.Context, claim *Claim, entries []SignatureEntry) error

	// Abandon returns the claim's records to the queue without signing
	// them.  It is a no-op for rows no longer held by the claim.
	Abandon(ctx context.Context, claim *Claim) error

	// CountPending returns a point-in-time estimate of unsigned records,
	// including those currently claimed.
	CountPending(ctx context.Context) (int64, error)
}

// RecordStore is a ClaimQueue that can also be seeded and inspected.
type RecordStore interface {
	ClaimQueue

	// Seed inserts n pending records with random payloads.
	Seed(ctx context.Context, n int) (int, error)

	// Get returns a single record, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Record, error)
}

// KeyPool leases exclusive-use signing keys.
type KeyPool interface {
	// Acquire leases the free key with the oldest LastUsed, in a single
	// conditional update.  Keys whose lease has expired count as free.
	// It fails with ErrNoKeyAvailable when every key is held.
	Acquire(ctx context.Context) (*Lease, error)

	// Renew extends a lease that is still held, or fails with ErrLeaseLost.
	Renew(ctx context.Context, lease *Lease) (*Lease, error)

	// Release returns the key to the pool and stamps LastUsed.  Releasing a
	// lease that is no longer held is a no-op.
	Release(ctx context.Context, lease *Lease) error

	// Bootstrap registers keys as free and never used.  Keys that are
	// already registered are left untouched.
	Bootstrap(ctx context.Context, keys ...SigningKey) error

	// List returns a snapshot of the pool ordered by key ID.
	List(ctx context.Context) ([]SigningKey, error)
}
