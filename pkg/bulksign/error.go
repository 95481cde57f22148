/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package bulksign

import "errors"

var (
	// ErrNoKeyAvailable means every key in the pool is leased.  It reflects
	// contention, not corruption, and should be retried with backoff.
	ErrNoKeyAvailable = errors.New("no signing key available")

	// ErrCommitFailed means a batch of signatures was rolled back.  The
	// batch's records remain pending and will be claimed again.
	ErrCommitFailed = errors.New("commit of signatures failed")

	// ErrSignFailed means the custody service could not sign a record.  The
	// whole batch is abandoned rather than partially committed.
	ErrSignFailed = errors.New("signing failed")

	// ErrStoreUnavailable means a backing store could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLeaseLost means the key lease expired and may have been handed to
	// another worker.
	ErrLeaseLost = errors.New("key lease lost")

	// ErrClaimLost means one or more claimed records expired or were
	// already signed by someone else.
	ErrClaimLost = errors.New("record claim lost")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err describes a transient condition that a
// later invocation can be expected to get past.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNoKeyAvailable),
		errors.Is(err, ErrCommitFailed),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrLeaseLost),
		errors.Is(err, ErrClaimLost):
		return true
	default:
		return false
	}
}
