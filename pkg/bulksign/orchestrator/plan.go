/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

// Action is what a round should do.
type Action struct {
	// Complete is set once nothing is pending.
	Complete bool
	// Batches is how many batches to submit when not complete.
	Batches int
}

// Plan decides a round from the pending count alone.  It never submits more
// than concurrency batches, nor more batches than there is work for.
// batchSize and concurrency must be positive.
func Plan(pending int64, batchSize, concurrency int) Action {
	if pending <= 0 {
		return Action{Complete: true}
	}
	needed := (pending + int64(batchSize) - 1) / int64(batchSize)
	return Action{Batches: int(min(needed, int64(concurrency)))}
}
