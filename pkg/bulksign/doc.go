/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package bulksign contains the coordination layer for signing a large set
// of records with a small pool of exclusive signing keys.
//
// Two shared resources are contended by many independent workers:
//   - a ClaimQueue, which hands out disjoint batches of unsigned records and
//     commits their signatures back atomically, and
//   - a KeyPool, which leases each signing key to at most one worker at a time.
//
// Backends live in the inmem, sqlite and postgres subpackages, and the
// conformance subpackage holds the suite every backend must pass.
package bulksign
