/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package inmem

import (
	"testing"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign/conformance"
)

func TestClaimQueue(t *testing.T) {
	conformance.TestClaimQueue(t, NewRecordStore)
}

func TestKeyPool(t *testing.T) {
	conformance.TestKeyPool(t, NewKeyPool)
}

func TestConcurrency(t *testing.T) {
	conformance.TestConcurrency(t, NewRecordStore, NewKeyPool)
}
