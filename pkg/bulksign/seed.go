/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package bulksign

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

const (
	payloadAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// PayloadLength is the size of payloads generated by Seed.
	PayloadLength = 50

	// SeedChunkSize bounds how many records a backend inserts per statement
	// when seeding.
	SeedChunkSize = 1000
)

// RandomPayload returns a random alphanumeric payload of PayloadLength bytes.
func RandomPayload() ([]byte, error) {
	out := make([]byte, PayloadLength)
	limit := big.NewInt(int64(len(payloadAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("rand.Int() = %w", err)
		}
		out[i] = payloadAlphabet[n.Int64()]
	}
	return out, nil
}

// NewToken returns a fresh opaque token for claims and leases.
func NewToken() string {
	return uuid.NewString()
}
