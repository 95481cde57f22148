/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package local

import (
	"context"
	"errors"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	ctx := context.Background()
	c, err := New("")
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	key, err := c.Provision(ctx, "signing_key_0")
	if err != nil {
		t.Fatalf("Provision() = %v", err)
	}
	if key.ID != "local/signing_key_0" {
		t.Errorf("Provision() id = %q", key.ID)
	}

	sig, err := c.Sign(ctx, key.ID, []byte("payload"))
	if err != nil {
		t.Fatalf("Sign() = %v", err)
	}
	if err := c.Verify(ctx, key.ID, []byte("payload"), sig); err != nil {
		t.Errorf("Verify() = %v", err)
	}
	if err := c.Verify(ctx, key.ID, []byte("other"), sig); err == nil {
		t.Error("Verify(other payload) = nil, want error")
	}

	if _, err := c.Sign(ctx, "local/missing", []byte("payload")); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Sign(missing) = %v, want ErrUnknownKey", err)
	}
	if _, err := c.Sign(ctx, "projects/x", []byte("payload")); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Sign(foreign id) = %v, want ErrUnknownKey", err)
	}
	if _, err := c.Provision(ctx, "../escape"); err == nil {
		t.Error("Provision(../escape) = nil, want error")
	}
}

func TestKeysSurviveAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := New(dir)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	key, err := first.Provision(ctx, "signing_key_0")
	if err != nil {
		t.Fatalf("Provision() = %v", err)
	}
	sig, err := first.Sign(ctx, key.ID, []byte("payload"))
	if err != nil {
		t.Fatalf("Sign() = %v", err)
	}

	second, err := New(dir)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := second.Verify(ctx, key.ID, []byte("payload"), sig); err != nil {
		t.Errorf("Verify() with reloaded key = %v", err)
	}
	// Provisioning again keeps the existing key.
	if _, err := second.Provision(ctx, "signing_key_0"); err != nil {
		t.Fatalf("Provision(again) = %v", err)
	}
	if err := second.Verify(ctx, key.ID, []byte("payload"), sig); err != nil {
		t.Errorf("Verify() after reprovision = %v", err)
	}
}
