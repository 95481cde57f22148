/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gcpkms keeps signing keys in Cloud KMS.  Payloads are signed with
// RSASSA-PKCS1-v1_5 over their SHA-256 digest.
package gcpkms

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chainguard-dev/bulk-signer/pkg/bulksign"
)

// Client is the subset of *kms.KeyManagementClient used here.
type Client interface {
	AsymmetricSign(context.Context, *kmspb.AsymmetricSignRequest, ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	CreateCryptoKey(context.Context, *kmspb.CreateCryptoKeyRequest, ...gax.CallOption) (*kmspb.CryptoKey, error)
	GetPublicKey(context.Context, *kmspb.GetPublicKeyRequest, ...gax.CallOption) (*kmspb.PublicKey, error)
}

// ErrIntegrity is returned when a response fails its CRC32C check.
var ErrIntegrity = errors.New("kms response failed integrity check")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32c(b []byte) int64 {
	return int64(crc32.Checksum(b, castagnoli))
}

// Custody signs with, and creates, keys in a single key ring.
type Custody struct {
	client  Client
	keyRing string

	// Public keys never change for a key version.
	pubs sync.Map // key id -> *rsa.PublicKey
}

// New returns a custodian for keyRing, which has the form
// projects/<p>/locations/<l>/keyRings/<r>.
func New(client Client, keyRing string) *Custody {
	return &Custody{client: client, keyRing: keyRing}
}

// KeyVersion is the handle of the first version of a crypto key.
func KeyVersion(cryptoKey string) string {
	return cryptoKey + "/cryptoKeyVersions/1"
}

// Provision implements custody.Provisioner.
func (c *Custody) Provision(ctx context.Context, alias string) (bulksign.SigningKey, error) {
	name := fmt.Sprintf("%s/cryptoKeys/%s", c.keyRing, alias)
	key, err := c.client.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      c.keyRing,
		CryptoKeyId: alias,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: kmspb.CryptoKey_ASYMMETRIC_SIGN,
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				Algorithm: kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256,
			},
			Labels: map[string]string{"alias": alias},
		},
	})
	switch {
	case status.Code(err) == codes.AlreadyExists:
	case err != nil:
		return bulksign.SigningKey{}, fmt.Errorf("CreateCryptoKey(%s) = %w", name, err)
	default:
		name = key.GetName()
	}
	return bulksign.SigningKey{ID: KeyVersion(name), Alias: alias}, nil
}

// Sign implements custody.Signer.
func (c *Custody) Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	resp, err := c.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         keyID,
		Digest:       &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest[:]}},
		DigestCrc32C: wrapperspb.Int64(crc32c(digest[:])),
	})
	if err != nil {
		return nil, fmt.Errorf("AsymmetricSign(%s) = %w", keyID, err)
	}
	if !resp.GetVerifiedDigestCrc32C() {
		return nil, fmt.Errorf("%s: request digest: %w", keyID, ErrIntegrity)
	}
	if resp.GetName() != keyID {
		return nil, fmt.Errorf("%s: response names %q: %w", keyID, resp.GetName(), ErrIntegrity)
	}
	if crc32c(resp.GetSignature()) != resp.GetSignatureCrc32C().GetValue() {
		return nil, fmt.Errorf("%s: signature: %w", keyID, ErrIntegrity)
	}
	return resp.GetSignature(), nil
}

// PublicKey fetches and caches the RSA public key of keyID.
func (c *Custody) PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if v, ok := c.pubs.Load(keyID); ok {
		return v.(*rsa.PublicKey), nil
	}
	resp, err := c.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: keyID})
	if err != nil {
		return nil, fmt.Errorf("GetPublicKey(%s) = %w", keyID, err)
	}
	if crc32c([]byte(resp.GetPem())) != resp.GetPemCrc32C().GetValue() {
		return nil, fmt.Errorf("%s: public key: %w", keyID, ErrIntegrity)
	}
	block, _ := pem.Decode([]byte(resp.GetPem()))
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data in public key", keyID)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA key: %T", keyID, parsed)
	}
	c.pubs.Store(keyID, pub)
	return pub, nil
}

// Verify implements custody.Verifier.
func (c *Custody) Verify(ctx context.Context, keyID string, payload, signature []byte) error {
	pub, err := c.PublicKey(ctx, keyID)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature)
}
