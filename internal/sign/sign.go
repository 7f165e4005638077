// Package sign provides the signing collaborator spec.md §1 describes
// as "a one-line collaborator: sign(bytes) -> string, backed by an
// asymmetric keypair established elsewhere." Long-term keypair storage
// remains out of scope (spec.md §1, §9); this package only wraps an
// already-loaded private key, plus a Generate convenience for tests and
// standalone runs that don't have one yet, grounded in
// original_source/src/keys.rs's RsaPrivateKey::sign + base64::encode.
package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
)

// Signer signs a content digest, returning a base64-encoded signature
// (spec.md §3's FileHeader.signature).
type Signer interface {
	Sign(digest string) (string, error)
}

// RSA signs with PKCS#1v1.5 over a SHA-256 hash of the digest string,
// matching the original Rust implementation's PaddingScheme::PKCS1v15Sign.
type RSA struct {
	key *rsa.PrivateKey
}

// New wraps an already-loaded private key.
func New(key *rsa.PrivateKey) *RSA {
	return &RSA{key: key}
}

// Sign returns base64(PKCS1v15Sign(SHA256(digest))).
func (s *RSA) Sign(digest string) (string, error) {
	h := sha256.Sum256([]byte(digest))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, h[:])
	if err != nil {
		return "", errors.Wrap(err, "sign: pkcs1v15")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Generate creates a fresh 2048-bit RSA keypair, for tests and for
// cmd/mirra's "no key configured yet" bootstrap path. Persisting the
// generated key is the caller's responsibility and is not implemented
// here (keypair storage is out of scope, spec.md §1).
func Generate() (*RSA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "sign: generate key")
	}
	return New(key), nil
}
