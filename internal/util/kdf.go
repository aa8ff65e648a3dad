package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF derives a 32-byte key from seed, salt and info using HKDF-SHA256.
func HKDF(seed []byte, salt []byte, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// WireKDF is the hash chain used by the pairing wire format. From a
// Diffie-Hellman shared secret it yields two digests:
//
//	U1 = SHA256(shared)
//	U2 = SHA256(U1)
//
// The encryption key is U1[0:16], the signing key U2[0:16] and the
// nonce U2[16:32]. This chain must stay stable across protocol versions
// or deployed clients can no longer decrypt challenges.
func WireKDF(shared [32]byte) (u1, u2 [32]byte) {
	u1 = sha256.Sum256(shared[:])
	u2 = sha256.Sum256(u1[:])
	return u1, u2
}
