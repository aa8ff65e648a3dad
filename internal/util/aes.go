package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// AESKeySize is the key size for record sealing (AES-256).
	AESKeySize = 32

	// WireKeySize and WireNonceSize are the parameters of the pairing
	// wire format: AES-128 with a KDF-derived 16-byte nonce and a
	// 16-byte tag appended to the ciphertext.
	WireKeySize   = 16
	WireNonceSize = 16
	WireTagSize   = 16
)

// EncryptAESWithAAD seals plaintext under a random nonce and returns
// nonce || ciphertext. Used for at-rest record sealing.
func EncryptAESWithAAD(plainText, rawKey, aad []byte) ([]byte, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}

	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plainText, aad), nil
}

// DecryptAESWithAAD opens nonce || ciphertext produced by EncryptAESWithAAD.
func DecryptAESWithAAD(cipherText, rawKey, aad []byte) ([]byte, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}

	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if len(cipherText) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce size")
	}

	nonce, cipherText := cipherText[:gcm.NonceSize()], cipherText[gcm.NonceSize():]

	plainText, err := gcm.Open(nil, nonce, cipherText, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}

	return plainText, nil
}

// SealWire encrypts plaintext with an explicit 16-byte key and nonce and
// returns ciphertext || tag. The nonce is derived from a key exchange and
// never repeats for a given key, so it is supplied by the caller instead
// of being drawn from the random source.
func SealWire(plainText, key, nonce, aad []byte) ([]byte, error) {
	gcm, err := wireAEAD(key, len(nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plainText, aad), nil
}

// OpenWire decrypts ciphertext || tag produced by SealWire.
func OpenWire(cipherText, key, nonce, aad []byte) ([]byte, error) {
	gcm, err := wireAEAD(key, len(nonce))
	if err != nil {
		return nil, err
	}
	plainText, err := gcm.Open(nil, nonce, cipherText, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}

func wireAEAD(key []byte, nonceSize int) (cipher.AEAD, error) {
	if len(key) != WireKeySize {
		return nil, fmt.Errorf("invalid wire key size: got %d, want %d", len(key), WireKeySize)
	}
	if nonceSize != WireNonceSize {
		return nil, fmt.Errorf("invalid wire nonce size: got %d, want %d", nonceSize, WireNonceSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, WireNonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// NewAESKey generates a random AES-256 record sealing key.
func NewAESKey() ([]byte, error) {
	rawKey := make([]byte, AESKeySize)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generating AES key: %w", err)
	}
	return rawKey, nil
}
