package util

import (
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD normalization. PINs are normalized before both
// storage and comparison so that composed and decomposed input match.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// EncodeBase64URL encodes wire payloads the way mobile clients expect:
// URL-safe alphabet, no padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
