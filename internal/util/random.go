package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var serialChars = []rune("0123456789ABCDEF")

// RandomSerialSuffix returns n random hex characters for token serials.
func RandomSerialSuffix(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(serialChars))
		if err != nil {
			return "", fmt.Errorf("generating random serial char: %w", err)
		}
		sb.WriteRune(serialChars[idx])
	}
	return sb.String(), nil
}

// RandomDigits returns a decimal string of length n without a leading
// zero, suitable as a transaction id or an OCRA numeric question.
func RandomDigits(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		base := 10
		if i == 0 {
			base = 9
		}
		d, err := RandomIntn(base)
		if err != nil {
			return "", fmt.Errorf("generating random digit: %w", err)
		}
		if i == 0 {
			d++
		}
		sb.WriteByte(byte('0' + d))
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomUint32 returns a random pairing partition identifier.
func RandomUint32() (uint32, error) {
	b, err := RandomBytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
