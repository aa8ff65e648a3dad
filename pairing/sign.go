package pairing

import (
	"encoding/binary"
	"fmt"

	"github.com/otpd/otpd/internal/util"
)

// DefaultTANLength is the number of TAN digits derived from a client
// signature when the caller does not ask for a specific length.
const DefaultTANLength = 8

// ExtractTAN derives a numeric TAN from a client signature using
// HOTP-style dynamic truncation. Clients on channels that cannot carry
// the full signature answer with the TAN instead.
func ExtractTAN(sig []byte, digits int) string {
	if digits <= 0 {
		digits = DefaultTANLength
	}
	offset := sig[len(sig)-1] & 0x0f
	code := uint64(binary.BigEndian.Uint32(sig[offset:offset+4]) & 0x7fffffff)

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod)
}

// VerifyAnswer checks a client's answer to a challenge against the
// stored expectation. The answer is either the base64url-encoded
// signature or the truncated TAN; both comparisons are constant time.
func VerifyAnswer(answer string, expectedSig []byte, tanLength int) bool {
	if answer == "" || len(expectedSig) == 0 {
		return false
	}
	if util.ConstantTimeEqualString(answer, util.EncodeBase64URL(expectedSig)) {
		return true
	}
	return util.ConstantTimeEqualString(answer, ExtractTAN(expectedSig, tanLength))
}
