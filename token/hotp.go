package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/internal/util"
)

// Defaults applied when the stored OTP config leaves a field zero.
const (
	defaultDigits     = 6
	defaultWindow     = 10
	defaultSyncWindow = 100
)

func hashFunc(name string) func() hash.Hash {
	switch name {
	case "sha256":
		return sha256.New
	case "sha512":
		return sha512.New
	default:
		return sha1.New
	}
}

// hotpCode computes the RFC 4226 value for one counter position.
func hotpCode(key []byte, counter uint64, digits int, hashName string) string {
	mac := hmac.New(hashFunc(hashName), key)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := uint64(binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff)

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod)
}

func (o *OTPConfig) digits() int {
	if o.Digits > 0 {
		return o.Digits
	}
	return defaultDigits
}

func (o *OTPConfig) window() int {
	if o.Window > 0 {
		return o.Window
	}
	return defaultWindow
}

func (o *OTPConfig) syncWindow() int {
	if o.SyncWindow > 0 {
		return o.SyncWindow
	}
	return defaultSyncWindow
}

// findCounter searches [from, from+window) for a counter whose value
// matches the presented OTP. Returns the matched counter and true.
func (o *OTPConfig) findCounter(otp string, from uint64, window int) (uint64, bool) {
	for i := 0; i < window; i++ {
		candidate := from + uint64(i)
		if util.ConstantTimeEqualString(otp, hotpCode(o.Key, candidate, o.digits(), o.Hash)) {
			return candidate, true
		}
	}
	return 0, false
}

// hotpChecker verifies event-based OTPs against a lookahead window.
// The counter only moves forward: after a match at position n the
// stored counter becomes n+1, so replaying an older in-window OTP
// fails.
type hotpChecker struct {
	cred *Credential
}

func (h *hotpChecker) Authenticate(_ context.Context, otp string, _ Options) (CheckResult, error) {
	o := h.cred.OTP
	matched, ok := o.findCounter(otp, o.Counter, o.window())
	if !ok {
		return Rejected, nil
	}
	o.Counter = matched + 1
	return Accepted, nil
}

func (h *hotpChecker) VerifyChallengeResponse(ctx context.Context, _ *challenge.Challenge, response string) (CheckResult, error) {
	return h.Authenticate(ctx, response, nil)
}

func (h *hotpChecker) Resync(otp1, otp2 string) bool {
	o := h.cred.OTP
	c1, ok := o.findCounter(otp1, o.Counter, o.syncWindow())
	if !ok {
		return false
	}
	// The two OTPs must sit at consecutive positions; a second match
	// anywhere else in the window is not good enough.
	if !util.ConstantTimeEqualString(otp2, hotpCode(o.Key, c1+1, o.digits(), o.Hash)) {
		return false
	}
	o.Counter = c1 + 2
	return true
}
