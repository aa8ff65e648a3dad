package token

import (
	"context"

	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/internal/util"
)

// passwordChecker compares the presented value against the stored
// static secret.
type passwordChecker struct {
	cred *Credential
}

func (p *passwordChecker) Authenticate(_ context.Context, otp string, _ Options) (CheckResult, error) {
	if util.ConstantTimeEqual([]byte(util.Normalize(otp)), p.cred.Secret) {
		return Accepted, nil
	}
	return Rejected, nil
}

func (p *passwordChecker) VerifyChallengeResponse(ctx context.Context, _ *challenge.Challenge, response string) (CheckResult, error) {
	return p.Authenticate(ctx, response, nil)
}

// spassChecker accepts once the PIN has matched; the token has no OTP
// part of its own.
type spassChecker struct {
	cred *Credential
}

func (s *spassChecker) Authenticate(_ context.Context, otp string, _ Options) (CheckResult, error) {
	if otp != "" {
		return Rejected, nil
	}
	return Accepted, nil
}

func (s *spassChecker) VerifyChallengeResponse(ctx context.Context, _ *challenge.Challenge, response string) (CheckResult, error) {
	return s.Authenticate(ctx, response, nil)
}
