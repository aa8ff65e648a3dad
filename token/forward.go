package token

import (
	"context"
	"fmt"

	"github.com/otpd/otpd/challenge"
)

// ErrNoAuthenticator is returned when a proxying credential is checked
// without its collaborator wired in.
var ErrNoAuthenticator = fmt.Errorf("no authenticator configured for proxy token")

// forwardChecker delegates the OTP check to another locally enrolled
// token. A failure of the target lookup is an error, not a rejection.
type forwardChecker struct {
	cred  *Credential
	local LocalAuthenticator
}

func (f *forwardChecker) Authenticate(ctx context.Context, otp string, _ Options) (CheckResult, error) {
	if f.local == nil {
		return Rejected, ErrNoAuthenticator
	}
	ok, err := f.local.CheckSerial(ctx, f.cred.Forward.TargetSerial, otp)
	if err != nil {
		return Rejected, fmt.Errorf("forward target %s: %w", f.cred.Forward.TargetSerial, err)
	}
	if ok {
		return Accepted, nil
	}
	return Rejected, nil
}

func (f *forwardChecker) VerifyChallengeResponse(ctx context.Context, _ *challenge.Challenge, response string) (CheckResult, error) {
	return f.Authenticate(ctx, response, nil)
}

// remoteChecker delegates to an external authentication service (the
// remote and radius kinds). Remote unreachability surfaces as an error
// so the caller reports it distinctly from a wrong credential.
type remoteChecker struct {
	cred   *Credential
	remote RemoteAuthenticator
}

func (r *remoteChecker) target() string {
	if r.cred.Kind == KindRadius {
		return r.cred.Forward.RadiusServer
	}
	return r.cred.Forward.TargetURL
}

func (r *remoteChecker) Authenticate(ctx context.Context, otp string, opts Options) (CheckResult, error) {
	if r.remote == nil {
		return Rejected, ErrNoAuthenticator
	}
	ok, err := r.remote.Authenticate(ctx, r.target(), otp, opts)
	if err != nil {
		return Rejected, fmt.Errorf("remote %s: %w", r.target(), err)
	}
	if ok {
		return Accepted, nil
	}
	return Rejected, nil
}

func (r *remoteChecker) VerifyChallengeResponse(ctx context.Context, _ *challenge.Challenge, response string) (CheckResult, error) {
	return r.Authenticate(ctx, response, nil)
}
