package token

import (
	"context"
	"time"

	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/internal/util"
)

const defaultPeriod = 30

func (o *OTPConfig) period() int {
	if o.Period > 0 {
		return o.Period
	}
	return defaultPeriod
}

// timeStep maps a wall-clock instant to a counter position, applying
// the configured shift.
func (o *OTPConfig) timeStep(now time.Time) uint64 {
	t := now.Unix() + int64(o.TimeShift)
	if t < 0 {
		return 0
	}
	return uint64(t) / uint64(o.period())
}

// totpChecker verifies time-based OTPs in a window around the current
// step. Counter records the last consumed step plus one, so an OTP
// can be used once even when the window would still cover it.
type totpChecker struct {
	cred *Credential
	now  func() time.Time
}

func (t *totpChecker) Authenticate(_ context.Context, otp string, _ Options) (CheckResult, error) {
	o := t.cred.OTP
	step := o.timeStep(t.now())
	w := uint64(o.window())

	from := uint64(0)
	if step > w {
		from = step - w
	}
	if from < o.Counter {
		from = o.Counter
	}
	if from > step+w {
		// Counter is already past the whole window, which happens when
		// the clock moved backwards after a success.
		return Rejected, nil
	}

	matched, ok := o.findCounter(otp, from, int(step+w-from)+1)
	if !ok {
		return Rejected, nil
	}
	o.Counter = matched + 1
	return Accepted, nil
}

func (t *totpChecker) VerifyChallengeResponse(ctx context.Context, _ *challenge.Challenge, response string) (CheckResult, error) {
	return t.Authenticate(ctx, response, nil)
}

// Resync accepts two OTPs from consecutive steps anywhere inside the
// sync window around the current time and re-centers the shift so the
// second OTP's step corresponds to now.
func (t *totpChecker) Resync(otp1, otp2 string) bool {
	o := t.cred.OTP
	step := o.timeStep(t.now())
	sw := uint64(o.syncWindow())

	from := uint64(0)
	if step > sw {
		from = step - sw
	}

	c1, ok := o.findCounter(otp1, from, int(step+sw-from)+1)
	if !ok {
		return false
	}
	if !util.ConstantTimeEqualString(otp2, hotpCode(o.Key, c1+1, o.digits(), o.Hash)) {
		return false
	}
	o.TimeShift += int(int64(c1+1)-int64(step)) * o.period()
	o.Counter = c1 + 2
	return true
}
