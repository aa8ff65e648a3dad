// Package validate orchestrates validation requests end-to-end: it
// selects candidate credentials, applies the PIN policy, invokes the
// kind-specific check, creates and resolves challenges, and keeps the
// fail/usage counters consistent across all entry points.
package validate

import (
	"errors"
)

// ErrPolicyDenied is returned when the policy engine refuses the
// request. It short-circuits before any counter mutation.
var ErrPolicyDenied = errors.New("denied by policy")

// PINMode selects how the presented secret is split into PIN and OTP.
type PINMode int

const (
	// PINModeToken expects token PIN + OTP concatenated.
	PINModeToken PINMode = 0
	// PINModePassword expects directory password + OTP.
	PINModePassword PINMode = 1
	// PINModeNone expects the OTP alone.
	PINModeNone PINMode = 2
)

// PolicyContext describes the request a policy decision applies to.
type PolicyContext struct {
	Login  string
	Realm  string
	Serial string
	Client string
}

// Decision is a policy evaluation result. Value carries the setting for
// value-typed actions such as otppin.
type Decision struct {
	Allowed bool
	Value   string
}

// PolicyDecision is the external policy engine. Evaluate is called
// before any counter mutation; a denial must leave every counter
// untouched.
type PolicyDecision interface {
	Evaluate(scope, action string, pctx PolicyContext) (Decision, error)
}

// StaticPolicy is a PolicyDecision with fixed answers, the default when
// no policy engine is wired in.
type StaticPolicy struct {
	Deny     bool
	OTPPin   PINMode
	PassThru bool
}

func (p StaticPolicy) Evaluate(scope, action string, _ PolicyContext) (Decision, error) {
	switch action {
	case "authorize":
		return Decision{Allowed: !p.Deny}, nil
	case "otppin":
		return Decision{Allowed: true, Value: pinModeValue(p.OTPPin)}, nil
	case "passthru":
		return Decision{Allowed: p.PassThru}, nil
	default:
		return Decision{Allowed: true}, nil
	}
}

func pinModeValue(m PINMode) string {
	switch m {
	case PINModePassword:
		return "1"
	case PINModeNone:
		return "2"
	default:
		return "0"
	}
}

// Outcome is the aggregated result of one validation request.
type Outcome struct {
	Accepted bool

	// TokenUnavailable reports that every candidate token was disabled
	// or outside its validity window, so no credential was checked.
	TokenUnavailable bool

	// Serial names the token that decided the outcome, when one did.
	Serial string

	// TransactionID is the parent id of a pending challenge set;
	// TransactionIDs lists every created child.
	TransactionID  string
	TransactionIDs []string

	// Message is the challenge display message, if any.
	Message string

	// Challenges carries what the client needs to answer each pending
	// challenge, such as the OCRA question or the QR challenge URL.
	// Verification material like the expected signature never appears
	// here.
	Challenges []ChallengeInfo

	// FailCount reports the fail counter of the deciding token after
	// the request, for audit display.
	FailCount int
}

// ChallengeInfo is the client-facing part of one pending challenge.
type ChallengeInfo struct {
	TransactionID string
	Serial        string
	Data          map[string]string
}

// StatusReport describes the state of one challenge for polling
// clients. CheckStatus never consumes anything.
type StatusReport struct {
	TransactionID string `json:"transaction_id"`
	Serial        string `json:"serial"`
	State         string `json:"state"`
	Accepted      bool   `json:"accepted"`
}
