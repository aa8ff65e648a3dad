// Package token implements the credential model: one enrolled token per
// record, polymorphic over token kinds behind a sealed capability
// interface. Counters and kind-specific key material live on the
// Credential; the Store persists it as a sealed record.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/internal/util"
)

var (
	// ErrUnknownKind is returned when a stored credential carries a kind
	// this build does not implement.
	ErrUnknownKind = errors.New("unknown token kind")

	// ErrNotPaired is returned when a challenge is requested for a QR
	// token that has not completed pairing.
	ErrNotPaired = errors.New("token is not paired")
)

// Kind is the closed set of token kinds. The strings are the enrollment
// type names and are part of the stored record format.
type Kind string

const (
	KindHOTP     Kind = "hmac"
	KindTOTP     Kind = "totp"
	KindOCRA2    Kind = "ocra2"
	KindPassword Kind = "pw"
	KindSPass    Kind = "spass"
	KindForward  Kind = "forward"
	KindRemote   Kind = "remote"
	KindRadius   Kind = "radius"
	KindQR       Kind = "qr"
)

// Status is the outcome of one capability check.
type Status int

const (
	StatusRejected Status = iota
	StatusAccepted
	StatusChallengeTriggered
)

// CheckResult is returned by every capability operation. Challenge is
// set only with StatusChallengeTriggered and describes the challenge
// the caller should create.
type CheckResult struct {
	Status    Status
	Challenge *challenge.Spec
}

// Rejected and Accepted are the common no-challenge results.
var (
	Rejected = CheckResult{Status: StatusRejected}
	Accepted = CheckResult{Status: StatusAccepted}
)

// Options carries opaque request-supplied context (signing data,
// challenge text overrides) through to the kind implementations.
type Options map[string]string

// Owner binds a credential to a directory identity. A nil Owner means
// the token is enrolled but unassigned.
type Owner struct {
	Login    string `json:"login,omitzero"`
	Realm    string `json:"realm,omitzero"`
	UID      string `json:"uid,omitzero"`
	Resolver string `json:"resolver,omitzero"`
}

// OTPConfig is the shared counter/time OTP configuration for the HOTP,
// TOTP and OCRA2 kinds.
type OTPConfig struct {
	Key     []byte `json:"key,omitzero"`
	Counter uint64 `json:"counter,omitzero"`
	Digits  int    `json:"digits,omitzero"`
	Hash    string `json:"hash,omitzero"` // sha1, sha256, sha512

	// Window is the verification lookahead in counter steps; SyncWindow
	// bounds the resync search.
	Window     int `json:"window,omitzero"`
	SyncWindow int `json:"sync_window,omitzero"`

	// TOTP only.
	Period    int `json:"period,omitzero"`     // seconds, default 30
	TimeShift int `json:"time_shift,omitzero"` // seconds, signed

	// OCRA2 only.
	Suite string `json:"suite,omitzero"`
}

// ForwardConfig configures the proxying kinds. Exactly one target is
// set depending on the kind.
type ForwardConfig struct {
	TargetSerial string `json:"target_serial,omitzero"` // forward
	TargetURL    string `json:"target_url,omitzero"`    // remote
	RadiusServer string `json:"radius_server,omitzero"` // radius
	RadiusSecret string `json:"radius_secret,omitzero"`

	// LocalCheckPIN keeps PIN verification local and forwards only the
	// OTP part; otherwise the full secret is forwarded.
	LocalCheckPIN bool `json:"local_checkpin,omitzero"`
}

// PairingState is the per-token key material of the QR kind. The server
// key pair is generated at enrollment; the client key arrives with the
// first successful pairing response.
type PairingState struct {
	Partition       uint32   `json:"partition,omitzero"`
	ServerSecretKey [32]byte `json:"server_secret_key,omitzero"`
	ServerPublicKey [32]byte `json:"server_public_key,omitzero"`

	Paired          bool     `json:"paired,omitzero"`
	ClientPublicKey [32]byte `json:"client_public_key,omitzero"`
	UserTokenID     uint32   `json:"user_token_id,omitzero"`

	CallbackURL string `json:"callback_url,omitzero"`
	CallbackSMS string `json:"callback_sms,omitzero"`
	TANLength   int    `json:"tan_length,omitzero"`

	// ConsumedDigest is the digest of the last consumed pairing
	// response, kept to reject replays.
	ConsumedDigest []byte `json:"consumed_digest,omitzero"`
}

// Credential is one enrolled token.
type Credential struct {
	Serial string `json:"serial"`
	Kind   Kind   `json:"kind"`

	// PIN is stored NFKD-normalized; SetPIN normalizes.
	PIN string `json:"pin,omitzero"`

	Owner  *Owner   `json:"owner,omitzero"`
	Realms []string `json:"realms,omitzero"`

	FailCount    int `json:"fail_count,omitzero"`
	FailCountMax int `json:"fail_count_max,omitzero"`

	CountAuth           int `json:"count_auth,omitzero"`
	CountAuthMax        int `json:"count_auth_max,omitzero"`
	CountAuthSuccess    int `json:"count_auth_success,omitzero"`
	CountAuthSuccessMax int `json:"count_auth_success_max,omitzero"`

	ValidFrom  *time.Time `json:"valid_from,omitzero"`
	ValidUntil *time.Time `json:"valid_until,omitzero"`
	Enabled    bool       `json:"enabled"`

	// Secret is the stored password of the pw kind.
	Secret []byte `json:"secret,omitzero"`

	OTP     *OTPConfig     `json:"otp,omitzero"`
	Forward *ForwardConfig `json:"forward,omitzero"`
	Pairing *PairingState  `json:"pairing,omitzero"`

	Ver int `json:"ver,omitzero"`
}

// SetPIN stores the PIN in normalized form.
func (c *Credential) SetPIN(pin string) {
	c.PIN = util.Normalize(pin)
}

// MatchesPIN compares a presented PIN in constant time after
// normalization.
func (c *Credential) MatchesPIN(presented string) bool {
	return util.ConstantTimeEqualString(util.Normalize(presented), c.PIN)
}

// DelegatesPIN reports whether PIN verification belongs to the proxy
// target rather than this server. The full presented secret is then
// forwarded untouched.
func (c *Credential) DelegatesPIN() bool {
	switch c.Kind {
	case KindForward, KindRemote, KindRadius:
		return c.Forward != nil && !c.Forward.LocalCheckPIN
	}
	return false
}

// Active reports whether the token may authenticate at all: enabled and
// inside its validity window.
func (c *Credential) Active(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	return true
}

// FailCountExceeded reports whether the token is locked out. The fail
// counter keeps incrementing past the maximum; an otherwise correct OTP
// is still rejected once the maximum is reached.
func (c *Credential) FailCountExceeded() bool {
	return c.FailCountMax > 0 && c.FailCount >= c.FailCountMax
}

// AuthCountExhausted reports whether one of the hard usage ceilings is
// reached. Checked before a success is credited.
func (c *Credential) AuthCountExhausted() bool {
	if c.CountAuthMax > 0 && c.CountAuth >= c.CountAuthMax {
		return true
	}
	if c.CountAuthSuccessMax > 0 && c.CountAuthSuccess >= c.CountAuthSuccessMax {
		return true
	}
	return false
}

// RemoteAuthenticator is the collaborator the remote and radius kinds
// delegate to. Unreachability must surface as an error, never as a
// rejected result.
type RemoteAuthenticator interface {
	Authenticate(ctx context.Context, target, secret string, opts Options) (bool, error)
}

// LocalAuthenticator checks a secret against another locally enrolled
// token, used by the forward kind.
type LocalAuthenticator interface {
	CheckSerial(ctx context.Context, serial, secret string) (bool, error)
}

// Deps carries the collaborators a Checker may need. Kinds ignore what
// they do not use.
type Deps struct {
	Remote RemoteAuthenticator
	Local  LocalAuthenticator

	// Now overrides the clock for the time-based kinds. Nil means
	// time.Now.
	Now func() time.Time
}

// Checker is the capability interface every kind implements. A Checker
// wraps one Credential and mutates it in place; the caller persists the
// credential afterwards.
type Checker interface {
	// Authenticate performs a direct check of the OTP part of a secret
	// (the PIN is already stripped or verified by the caller).
	Authenticate(ctx context.Context, otp string, opts Options) (CheckResult, error)

	// VerifyChallengeResponse checks a response against an open
	// challenge previously created from a ChallengeTriggered result.
	VerifyChallengeResponse(ctx context.Context, ch *challenge.Challenge, response string) (CheckResult, error)
}

// Resyncer is implemented by the counter and time based kinds.
type Resyncer interface {
	// Resync re-aligns the verification window from two consecutive
	// OTPs. On success the internal counter lands one past the second
	// OTP's position.
	Resync(otp1, otp2 string) bool
}

// NewChecker selects the kind implementation for a credential. The kind
// set is closed; credentials with an unknown kind fail at load time,
// not at check time.
func NewChecker(c *Credential, deps Deps) (Checker, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	switch c.Kind {
	case KindHOTP:
		return &hotpChecker{cred: c}, nil
	case KindTOTP:
		return &totpChecker{cred: c, now: now}, nil
	case KindOCRA2:
		return newOCRAChecker(c)
	case KindPassword:
		return &passwordChecker{cred: c}, nil
	case KindSPass:
		return &spassChecker{cred: c}, nil
	case KindForward:
		return &forwardChecker{cred: c, local: deps.Local}, nil
	case KindRemote, KindRadius:
		return &remoteChecker{cred: c, remote: deps.Remote}, nil
	case KindQR:
		return &qrChecker{cred: c}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
}
