package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/otpd/otpd/internal/audit"
	"github.com/otpd/otpd/internal/util"
	"github.com/otpd/otpd/pairing"
	"github.com/otpd/otpd/token"
)

// ErrNotResyncable is returned when resync is requested for a kind
// without a counter window.
var ErrNotResyncable = errors.New("token kind cannot be resynced")

// EnrollRequest describes a token to enroll. Serial is optional; a
// kind-prefixed random serial is generated when empty.
type EnrollRequest struct {
	Kind   token.Kind
	Serial string
	PIN    string

	Login    string
	Realm    string
	UID      string
	Resolver string

	// KeyHex seeds OTP kinds; a random key is generated when empty.
	KeyHex string
	Digits int
	Suite  string

	FailCountMax int
}

// EnrollResult reports what was created. PairingURL is set for QR
// tokens and must be delivered to the client out of band.
type EnrollResult struct {
	Serial     string
	PairingURL string
}

var serialPrefixes = map[token.Kind]string{
	token.KindHOTP:     "OATH",
	token.KindTOTP:     "TOTP",
	token.KindOCRA2:    "OCRA",
	token.KindPassword: "PW",
	token.KindSPass:    "SP",
	token.KindForward:  "FWD",
	token.KindRemote:   "RMT",
	token.KindRadius:   "RAD",
	token.KindQR:       "LSQR",
}

// Enroll creates a credential. QR tokens get their server key pair and
// pairing URL here; counter kinds get a random HMAC key unless one is
// supplied.
func (h *Handler) Enroll(_ context.Context, req EnrollRequest) (res *EnrollResult, err error) {
	ev := audit.New("enroll")
	ev.Login, ev.Realm = req.Login, req.Realm
	defer func() {
		ev.Outcome = "created"
		if err != nil {
			ev.Outcome = "error"
			ev.Error = err.Error()
		} else {
			ev.Serial = res.Serial
		}
		h.auditor.Emit(ev)
	}()

	prefix, ok := serialPrefixes[req.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", token.ErrUnknownKind, req.Kind)
	}

	serial := req.Serial
	if serial == "" {
		suffix, err := util.RandomSerialSuffix(8)
		if err != nil {
			return nil, err
		}
		serial = prefix + strings.ToUpper(suffix)
	}

	cred := &token.Credential{
		Serial:       serial,
		Kind:         req.Kind,
		Enabled:      true,
		FailCountMax: req.FailCountMax,
		Ver:          1,
	}
	cred.SetPIN(req.PIN)
	if req.Login != "" {
		cred.Owner = &token.Owner{
			Login:    req.Login,
			Realm:    req.Realm,
			UID:      req.UID,
			Resolver: req.Resolver,
		}
		if req.Realm != "" {
			cred.Realms = []string{req.Realm}
		}
	}

	switch req.Kind {
	case token.KindHOTP, token.KindTOTP, token.KindOCRA2:
		key, err := otpKey(req.KeyHex)
		if err != nil {
			return nil, err
		}
		cred.OTP = &token.OTPConfig{Key: key, Digits: req.Digits, Suite: req.Suite}
		if req.Kind == token.KindOCRA2 {
			if _, err := token.NewChecker(cred, token.Deps{}); err != nil {
				return nil, err
			}
		}
	case token.KindQR:
		if err := token.InitPairing(cred); err != nil {
			return nil, err
		}
		cred.Pairing.CallbackURL = h.cfg.CallbackURL
		cred.Pairing.CallbackSMS = h.cfg.CallbackSMS
		cred.Pairing.TANLength = h.cfg.TANLength
	}

	if err := h.tokens.Create(cred); err != nil {
		return nil, err
	}

	res = &EnrollResult{Serial: serial}
	if req.Kind == token.KindQR {
		url, err := token.PairingURL(cred, h.cfg.PairingScheme)
		if err != nil {
			return nil, err
		}
		res.PairingURL = url
	}
	return res, nil
}

func otpKey(keyHex string) ([]byte, error) {
	if keyHex == "" {
		return util.RandomBytes(20)
	}
	key, err := util.HexDecode(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding otp key: %w", err)
	}
	return key, nil
}

// Pair consumes a base64url pairing response: the partition in its
// clear header routes it to the matching QR token, whose server secret
// decrypts the body.
func (h *Handler) Pair(_ context.Context, encodedResponse string) (err error) {
	ev := audit.New("pair")
	defer func() {
		ev.Outcome = "paired"
		if err != nil {
			ev.Outcome = "rejected"
			ev.Error = err.Error()
		}
		h.auditor.Emit(ev)
	}()

	env, err := pairing.ParseResponse(encodedResponse)
	if err != nil {
		return err
	}

	cred, err := h.tokens.FindByPartition(env.Partition)
	if err != nil {
		return fmt.Errorf("%w: no token for partition", pairing.ErrMalformedData)
	}
	ev.Serial = cred.Serial

	return h.tokens.Update(cred.Serial, func(c *token.Credential) error {
		return token.FinishPairing(c, env)
	})
}

// Resync re-aligns a counter or time window from two consecutive OTPs.
func (h *Handler) Resync(_ context.Context, serial, otp1, otp2 string) (ok bool, err error) {
	ev := audit.New("resync")
	ev.Serial = serial
	defer func() {
		ev.Outcome = "failed"
		if ok {
			ev.Outcome = "resynced"
		}
		if err != nil {
			ev.Outcome = "error"
			ev.Error = err.Error()
		}
		h.auditor.Emit(ev)
	}()

	err = h.tokens.Update(serial, func(c *token.Credential) error {
		checker, err := token.NewChecker(c, h.deps())
		if err != nil {
			return err
		}
		rs, can := checker.(token.Resyncer)
		if !can {
			return fmt.Errorf("%w: %s", ErrNotResyncable, c.Kind)
		}
		ok = rs.Resync(otp1, otp2)
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Unpair clears a QR token's client key. Privileged operation.
func (h *Handler) Unpair(_ context.Context, serial string) (err error) {
	ev := audit.New("unpair")
	ev.Serial = serial
	defer func() {
		ev.Outcome = "unpaired"
		if err != nil {
			ev.Outcome = "error"
			ev.Error = err.Error()
		}
		h.auditor.Emit(ev)
	}()

	return h.tokens.Update(serial, func(c *token.Credential) error {
		if c.Kind != token.KindQR {
			return fmt.Errorf("%w: %q", token.ErrUnknownKind, c.Kind)
		}
		token.Unpair(c)
		return nil
	})
}
