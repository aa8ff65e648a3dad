package token

import (
	"context"
	"crypto/hmac"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/internal/util"
)

// ErrBadSuite is returned for OCRA suites outside the supported subset.
var ErrBadSuite = errors.New("unsupported ocra suite")

// ocraSuite is the parsed form of suites like
// "OCRA-1:HOTP-SHA1-6:C-QN08". Supported data inputs are an optional
// counter and one numeric or alphanumeric question.
type ocraSuite struct {
	raw         string
	hash        string
	digits      int
	withCounter bool
	qType       byte // 'N' or 'A'
	qLen        int
}

func parseOCRASuite(raw string) (ocraSuite, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 || parts[0] != "OCRA-1" {
		return ocraSuite{}, fmt.Errorf("%w: %q", ErrBadSuite, raw)
	}

	crypto := strings.Split(parts[1], "-")
	if len(crypto) != 3 || crypto[0] != "HOTP" {
		return ocraSuite{}, fmt.Errorf("%w: %q", ErrBadSuite, raw)
	}
	digits, err := strconv.Atoi(crypto[2])
	if err != nil || digits < 4 || digits > 10 {
		return ocraSuite{}, fmt.Errorf("%w: bad digits in %q", ErrBadSuite, raw)
	}

	s := ocraSuite{raw: raw, digits: digits}
	switch crypto[1] {
	case "SHA1":
		s.hash = "sha1"
	case "SHA256":
		s.hash = "sha256"
	case "SHA512":
		s.hash = "sha512"
	default:
		return ocraSuite{}, fmt.Errorf("%w: hash in %q", ErrBadSuite, raw)
	}

	for _, in := range strings.Split(parts[2], "-") {
		switch {
		case in == "C" && s.qLen == 0:
			s.withCounter = true
		case len(in) == 4 && in[0] == 'Q' && (in[1] == 'N' || in[1] == 'A'):
			n, err := strconv.Atoi(in[2:])
			if err != nil || n < 4 || n > 64 {
				return ocraSuite{}, fmt.Errorf("%w: question in %q", ErrBadSuite, raw)
			}
			s.qType = in[1]
			s.qLen = n
		default:
			// Session, timestamp and PIN inputs are not supported.
			return ocraSuite{}, fmt.Errorf("%w: data input %q", ErrBadSuite, raw)
		}
	}
	if s.qLen == 0 {
		return ocraSuite{}, fmt.Errorf("%w: no question in %q", ErrBadSuite, raw)
	}
	return s, nil
}

// questionBytes encodes the question per RFC 6287: numeric questions as
// the big-endian bytes of the decimal value, alphanumeric as raw ASCII,
// both zero-padded on the right to 128 bytes.
func (s ocraSuite) questionBytes(question string) ([]byte, error) {
	buf := make([]byte, 128)
	switch s.qType {
	case 'N':
		n, err := numericQuestionBytes(question)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSuite, err)
		}
		copy(buf, n)
	default:
		copy(buf, question)
	}
	return buf, nil
}

// numericQuestionBytes converts a decimal question to the hex-nibble
// byte form RFC 6287 prescribes.
func numericQuestionBytes(dec string) ([]byte, error) {
	v, err := strconv.ParseUint(dec, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("non-numeric question: %w", err)
	}
	h := strconv.FormatUint(v, 16)
	if len(h)%2 == 1 {
		h += "0"
	}
	return hex.DecodeString(h)
}

// code computes the OCRA response for one counter position.
func (s ocraSuite) code(key []byte, counter uint64, question string) (string, error) {
	q, err := s.questionBytes(question)
	if err != nil {
		return "", err
	}

	mac := hmac.New(hashFunc(s.hash), key)
	mac.Write([]byte(s.raw))
	mac.Write([]byte{0})
	if s.withCounter {
		var c [8]byte
		binary.BigEndian.PutUint64(c[:], counter)
		mac.Write(c[:])
	}
	mac.Write(q)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := uint64(binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff)
	mod := uint64(1)
	for i := 0; i < s.digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", s.digits, code%mod), nil
}

// newQuestion generates a random question of the suite's type/length.
func (s ocraSuite) newQuestion() (string, error) {
	if s.qType == 'N' {
		return util.RandomDigits(s.qLen)
	}
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	raw, err := util.RandomBytes(s.qLen)
	if err != nil {
		return "", err
	}
	out := make([]byte, s.qLen)
	for i, b := range raw {
		out[i] = charset[int(b)%len(charset)]
	}
	return string(out), nil
}

// ocraChecker implements the challenge/response OCRA2 kind. A direct
// check never accepts; it issues a challenge carrying the question, and
// the response is verified against that question.
type ocraChecker struct {
	cred  *Credential
	suite ocraSuite
}

func newOCRAChecker(c *Credential) (*ocraChecker, error) {
	suite, err := parseOCRASuite(c.OTP.Suite)
	if err != nil {
		return nil, err
	}
	return &ocraChecker{cred: c, suite: suite}, nil
}

func (o *ocraChecker) Authenticate(_ context.Context, _ string, opts Options) (CheckResult, error) {
	question, err := o.suite.newQuestion()
	if err != nil {
		return Rejected, err
	}

	message := "Please answer the challenge"
	if opts != nil && opts["data"] != "" {
		message = opts["data"]
	}

	return CheckResult{
		Status: StatusChallengeTriggered,
		Challenge: &challenge.Spec{
			TokenSerial: o.cred.Serial,
			ContentType: challenge.ContentTypeAuth,
			Message:     message,
			Options:     opts,
			Data:        map[string]string{"question": question},
		},
	}, nil
}

func (o *ocraChecker) VerifyChallengeResponse(_ context.Context, ch *challenge.Challenge, response string) (CheckResult, error) {
	question := ch.Data["question"]
	if question == "" {
		return Rejected, nil
	}

	cfg := o.cred.OTP
	if !o.suite.withCounter {
		expected, err := o.suite.code(cfg.Key, 0, question)
		if err != nil {
			return Rejected, err
		}
		if util.ConstantTimeEqualString(response, expected) {
			return Accepted, nil
		}
		return Rejected, nil
	}

	// Counter-bound suites search the lookahead window and advance the
	// counter on a match, like HOTP.
	for i := 0; i < cfg.window(); i++ {
		candidate := cfg.Counter + uint64(i)
		expected, err := o.suite.code(cfg.Key, candidate, question)
		if err != nil {
			return Rejected, err
		}
		if util.ConstantTimeEqualString(response, expected) {
			cfg.Counter = candidate + 1
			return Accepted, nil
		}
	}
	return Rejected, nil
}
