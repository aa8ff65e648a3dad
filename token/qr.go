package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/internal/util"
	"github.com/otpd/otpd/pairing"
)

var (
	// ErrPairingReplay is returned when an already consumed pairing
	// response is presented again.
	ErrPairingReplay = errors.New("pairing response replayed")

	// ErrPairingMismatch is returned when a pairing response decrypts
	// but names a different serial or token type.
	ErrPairingMismatch = errors.New("pairing response does not match token")
)

// InitPairing generates the server key pair and partition for a freshly
// enrolled QR token. Called once at enrollment.
func InitPairing(c *Credential) error {
	keys, err := util.GenerateX25519Keypair()
	if err != nil {
		return fmt.Errorf("generating server key pair: %w", err)
	}
	partition, err := util.RandomUint32()
	if err != nil {
		return fmt.Errorf("generating partition: %w", err)
	}
	c.Pairing = &PairingState{
		Partition:       partition,
		ServerSecretKey: keys.Private,
		ServerPublicKey: keys.Public,
	}
	return nil
}

// PairingURL renders the enrollment payload the client scans.
func PairingURL(c *Credential, scheme string) (string, error) {
	if c.Pairing == nil {
		return "", ErrNotPaired
	}
	return pairing.BuildPairingURL(pairing.URLParams{
		ServerPublicKey: c.Pairing.ServerPublicKey,
		Partition:       c.Pairing.Partition,
		Serial:          c.Serial,
		CallbackURL:     c.Pairing.CallbackURL,
		CallbackSMS:     c.Pairing.CallbackSMS,
		Scheme:          scheme,
	})
}

// FinishPairing consumes a pairing response. Re-pairing replaces the
// client key; replaying the exact response that completed a previous
// pairing fails.
func FinishPairing(c *Credential, env *pairing.ResponseEnvelope) error {
	p := c.Pairing
	if p == nil || env.Partition != p.Partition {
		return ErrPairingMismatch
	}
	if bytes.Equal(p.ConsumedDigest, env.Digest[:]) {
		return ErrPairingReplay
	}

	resp, err := env.Decrypt(p.ServerSecretKey)
	if err != nil {
		return err
	}
	if resp.TokenType != pairing.TypeQRToken || resp.Serial != c.Serial {
		return ErrPairingMismatch
	}

	p.Paired = true
	p.ClientPublicKey = resp.ClientPublicKey
	p.UserTokenID = resp.UserTokenID
	p.ConsumedDigest = util.CopyBytes(env.Digest[:])
	return nil
}

// Unpair clears the paired client key. The server key pair stays so the
// token can be paired again.
func Unpair(c *Credential) {
	if c.Pairing == nil {
		return
	}
	c.Pairing.Paired = false
	c.Pairing.ClientPublicKey = [32]byte{}
	c.Pairing.UserTokenID = 0
	c.Pairing.ConsumedDigest = nil
}

// ComposeQRChallenge builds the encrypted challenge URL once the store
// has assigned a transaction id, and returns the expected answer. The
// caller stores the signature with the challenge record.
func ComposeQRChallenge(c *Credential, ch *challenge.Challenge, scheme string) (*pairing.IssuedChallenge, error) {
	p := c.Pairing
	if p == nil || !p.Paired {
		return nil, ErrNotPaired
	}
	txid, err := challenge.IDToUint64(ch.TransactionID)
	if err != nil {
		return nil, err
	}
	return pairing.BuildChallenge(pairing.ChallengeParams{
		ServerSecret:        p.ServerSecretKey,
		ClientPublic:        p.ClientPublicKey,
		UserTokenID:         p.UserTokenID,
		ContentType:         int8(ch.ContentType),
		TransactionID:       txid,
		Message:             ch.Message,
		CallbackURL:         p.CallbackURL,
		CallbackSMS:         p.CallbackSMS,
		WithServerSignature: true,
		TANLength:           p.TANLength,
		Scheme:              scheme,
	})
}

// qrChecker is challenge-only: a direct check triggers a challenge, and
// the response is the client signature or its TAN.
type qrChecker struct {
	cred *Credential
}

func (q *qrChecker) Authenticate(_ context.Context, _ string, opts Options) (CheckResult, error) {
	p := q.cred.Pairing
	if p == nil || !p.Paired {
		return Rejected, ErrNotPaired
	}

	message := "Please confirm the authentication"
	if opts != nil && opts["data"] != "" {
		message = opts["data"]
	}

	return CheckResult{
		Status: StatusChallengeTriggered,
		Challenge: &challenge.Spec{
			TokenSerial: q.cred.Serial,
			ContentType: challenge.ContentTypeAuth,
			Message:     message,
			Options:     opts,
		},
	}, nil
}

func (q *qrChecker) VerifyChallengeResponse(_ context.Context, ch *challenge.Challenge, response string) (CheckResult, error) {
	encoded := ch.Data["signature"]
	if encoded == "" {
		return Rejected, nil
	}
	expected, err := util.DecodeBase64URL(encoded)
	if err != nil {
		return Rejected, fmt.Errorf("stored challenge signature: %w", err)
	}
	if pairing.VerifyAnswer(response, expected, q.cred.Pairing.TANLength) {
		return Accepted, nil
	}
	return Rejected, nil
}
