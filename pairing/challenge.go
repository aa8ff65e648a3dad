package pairing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/otpd/otpd/internal/util"
)

const chalHeaderLen = 5 // version:int8 user_token_id:uint32

// ChallengeParams describes one challenge message for a paired token.
type ChallengeParams struct {
	// ServerSecret is the long-term server secret for the token's
	// partition; ClientPublic the paired client long-term public key.
	ServerSecret [32]byte
	ClientPublic [32]byte

	UserTokenID   uint32
	ContentType   int8
	TransactionID uint64
	Message       string
	CallbackURL   string
	CallbackSMS   string

	// WithServerSignature adds the 32-byte server HMAC so the client
	// can authenticate the sender. Mandatory for pairing challenges.
	WithServerSignature bool

	TANLength int
	Scheme    string
}

// IssuedChallenge is the result of building a challenge: the URL to
// deliver out-of-band, and the signature/TAN the client is expected to
// answer with. The server persists the expectation with the challenge
// record; it is never sent to the client.
type IssuedChallenge struct {
	URL             string
	ClientSignature []byte
	TAN             string
}

// BuildChallenge encrypts a challenge for the paired client key:
//
//	header(version:int8 user_token_id:uint32) || R:32 || ciphertext || tag:16
//
// with plaintext
//
//	content_type:int8 flags:int8 transaction_id:uint64
//	[server_signature:32] message \0 [callback_url \0] [callback_sms \0]
//
// A fresh ephemeral key pair is generated per challenge; the AEAD key
// and nonce are derived from ECDH(ephemeral, clientPublic) via the same
// hash chain as the pairing response.
func BuildChallenge(p ChallengeParams) (*IssuedChallenge, error) {
	scheme := p.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}

	eph, err := util.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	defer util.WipeArray32(&eph.Private)

	shared, err := util.SharedSecret(eph.Private, p.ClientPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	defer util.WipeArray32(&shared)

	u1, u2 := util.WireKDF(shared)
	encKey := u1[:util.WireKeySize]
	sigKey := u2[:16]
	nonce := u2[16:32]

	header := make([]byte, chalHeaderLen)
	header[0] = QRTokenVersion
	binary.LittleEndian.PutUint32(header[1:], p.UserTokenID)

	var flags byte
	if p.WithServerSignature {
		flags |= FlagChalSrvSig
	}
	if p.CallbackURL != "" {
		flags |= FlagChalHaveURL
	}
	if p.CallbackSMS != "" {
		flags |= FlagChalHaveSMS
	}

	ptHeader := make([]byte, 10)
	ptHeader[0] = byte(p.ContentType)
	ptHeader[1] = flags
	binary.LittleEndian.PutUint64(ptHeader[2:], p.TransactionID)

	var data bytes.Buffer
	data.WriteString(p.Message)
	data.WriteByte(0)
	if flags&FlagChalHaveURL != 0 {
		data.WriteString(p.CallbackURL)
		data.WriteByte(0)
	}
	if flags&FlagChalHaveSMS != 0 {
		data.WriteString(p.CallbackSMS)
		data.WriteByte(0)
	}

	var serverSig []byte
	if p.WithServerSignature {
		longTerm, err := util.SharedSecret(p.ServerSecret, p.ClientPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
		}
		mac := hmac.New(sha256.New, longTerm[:])
		mac.Write(nonce)
		mac.Write(ptHeader)
		mac.Write(data.Bytes())
		serverSig = mac.Sum(nil)
		util.WipeArray32(&longTerm)
	}

	var plain bytes.Buffer
	plain.Write(ptHeader)
	plain.Write(serverSig)
	plain.Write(data.Bytes())

	sealed, err := util.SealWire(plain.Bytes(), encKey, nonce, header)
	if err != nil {
		return nil, fmt.Errorf("sealing challenge: %w", err)
	}

	var wire bytes.Buffer
	wire.Write(header)
	wire.Write(eph.Public[:])
	wire.Write(sealed)

	// The client signs nonce || header || server_signature || data with
	// U2[0:16]; the server stores the expectation to verify the answer.
	mac := hmac.New(sha256.New, sigKey)
	mac.Write(nonce)
	mac.Write(ptHeader)
	mac.Write(serverSig)
	mac.Write(data.Bytes())
	clientSig := mac.Sum(nil)

	return &IssuedChallenge{
		URL:             scheme + "://chal/" + util.EncodeBase64URL(wire.Bytes()),
		ClientSignature: clientSig,
		TAN:             ExtractTAN(clientSig, p.TANLength),
	}, nil
}
