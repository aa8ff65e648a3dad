package pairing

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/otpd/otpd/internal/util"
)

const (
	responseHeaderLen = 5 // version:int8 partition:uint32
	responseMinLen    = responseHeaderLen + 32 + util.WireTagSize
)

// ResponseEnvelope is a parsed but not yet decrypted pairing response.
// The partition in the clear header selects the server key pair; the
// body can only be opened with the matching server secret.
type ResponseEnvelope struct {
	Version   int8
	Partition uint32

	header    []byte
	ephemeral [32]byte
	body      []byte

	// Digest identifies this exact response for replay detection.
	Digest [32]byte
}

// Response is the decrypted pairing response body.
type Response struct {
	TokenType       int8
	UserTokenID     uint32
	ClientPublicKey [32]byte
	Serial          string
}

// ParseResponse decodes the base64url pairing response wire form:
//
//	header(version:int8 partition:uint32) || R:32 || ciphertext || tag:16
func ParseResponse(encoded string) (*ResponseEnvelope, error) {
	raw, err := util.DecodeBase64URL(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	if len(raw) < responseMinLen {
		return nil, fmt.Errorf("%w: response too short (%d bytes)", ErrMalformedData, len(raw))
	}

	env := &ResponseEnvelope{
		Version: int8(raw[0]),
		header:  raw[:responseHeaderLen],
		body:    raw[responseHeaderLen+32:],
		Digest:  sha256.Sum256(raw),
	}
	env.Partition = binary.LittleEndian.Uint32(raw[1:responseHeaderLen])
	copy(env.ephemeral[:], raw[responseHeaderLen:responseHeaderLen+32])

	if env.Version != PairResponseVersion {
		return nil, fmt.Errorf("%w: unsupported response version %d", ErrMalformedData, env.Version)
	}
	return env, nil
}

// Decrypt opens the response body with the server secret key. The AEAD
// key and nonce come from the shared secret with the client's ephemeral
// key R:
//
//	shared = ECDH(serverSecret, R)
//	U1 = SHA256(shared); U2 = SHA256(U1)
//	key = U1[0:16]; nonce = U2[16:32]
//
// Body plaintext: token_type:int8 user_token_id:uint32
// client_public_key:32 serial \0\0.
func (e *ResponseEnvelope) Decrypt(serverSecret [32]byte) (*Response, error) {
	shared, err := util.SharedSecret(serverSecret, e.ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	defer util.WipeArray32(&shared)

	u1, u2 := util.WireKDF(shared)
	plain, err := util.OpenWire(e.body, u1[:util.WireKeySize], u2[16:32], e.header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	// type:1 + user_token_id:4 + pubkey:32 + at least "\x00\x00"
	if len(plain) < 39 {
		return nil, fmt.Errorf("%w: response body too short", ErrMalformedData)
	}

	resp := &Response{
		TokenType:   int8(plain[0]),
		UserTokenID: binary.LittleEndian.Uint32(plain[1:5]),
	}
	copy(resp.ClientPublicKey[:], plain[5:37])

	serial, _, found := bytes.Cut(plain[37:], []byte{0})
	if !found {
		return nil, fmt.Errorf("%w: unterminated serial", ErrMalformedData)
	}
	resp.Serial = string(serial)

	return resp, nil
}
