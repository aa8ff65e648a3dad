// Package pairing implements the binary pairing and challenge protocol
// used by QR/Push tokens: X25519 key exchange, AES-GCM authenticated
// encryption with KDF-derived nonces, and HMAC-based signature and TAN
// derivation.
//
// All integers on the wire are little-endian. Payloads are base64url
// encoded (no padding) behind a scheme prefix. The formats are
// versioned; any change requires a new version constant, never a silent
// drift, because deployed clients parse these bytes.
//
// Every function here is pure over its inputs and safe for concurrent
// use.
package pairing

import "errors"

// Protocol version constants. See package comment before touching.
const (
	PairingURLVersion   = 2
	PairResponseVersion = 1
	QRTokenVersion      = 1
)

// TypeQRToken is the wire token-type id of QR tokens.
const TypeQRToken = 2

// Pairing URL flags.
const (
	FlagPairPK     uint32 = 1 << 0
	FlagPairSerial uint32 = 1 << 1
	FlagPairCBURL  uint32 = 1 << 2
	FlagPairCBSMS  uint32 = 1 << 3
	FlagPairDigits uint32 = 1 << 4
	FlagPairHMAC   uint32 = 1 << 5
)

// Challenge flags (single byte in the plaintext header).
const (
	FlagChalComp    byte = 1 << 0
	FlagChalHaveURL byte = 1 << 1
	FlagChalHaveSMS byte = 1 << 2
	FlagChalSrvSig  byte = 1 << 3
)

// DefaultScheme is the URL scheme prefix mobile clients register for.
const DefaultScheme = "lseqr"

// ErrMalformedData is returned when a pairing or challenge payload
// fails to parse or decrypt. It is terminal for the request and must
// not corrupt any persisted pairing state.
var ErrMalformedData = errors.New("malformed pairing data")
