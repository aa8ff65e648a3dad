package pairing

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/otpd/otpd/internal/util"
)

// URLParams describes the pairing URL handed to the client at
// enrollment, usually rendered as a QR code.
type URLParams struct {
	ServerPublicKey [32]byte
	Partition       uint32
	Serial          string
	CallbackURL     string
	CallbackSMS     string
	Scheme          string
}

// BuildPairingURL serializes the pairing payload:
//
//	version:int8  token_type:int8  flags:uint32  partition:uint32
//	server_public_key:32  [serial \0]  [callback_url \0]  [callback_sms \0]
//
// Optional trailing fields are gated by their flag bits.
func BuildPairingURL(p URLParams) (string, error) {
	scheme := p.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}

	flags := FlagPairPK
	if p.Serial != "" {
		flags |= FlagPairSerial
	}
	if p.CallbackURL != "" {
		flags |= FlagPairCBURL
	}
	if p.CallbackSMS != "" {
		flags |= FlagPairCBSMS
	}

	var buf bytes.Buffer
	buf.WriteByte(PairingURLVersion)
	buf.WriteByte(TypeQRToken)
	if err := binary.Write(&buf, binary.LittleEndian, flags); err != nil {
		return "", fmt.Errorf("encoding pairing flags: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, p.Partition); err != nil {
		return "", fmt.Errorf("encoding partition: %w", err)
	}
	buf.Write(p.ServerPublicKey[:])

	if flags&FlagPairSerial != 0 {
		buf.WriteString(p.Serial)
		buf.WriteByte(0)
	}
	if flags&FlagPairCBURL != 0 {
		buf.WriteString(p.CallbackURL)
		buf.WriteByte(0)
	}
	if flags&FlagPairCBSMS != 0 {
		buf.WriteString(p.CallbackSMS)
		buf.WriteByte(0)
	}

	return scheme + "://pair/" + util.EncodeBase64URL(buf.Bytes()), nil
}
