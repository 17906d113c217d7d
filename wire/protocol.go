// Package wire implements CoinParty's custom binary peer-to-peer message
// framing: a fixed 85-byte signed header followed by a message-type-specific
// payload. Grounded on
// original_source/communication/protocols/low/Requests.py.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the only header version this package understands.
const ProtocolVersion byte = 0x01

// Header field widths, in bytes. A message on the wire is always at least
// HeaderLength bytes: version(1) | type(1) | rank(2) | seq(4) | length(4) |
// sig(1+72).
const (
	HeaderLength  = 85
	SigFieldLen   = 73 // 1-byte length prefix + up to 72 raw signature bytes
	MaxSigLen     = 72
	versionOffset = 0
	typeOffset    = 1
	rankOffset    = 2
	seqOffset     = 4
	lengthOffset  = 8
	sigOffset     = 12
)

// MessageType identifies the kind of payload that follows a header.
type MessageType byte

// Message types. HELO/ADDR/ACKN carry mixnet session traffic; the SMPC
// messages (MPCS/MPCP/COMP/CMPR/NCMP) carry secret-sharing protocol traffic;
// RBRC/CBRC carry broadcast-primitive traffic wrapping one of the others.
const (
	HELO MessageType = 0x00
	ADDR MessageType = 0x01
	ACKN MessageType = 0x0F

	MPCS MessageType = 0x10
	MPCP MessageType = 0x11
	COMP MessageType = 0x12
	CMPR MessageType = 0x13
	NCMP MessageType = 0x14

	RBRC MessageType = 0xF0
	CBRC MessageType = 0xF1
)

func (t MessageType) String() string {
	switch t {
	case HELO:
		return "helo"
	case ADDR:
		return "addr"
	case ACKN:
		return "ackn"
	case MPCS:
		return "mpcs"
	case MPCP:
		return "mpcp"
	case COMP:
		return "comp"
	case CMPR:
		return "cmpr"
	case NCMP:
		return "ncmp"
	case RBRC:
		return "rbrc"
	case CBRC:
		return "cbrc"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// IsSMPC reports whether t carries traffic for an smpc.Value instance (and
// therefore needs the additional algorithm/id/index sub-header defined by
// EncodeSMPCHeader).
func (t MessageType) IsSMPC() bool {
	switch t {
	case MPCS, MPCP, COMP, CMPR, NCMP:
		return true
	default:
		return false
	}
}

var (
	// ErrShortMessage is returned when a buffer is too small to contain a
	// valid header or the payload its length field promises.
	ErrShortMessage = errors.New("wire: message shorter than required")

	// ErrBadVersion is returned when a header's version byte isn't
	// ProtocolVersion.
	ErrBadVersion = errors.New("wire: unsupported protocol version")

	// ErrSignatureTooLong is returned when a caller's signature exceeds
	// MaxSigLen bytes.
	ErrSignatureTooLong = errors.New("wire: signature exceeds 72 bytes")
)

// Header is the decoded form of a message's fixed 85-byte prefix.
type Header struct {
	Type MessageType
	Rank uint16
	Seq  uint32

	// Length is the total encoded message length, header included, as
	// recorded by SetLength -- not necessarily len(raw) if raw was
	// truncated in transit.
	Length uint32

	// Sig is the raw ECDSA signature bytes (unpadded).
	Sig []byte
}

// EncodeHeader allocates a HeaderLength-byte buffer with version, type, rank
// and seq populated, and the length/signature fields zeroed; callers append
// the payload and then call SetLength and Sign to finish the message.
func EncodeHeader(rank uint16, seq uint32, msgType MessageType) []byte {
	buf := make([]byte, HeaderLength)
	buf[versionOffset] = ProtocolVersion
	buf[typeOffset] = byte(msgType)
	binary.BigEndian.PutUint16(buf[rankOffset:], rank)
	binary.BigEndian.PutUint32(buf[seqOffset:], seq)
	return buf
}

// DecodeHeader parses the fixed prefix of msg. It does not verify the
// signature; see VerifySignature.
func DecodeHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderLength {
		return Header{}, ErrShortMessage
	}
	if msg[versionOffset] != ProtocolVersion {
		return Header{}, ErrBadVersion
	}
	siglen := int(msg[sigOffset])
	if siglen > MaxSigLen {
		return Header{}, ErrSignatureTooLong
	}
	sig := make([]byte, siglen)
	copy(sig, msg[sigOffset+1:sigOffset+1+siglen])
	return Header{
		Type:   MessageType(msg[typeOffset]),
		Rank:   binary.BigEndian.Uint16(msg[rankOffset:]),
		Seq:    binary.BigEndian.Uint32(msg[seqOffset:]),
		Length: binary.BigEndian.Uint32(msg[lengthOffset:]),
		Sig:    sig,
	}, nil
}

// SetRank overwrites the rank field of an already-encoded message in place.
func SetRank(msg []byte, rank uint16) {
	binary.BigEndian.PutUint16(msg[rankOffset:], rank)
}

// GetRank reads the rank field of an already-encoded message.
func GetRank(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[rankOffset:])
}

// SetSequenceNumber overwrites the sequence field of an already-encoded
// message in place.
func SetSequenceNumber(msg []byte, seq uint32) {
	binary.BigEndian.PutUint32(msg[seqOffset:], seq)
}

// GetSequenceNumber reads the sequence field of an already-encoded message.
func GetSequenceNumber(msg []byte) uint32 {
	return binary.BigEndian.Uint32(msg[seqOffset:])
}

// GetMessageType reads the message type byte of an already-encoded message.
func GetMessageType(msg []byte) MessageType {
	return MessageType(msg[typeOffset])
}

// SetLength stamps msg's length field with len(msg), and must be called
// before Sign since the signature covers the length field.
func SetLength(msg []byte) {
	binary.BigEndian.PutUint32(msg[lengthOffset:], uint32(len(msg)))
}

// GetLength reads the length field of an already-encoded message.
func GetLength(msg []byte) uint32 {
	return binary.BigEndian.Uint32(msg[lengthOffset:])
}

// Signer produces a detached signature over an arbitrary byte string.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a detached signature over an arbitrary byte string.
type Verifier interface {
	Verify(sig, msg []byte) bool
}

// Sign fills in msg's signature field with signer's signature over msg as it
// stands with the signature field zeroed, mirroring
// MessageHandler.signRequest. SetLength must already have been called.
func Sign(msg []byte, signer Signer) ([]byte, error) {
	blank := make([]byte, len(msg))
	copy(blank, msg)
	for i := 0; i < SigFieldLen; i++ {
		blank[sigOffset+i] = 0
	}
	sig, err := signer.Sign(blank)
	if err != nil {
		return nil, err
	}
	if len(sig) > MaxSigLen {
		return nil, ErrSignatureTooLong
	}
	msg[sigOffset] = byte(len(sig))
	copy(msg[sigOffset+1:], sig)
	for i := len(sig); i < MaxSigLen; i++ {
		msg[sigOffset+1+i] = 0
	}
	return msg, nil
}

// VerifySignature checks msg's embedded signature against verifier, after
// blanking the signature field the way Sign computed it over.
func VerifySignature(msg []byte, verifier Verifier) bool {
	if len(msg) < HeaderLength || verifier == nil {
		return false
	}
	siglen := int(msg[sigOffset])
	if siglen > MaxSigLen {
		return false
	}
	sig := msg[sigOffset+1 : sigOffset+1+siglen]

	blank := make([]byte, len(msg))
	copy(blank, msg)
	for i := 0; i < SigFieldLen; i++ {
		blank[sigOffset+i] = 0
	}
	return verifier.Verify(sig, blank)
}

// Finalize stamps the length field and signs msg in one step, mirroring
// MessageHandler.finalizeRequest.
func Finalize(msg []byte, signer Signer) ([]byte, error) {
	SetLength(msg)
	return Sign(msg, signer)
}
