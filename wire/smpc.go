package wire

import (
	"encoding/binary"
	"errors"
)

// Algorithm identifies which smpc.Value kind a SMPC-family message (MPCS,
// MPCP, COMP, CMPR, NCMP) belongs to. Grounded on Requests.py's
// SmpcMessageHandler identifiers.
type Algorithm byte

const (
	AlgWrap  Algorithm = 0x00
	AlgCMul  Algorithm = 0x01
	AlgRec   Algorithm = 0x02
	AlgMul   Algorithm = 0x03
	AlgDKG   Algorithm = 0x04
	AlgJFDKG Algorithm = 0x05
)

func (a Algorithm) String() string {
	switch a {
	case AlgWrap:
		return "wrap"
	case AlgCMul:
		return "cmul"
	case AlgRec:
		return "rec"
	case AlgMul:
		return "mul"
	case AlgDKG:
		return "dkg"
	case AlgJFDKG:
		return "jfdkg"
	default:
		return "unknown"
	}
}

// ErrAlgorithmMismatch is returned when a SMPC header names a different
// algorithm than the smpc.Value the caller expected to route it to.
var ErrAlgorithmMismatch = errors.New("wire: smpc algorithm mismatch")

// SMPCHeader is the sub-header every MPCS/MPCP/COMP/CMPR/NCMP message
// carries immediately after the fixed 85-byte prefix, naming which
// smpc.Value instance (by algorithm, id string and per-escrow index) the
// payload belongs to. Grounded on Requests.py's SmpcMessageHandler
// encodeHeader/decodeHeader.
type SMPCHeader struct {
	Algorithm Algorithm
	ID        string
	Index     uint32
}

// EncodeSMPCHeader appends the SMPC sub-header fields to a message already
// started with EncodeHeader(rank, seq, msgType).
func EncodeSMPCHeader(msg []byte, h SMPCHeader) []byte {
	msg = append(msg, byte(h.Algorithm))
	idxBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idxBuf, h.Index)
	msg = append(msg, idxBuf...)
	msg = append(msg, byte(len(h.ID)))
	msg = append(msg, []byte(h.ID)...)
	return msg
}

// DecodeSMPCHeader parses the SMPC sub-header and returns the byte offset
// immediately following it, where the message-specific payload begins.
func DecodeSMPCHeader(msg []byte) (SMPCHeader, int, error) {
	off := HeaderLength
	if len(msg)-off < 6 {
		return SMPCHeader{}, 0, ErrMalformedPayload
	}
	alg := Algorithm(msg[off])
	off++
	index := binary.BigEndian.Uint32(msg[off:])
	off += 4
	idlen := int(msg[off])
	off++
	if len(msg)-off < idlen {
		return SMPCHeader{}, 0, ErrMalformedPayload
	}
	id := string(msg[off : off+idlen])
	off += idlen
	return SMPCHeader{Algorithm: alg, ID: id, Index: index}, off, nil
}

// MPCS carries one recipient's secret Shamir share for a single smpc.Value.
// Grounded on Requests.py's mpcs class.
type MPCS struct {
	SMPCHeader
	Share []byte
}

// EncodeMPCS builds a complete, signed MPCS message.
func EncodeMPCS(rank uint16, seq uint32, signer Signer, m MPCS) ([]byte, error) {
	msg := EncodeHeader(rank, seq, MPCS)
	msg = EncodeSMPCHeader(msg, m.SMPCHeader)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(m.Share)))
	msg = append(msg, lenBuf...)
	msg = append(msg, m.Share...)
	return Finalize(msg, signer)
}

// DecodeMPCS parses a MPCS message's payload.
func DecodeMPCS(msg []byte) (MPCS, error) {
	hdr, off, err := DecodeSMPCHeader(msg)
	if err != nil {
		return MPCS{}, err
	}
	if len(msg)-off < 2 {
		return MPCS{}, ErrMalformedPayload
	}
	n := int(binary.BigEndian.Uint16(msg[off:]))
	off += 2
	if len(msg)-off < n {
		return MPCS{}, ErrMalformedPayload
	}
	return MPCS{SMPCHeader: hdr, Share: append([]byte(nil), msg[off:off+n]...)}, nil
}

// MPCP carries a broadcast public value (a Feldman/Pedersen commitment, a
// partial signature component, or a Rec result) for a single smpc.Value.
// Grounded on Requests.py's mpcp class.
type MPCP struct {
	SMPCHeader
	Value []byte
}

// EncodeMPCP builds a complete, signed MPCP message.
func EncodeMPCP(rank uint16, seq uint32, signer Signer, m MPCP) ([]byte, error) {
	msg := EncodeHeader(rank, seq, MPCP)
	msg = EncodeSMPCHeader(msg, m.SMPCHeader)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(m.Value)))
	msg = append(msg, lenBuf...)
	msg = append(msg, m.Value...)
	return Finalize(msg, signer)
}

// DecodeMPCP parses a MPCP message's payload.
func DecodeMPCP(msg []byte) (MPCP, error) {
	hdr, off, err := DecodeSMPCHeader(msg)
	if err != nil {
		return MPCP{}, err
	}
	if len(msg)-off < 2 {
		return MPCP{}, ErrMalformedPayload
	}
	n := int(binary.BigEndian.Uint16(msg[off:]))
	off += 2
	if len(msg)-off < n {
		return MPCP{}, ErrMalformedPayload
	}
	return MPCP{SMPCHeader: hdr, Value: append([]byte(nil), msg[off:off+n]...)}, nil
}

// Comp reports a complaint against a blamed peer during DKG, optionally
// carrying a disclosed value justifying the complaint. Grounded on
// Requests.py's comp class.
type Comp struct {
	SMPCHeader
	BlamedPeer uint16
	Opt        []byte // nil if no justification accompanies the complaint
}

// EncodeComp builds a complete, signed COMP message.
func EncodeComp(rank uint16, seq uint32, signer Signer, c Comp) ([]byte, error) {
	msg := EncodeHeader(rank, seq, COMP)
	msg = EncodeSMPCHeader(msg, c.SMPCHeader)
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], c.BlamedPeer)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(c.Opt)))
	msg = append(msg, hdr...)
	msg = append(msg, c.Opt...)
	return Finalize(msg, signer)
}

// DecodeComp parses a COMP message's payload.
func DecodeComp(msg []byte) (Comp, error) {
	hdr, off, err := DecodeSMPCHeader(msg)
	if err != nil {
		return Comp{}, err
	}
	if len(msg)-off < 4 {
		return Comp{}, ErrMalformedPayload
	}
	blamed := binary.BigEndian.Uint16(msg[off:])
	optLen := int(binary.BigEndian.Uint16(msg[off+2:]))
	off += 4
	if len(msg)-off < optLen {
		return Comp{}, ErrMalformedPayload
	}
	var opt []byte
	if optLen > 0 {
		opt = append([]byte(nil), msg[off:off+optLen]...)
	}
	return Comp{SMPCHeader: hdr, BlamedPeer: blamed, Opt: opt}, nil
}

// Cmpr answers a Comp with the value that justifies the accused peer's
// earlier broadcast, proving or disproving the complaint. Grounded on
// Requests.py's cmpr class.
type Cmpr struct {
	SMPCHeader
	BlamingPeer   uint16
	Justification []byte
}

// EncodeCmpr builds a complete, signed CMPR message.
func EncodeCmpr(rank uint16, seq uint32, signer Signer, c Cmpr) ([]byte, error) {
	msg := EncodeHeader(rank, seq, CMPR)
	msg = EncodeSMPCHeader(msg, c.SMPCHeader)
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], c.BlamingPeer)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(c.Justification)))
	msg = append(msg, hdr...)
	msg = append(msg, c.Justification...)
	return Finalize(msg, signer)
}

// DecodeCmpr parses a CMPR message's payload.
func DecodeCmpr(msg []byte) (Cmpr, error) {
	hdr, off, err := DecodeSMPCHeader(msg)
	if err != nil {
		return Cmpr{}, err
	}
	if len(msg)-off < 4 {
		return Cmpr{}, ErrMalformedPayload
	}
	blamer := binary.BigEndian.Uint16(msg[off:])
	n := int(binary.BigEndian.Uint16(msg[off+2:]))
	off += 4
	if len(msg)-off < n {
		return Cmpr{}, ErrMalformedPayload
	}
	return Cmpr{SMPCHeader: hdr, BlamingPeer: blamer, Justification: append([]byte(nil), msg[off:off+n]...)}, nil
}

// Ncmp signals "nothing to complain about" to let DKG skip ahead of the
// complaint window once every peer has acknowledged a round's shares.
// Grounded on Requests.py's ncmp class.
type Ncmp struct {
	SMPCHeader
}

// EncodeNcmp builds a complete, signed NCMP message; it carries no payload
// beyond the SMPC sub-header.
func EncodeNcmp(rank uint16, seq uint32, signer Signer, n Ncmp) ([]byte, error) {
	msg := EncodeHeader(rank, seq, NCMP)
	msg = EncodeSMPCHeader(msg, n.SMPCHeader)
	return Finalize(msg, signer)
}

// DecodeNcmp parses a NCMP message's payload.
func DecodeNcmp(msg []byte) (Ncmp, error) {
	hdr, _, err := DecodeSMPCHeader(msg)
	if err != nil {
		return Ncmp{}, err
	}
	return Ncmp{SMPCHeader: hdr}, nil
}
