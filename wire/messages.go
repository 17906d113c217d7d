package wire

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedPayload is returned by a payload Decode function when the
// buffer is too short for the fields its own length prefixes promise.
var ErrMalformedPayload = errors.New("wire: malformed message payload")

// Helo carries a new input peer's escrow address and encrypted output
// address into the mixnet. Grounded on Requests.py's helo class.
type Helo struct {
	SessionID        [16]byte
	EscrowAddress    string // 35-byte fixed field, NUL-padded on the wire
	EncryptedOutput  []byte
}

// EncodeHelo builds a complete, signed HELO message.
func EncodeHelo(rank uint16, seq uint32, signer Signer, h Helo) ([]byte, error) {
	msg := EncodeHeader(rank, seq, HELO)
	msg = append(msg, h.SessionID[:]...)

	escrow := make([]byte, 35)
	copy(escrow, h.EscrowAddress)
	msg = append(msg, escrow...)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(h.EncryptedOutput)))
	msg = append(msg, lenBuf...)
	msg = append(msg, h.EncryptedOutput...)

	return Finalize(msg, signer)
}

// DecodeHelo parses a HELO message's payload. The header must already have
// been validated by the caller.
func DecodeHelo(msg []byte) (Helo, error) {
	if len(msg) < HeaderLength+16+35+4 {
		return Helo{}, ErrMalformedPayload
	}
	off := HeaderLength
	var h Helo
	copy(h.SessionID[:], msg[off:off+16])
	off += 16
	h.EscrowAddress = trimNUL(msg[off : off+35])
	off += 35
	outLen := binary.BigEndian.Uint32(msg[off:])
	off += 4
	if uint32(len(msg)-off) < outLen {
		return Helo{}, ErrMalformedPayload
	}
	h.EncryptedOutput = append([]byte(nil), msg[off:off+int(outLen)]...)
	return h, nil
}

func trimNUL(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0x00 {
		i--
	}
	return string(b[:i])
}

// Ackn is the generic acknowledgement/error response to HELO and the SMPC
// message types. Grounded on Requests.py's ackn class.
type Ackn struct {
	Error string // empty on success
}

// EncodeAckn builds a complete, signed ACKN message.
func EncodeAckn(rank uint16, seq uint32, signer Signer, a Ackn) ([]byte, error) {
	msg := EncodeHeader(rank, seq, ACKN)
	if a.Error == "" {
		msg = append(msg, 0x00)
	} else {
		msg = append(msg, byte(len(a.Error)))
		msg = append(msg, []byte(a.Error)...)
	}
	return Finalize(msg, signer)
}

// DecodeAckn parses an ACKN message's payload.
func DecodeAckn(msg []byte) (Ackn, error) {
	if len(msg) < HeaderLength+1 {
		return Ackn{}, ErrMalformedPayload
	}
	off := HeaderLength
	n := int(msg[off])
	off++
	if n == 0 {
		return Ackn{}, nil
	}
	if len(msg)-off < n {
		return Ackn{}, ErrMalformedPayload
	}
	return Ackn{Error: string(msg[off : off+n])}, nil
}

// Addr carries a set of output addresses: shuffle.Round broadcasts one
// after processing its onion layer, and session.Dispatch routes it to the
// active round. Grounded on Requests.py's addr class.
type Addr struct {
	Outputs [][]byte
}

// EncodeAddr builds a complete, signed ADDR message.
func EncodeAddr(rank uint16, seq uint32, signer Signer, a Addr) ([]byte, error) {
	if len(a.Outputs) > 0xFFFF {
		return nil, errors.New("wire: too many addresses for one ADDR message")
	}
	msg := EncodeHeader(rank, seq, ADDR)
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(a.Outputs)))
	msg = append(msg, countBuf...)
	for _, out := range a.Outputs {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(out)))
		msg = append(msg, lenBuf...)
		msg = append(msg, out...)
	}
	return Finalize(msg, signer)
}

// DecodeAddr parses an ADDR message's payload.
func DecodeAddr(msg []byte) (Addr, error) {
	if len(msg) < HeaderLength+2 {
		return Addr{}, ErrMalformedPayload
	}
	off := HeaderLength
	count := binary.BigEndian.Uint16(msg[off:])
	off += 2
	out := make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		if len(msg)-off < 4 {
			return Addr{}, ErrMalformedPayload
		}
		n := binary.BigEndian.Uint32(msg[off:])
		off += 4
		if uint32(len(msg)-off) < n {
			return Addr{}, ErrMalformedPayload
		}
		out = append(out, append([]byte(nil), msg[off:off+int(n)]...))
		off += int(n)
	}
	return Addr{Outputs: out}, nil
}
