package wire

import (
	"encoding/binary"
)

// BroadcastStep identifies a message's position within a broadcast
// primitive's SEND/ECHO/FINL (consistent broadcast) or SEND/ECHO/READY
// (reliable broadcast) round structure. Grounded on Requests.py's cbrc/rbrc
// SEND, ECHO, FINL, REDY identifiers.
type BroadcastStep byte

const (
	StepSend  BroadcastStep = 0x00
	StepEcho  BroadcastStep = 0x01
	StepFinal BroadcastStep = 0x02 // FINL for consistent broadcast, READY for reliable
)

func (s BroadcastStep) String() string {
	switch s {
	case StepSend:
		return "send"
	case StepEcho:
		return "echo"
	case StepFinal:
		return "final"
	default:
		return "unknown"
	}
}

// RankSig pairs a peer's rank with its signature, the unit FINL/READY
// certificates are built from.
type RankSig struct {
	Rank uint16
	Sig  []byte
}

// CBRC is a Cachin-Kursawe consistent-broadcast protocol message: SEND wraps
// an arbitrary inner wire message, ECHO carries one peer's signature over
// the SEND payload, and FINL carries the collected certificate of
// ceil((n+t+1)/2) signatures. Grounded on Requests.py's cbrc class.
type CBRCMessage struct {
	Step BroadcastStep

	// Send
	Inner []byte

	// Echo
	EchoSig []byte

	// Final
	Certificate []RankSig
}

// EncodeCBRC builds a complete, signed CBRC message.
func EncodeCBRC(rank uint16, seq uint32, signer Signer, c CBRCMessage) ([]byte, error) {
	msg := appendBroadcastPayload(EncodeHeader(rank, seq, CBRC), c)
	return Finalize(msg, signer)
}

func appendBroadcastPayload(msg []byte, c CBRCMessage) []byte {

	switch c.Step {
	case StepSend:
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(c.Inner)))
		msg = append(msg, lenBuf...)
		msg = append(msg, c.Inner...)
	case StepEcho:
		msg = append(msg, byte(len(c.EchoSig)))
		padded := make([]byte, MaxSigLen)
		copy(padded, c.EchoSig)
		msg = append(msg, padded...)
	case StepFinal:
		countBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(countBuf, uint16(len(c.Certificate)))
		msg = append(msg, countBuf...)
		for _, rs := range c.Certificate {
			entry := make([]byte, 2+1+MaxSigLen)
			binary.BigEndian.PutUint16(entry[0:2], rs.Rank)
			entry[2] = byte(len(rs.Sig))
			copy(entry[3:], rs.Sig)
			msg = append(msg, entry...)
		}
	}
	return msg
}

// DecodeCBRC parses a CBRC message's payload.
func DecodeCBRC(msg []byte) (CBRCMessage, error) {
	off := HeaderLength
	if len(msg)-off < 1 {
		return CBRCMessage{}, ErrMalformedPayload
	}
	step := BroadcastStep(msg[off])
	off++

	switch step {
	case StepSend:
		if len(msg)-off < 4 {
			return CBRCMessage{}, ErrMalformedPayload
		}
		n := binary.BigEndian.Uint32(msg[off:])
		off += 4
		if uint32(len(msg)-off) < n {
			return CBRCMessage{}, ErrMalformedPayload
		}
		return CBRCMessage{Step: step, Inner: append([]byte(nil), msg[off:off+int(n)]...)}, nil
	case StepEcho:
		if len(msg)-off < 1+MaxSigLen {
			return CBRCMessage{}, ErrMalformedPayload
		}
		n := int(msg[off])
		off++
		sig := append([]byte(nil), msg[off:off+n]...)
		return CBRCMessage{Step: step, EchoSig: sig}, nil
	case StepFinal:
		if len(msg)-off < 2 {
			return CBRCMessage{}, ErrMalformedPayload
		}
		count := int(binary.BigEndian.Uint16(msg[off:]))
		off += 2
		entryLen := 2 + 1 + MaxSigLen
		if len(msg)-off < count*entryLen {
			return CBRCMessage{}, ErrMalformedPayload
		}
		cert := make([]RankSig, count)
		for i := 0; i < count; i++ {
			base := off + i*entryLen
			rank := binary.BigEndian.Uint16(msg[base:])
			siglen := int(msg[base+2])
			sig := append([]byte(nil), msg[base+3:base+3+siglen]...)
			cert[i] = RankSig{Rank: rank, Sig: sig}
		}
		return CBRCMessage{Step: step, Certificate: cert}, nil
	default:
		return CBRCMessage{}, ErrMalformedPayload
	}
}

// RBRC is a Bracha reliable-broadcast protocol message. Unlike consistent
// broadcast, all three Bracha steps (SEND, ECHO, READY) echo the same
// payload verbatim -- there is no separate signature/certificate phase,
// since Bracha's safety comes from rank-indexed majority voting rather than
// digital signatures. Grounded on Requests.py's rbrc class (whose own
// encode/decode were left unfinished -- "FIXME: Finish refactoring reliable
// broadcast" -- so this framing is built directly from Transaction.py's
// ReliableBroadcastTransaction instead of copying rbrc's stub).
type RBRCMessage struct {
	Step  BroadcastStep
	Inner []byte
}

// EncodeRBRC builds a complete, signed RBRC message.
func EncodeRBRC(rank uint16, seq uint32, signer Signer, r RBRCMessage) ([]byte, error) {
	msg := EncodeHeader(rank, seq, RBRC)
	msg = append(msg, byte(r.Step))
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(r.Inner)))
	msg = append(msg, lenBuf...)
	msg = append(msg, r.Inner...)
	return Finalize(msg, signer)
}

// DecodeRBRC parses an RBRC message's payload.
func DecodeRBRC(msg []byte) (RBRCMessage, error) {
	off := HeaderLength
	if len(msg)-off < 1+4 {
		return RBRCMessage{}, ErrMalformedPayload
	}
	step := BroadcastStep(msg[off])
	off++
	n := binary.BigEndian.Uint32(msg[off:])
	off += 4
	if uint32(len(msg)-off) < n {
		return RBRCMessage{}, ErrMalformedPayload
	}
	return RBRCMessage{Step: step, Inner: append([]byte(nil), msg[off:off+int(n)]...)}, nil
}
