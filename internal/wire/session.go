package wire

import (
	"encoding/binary"
	"fmt"
)

const sessionHeaderSize = 12 // auth_type(1) + payload_type(1) + session_id(4) + session_seq(4) + payload_length(2)

// SessionAuthType is the IPMI-2 marker byte; the server only ever sees 0x06.
const SessionAuthType = 0x06

// PayloadType identifies the inner payload carried by a session packet.
// Bit 6 marks encryption, bit 7 marks authentication (Section 13.6).
type PayloadType uint8

const (
	PayloadTypeIPMI           PayloadType = 0x00
	PayloadTypeOpenSessionReq PayloadType = 0x10
	PayloadTypeOpenSessionRsp PayloadType = 0x11
	PayloadTypeRAKP1          PayloadType = 0x12
	PayloadTypeRAKP2          PayloadType = 0x13
	PayloadTypeRAKP3          PayloadType = 0x14
	PayloadTypeRAKP4          PayloadType = 0x15

	payloadEncryptedBit    PayloadType = 0x40
	payloadAuthenticatedBit PayloadType = 0x80
	payloadTypeMask        PayloadType = 0x3f
)

// Base strips the encrypted/authenticated flag bits, leaving the bare
// payload type (0x00, 0x10..0x15, ...).
func (p PayloadType) Base() PayloadType { return p & payloadTypeMask }

func (p PayloadType) Encrypted() bool     { return p&payloadEncryptedBit != 0 }
func (p PayloadType) Authenticated() bool { return p&payloadAuthenticatedBit != 0 }

func (p PayloadType) WithFlags(encrypted, authenticated bool) PayloadType {
	out := p.Base()
	if encrypted {
		out |= payloadEncryptedBit
	}
	if authenticated {
		out |= payloadAuthenticatedBit
	}
	return out
}

func (p PayloadType) String() string {
	switch p.Base() {
	case PayloadTypeIPMI:
		return "IPMI"
	case PayloadTypeOpenSessionReq:
		return "OpenSessionRequest"
	case PayloadTypeOpenSessionRsp:
		return "OpenSessionResponse"
	case PayloadTypeRAKP1:
		return "RAKP1"
	case PayloadTypeRAKP2:
		return "RAKP2"
	case PayloadTypeRAKP3:
		return "RAKP3"
	case PayloadTypeRAKP4:
		return "RAKP4"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(p.Base()))
	}
}

// SessionHeader is the IPMI-2 session header that follows the RMCP header
// on every packet (Section 13.6, Figure 13-4).
type SessionHeader struct {
	PayloadType   PayloadType
	SessionID     uint32 // little-endian on the wire
	SessionSeq    uint32 // little-endian on the wire
	PayloadLength uint16
}

func (h SessionHeader) Marshal() []byte {
	buf := make([]byte, sessionHeaderSize)
	buf[0] = SessionAuthType
	buf[1] = byte(h.PayloadType)
	binary.LittleEndian.PutUint32(buf[2:], h.SessionID)
	binary.LittleEndian.PutUint32(buf[6:], h.SessionSeq)
	binary.LittleEndian.PutUint16(buf[10:], h.PayloadLength)
	return buf
}

// UnmarshalSessionHeader parses the 12-byte IPMI-2 session header (the
// auth_type marker byte is validated but not stored — it is always 0x06 for
// RMCP+ sessions) and returns the remaining bytes.
func UnmarshalSessionHeader(buf []byte) (SessionHeader, []byte, error) {
	if len(buf) < sessionHeaderSize {
		return SessionHeader{}, nil, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("session header needs %d bytes, got %d", sessionHeaderSize, len(buf)),
		}
	}
	if buf[0] != SessionAuthType {
		return SessionHeader{}, nil, &FramingError{
			Kind:   ErrBadMagic,
			Detail: fmt.Sprintf("unsupported auth_type 0x%02x", buf[0]),
		}
	}
	h := SessionHeader{
		PayloadType:   PayloadType(buf[1]),
		SessionID:     binary.LittleEndian.Uint32(buf[2:]),
		SessionSeq:    binary.LittleEndian.Uint32(buf[6:]),
		PayloadLength: binary.LittleEndian.Uint16(buf[10:]),
	}
	rest := buf[sessionHeaderSize:]
	if int(h.PayloadLength) > len(rest) {
		return SessionHeader{}, nil, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("payload_length %d exceeds remaining %d bytes", h.PayloadLength, len(rest)),
		}
	}
	return h, rest, nil
}
