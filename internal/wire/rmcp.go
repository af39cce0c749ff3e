// Package wire implements the bit-exact RMCP / IPMI-2 session header / IPMI
// LAN message framing used by the BMC server. Every type here owns its own
// Marshal/Unmarshal pair; there is no reflection or tag-based codec.
package wire

import (
	"fmt"
)

const rmcpHeaderSize = 4

// RMCP class of message (Section 13.1.3).
type RMCPClass uint8

const (
	RMCPClassASF  RMCPClass = 0x06
	RMCPClassIPMI RMCPClass = 0x07
	RMCPClassOEM  RMCPClass = 0x08
)

const (
	rmcpVersion1 = 0x06
	rmcpNoAckSeq = 0xff
)

// RMCPHeader is the 4-byte RMCP envelope carrying every IPMI packet.
type RMCPHeader struct {
	Version  uint8
	Reserved uint8
	Sequence uint8
	Class    RMCPClass
}

// NewRMCPHeaderForIPMI returns the canonical header the server emits on
// every reply: version 0x06, no RMCP ACK requested, class IPMI.
func NewRMCPHeaderForIPMI() RMCPHeader {
	return RMCPHeader{
		Version:  rmcpVersion1,
		Sequence: rmcpNoAckSeq,
		Class:    RMCPClassIPMI,
	}
}

func (h RMCPHeader) Marshal() []byte {
	return []byte{h.Version, h.Reserved, h.Sequence, byte(h.Class)}
}

// UnmarshalRMCPHeader parses the RMCP envelope and returns the remaining
// bytes. It rejects non-IPMI class packets per spec, since this server only
// ever serves the IPMI RMCP class.
func UnmarshalRMCPHeader(buf []byte) (RMCPHeader, []byte, error) {
	if len(buf) < rmcpHeaderSize {
		return RMCPHeader{}, nil, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("rmcp header needs %d bytes, got %d", rmcpHeaderSize, len(buf)),
		}
	}
	h := RMCPHeader{
		Version:  buf[0],
		Reserved: buf[1],
		Sequence: buf[2],
		Class:    RMCPClass(buf[3]),
	}
	if h.Class != RMCPClassIPMI {
		return RMCPHeader{}, nil, &FramingError{
			Kind:   ErrBadMagic,
			Detail: fmt.Sprintf("unsupported rmcp class 0x%02x", buf[3]),
		}
	}
	return h, buf[rmcpHeaderSize:], nil
}

// FramingErrorKind enumerates the non-fatal framing failure classes. Every
// one of them causes the offending packet to be dropped; none of them ever
// propagate past the receive loop.
type FramingErrorKind int

const (
	ErrShortPacket FramingErrorKind = iota
	ErrBadMagic
	ErrBadChecksum
	ErrUnknownPayloadType
)

func (k FramingErrorKind) String() string {
	switch k {
	case ErrShortPacket:
		return "ShortPacket"
	case ErrBadMagic:
		return "BadMagic"
	case ErrBadChecksum:
		return "BadChecksum"
	case ErrUnknownPayloadType:
		return "UnknownPayloadType"
	default:
		return "Unknown"
	}
}

// FramingError is returned by every wire parser. The caller drops the
// packet; framing errors never propagate past the receive loop.
type FramingError struct {
	Kind   FramingErrorKind
	Detail string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
