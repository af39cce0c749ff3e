package wire

import "fmt"

// NetFn is the IPMI network function code (Section 5.1); the low two bits
// of the netFn/LUN byte always belong to the LUN.
type NetFn uint8

const (
	NetFnChassisReq NetFn = 0x00
	NetFnChassisRsp NetFn = 0x01
	NetFnAppReq     NetFn = 0x06
	NetFnAppRsp     NetFn = 0x07
)

// Response returns the response netFn for a request netFn (request+1, the
// LSB of the netFn nibble flips to mark it a response).
func (n NetFn) Response() NetFn { return n | 0x01 }

// LANRequest is the inner IPMI LAN message carried by a payload-type-0x00
// packet once a session is active (Section 13.8, Figure 13-4).
type LANRequest struct {
	RsAddr uint8
	NetFn  NetFn
	RsLUN  uint8
	RqAddr uint8
	RqSeq  uint8
	RqLUN  uint8
	Cmd    uint8
	Data   []byte
}

// LANResponse mirrors LANRequest for the reply direction.
type LANResponse struct {
	RqAddr         uint8
	NetFn          NetFn
	RqLUN          uint8
	RsAddr         uint8
	RqSeq          uint8
	RsLUN          uint8
	Cmd            uint8
	CompletionCode uint8
	Data           []byte
}

const lanRequestMinSize = 7 // rsAddr,netFn/lun,csum1,rqAddr,rqSeq/lun,cmd,csum2
const lanResponseMinSize = 8

// checksum is the two's-complement checksum used by both LAN checksum
// fields: the sum of the preceding bytes, mod 256, negated.
func checksum(buf []byte) byte {
	var c byte
	for _, b := range buf {
		c += b
	}
	return -c
}

// UnmarshalLANRequest parses the inner IPMI LAN message of a request packet,
// verifying both checksums. Any checksum mismatch drops the packet per
// spec — this never propagates, the caller simply discards it.
func UnmarshalLANRequest(buf []byte) (LANRequest, error) {
	if len(buf) < lanRequestMinSize {
		return LANRequest{}, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("lan request needs %d bytes, got %d", lanRequestMinSize, len(buf)),
		}
	}
	if c := checksum(buf[0:2]); c != buf[2] {
		return LANRequest{}, &FramingError{Kind: ErrBadChecksum, Detail: "header checksum mismatch"}
	}
	if c := checksum(buf[3 : len(buf)-1]); c != buf[len(buf)-1] {
		return LANRequest{}, &FramingError{Kind: ErrBadChecksum, Detail: "data checksum mismatch"}
	}
	netFnLUN := buf[1]
	rqSeqLUN := buf[4]
	return LANRequest{
		RsAddr: buf[0],
		NetFn:  NetFn(netFnLUN >> 2),
		RsLUN:  netFnLUN & 0x3,
		RqAddr: buf[3],
		RqSeq:  rqSeqLUN >> 2,
		RqLUN:  rqSeqLUN & 0x3,
		Cmd:    buf[5],
		Data:   buf[6 : len(buf)-1],
	}, nil
}

// Marshal encodes a LANRequest with both checksums computed, mirroring
// UnmarshalLANRequest's layout.
func (r LANRequest) Marshal() []byte {
	buf := make([]byte, 6+len(r.Data)+1)
	buf[0] = r.RsAddr
	buf[1] = byte(r.NetFn)<<2 | (r.RsLUN & 0x3)
	buf[2] = checksum(buf[0:2])
	buf[3] = r.RqAddr
	buf[4] = byte(r.RqSeq)<<2 | (r.RqLUN & 0x3)
	buf[5] = r.Cmd
	copy(buf[6:], r.Data)
	buf[len(buf)-1] = checksum(buf[3 : len(buf)-1])
	return buf
}

// Marshal encodes a LANResponse, mirroring the request's framing with the
// response netFn and a completion code inserted after the command byte.
func (r LANResponse) Marshal() []byte {
	buf := make([]byte, 7+len(r.Data)+1)
	buf[0] = r.RqAddr
	buf[1] = byte(r.NetFn)<<2 | (r.RqLUN & 0x3)
	buf[2] = checksum(buf[0:2])
	buf[3] = r.RsAddr
	buf[4] = byte(r.RqSeq)<<2 | (r.RsLUN & 0x3)
	buf[5] = r.Cmd
	buf[6] = r.CompletionCode
	copy(buf[7:], r.Data)
	buf[len(buf)-1] = checksum(buf[3 : len(buf)-1])
	return buf
}

// UnmarshalLANResponse parses an inner IPMI LAN response message (used by
// tests exercising round-trip encode/decode).
func UnmarshalLANResponse(buf []byte) (LANResponse, error) {
	if len(buf) < lanResponseMinSize {
		return LANResponse{}, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("lan response needs %d bytes, got %d", lanResponseMinSize, len(buf)),
		}
	}
	if c := checksum(buf[0:2]); c != buf[2] {
		return LANResponse{}, &FramingError{Kind: ErrBadChecksum, Detail: "header checksum mismatch"}
	}
	if c := checksum(buf[3 : len(buf)-1]); c != buf[len(buf)-1] {
		return LANResponse{}, &FramingError{Kind: ErrBadChecksum, Detail: "data checksum mismatch"}
	}
	netFnLUN := buf[1]
	rqSeqLUN := buf[4]
	return LANResponse{
		RqAddr:         buf[0],
		NetFn:          NetFn(netFnLUN >> 2),
		RqLUN:          netFnLUN & 0x3,
		RsAddr:         buf[3],
		RqSeq:          rqSeqLUN >> 2,
		RsLUN:          rqSeqLUN & 0x3,
		Cmd:            buf[5],
		CompletionCode: buf[6],
		Data:           buf[7 : len(buf)-1],
	}, nil
}
