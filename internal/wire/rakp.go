package wire

import "fmt"

// OpenSessionRequest is the payload of a 0x10 packet (Section 13.17),
// starting right after the session header.
type OpenSessionRequest struct {
	Tag             uint8
	MaxPriv         uint8
	ClientSessionID uint32
}

const openSessionRequestMinSize = 32

// UnmarshalOpenSessionRequest parses tag, maxpriv, and the client session
// ID; the auth/integrity/confidentiality payload records that follow are
// ignored because the server always forces cipher suite 3 regardless of
// what the client offers (spec 4.4.1).
func UnmarshalOpenSessionRequest(buf []byte) (OpenSessionRequest, error) {
	if len(buf) < openSessionRequestMinSize {
		return OpenSessionRequest{}, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("open session request needs %d bytes, got %d", openSessionRequestMinSize, len(buf)),
		}
	}
	return OpenSessionRequest{
		Tag:             buf[0],
		MaxPriv:         buf[1],
		ClientSessionID: le32(buf[4:8]),
	}, nil
}

// OpenSessionResponse is the server's 0x11 reply: tag, status, accepted
// maxpriv, both session IDs, then three fixed 8-byte algorithm records
// announcing cipher suite 3 (HMAC-SHA1 / HMAC-SHA1-96 / AES-CBC-128).
type OpenSessionResponse struct {
	Tag              uint8
	Status           uint8
	MaxPriv          uint8
	ClientSessionID  uint32
	ManagedSessionID uint32
}

func (r OpenSessionResponse) Marshal() []byte {
	buf := make([]byte, 36)
	buf[0] = r.Tag
	buf[1] = r.Status
	buf[2] = r.MaxPriv
	buf[3] = 0
	putLE32(buf[4:8], r.ClientSessionID)
	putLE32(buf[8:12], r.ManagedSessionID)
	copy(buf[12:20], []byte{1, 0, 0, 8, 1, 0, 0, 0}) // auth algo 1: HMAC-SHA1
	copy(buf[20:28], []byte{1, 0, 0, 8, 1, 0, 0, 0}) // integrity algo 1: HMAC-SHA1-96
	copy(buf[28:36], []byte{2, 0, 0, 8, 1, 0, 0, 0}) // confidentiality algo 2: AES-CBC-128
	return buf
}

const rakp1MinSize = 28 // up to and including username_len; username bytes follow

// RAKP1 is the client's first handshake message (Section 13.20).
type RAKP1 struct {
	Tag                  uint8
	ManagedSessionIDEcho uint32
	Rm                   [16]byte
	RoleM                uint8
	Username             []byte
}

func UnmarshalRAKP1(buf []byte) (RAKP1, error) {
	if len(buf) < rakp1MinSize {
		return RAKP1{}, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("rakp1 needs at least %d bytes, got %d", rakp1MinSize, len(buf)),
		}
	}
	var r RAKP1
	r.Tag = buf[0]
	r.ManagedSessionIDEcho = le32(buf[4:8])
	copy(r.Rm[:], buf[8:24])
	r.RoleM = buf[24]
	usernameLen := int(buf[27])
	if len(buf) < rakp1MinSize+usernameLen {
		return RAKP1{}, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("rakp1 username_len %d exceeds remaining bytes", usernameLen),
		}
	}
	if usernameLen > 0 {
		r.Username = append([]byte(nil), buf[rakp1MinSize:rakp1MinSize+usernameLen]...)
	}
	return r, nil
}

// RAKP2 is the server's reply: tag, status, client session ID, R_c, the BMC
// UUID, and the 20-byte HMAC-SHA1 authcode.
type RAKP2 struct {
	Tag             uint8
	Status          uint8
	ClientSessionID uint32
	Rc              [16]byte
	UUID            [16]byte
	AuthCode        [20]byte
}

func (r RAKP2) Marshal() []byte {
	buf := make([]byte, 8+16+16+20)
	buf[0] = r.Tag
	buf[1] = r.Status
	putLE32(buf[4:8], r.ClientSessionID)
	copy(buf[8:24], r.Rc[:])
	copy(buf[24:40], r.UUID[:])
	copy(buf[40:60], r.AuthCode[:])
	return buf
}

const rakp3MinSize = 8

// RAKP3 is the client's confirmation message: tag, status, the managed
// session ID echo, and a variable-length authcode (20 bytes for RAKP-HMAC-SHA1).
type RAKP3 struct {
	Tag                  uint8
	Status               uint8
	ManagedSessionIDEcho uint32
	AuthCode             []byte
}

func UnmarshalRAKP3(buf []byte) (RAKP3, error) {
	if len(buf) < rakp3MinSize {
		return RAKP3{}, &FramingError{
			Kind:   ErrShortPacket,
			Detail: fmt.Sprintf("rakp3 needs at least %d bytes, got %d", rakp3MinSize, len(buf)),
		}
	}
	return RAKP3{
		Tag:                  buf[0],
		Status:               buf[1],
		ManagedSessionIDEcho: le32(buf[4:8]),
		AuthCode:             append([]byte(nil), buf[8:]...),
	}, nil
}

// RAKP4 is the server's final handshake message: tag, status, the client
// session ID, and a 12-byte HMAC-SHA1-96 integrity check value.
type RAKP4 struct {
	Tag             uint8
	Status          uint8
	ClientSessionID uint32
	ICV             [12]byte
}

func (r RAKP4) Marshal() []byte {
	buf := make([]byte, 8+12)
	buf[0] = r.Tag
	buf[1] = r.Status
	putLE32(buf[4:8], r.ClientSessionID)
	copy(buf[8:20], r.ICV[:])
	return buf
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
