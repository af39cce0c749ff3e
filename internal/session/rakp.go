package session

import (
	"encoding/binary"

	"github.com/virtualbmc/ipmiserver/internal/ipmicrypto"
	"github.com/virtualbmc/ipmiserver/internal/wire"
)

// roleUsernameTag builds the [role_m, len(username)] || username trailer
// shared by every key-schedule HMAC input (spec §4.4.2/§4.4.3).
func roleUsernameTag(roleM uint8, username []byte) []byte {
	out := make([]byte, 0, 2+len(username))
	out = append(out, roleM, byte(len(username)))
	out = append(out, username...)
	return out
}

func le32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// handleRAKP1 implements spec §4.4.2: parse, look up the password, derive
// R_c, compute the RAKP2 authcode, and transition to AwaitRakp3.
//
// This also implements the duplicate-RAKP1 resolution from SPEC_FULL §9:
// called again while already in AwaitRakp3, it simply regenerates R_c and
// re-emits RAKP2, matching pyghmi's _got_rakp1 having no state guard.
func (srv *Server) handleRAKP1(s *Session, buf []byte) (wire.RAKP2, bool) {
	r1, err := wire.UnmarshalRAKP1(buf)
	if err != nil {
		srv.emit(ProtocolEvent{Kind: EventFramingError, Peer: s.Peer.String(), Detail: err.Error()})
		return wire.RAKP2{}, false
	}
	if len(r1.Username) == 0 {
		// Anonymous login unsupported (spec §4.4.2); drop.
		return wire.RAKP2{}, false
	}

	password, ok := srv.auth.Get(string(r1.Username))
	if !ok {
		srv.emit(ProtocolEvent{Kind: EventUnknownUsername, Peer: s.Peer.String(), Detail: string(r1.Username)})
		return wire.RAKP2{}, false
	}

	s.Rm = r1.Rm
	s.RoleM = r1.RoleM
	s.Username = r1.Username
	s.KUID = password
	if len(srv.kg) == 0 {
		s.KG = password
	} else {
		s.KG = srv.kg
	}

	rc, err := ipmicrypto.RandomBytes(16)
	if err != nil {
		s.Break("random R_c generation failed")
		return wire.RAKP2{}, false
	}
	copy(s.Rc[:], rc)
	s.UUID = srv.uuid

	authInput := make([]byte, 0, 4+4+16+16+16+2+len(s.Username))
	authInput = append(authInput, le32Bytes(s.ClientSessionID)...)
	authInput = append(authInput, le32Bytes(s.ManagedSessionID)...)
	authInput = append(authInput, s.Rm[:]...)
	authInput = append(authInput, s.Rc[:]...)
	authInput = append(authInput, s.UUID[:]...)
	authInput = append(authInput, roleUsernameTag(s.RoleM, s.Username)...)
	authcode := ipmicrypto.HMACSHA1(s.KUID, authInput)

	s.transition(AwaitRakp3)

	return wire.RAKP2{
		Tag:             r1.Tag,
		Status:          0,
		ClientSessionID: s.ClientSessionID,
		Rc:              s.Rc,
		UUID:            s.UUID,
		AuthCode:        authcode,
	}, true
}

// handleRAKP3 implements spec §4.4.3: derive SIK/K1/K2/AES_KEY, verify the
// client's authcode in constant time, and on success emit RAKP4 and
// transition to Active. On any mismatch (authcode or non-zero status) the
// session is silently left in AwaitRakp3 (no RAKP4), matching the source's
// drop-silent behavior exactly (SPEC_FULL §9 documents this as an
// intentional fidelity choice, not an oversight).
func (srv *Server) handleRAKP3(s *Session, buf []byte) (wire.RAKP4, bool) {
	r3, err := wire.UnmarshalRAKP3(buf)
	if err != nil {
		srv.emit(ProtocolEvent{Kind: EventFramingError, Peer: s.Peer.String(), Detail: err.Error()})
		return wire.RAKP4{}, false
	}

	sikInput := make([]byte, 0, 16+16+2+len(s.Username))
	sikInput = append(sikInput, s.Rm[:]...)
	sikInput = append(sikInput, s.Rc[:]...)
	sikInput = append(sikInput, roleUsernameTag(s.RoleM, s.Username)...)
	sik := ipmicrypto.HMACSHA1(s.KG, sikInput)

	k1 := ipmicrypto.HMACSHA1(sik[:], bytesOf(0x01, 20))
	k2 := ipmicrypto.HMACSHA1(sik[:], bytesOf(0x02, 20))

	expectedInput := make([]byte, 0, 16+4+2+len(s.Username))
	expectedInput = append(expectedInput, s.Rc[:]...)
	expectedInput = append(expectedInput, le32Bytes(s.ClientSessionID)...)
	expectedInput = append(expectedInput, roleUsernameTag(s.RoleM, s.Username)...)
	expected := ipmicrypto.HMACSHA1(s.KUID, expectedInput)

	if r3.Status != 0 {
		srv.emit(ProtocolEvent{Kind: EventRAKP3BadStatus, Peer: s.Peer.String()})
		return wire.RAKP4{}, false
	}
	if !ipmicrypto.ConstantTimeEqual(expected[:], r3.AuthCode) {
		srv.emit(ProtocolEvent{Kind: EventRAKP3AuthMismatch, Peer: s.Peer.String()})
		return wire.RAKP4{}, false
	}

	s.SIK = sik
	s.K1 = k1
	s.K2 = k2
	copy(s.AESKey[:], k2[:16])
	s.SeqOut = 1

	icvInput := make([]byte, 0, 16+4+16)
	icvInput = append(icvInput, s.Rm[:]...)
	icvInput = append(icvInput, le32Bytes(s.ManagedSessionID)...)
	icvInput = append(icvInput, s.UUID[:]...)
	icvFull := ipmicrypto.HMACSHA1(sik[:], icvInput)

	s.transition(Active)

	var icv [12]byte
	copy(icv[:], icvFull[:12])
	return wire.RAKP4{
		Tag:             r3.Tag,
		Status:          0,
		ClientSessionID: s.ClientSessionID,
		ICV:             icv,
	}, true
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
