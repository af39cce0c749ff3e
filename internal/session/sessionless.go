package session

import (
	"net"

	"github.com/virtualbmc/ipmiserver/internal/ipmicrypto"
	"github.com/virtualbmc/ipmiserver/internal/wire"
)

const (
	channelAuthCapCmd = 0x38
	cipherSuitesCmd   = 0x54
)

// HandlePacket is the single entry point the receive loop calls for every
// inbound datagram: RMCP/session-header classification, then routing to
// the sessionless handlers, the RAKP handshake, or active dispatch (spec
// §4.3/§4.4). All parse failures are silent drops per spec §4.4.5.
func (srv *Server) HandlePacket(data []byte, peer net.Addr) {
	_, rest, err := wire.UnmarshalRMCPHeader(data)
	if err != nil {
		srv.emit(ProtocolEvent{Kind: EventFramingError, Peer: peer.String(), Detail: err.Error()})
		return
	}
	sh, payload, err := wire.UnmarshalSessionHeader(rest)
	if err != nil {
		srv.emit(ProtocolEvent{Kind: EventFramingError, Peer: peer.String(), Detail: err.Error()})
		return
	}

	switch sh.PayloadType.Base() {
	case wire.PayloadTypeOpenSessionReq:
		srv.openSession(peer, payload)
	case wire.PayloadTypeRAKP1:
		srv.continueRAKP1(peer, payload)
	case wire.PayloadTypeRAKP3:
		srv.continueRAKP3(peer, payload)
	case wire.PayloadTypeIPMI:
		if sh.SessionID == 0 {
			srv.sessionlessIPMI(peer, payload)
			return
		}
		srv.dispatchActive(peer, sh, payload)
	default:
		// RAKP2/RAKP4/OEM payloads reaching a server are not meaningful
		// (the server never initiates); drop.
	}
}

// openSession implements spec §4.4.1: allocate a managed session ID,
// install a fresh Session in AwaitRakp1, and reply with the Open Session
// Response.
func (srv *Server) openSession(peer net.Addr, payload []byte) {
	req, err := wire.UnmarshalOpenSessionRequest(payload)
	if err != nil {
		srv.emit(ProtocolEvent{Kind: EventFramingError, Peer: peer.String(), Detail: err.Error()})
		return
	}

	managedIDBytes, err := ipmicrypto.RandomBytes(4)
	if err != nil {
		return
	}
	managedID := decodeLE32(managedIDBytes)

	s := newSession(peer, managedID, srv.log.WithField("peer", peer.String()))
	s.ClientSessionID = req.ClientSessionID
	s.touch(srv.clock.Now())
	if srv.table.Put(s) {
		srv.emit(ProtocolEvent{Kind: EventSessionReplaced, Peer: peer.String()})
	}

	rsp := wire.OpenSessionResponse{
		Tag:              req.Tag,
		Status:           0,
		MaxPriv:          req.MaxPriv,
		ClientSessionID:  req.ClientSessionID,
		ManagedSessionID: managedID,
	}
	_ = srv.send(peer, 0, 0, wire.PayloadTypeOpenSessionRsp, rsp.Marshal())
	if srv.metrics != nil {
		srv.metrics.IncSessionsOpened()
		srv.metrics.SetActiveSessions(srv.table.Len())
	}
}

func (srv *Server) continueRAKP1(peer net.Addr, payload []byte) {
	s, ok := srv.table.Lookup(peer)
	if !ok || (s.State() != AwaitRakp1 && s.State() != AwaitRakp3) {
		return
	}
	rsp, ok := srv.handleRAKP1(s, payload)
	if !ok {
		return
	}
	s.touch(srv.clock.Now())
	_ = srv.send(peer, 0, 0, wire.PayloadTypeRAKP2, rsp.Marshal())
}

func (srv *Server) continueRAKP3(peer net.Addr, payload []byte) {
	s, ok := srv.table.Lookup(peer)
	if !ok || s.State() != AwaitRakp3 {
		return
	}
	rsp, ok := srv.handleRAKP3(s, payload)
	if !ok {
		return
	}
	s.touch(srv.clock.Now())
	_ = srv.send(peer, 0, 0, wire.PayloadTypeRAKP4, rsp.Marshal())
}

// sessionlessIPMI answers the two commands pyghmi serves with no session
// at all: Get Channel Authentication Capabilities (0x38) and Get Cipher
// Suites (0x54). Anything else sessionless is dropped.
func (srv *Server) sessionlessIPMI(peer net.Addr, payload []byte) {
	req, err := wire.UnmarshalLANRequest(payload)
	if err != nil {
		srv.emit(ProtocolEvent{Kind: EventFramingError, Peer: peer.String(), Detail: err.Error()})
		return
	}

	switch req.Cmd {
	case channelAuthCapCmd:
		if !validChannelAuthCapRequest(req) {
			return
		}
		srv.sendAuthCap(peer, req)
	case cipherSuitesCmd:
		srv.sendCipherSuites(peer, req)
	}
}

const (
	authCapVersionBit   = 0b10000000
	authCapChannelMask  = 0b00001111
	authCapChannelValue = 0x0e
)

// validChannelAuthCapRequest checks the version bit and channel of a Get
// Channel Authentication Capabilities request's first data byte, matching
// pyghmi's sessionless_data (version != 0b10000000 or channel != 0xe both
// drop the request).
func validChannelAuthCapRequest(req wire.LANRequest) bool {
	if len(req.Data) == 0 {
		return false
	}
	verchannel := req.Data[0]
	if verchannel&authCapVersionBit != authCapVersionBit {
		return false
	}
	return verchannel&authCapChannelMask == authCapChannelValue
}

// sendAuthCap replies with the precomputed nine-byte authcap body
// (buildAuthCap), framed as a normal LAN response (spec §4.3; layout
// grounded on pyghmi's send_auth_cap).
func (srv *Server) sendAuthCap(peer net.Addr, req wire.LANRequest) {
	rsp := wire.LANResponse{
		RqAddr:         req.RsAddr,
		NetFn:          req.NetFn.Response(),
		RqLUN:          req.RsLUN,
		RsAddr:         req.RqAddr,
		RqSeq:          req.RqSeq,
		RsLUN:          req.RqLUN,
		Cmd:            req.Cmd,
		CompletionCode: 0,
		Data:           srv.authCap[1:],
	}
	_ = srv.send(peer, 0, 0, wire.PayloadTypeIPMI, rsp.Marshal())
}

// sendCipherSuites hardcodes a cipher-suite-3-only response, matching
// pyghmi's send_cipher_suites boilerplate bytes exactly.
func (srv *Server) sendCipherSuites(peer net.Addr, req wire.LANRequest) {
	rsp := wire.LANResponse{
		RqAddr:         req.RsAddr,
		NetFn:          req.NetFn.Response(),
		RqLUN:          req.RsLUN,
		RsAddr:         req.RqAddr,
		RqSeq:          req.RqSeq,
		RsLUN:          req.RqLUN,
		Cmd:            req.Cmd,
		CompletionCode: 0,
		Data:           []byte{0x01, 0xc0, 0x03, 0x01, 0x41, 0x81},
	}
	_ = srv.send(peer, 0, 0, wire.PayloadTypeIPMI, rsp.Marshal())
}

func decodeLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
