package session

import (
	"net"

	"github.com/virtualbmc/ipmiserver/internal/backend"
	"github.com/virtualbmc/ipmiserver/internal/ipmicrypto"
	"github.com/virtualbmc/ipmiserver/internal/wire"
)

const (
	netFnApp               = 0x06
	cmdSetSessionPrivilege = 0x3b
	cmdCloseSession        = 0x3c

	completionOK                = 0x00
	completionPrivilegeExceeded = 0x81
)

// dispatchActive implements spec §4.4.4: decrypt and verify an
// authenticated+encrypted payload-0x00 packet, decode the inner LAN
// message, and either intercept it (privilege/close) or hand it to the
// BmcBackend.
func (srv *Server) dispatchActive(peer net.Addr, sh wire.SessionHeader, payload []byte) {
	s, ok := srv.table.Lookup(peer)
	if !ok || s.State() != Active {
		return
	}
	if sh.SessionID != s.ManagedSessionID {
		return
	}
	if !s.acceptRxSeq(sh.SessionSeq) {
		srv.emit(ProtocolEvent{Kind: EventReplayedSequence, Peer: peer.String()})
		return
	}

	plaintext, ok := srv.unwrapPayload(s, payload)
	if !ok {
		return
	}

	req, err := wire.UnmarshalLANRequest(plaintext)
	if err != nil {
		srv.emit(ProtocolEvent{Kind: EventFramingError, Peer: peer.String(), Detail: err.Error()})
		return
	}
	s.touch(srv.clock.Now())

	handle := &sessionHandle{srv: srv, session: s, req: req}

	switch {
	case req.NetFn == netFnApp && req.Cmd == cmdSetSessionPrivilege:
		srv.handleSetPrivilege(s, req, handle)
	case req.NetFn == netFnApp && req.Cmd == cmdCloseSession:
		handle.SendResponse(nil, completionOK)
		s.Close()
		srv.table.Remove(peer)
		if srv.metrics != nil {
			srv.metrics.SetActiveSessions(srv.table.Len())
		}
	default:
		srv.backend.HandleRawRequest(backend.Request{
			NetFn: uint8(req.NetFn),
			RqLUN: req.RqLUN,
			Cmd:   req.Cmd,
			Data:  req.Data,
		}, handle)
	}
}

func (srv *Server) handleSetPrivilege(s *Session, req wire.LANRequest, handle *sessionHandle) {
	if len(req.Data) == 0 {
		return
	}
	p := req.Data[0]
	if p > 1 && p > s.RoleM&0b111 {
		handle.SendResponse(nil, completionPrivilegeExceeded)
		return
	}
	s.Priv = p
	handle.SendResponse([]byte{s.Priv}, completionOK)
}

// unwrapPayload authenticates then decrypts an active-session payload:
// verify the HMAC-SHA1-96 trailer under K1, then decrypt the remaining
// ciphertext under AES_KEY (spec §4.4.4). Payload layout is [16-byte IV]
// [ciphertext, including the pad][12-byte HMAC over IV and ciphertext].
func (srv *Server) unwrapPayload(s *Session, payload []byte) ([]byte, bool) {
	if len(payload) < ipmicrypto.IntegritySize {
		srv.emit(ProtocolEvent{Kind: EventIntegrityFailure, Peer: s.Peer.String()})
		return nil, false
	}
	body, trailer := payload[:len(payload)-ipmicrypto.IntegritySize], payload[len(payload)-ipmicrypto.IntegritySize:]
	expected := ipmicrypto.HMACSHA1_96(s.K1[:], body)
	if !ipmicrypto.ConstantTimeEqual(expected[:], trailer) {
		srv.emit(ProtocolEvent{Kind: EventIntegrityFailure, Peer: s.Peer.String()})
		return nil, false
	}

	plaintext, err := ipmicrypto.AESCBC128Decrypt(s.AESKey[:], body)
	if err != nil {
		srv.emit(ProtocolEvent{Kind: EventDecryptFailure, Peer: s.Peer.String(), Detail: err.Error()})
		return nil, false
	}
	return plaintext, true
}

// wrapPayload encrypts and integrity-protects an outbound active-session
// payload under a session's AES_KEY/K1, mirroring unwrapPayload.
func (srv *Server) wrapPayload(s *Session, plaintext []byte) ([]byte, error) {
	ciphertext, err := ipmicrypto.AESCBC128Encrypt(s.AESKey[:], plaintext)
	if err != nil {
		return nil, err
	}
	trailer := ipmicrypto.HMACSHA1_96(s.K1[:], ciphertext)
	return append(ciphertext, trailer[:]...), nil
}

// sessionHandle is the narrow backend.SessionHandle view of a Session,
// bound to the request currently being dispatched so a backend can reply
// with the right rqSeq/netFn framing without seeing the Session itself.
type sessionHandle struct {
	srv     *Server
	session *Session
	req     wire.LANRequest
}

func (h *sessionHandle) SendResponse(data []byte, completionCode uint8) {
	rsp := wire.LANResponse{
		RqAddr:         h.req.RsAddr,
		NetFn:          h.req.NetFn.Response(),
		RqLUN:          h.req.RsLUN,
		RsAddr:         h.req.RqAddr,
		RqSeq:          h.req.RqSeq,
		RsLUN:          h.req.RqLUN,
		Cmd:            h.req.Cmd,
		CompletionCode: completionCode,
		Data:           data,
	}
	payload, err := h.srv.wrapPayload(h.session, rsp.Marshal())
	if err != nil {
		return
	}
	seq := h.session.nextOutboundSeq()
	_ = h.srv.send(h.session.Peer, h.session.ClientSessionID, seq, wire.PayloadTypeIPMI.WithFlags(true, true), payload)
}

func (h *sessionHandle) Close() {
	h.session.Close()
	h.srv.table.Remove(h.session.Peer)
	if h.srv.metrics != nil {
		h.srv.metrics.SetActiveSessions(h.srv.table.Len())
	}
}
