package session_test

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virtualbmc/ipmiserver/internal/authstore"
	"github.com/virtualbmc/ipmiserver/internal/ipmicrypto"
	"github.com/virtualbmc/ipmiserver/internal/session"
	"github.com/virtualbmc/ipmiserver/internal/wire"
)

// fakeSink captures every packet a Server sends, keyed by nothing in
// particular — tests pull the most recent one off the back.
type fakeSink struct {
	mu  sync.Mutex
	out [][]byte
}

func (f *fakeSink) Send(data []byte, _ net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.out = append(f.out, cp)
	return nil
}

func (f *fakeSink) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return nil
	}
	return f.out[len(f.out)-1]
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func frame(payloadType wire.PayloadType, sessionID, seq uint32, payload []byte) []byte {
	sh := wire.SessionHeader{
		PayloadType:   payloadType,
		SessionID:     sessionID,
		SessionSeq:    seq,
		PayloadLength: uint16(len(payload)),
	}
	buf := append(wire.NewRMCPHeaderForIPMI().Marshal(), sh.Marshal()...)
	return append(buf, payload...)
}

func openSessionRequestPayload(tag, maxPriv uint8, clientSessionID uint32) []byte {
	buf := make([]byte, 32)
	buf[0] = tag
	buf[1] = maxPriv
	copy(buf[4:8], le32(clientSessionID))
	return buf
}

func rakp1Payload(tag uint8, managedSessionIDEcho uint32, rm [16]byte, roleM uint8, username string) []byte {
	buf := make([]byte, 28+len(username))
	buf[0] = tag
	copy(buf[4:8], le32(managedSessionIDEcho))
	copy(buf[8:24], rm[:])
	buf[24] = roleM
	buf[27] = byte(len(username))
	copy(buf[28:], username)
	return buf
}

func rakp3Payload(tag, status uint8, managedSessionIDEcho uint32, authcode []byte) []byte {
	buf := make([]byte, 8+len(authcode))
	buf[0] = tag
	buf[1] = status
	copy(buf[4:8], le32(managedSessionIDEcho))
	copy(buf[8:], authcode)
	return buf
}

func roleUsernameTag(roleM uint8, username string) []byte {
	out := []byte{roleM, byte(len(username))}
	return append(out, username...)
}

// doHandshake drives a full RAKP handshake against srv as a correctly
// behaving client would, returning the derived session material so callers
// can build authenticated active-session traffic afterward.
type handshakeResult struct {
	clientSessionID  uint32
	managedSessionID uint32
	rm               [16]byte
	rc               [16]byte
	roleM            uint8
	username         string
	k1               [20]byte
	aesKey           [16]byte
}

func doHandshake(t *testing.T, srv *session.Server, sink *fakeSink, peer net.Addr, username, password string, roleM uint8, clientSessionID uint32) handshakeResult {
	t.Helper()

	req := openSessionRequestPayload(0xAA, 4, clientSessionID)
	srv.HandlePacket(frame(wire.PayloadTypeOpenSessionReq, 0, 0, req), peer)

	rspBuf := sink.last()
	_, rest, err := wire.UnmarshalRMCPHeader(rspBuf)
	require.NoError(t, err)
	sh, payload, err := wire.UnmarshalSessionHeader(rest)
	require.NoError(t, err)
	require.Equal(t, wire.PayloadTypeOpenSessionRsp, sh.PayloadType.Base())
	require.EqualValues(t, 0, payload[1]) // status
	managedSessionID := binary.LittleEndian.Uint32(payload[8:12])

	var rm [16]byte
	copy(rm[:], []byte("0123456789abcdef"))

	rakp1 := rakp1Payload(0x01, managedSessionID, rm, roleM, username)
	srv.HandlePacket(frame(wire.PayloadTypeRAKP1, 0, 0, rakp1), peer)

	rspBuf = sink.last()
	_, rest, err = wire.UnmarshalRMCPHeader(rspBuf)
	require.NoError(t, err)
	sh, payload, err = wire.UnmarshalSessionHeader(rest)
	require.NoError(t, err)
	require.Equal(t, wire.PayloadTypeRAKP2, sh.PayloadType.Base())
	require.EqualValues(t, 0, payload[1]) // status

	var rc, uuid [16]byte
	copy(rc[:], payload[8:24])
	copy(uuid[:], payload[24:40])

	kuid := []byte(password)
	kg := kuid // server config leaves KG unset in these tests

	sikInput := append(append([]byte{}, rm[:]...), rc[:]...)
	sikInput = append(sikInput, roleUsernameTag(roleM, username)...)
	sik := ipmicrypto.HMACSHA1(kg, sikInput)

	bytesOf := func(b byte) []byte {
		out := make([]byte, 20)
		for i := range out {
			out[i] = b
		}
		return out
	}
	k1 := ipmicrypto.HMACSHA1(sik[:], bytesOf(0x01))
	k2 := ipmicrypto.HMACSHA1(sik[:], bytesOf(0x02))
	var aesKey [16]byte
	copy(aesKey[:], k2[:16])

	clientAuthInput := append(append([]byte{}, rc[:]...), le32(clientSessionID)...)
	clientAuthInput = append(clientAuthInput, roleUsernameTag(roleM, username)...)
	clientAuthcode := ipmicrypto.HMACSHA1(kuid, clientAuthInput)

	rakp3 := rakp3Payload(0x01, 0, managedSessionID, clientAuthcode[:])
	srv.HandlePacket(frame(wire.PayloadTypeRAKP3, 0, 0, rakp3), peer)

	return handshakeResult{
		clientSessionID:  clientSessionID,
		managedSessionID: managedSessionID,
		rm:               rm,
		rc:               rc,
		roleM:            roleM,
		username:         username,
		k1:               k1,
		aesKey:           aesKey,
	}
}

func newTestServer(t *testing.T, sink *fakeSink, clock session.Clock, inactivity time.Duration) *session.Server {
	t.Helper()
	return session.New(session.Config{
		Auth:              authstore.NewStatic(map[string]string{"admin": "admin"}),
		UUID:              [16]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		Source:            nil,
		Sink:              sink,
		Clock:             clock,
		InactivityTimeout: inactivity,
	})
}

func wrapActivePayload(t *testing.T, aesKey [16]byte, k1 [20]byte, lan []byte) []byte {
	t.Helper()
	ciphertext, err := ipmicrypto.AESCBC128Encrypt(aesKey[:], lan)
	require.NoError(t, err)
	trailer := ipmicrypto.HMACSHA1_96(k1[:], ciphertext)
	return append(ciphertext, trailer[:]...)
}

func unwrapActivePayload(t *testing.T, aesKey [16]byte, payload []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(payload), ipmicrypto.IntegritySize)
	body := payload[:len(payload)-ipmicrypto.IntegritySize]
	plaintext, err := ipmicrypto.AESCBC128Decrypt(aesKey[:], body)
	require.NoError(t, err)
	return plaintext
}

func TestHappyPathHandshakeAndPrivilege(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, session.SystemClock, time.Minute)
	peer := fakeAddr("10.0.0.1:6230")

	hs := doHandshake(t, srv, sink, peer, "admin", "admin", 0x14, 0x01020304)

	rakp4Buf := sink.last()
	_, rest, err := wire.UnmarshalRMCPHeader(rakp4Buf)
	require.NoError(t, err)
	sh, payload, err := wire.UnmarshalSessionHeader(rest)
	require.NoError(t, err)
	require.Equal(t, wire.PayloadTypeRAKP4, sh.PayloadType.Base())
	require.EqualValues(t, 0, payload[1])

	require.Equal(t, 1, srv.SessionCount())

	setPriv := wire.LANRequest{RsAddr: 0x20, NetFn: wire.NetFnAppReq, RqAddr: 0x81, RqSeq: 1, Cmd: 0x3b, Data: []byte{4}}
	encrypted := wrapActivePayload(t, hs.aesKey, hs.k1, setPriv.Marshal())
	srv.HandlePacket(frame(wire.PayloadTypeIPMI.WithFlags(true, true), hs.managedSessionID, 1, encrypted), peer)

	rspBuf := sink.last()
	_, rest, err = wire.UnmarshalRMCPHeader(rspBuf)
	require.NoError(t, err)
	sh, payload, err = wire.UnmarshalSessionHeader(rest)
	require.NoError(t, err)
	require.Equal(t, hs.clientSessionID, sh.SessionID)

	plaintext := unwrapActivePayload(t, hs.aesKey, payload)
	rsp, err := wire.UnmarshalLANResponse(plaintext)
	require.NoError(t, err)
	require.EqualValues(t, 0, rsp.CompletionCode)
	require.Equal(t, []byte{4}, rsp.Data)

	closeSession := wire.LANRequest{RsAddr: 0x20, NetFn: wire.NetFnAppReq, RqAddr: 0x81, RqSeq: 2, Cmd: 0x3c}
	encrypted = wrapActivePayload(t, hs.aesKey, hs.k1, closeSession.Marshal())
	srv.HandlePacket(frame(wire.PayloadTypeIPMI.WithFlags(true, true), hs.managedSessionID, 2, encrypted), peer)

	require.Equal(t, 0, srv.SessionCount())
}

func TestBadRAKP3NoRAKP4Emitted(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, session.SystemClock, time.Minute)
	peer := fakeAddr("10.0.0.2:6230")

	req := openSessionRequestPayload(0xAA, 4, 0x01020304)
	srv.HandlePacket(frame(wire.PayloadTypeOpenSessionReq, 0, 0, req), peer)
	_, rest, _ := wire.UnmarshalRMCPHeader(sink.last())
	_, payload, _ := wire.UnmarshalSessionHeader(rest)
	managedSessionID := binary.LittleEndian.Uint32(payload[8:12])

	var rm [16]byte
	copy(rm[:], []byte("0123456789abcdef"))
	srv.HandlePacket(frame(wire.PayloadTypeRAKP1, 0, 0, rakp1Payload(0x01, managedSessionID, rm, 0x14, "admin")), peer)

	countAfterRAKP2 := sink.count()

	badAuthcode := make([]byte, 20)
	badAuthcode[0] = 0xff // definitely wrong
	srv.HandlePacket(frame(wire.PayloadTypeRAKP3, 0, 0, rakp3Payload(0x01, 0, managedSessionID, badAuthcode)), peer)

	require.Equal(t, countAfterRAKP2, sink.count(), "no RAKP4 should have been sent on authcode mismatch")
}

func TestPrivilegeCapRejected(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, session.SystemClock, time.Minute)
	peer := fakeAddr("10.0.0.3:6230")

	hs := doHandshake(t, srv, sink, peer, "admin", "admin", 0x12, 0x0a0b0c0d) // maxpriv 2

	setPriv := wire.LANRequest{RsAddr: 0x20, NetFn: wire.NetFnAppReq, RqAddr: 0x81, RqSeq: 1, Cmd: 0x3b, Data: []byte{4}}
	encrypted := wrapActivePayload(t, hs.aesKey, hs.k1, setPriv.Marshal())
	srv.HandlePacket(frame(wire.PayloadTypeIPMI.WithFlags(true, true), hs.managedSessionID, 1, encrypted), peer)

	_, rest, err := wire.UnmarshalRMCPHeader(sink.last())
	require.NoError(t, err)
	_, payload, err := wire.UnmarshalSessionHeader(rest)
	require.NoError(t, err)
	plaintext := unwrapActivePayload(t, hs.aesKey, payload)
	rsp, err := wire.UnmarshalLANResponse(plaintext)
	require.NoError(t, err)
	require.EqualValues(t, 0x81, rsp.CompletionCode)
}

func TestReplayedSequenceDropped(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, session.SystemClock, time.Minute)
	peer := fakeAddr("10.0.0.4:6230")

	hs := doHandshake(t, srv, sink, peer, "admin", "admin", 0x14, 0x01020304)

	setPriv := wire.LANRequest{RsAddr: 0x20, NetFn: wire.NetFnAppReq, RqAddr: 0x81, RqSeq: 1, Cmd: 0x3b, Data: []byte{4}}
	encrypted := wrapActivePayload(t, hs.aesKey, hs.k1, setPriv.Marshal())

	srv.HandlePacket(frame(wire.PayloadTypeIPMI.WithFlags(true, true), hs.managedSessionID, 1, encrypted), peer)
	countAfterFirst := sink.count()

	srv.HandlePacket(frame(wire.PayloadTypeIPMI.WithFlags(true, true), hs.managedSessionID, 1, encrypted), peer)
	require.Equal(t, countAfterFirst, sink.count(), "replayed sequence must not get a second response")
}

func TestInactivitySweepRemovesIdleSession(t *testing.T) {
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	srv := newTestServer(t, sink, clock, 60*time.Second)
	peer := fakeAddr("10.0.0.5:6230")

	doHandshake(t, srv, sink, peer, "admin", "admin", 0x14, 0x01020304)
	require.Equal(t, 1, srv.SessionCount())

	clock.set(time.Unix(0, 0).Add(61 * time.Second))
	srv.Sweep(clock.Now())

	require.Equal(t, 0, srv.SessionCount())
}

func TestOpenSessionReplacesExistingSessionForSamePeer(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, session.SystemClock, time.Minute)
	peer := fakeAddr("10.0.0.6:6230")

	doHandshake(t, srv, sink, peer, "admin", "admin", 0x14, 0x01020304)
	require.Equal(t, 1, srv.SessionCount())

	req := openSessionRequestPayload(0xBB, 4, 0x0a0b0c0d)
	srv.HandlePacket(frame(wire.PayloadTypeOpenSessionReq, 0, 0, req), peer)

	require.Equal(t, 1, srv.SessionCount(), "same peer tuple should replace, not add")
}

func TestUnknownUsernameDropsHandshake(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, session.SystemClock, time.Minute)
	peer := fakeAddr("10.0.0.7:6230")

	req := openSessionRequestPayload(0xAA, 4, 0x01020304)
	srv.HandlePacket(frame(wire.PayloadTypeOpenSessionReq, 0, 0, req), peer)
	countAfterOpen := sink.count()

	_, rest, _ := wire.UnmarshalRMCPHeader(sink.last())
	_, payload, _ := wire.UnmarshalSessionHeader(rest)
	managedSessionID := binary.LittleEndian.Uint32(payload[8:12])

	var rm [16]byte
	srv.HandlePacket(frame(wire.PayloadTypeRAKP1, 0, 0, rakp1Payload(0x01, managedSessionID, rm, 0x14, "nosuchuser")), peer)

	require.Equal(t, countAfterOpen, sink.count(), "unknown username must not produce a RAKP2")
}
