package session

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a session's position in the RAKP handshake state machine
// (spec §3). Transitions are strictly forward: AwaitRakp1 -> AwaitRakp3 ->
// Active -> Closed. A parse or authentication failure during the handshake
// leaves the state unchanged; Broken is entered only through Break.
type State int

const (
	AwaitRakp1 State = iota
	AwaitRakp3
	Active
	Broken
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitRakp1:
		return "AwaitRakp1"
	case AwaitRakp3:
		return "AwaitRakp3"
	case Active:
		return "Active"
	case Broken:
		return "Broken"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session is one RAKP-negotiated client tuple. Field set matches spec §3
// exactly; last_rx_seq is the one internal addition the replay-protection
// design note (SPEC_FULL §9) introduces.
type Session struct {
	Peer net.Addr

	ClientSessionID  uint32
	ManagedSessionID uint32

	RoleM    uint8
	Username []byte

	KUID []byte // password bytes, looked up from AuthStore at RAKP1
	KG   []byte // shared integrity key; defaults to KUID when unconfigured

	Rm   [16]byte
	Rc   [16]byte
	UUID [16]byte

	SIK    [20]byte
	K1     [20]byte
	K2     [20]byte
	AESKey [16]byte

	SeqOut uint32

	state State
	Priv  uint8

	LastSeen time.Time

	// lastRxSeq is the highest session_seq accepted on an active-session
	// packet; enforced strictly increasing to reject replays (SPEC_FULL §9).
	lastRxSeq uint32

	log *logrus.Entry
}

// newSession builds a session freshly admitted by the sessionless handler,
// already carrying its managed session ID and peer, sitting in AwaitRakp1.
func newSession(peer net.Addr, managedSessionID uint32, log *logrus.Entry) *Session {
	return &Session{
		Peer:             peer,
		ManagedSessionID: managedSessionID,
		state:            AwaitRakp1,
		log:              log,
	}
}

// State reports the session's current position in the handshake.
func (s *Session) State() State { return s.state }

// transition moves the session to the given state unless it is already
// Broken or Closed.
func (s *Session) transition(to State) {
	if s.state == Broken || s.state == Closed {
		return
	}
	s.state = to
}

// Break marks the session unusable (handleRAKP1 calls it when R_c cannot be
// generated). It never panics or returns an error to the caller — per spec §4.4.5 the
// session is simply dropped from further consideration and reaped by the
// next inactivity sweep.
func (s *Session) Break(reason string) {
	if s.state == Broken || s.state == Closed {
		return
	}
	s.state = Broken
	if s.log != nil {
		s.log.WithField("reason", reason).Debug("session broken")
	}
}

// Close marks the session terminated by an explicit Close Session command.
func (s *Session) Close() {
	s.state = Closed
}

// touch records activity for the inactivity sweep.
func (s *Session) touch(now time.Time) {
	s.LastSeen = now
}

// nextOutboundSeq returns the sequence number for the next emitted IPMI
// payload and increments the counter, per spec §4.4.3/§4.4.4.
func (s *Session) nextOutboundSeq() uint32 {
	seq := s.SeqOut
	s.SeqOut++
	return seq
}

// acceptRxSeq enforces the monotonic inbound sequence check: a packet with
// session_seq no greater than the highest one already accepted is a replay
// and must be rejected before decryption is attempted.
func (s *Session) acceptRxSeq(seq uint32) bool {
	if seq <= s.lastRxSeq {
		return false
	}
	s.lastRxSeq = seq
	return true
}
