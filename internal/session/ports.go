// Package session implements the RMCP+/RAKP session lifecycle: sessionless
// packet classification, the four-message RAKP handshake, key derivation,
// and active-session request dispatch (spec §3, §4.3, §4.4).
package session

import (
	"net"
	"time"
)

// PacketSource yields inbound datagrams. The outer receive loop (host
// concern, spec §5) pulls from this; the core never owns socket creation.
type PacketSource interface {
	Recv() (data []byte, peer net.Addr, err error)
}

// PacketSink sends outbound datagrams to a peer.
type PacketSink interface {
	Send(data []byte, peer net.Addr) error
}

// Clock abstracts wall/monotonic time so inactivity sweeps and session
// timestamps are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock a host uses outside of tests.
var SystemClock Clock = systemClock{}
