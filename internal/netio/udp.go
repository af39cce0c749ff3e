// Package netio provides the UDP transport the session server runs over,
// implementing session.PacketSource and session.PacketSink. Grounded on
// dantte-lp-gobfd's internal/netio/listener.go: a thin wrapper around a
// net.PacketConn exposing a blocking Recv plus a Close, used by the host
// instead of the session core touching sockets directly.
package netio

import (
	"fmt"
	"net"
)

const maxDatagramSize = 1500

// UDPTransport is a net.UDPConn wrapped to satisfy both
// session.PacketSource and session.PacketSink.
type UDPTransport struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket at address:port (address may be "" for all
// interfaces, or "::" for all IPv6+IPv4-mapped interfaces).
func Listen(address string, port int) (*UDPTransport, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(address), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s:%d: %w", address, port, err)
	}
	return &UDPTransport{conn: conn}, nil
}

// Recv blocks for the next datagram, returning a freshly allocated copy of
// its bytes and the sender's address.
func (t *UDPTransport) Recv() ([]byte, net.Addr, error) {
	buf := make([]byte, maxDatagramSize)
	n, peer, err := t.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("read udp packet: %w", err)
	}
	return buf[:n], peer, nil
}

// Send writes data to peer.
func (t *UDPTransport) Send(data []byte, peer net.Addr) error {
	if _, err := t.conn.WriteTo(data, peer); err != nil {
		return fmt.Errorf("write udp packet to %s: %w", peer, err)
	}
	return nil
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error {
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("close udp transport: %w", err)
	}
	return nil
}

// LocalAddr reports the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
