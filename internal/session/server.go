package session

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/virtualbmc/ipmiserver/internal/authstore"
	"github.com/virtualbmc/ipmiserver/internal/backend"
	"github.com/virtualbmc/ipmiserver/internal/metrics"
	"github.com/virtualbmc/ipmiserver/internal/wire"
)

// Server is the IPMI-2 listening endpoint: one Server per bound socket,
// owning a session Table and dispatching both sessionless and in-session
// traffic. Grounded on the teacher's bmc.Server/ipmi.Server shape (a
// struct holding a *logrus.Entry and a Start/Stop lifecycle) wired to
// pyghmi's IpmiServer semantics.
type Server struct {
	auth    authstore.AuthStore
	kg      []byte
	uuid    [16]byte
	backend backend.BmcBackend

	table *Table
	clock Clock

	source PacketSource
	sink   PacketSink

	InactivityTimeout time.Duration
	SweepInterval     time.Duration

	log     *logrus.Entry
	onEvent EventHandler
	metrics *metrics.Collector

	authCap []byte
}

// Config bundles the values a caller must supply to New; it intentionally
// mirrors spec §6's external-interface list plus the configurable
// inactivity timeout from SPEC_FULL §9.
type Config struct {
	Auth              authstore.AuthStore
	KG                []byte
	UUID              [16]byte
	Backend           backend.BmcBackend
	Source            PacketSource
	Sink              PacketSink
	InactivityTimeout time.Duration
	Clock             Clock
	Log               *logrus.Entry
	OnEvent           EventHandler
	Metrics           *metrics.Collector
}

const defaultInactivityTimeout = 60 * time.Second
const defaultSweepInterval = 5 * time.Second

// New builds a Server ready to Run. A zero InactivityTimeout falls back to
// the spec's 60-second default.
func New(cfg Config) *Server {
	timeout := cfg.InactivityTimeout
	if timeout <= 0 {
		timeout = defaultInactivityTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	be := cfg.Backend
	if be == nil {
		be = backend.Default{}
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Server{
		auth:              cfg.Auth,
		kg:                cfg.KG,
		uuid:              cfg.UUID,
		backend:           be,
		table:             newTable(),
		clock:             clock,
		source:            cfg.Source,
		sink:              cfg.Sink,
		InactivityTimeout: timeout,
		SweepInterval:     defaultSweepInterval,
		log:               log,
		onEvent:           cfg.OnEvent,
		metrics:           cfg.Metrics,
		authCap:           buildAuthCap(),
	}
}

// buildAuthCap is the nine-byte channel-authentication-capabilities body
// pyghmi precomputes in its constructor: completion code 0, channel 1,
// authtype 0x80 (ipmi2 only), authstatus 0x04, chancap 0x02 (ipmi2 only),
// four reserved OEM bytes.
func buildAuthCap() []byte {
	return []byte{0, 1, 0b10000000, 0b00000100, 0b00000010, 0, 0, 0, 0}
}

// SessionCount reports the number of live sessions, for a metrics gauge.
func (srv *Server) SessionCount() int { return srv.table.Len() }

func (srv *Server) emit(ev ProtocolEvent) {
	if srv.onEvent != nil {
		srv.onEvent(ev)
	}
	if srv.metrics == nil {
		return
	}
	switch ev.Kind {
	case EventUnknownUsername, EventRAKP3AuthMismatch, EventRAKP3BadStatus, EventFramingError:
		srv.metrics.IncRAKPFailure(ev.Kind.String())
	case EventReplayedSequence, EventIntegrityFailure, EventDecryptFailure:
		srv.metrics.IncPacketsDropped(ev.Kind.String())
	case EventSessionSwept, EventSessionBroken, EventSessionReplaced:
		srv.metrics.IncSessionsClosed(ev.Kind.String())
	}
}

// Run drives the receive loop and the inactivity-sweep ticker together,
// returning when ctx is cancelled or either goroutine returns an error
// (SPEC_FULL §5: both run under one errgroup.Group). The receive loop checks
// ctx only between packets, so after cancellation Run returns once the
// PacketSource's Recv returns (for example because the source was closed).
func (srv *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.receiveLoop(ctx)
	})
	g.Go(func() error {
		return srv.sweepLoop(ctx)
	})

	return g.Wait()
}

func (srv *Server) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, peer, err := srv.source.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		srv.HandlePacket(data, peer)
	}
}

func (srv *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(srv.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			srv.Sweep(srv.clock.Now())
		}
	}
}

// Sweep removes sessions idle longer than InactivityTimeout, or already
// Broken/Closed, emitting a ProtocolEvent per removal. Exposed directly so
// tests can drive it deterministically via a fake Clock rather than
// waiting on sweepLoop's ticker.
func (srv *Server) Sweep(now time.Time) {
	for _, s := range srv.table.Sweep(now, srv.InactivityTimeout) {
		kind := EventSessionSwept
		if s.State() == Broken {
			kind = EventSessionBroken
		}
		srv.emit(ProtocolEvent{Kind: kind, Peer: s.Peer.String()})
	}
	if srv.metrics != nil {
		srv.metrics.SetActiveSessions(srv.table.Len())
	}
}

// send wraps payload in an IPMI-2 session header and RMCP header and
// writes it to peer. sessionID is the outbound header's session_id field —
// zero throughout the RAKP handshake, and the client's own session ID
// (little-endian decoded) once a session reaches Active (see rakp.go and
// DESIGN.md for why this differs from the managed session ID).
func (srv *Server) send(peer net.Addr, sessionID uint32, seq uint32, payloadType wire.PayloadType, payload []byte) error {
	sh := wire.SessionHeader{
		PayloadType:   payloadType,
		SessionID:     sessionID,
		SessionSeq:    seq,
		PayloadLength: uint16(len(payload)),
	}
	buf := append(wire.NewRMCPHeaderForIPMI().Marshal(), sh.Marshal()...)
	buf = append(buf, payload...)
	return srv.sink.Send(buf, peer)
}

