// Package dnsproxy is the UDP front of the resolver: it answers A queries
// for locally mapped domains and forwards everything else verbatim to the
// configured upstream resolver.
package dnsproxy

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/devdns/devdns/logging"
	"github.com/devdns/devdns/resolver"
)

const (
	// maxPacketSize bounds both inbound queries and relayed upstream
	// replies. Plain UDP DNS tops out well below this even with EDNS0.
	maxPacketSize = 4096
)

// Config is the DNS server configuration.
type Config struct {
	// ListenAddr is the address the DNS server is supposed to listen to.
	ListenAddr netip.AddrPort

	// State is the resolver state shared with the administrative surface.
	State *resolver.State
}

// Server owns the listening socket and the receive loop. Each inbound
// datagram is handled on its own goroutine; the loop itself never blocks on
// a handler.
type Server struct {
	listenAddr netip.AddrPort
	state      *resolver.State
	log        zerolog.Logger

	conn     *net.UDPConn
	shutdown chan struct{}
	stopped  chan struct{}
	closer   sync.Once
}

// type check
var _ io.Closer = (*Server)(nil)

// New creates a new instance of *Server. The socket is not bound until
// Start is called.
func New(cfg *Config) *Server {
	return &Server{
		listenAddr: cfg.ListenAddr,
		state:      cfg.State,
		log:        logging.WithComponent("dnsproxy"),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start binds the listening socket and launches the receive loop. A bind
// failure is returned immediately and the server never starts.
func (s *Server) Start() error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(s.listenAddr))
	if err != nil {
		return fmt.Errorf("binding udp socket to %s: %w", s.listenAddr, err)
	}
	s.conn = conn

	s.log.Info().Stringer("addr", conn.LocalAddr()).Msg("local DNS UDP listening")

	go s.serve()
	return nil
}

// LocalAddr returns the bound listen address. Useful when the configured
// port was 0.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// serve pulls one datagram at a time off the socket and hands each to its
// own handler goroutine. The shutdown signal is checked before every read
// so a flood of inbound traffic cannot starve it.
func (s *Server) serve() {
	defer close(s.stopped)

	for {
		select {
		case <-s.shutdown:
			s.log.Info().Msg("shutting down DNS server")
			return
		default:
		}

		buf := make([]byte, maxPacketSize)
		n, peer, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.shutdown:
				s.log.Info().Msg("shutting down DNS server")
				return
			default:
			}
			s.log.Warn().Err(err).Msg("recv error")
			continue
		}

		packet := buf[:n]
		go func() {
			if err := s.handlePacket(packet, peer); err != nil {
				s.log.Warn().Err(err).Stringer("peer", peer).Msg("error handling DNS packet")
			}
		}()
	}
}

// Close implements the [io.Closer] interface for Server. It stops the
// receive loop and drops the listening socket; handlers already in flight
// run to completion. Calling it again is a no-op.
func (s *Server) Close() error {
	s.closer.Do(func() {
		close(s.shutdown)
		if s.conn != nil {
			s.conn.Close()
		}
	})
	if s.conn != nil {
		<-s.stopped
	}
	return nil
}
