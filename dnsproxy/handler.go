package dnsproxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const (
	// answerTTL is the TTL of locally synthesized A records.
	answerTTL = 60

	// forwardTimeout bounds the wait for an upstream reply. There are no
	// retries; the client's own retransmission is the retry budget.
	forwardTimeout = 2 * time.Second
)

// handlePacket runs the full per-datagram protocol: decode, try the local
// table, answer or forward, SERVFAIL on forwarding failure. Malformed
// packets and questionless messages are dropped without a reply.
func (s *Server) handlePacket(packet []byte, peer netip.AddrPort) error {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		s.log.Debug().Err(err).Stringer("peer", peer).Msg("dropping undecodable packet")
		return nil
	}

	if len(msg.Question) == 0 {
		return nil
	}

	// Only the first question matters; real clients send one per query.
	q := msg.Question[0]

	s.log.Debug().
		Stringer("peer", peer).
		Str("qname", q.Name).
		Str("qtype", dns.TypeToString[q.Qtype]).
		Msg("query")

	if s.state.Enabled() {
		addr, found, err := s.state.Resolve(context.Background(), q.Name)
		if err != nil {
			// A degraded domain table downgrades the query to a plain
			// forward instead of failing it.
			s.log.Warn().Err(err).Str("qname", q.Name).Msg("domain table lookup failed, forwarding")
		}

		if found && (q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY) {
			if err := s.answerLocal(msg, q, addr, peer); err != nil {
				return err
			}
			s.log.Info().Str("qname", q.Name).Stringer("addr", addr).Stringer("peer", peer).Msg("answered locally")
			return nil
		}
	}

	upstream := s.state.Upstream()
	if err := s.forward(packet, upstream, peer); err != nil {
		if sendErr := s.answerServfail(msg, q, peer); sendErr != nil {
			return fmt.Errorf("sending SERVFAIL after forward failure (%v): %w", err, sendErr)
		}
		s.log.Info().Str("qname", q.Name).Stringer("peer", peer).Msg("answered SERVFAIL")
		return fmt.Errorf("forwarding to %s failed: %w", upstream, err)
	}

	return nil
}

// answerLocal sends an authoritative response with a single A record.
func (s *Server) answerLocal(req *dns.Msg, q dns.Question, addr netip.Addr, peer netip.AddrPort) error {
	resp := &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:            req.Id,
			Response:      true,
			Opcode:        dns.OpcodeQuery,
			Authoritative: true,
		},
		Question: []dns.Question{q},
		Answer: []dns.RR{
			&dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    answerTTL,
				},
				A: addr.AsSlice(),
			},
		},
	}

	return s.send(resp, peer)
}

// answerServfail sends a SERVFAIL carrying the original ID and question.
func (s *Server) answerServfail(req *dns.Msg, q dns.Question, peer netip.AddrPort) error {
	resp := &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:            req.Id,
			Response:      true,
			Opcode:        dns.OpcodeQuery,
			Authoritative: true,
			Rcode:         dns.RcodeServerFailure,
		},
		Question: []dns.Question{q},
	}

	return s.send(resp, peer)
}

func (s *Server) send(resp *dns.Msg, peer netip.AddrPort) error {
	out, err := resp.Pack()
	if err != nil {
		return fmt.Errorf("packing response: %w", err)
	}
	if _, err := s.conn.WriteToUDPAddrPort(out, peer); err != nil {
		return fmt.Errorf("sending response to %s: %w", peer, err)
	}
	return nil
}

// forward sends the original query bytes to upstream over a fresh ephemeral
// socket and relays the reply verbatim to the client. The reply is not
// reparsed; whatever the upstream answered, including its error codes,
// reaches the client untouched.
func (s *Server) forward(packet []byte, upstream netip.AddrPort, client netip.AddrPort) error {
	uc, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(upstream))
	if err != nil {
		return fmt.Errorf("dialing upstream: %w", err)
	}
	defer uc.Close()

	if _, err := uc.Write(packet); err != nil {
		return fmt.Errorf("sending to upstream: %w", err)
	}

	if err := uc.SetReadDeadline(time.Now().Add(forwardTimeout)); err != nil {
		return fmt.Errorf("arming upstream read deadline: %w", err)
	}

	buf := make([]byte, maxPacketSize)
	n, err := uc.Read(buf)
	if err != nil {
		return fmt.Errorf("awaiting upstream reply: %w", err)
	}

	if _, err := s.conn.WriteToUDPAddrPort(buf[:n], client); err != nil {
		return fmt.Errorf("relaying upstream reply to %s: %w", client, err)
	}

	return nil
}
