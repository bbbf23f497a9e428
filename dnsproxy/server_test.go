package dnsproxy

import (
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/devdns/devdns/resolver"
)

func startServer(t *testing.T, state *resolver.State) netip.AddrPort {
	t.Helper()
	s := New(&Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		State:      state,
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s.LocalAddr().(*net.UDPAddr).AddrPort()
}

// startFakeUpstream runs a canned DNS responder on an ephemeral port.
func startFakeUpstream(t *testing.T, respond func(req *dns.Msg) *dns.Msg) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, maxPacketSize)
		for {
			n, peer, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := respond(req)
			if resp == nil {
				continue
			}
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			conn.WriteToUDPAddrPort(out, peer)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// deadUpstream binds a socket that never answers.
func deadUpstream(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func exchange(t *testing.T, server netip.AddrPort, req *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	t.Helper()
	out, err := req.Pack()
	require.NoError(t, err)
	return exchangeRaw(t, server, out, timeout)
}

func exchangeRaw(t *testing.T, server netip.AddrPort, packet []byte, timeout time.Duration) (*dns.Msg, error) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(server))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(packet)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, maxPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))
	return resp, nil
}

func queryMsg(name string, qtype uint16) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	return req
}

func TestLocalAnswer(t *testing.T) {
	state := resolver.New(deadUpstream(t))
	require.NoError(t, state.AddDomainSync("local.dev", netip.MustParseAddr("127.0.0.1")))
	server := startServer(t, state)

	req := queryMsg("local.dev", dns.TypeA)
	resp, err := exchange(t, server, req, time.Second)
	require.NoError(t, err)

	require.Equal(t, req.Id, resp.Id)
	require.True(t, resp.Response)
	require.True(t, resp.Authoritative)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok, "answer is not an A record: %T", resp.Answer[0])
	require.Equal(t, "127.0.0.1", a.A.String())
	require.EqualValues(t, 60, a.Hdr.Ttl)
}

func TestLocalAnswerForANYQuery(t *testing.T) {
	state := resolver.New(deadUpstream(t))
	require.NoError(t, state.AddDomainSync("local.dev", netip.MustParseAddr("10.1.2.3")))
	server := startServer(t, state)

	resp, err := exchange(t, server, queryMsg("local.dev", dns.TypeANY), time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, dns.TypeA, resp.Answer[0].Header().Rrtype)
}

func TestWildcardAnswer(t *testing.T) {
	state := resolver.New(deadUpstream(t))
	require.NoError(t, state.AddDomainSync("*.apps.local", netip.MustParseAddr("192.168.0.5")))
	server := startServer(t, state)

	resp, err := exchange(t, server, queryMsg("web.apps.local", dns.TypeA), time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, "192.168.0.5", resp.Answer[0].(*dns.A).A.String())
}

func TestForwardRelaysUpstreamAnswer(t *testing.T) {
	upstream := startFakeUpstream(t, func(req *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   req.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    300,
			},
			A: net.IPv4(10, 5, 5, 5).To4(),
		})
		return resp
	})

	state := resolver.New(upstream)
	server := startServer(t, state)

	req := queryMsg("unmapped.example.org", dns.TypeA)
	resp, err := exchange(t, server, req, time.Second)
	require.NoError(t, err)

	require.Equal(t, req.Id, resp.Id)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, "10.5.5.5", resp.Answer[0].(*dns.A).A.String())
}

func TestMappedDomainUnhandledTypeForwards(t *testing.T) {
	upstream := startFakeUpstream(t, func(req *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetRcode(req, dns.RcodeNameError)
		return resp
	})

	state := resolver.New(upstream)
	require.NoError(t, state.AddDomainSync("local.dev", netip.MustParseAddr("127.0.0.1")))
	server := startServer(t, state)

	// AAAA is not modeled locally even though an A mapping exists.
	resp, err := exchange(t, server, queryMsg("local.dev", dns.TypeAAAA), time.Second)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Empty(t, resp.Answer)
}

func TestDisabledResolverForwardsEverything(t *testing.T) {
	upstream := startFakeUpstream(t, func(req *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   req.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    300,
			},
			A: net.IPv4(10, 5, 5, 5).To4(),
		})
		return resp
	})

	state := resolver.New(upstream)
	require.NoError(t, state.AddDomainSync("local.dev", netip.MustParseAddr("127.0.0.1")))
	state.SetEnabled(false)
	server := startServer(t, state)

	resp, err := exchange(t, server, queryMsg("local.dev", dns.TypeA), time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, "10.5.5.5", resp.Answer[0].(*dns.A).A.String())
}

func TestServfailOnDeadUpstream(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full forwarding timeout")
	}

	state := resolver.New(deadUpstream(t))
	server := startServer(t, state)

	req := queryMsg("unmapped.example.org", dns.TypeA)
	start := time.Now()
	resp, err := exchange(t, server, req, forwardTimeout+2*time.Second)
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Equal(t, req.Id, resp.Id)
	require.True(t, resp.Response)
	require.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	require.Len(t, resp.Question, 1)
	require.Equal(t, req.Question[0], resp.Question[0])
	require.Empty(t, resp.Answer)
	require.GreaterOrEqual(t, elapsed, forwardTimeout-100*time.Millisecond)
}

func TestMalformedPacketIsDropped(t *testing.T) {
	state := resolver.New(deadUpstream(t))
	server := startServer(t, state)

	_, err := exchangeRaw(t, server, []byte{0x13, 0x37, 0xbe}, 300*time.Millisecond)
	require.Error(t, err)
	require.True(t, os.IsTimeout(err), "expected read timeout, got %v", err)
}

func TestQuestionlessMessageIsDropped(t *testing.T) {
	state := resolver.New(deadUpstream(t))
	server := startServer(t, state)

	empty := new(dns.Msg)
	empty.Id = dns.Id()
	_, err := exchange(t, server, empty, 300*time.Millisecond)
	require.Error(t, err)
	require.True(t, os.IsTimeout(err), "expected read timeout, got %v", err)
}

func TestCloseIsIdempotent(t *testing.T) {
	state := resolver.New(deadUpstream(t))
	s := New(&Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		State:      state,
	})
	require.NoError(t, s.Start())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestStartBindFailure(t *testing.T) {
	state := resolver.New(deadUpstream(t))
	addr := startServer(t, state)

	// second bind on the same port must fail and never start the loop
	dup := New(&Config{ListenAddr: addr, State: state})
	require.Error(t, dup.Start())
	require.NoError(t, dup.Close())
}
