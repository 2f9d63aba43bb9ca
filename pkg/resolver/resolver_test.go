package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeExchange(calls *int, rcode int, ips ...string) func(context.Context, *dns.Msg, string) (*dns.Msg, error) {
	return func(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, error) {
		*calls++
		resp := new(dns.Msg)
		resp.SetReply(m)
		resp.Rcode = rcode
		for _, ip := range ips {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: m.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		}
		return resp, nil
	}
}

func TestLookupHostLiteral(t *testing.T) {
	r := New("", 0)
	addrs, err := r.LookupHost(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, []string{"8.8.8.8"}, addrs)
}

func TestLookupHostCachesByTTL(t *testing.T) {
	calls := 0
	now := time.Unix(1000, 0)
	r := New("127.0.0.1", time.Second)
	r.exchange = fakeExchange(&calls, dns.RcodeSuccess, "203.0.113.10")
	r.now = func() time.Time { return now }

	addrs, err := r.LookupHost(context.Background(), "sip.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.10"}, addrs)

	_, err = r.LookupHost(context.Background(), "sip.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	now = now.Add(61 * time.Second)
	_, err = r.LookupHost(context.Background(), "sip.example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestLookupHostNXDomain(t *testing.T) {
	calls := 0
	r := New("127.0.0.1:5353", time.Second)
	r.exchange = fakeExchange(&calls, dns.RcodeNameError)

	_, err := r.LookupHost(context.Background(), "missing.example.com")
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	assert.True(t, dnsErr.IsNotFound)
	assert.Equal(t, "missing.example.com", r.FirstHost(context.Background(), "missing.example.com"))
}
