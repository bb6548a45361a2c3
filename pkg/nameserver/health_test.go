package nameserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taihen/nsbench/pkg/dnsquery"
	"github.com/taihen/nsbench/pkg/dnsquery/mockdns"
)

func TestGenerateUniqueDomain(t *testing.T) {
	prefix := "testprefix-"
	suffix := ".testdomain.com."
	domain1 := generateUniqueDomain(prefix, suffix)
	domain2 := generateUniqueDomain(prefix, suffix)

	assert.True(t, strings.HasPrefix(domain1, prefix))
	assert.True(t, strings.HasSuffix(domain1, suffix))
	assert.NotEqual(t, domain1, domain2, "Generated domains should be unique")
	assert.Len(t, domain1, len(prefix)+16+len(suffix)) // 8 random bytes -> 16 hex chars
}

func hijacking(ip string) mockdns.Handler {
	return func(q dns.Question) (int, []dns.RR) {
		if q.Qtype == dns.TypeA {
			return dns.RcodeSuccess, []dns.RR{mockdns.A(q.Name, ip, 60)}
		}
		return dns.RcodeRefused, nil
	}
}

func TestCheckHealth_Ping(t *testing.T) {
	ns, mock := newTestServer(t, "10.0.0.1", "", mockdns.Healthy("198.41.0.4"))
	ok, err := ns.CheckHealth(context.Background(), ModePing)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, ns.Checks(), 1)
	assert.Equal(t, "root", ns.Checks()[0].Test)
	assert.Equal(t, 10*time.Millisecond, ns.Checks()[0].Duration)
	assert.Equal(t, rootProbeName, mock.Queries()[0].Name)
}

func TestCheckHealth_PingFailureIsFatal(t *testing.T) {
	ns, mock := newTestServer(t, "10.0.0.1", "", nil)
	mock.Err = mockdns.ErrTimeout
	ns.PingTimeout = 250 * time.Millisecond

	ok, err := ns.CheckHealth(context.Background(), ModePing)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, ns.IsDisabled())
	assert.Equal(t, 250*time.Millisecond, ns.Checks()[0].Duration)
}

func TestCheckHealth_PingFailureKeeperSurvives(t *testing.T) {
	ns, mock := newTestServer(t, "10.0.0.1", "", nil, TagSystem)
	mock.Err = mockdns.ErrTimeout
	ok, err := ns.CheckHealth(context.Background(), ModePing)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ns.Failures())
}

func TestCheckHealth_StandardHealthy(t *testing.T) {
	ns, _ := newTestServer(t, "10.0.0.1", "", mockdns.Healthy("93.184.216.34"))
	ns.SanityChecks = []SanityCheck{
		{Type: dns.TypeA, Name: "example.com.", Expected: []string{"93.184.216.0/24"}},
		{Type: dns.TypeA, Name: "www.example.com.", Expected: []string{"93.184.216.34"}},
	}
	ok, err := ns.CheckHealth(context.Background(), ModeStandard)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, ns.Warnings())
	assert.Len(t, ns.Checks(), 4)
	assert.Empty(t, ns.Version())
}

func TestCheckHealth_StandardHijacking(t *testing.T) {
	ns, _ := newTestServer(t, "10.0.0.1", "", hijacking("192.0.2.100"))
	ns.SanityChecks = []SanityCheck{
		{Type: dns.TypeA, Name: "www.paypal.com.", Expected: []string{"64.4.250.0/24"}, Sensitive: true},
		{Type: dns.TypeA, Name: "example.com.", Expected: []string{"93.184.216.34"}},
	}
	ok, err := ns.CheckHealth(context.Background(), ModeStandard)
	require.NoError(t, err)
	assert.True(t, ok, "warnings alone do not disable")
	assert.Equal(t, []string{
		"NXDOMAIN Hijacking (192.0.2.100)",
		"www.paypal.com may be hijacked (192.0.2.100)",
		"example.com is 192.0.2.100",
	}, ns.Warnings())
}

func TestCheckHealth_StandardTimeoutsDisableNormalServer(t *testing.T) {
	ns, mock := newTestServer(t, "10.0.0.1", "", nil)
	mock.Err = mockdns.ErrTimeout
	ns.SanityChecks = []SanityCheck{{Type: dns.TypeA, Name: "example.com.", Expected: []string{"93.184.216.34"}}}

	ok, err := ns.CheckHealth(context.Background(), ModeStandard)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, ns.Checks(), MaxNormalFailures, "probing stops once disabled")
	assert.Equal(t, MaxNormalFailures, mock.Calls())
}

func TestCheckHealth_Version(t *testing.T) {
	ns, _ := newTestServer(t, "10.0.0.1", "", func(q dns.Question) (int, []dns.RR) {
		switch {
		case q.Qclass == dns.ClassCHAOS && q.Name == "version.bind.":
			return dns.RcodeSuccess, []dns.RR{mockdns.TXT(q.Name, dns.ClassCHAOS, 0, "unbound 1.19.0")}
		case strings.HasPrefix(q.Name, negativePrefix):
			return dns.RcodeNameError, nil
		}
		return dns.RcodeRefused, nil
	})
	ok, err := ns.CheckHealth(context.Background(), ModeStandard)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "unbound 1.19.0", ns.Version())
}

func TestCheckHealth_FinalNodeID(t *testing.T) {
	ns, mock := newTestServer(t, "208.67.222.222", "OpenDNS", func(q dns.Question) (int, []dns.RR) {
		if q.Name == "which.opendns.com." {
			return dns.RcodeSuccess, []dns.RR{mockdns.TXT(q.Name, dns.ClassINET, 0, "server m12.fra")}
		}
		return dns.RcodeNameError, nil
	})
	ok, err := ns.CheckHealth(context.Background(), ModeFinal)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "server m12.fra", ns.NodeID())

	q := mock.Queries()
	require.Len(t, q, 2)
	assert.True(t, strings.HasPrefix(q[0].Name, finalNegativePrefix))
}

func TestCheckHealth_ClockErrorAborts(t *testing.T) {
	ns, mock := newTestServer(t, "10.0.0.1", "", mockdns.Healthy("10.0.0.1"))
	mock.Latencies = []time.Duration{-time.Millisecond}

	ok, err := ns.CheckHealth(context.Background(), ModePing)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, dnsquery.IsFatal(err))
	assert.Empty(t, ns.Checks())
}

func TestCheckHealth_SkipsDisabled(t *testing.T) {
	ns, mock := newTestServer(t, "10.0.0.1", "", mockdns.Healthy("10.0.0.1"))
	ns.Disable("manual")
	ok, err := ns.CheckHealth(context.Background(), ModeStandard)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, mock.Calls())
}

func TestCheckCensorship(t *testing.T) {
	ns, _ := newTestServer(t, "10.0.0.1", "", hijacking("10.10.34.34"))
	err := ns.CheckCensorship(context.Background(), []SanityCheck{
		{Type: dns.TypeA, Name: "www.facebook.com.", Expected: []string{"facebook", "157.240.0.0/16"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"www.facebook.com is 10.10.34.34"}, ns.Warnings())
	assert.False(t, ns.IsDisabled())
	assert.Zero(t, ns.Failures())
}

func TestMatchesExpected(t *testing.T) {
	req := dnsquery.NewQuery(dns.ClassINET, dns.TypeA, "example.com")
	cname := &dns.CNAME{
		Hdr:    dns.RR_Header{Name: "www.paypal.com.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET},
		Target: "www.paypal.com.akadns.net.",
	}
	tests := []struct {
		name     string
		resp     *dns.Msg
		expected []string
		want     bool
	}{
		{"exact ip", mockdns.Reply(req, 0, mockdns.A("example.com", "10.0.0.1", 60)), []string{"10.0.0.1"}, true},
		{"cidr", mockdns.Reply(req, 0, mockdns.A("example.com", "10.0.0.1", 60)), []string{"10.0.0.0/8"}, true},
		{"cidr miss", mockdns.Reply(req, 0, mockdns.A("example.com", "11.0.0.1", 60)), []string{"10.0.0.0/8"}, false},
		{"substring", mockdns.Reply(req, 0, cname), []string{"PayPal"}, true},
		{"any answer", mockdns.Reply(req, 0, mockdns.A("example.com", "10.0.0.1", 60)), nil, true},
		{"empty", mockdns.Reply(req, 0), []string{"10.0.0.1"}, false},
		{"nil", nil, []string{"10.0.0.1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesExpected(tt.resp, tt.expected))
		})
	}
}
