package nameserver

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taihen/nsbench/pkg/clock"
	"github.com/taihen/nsbench/pkg/config"
	"github.com/taihen/nsbench/pkg/dnsquery"
	"github.com/taihen/nsbench/pkg/dnsquery/mockdns"
)

func newTestServer(t *testing.T, ip, name string, handler mockdns.Handler, tags ...Tag) (*NameServer, *mockdns.Server) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1000, 0))
	mock := &mockdns.Server{Clock: fake, Latencies: []time.Duration{10 * time.Millisecond}, Handler: handler}
	info := config.ServerInfo{Address: net.JoinHostPort(ip, "53"), Protocol: config.UDP, Hostname: ip, Name: name}
	ns, err := New(info, &dnsquery.Client{Exchanger: mock, Clock: fake}, tags...)
	require.NoError(t, err)
	return ns, mock
}

func TestNew(t *testing.T) {
	ns, _ := newTestServer(t, "2001:db8::1", "", mockdns.Healthy("10.0.0.1"), TagSystem)
	assert.Equal(t, "2001:db8::1", ns.IP())
	assert.Equal(t, "[2001:db8::1]:53", ns.Address())
	assert.Equal(t, "2001:db8::1", ns.Name())
	assert.False(t, ns.HasName())
	assert.True(t, ns.IsIPv6())
	assert.True(t, ns.IsSystem())
	assert.Equal(t, []Tag{TagIPv6, TagSystem}, ns.Tags())

	_, err := New(config.ServerInfo{Hostname: "not-an-ip"}, &dnsquery.Client{})
	assert.Error(t, err)
	_, err = New(config.ServerInfo{Hostname: "1.1.1.1"}, nil)
	assert.Error(t, err)
}

func TestSetNameIfEmpty(t *testing.T) {
	ns, _ := newTestServer(t, "1.1.1.1", "", nil)
	assert.True(t, ns.SetNameIfEmpty("Cloudflare"))
	assert.False(t, ns.SetNameIfEmpty("Other"))
	assert.Equal(t, "Cloudflare", ns.Name())
	assert.Equal(t, "Cloudflare [1.1.1.1]", ns.String())
}

func TestFailurePolicy(t *testing.T) {
	tests := []struct {
		name         string
		ip           string
		tags         []Tag
		fatal        bool
		checks       int
		disableAfter int
		wantHidden   bool
	}{
		{"normal non-fatal", "10.0.0.1", nil, false, 2, MaxNormalFailures, false},
		{"normal fatal", "10.0.0.1", nil, true, 2, 1, false},
		{"keeper non-fatal", "10.0.0.1", []Tag{TagPreferred}, false, 2, MaxKeeperFailures, false},
		{"keeper fatal", "10.0.0.1", []Tag{TagCustom}, true, 2, MaxKeeperFailures, false},
		{"system keeper", "10.0.0.1", []Tag{TagSystem}, false, 2, MaxKeeperFailures, false},
		{"ipv6 keeper without history", "2001:db8::1", []Tag{TagSystem}, false, 1, MaxKeeperFailures, true},
		{"ipv6 keeper with history", "2001:db8::1", []Tag{TagSystem}, false, 2, MaxKeeperFailures, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns, _ := newTestServer(t, tt.ip, "", nil, tt.tags...)
			for i := 0; i < tt.checks; i++ {
				ns.AddCheck(CheckRecord{Test: "x", Duration: time.Millisecond})
			}
			for i := 1; i < tt.disableAfter; i++ {
				ns.AddFailure(fmt.Sprintf("failure %d", i), tt.fatal)
				require.False(t, ns.IsDisabled(), "disabled early after %d failures", i)
			}
			ns.AddFailure("last straw", tt.fatal)
			assert.True(t, ns.IsDisabled())
			assert.Equal(t, tt.wantHidden, ns.IsHidden())
			assert.Contains(t, ns.DisabledReason(), "last straw")
		})
	}
}

func TestDisableIsMonotonic(t *testing.T) {
	ns, _ := newTestServer(t, "10.0.0.1", "", nil)
	ns.Disable("first")
	ns.Disable("second")
	ns.AddFailure("third", true)
	assert.True(t, ns.IsDisabled())
	assert.Equal(t, "first", ns.DisabledReason())

	ns.ResetTestStatus()
	assert.False(t, ns.IsDisabled())
	assert.Empty(t, ns.DisabledReason())
	assert.Zero(t, ns.Failures())
}

func TestRestore(t *testing.T) {
	ns, _ := newTestServer(t, "10.0.0.1", "", nil)
	ns.Restore(HealthState{
		Checks:   []CheckRecord{{Test: "negative", Duration: 12 * time.Millisecond}},
		Warnings: []string{"slow"},
		Disabled: true,
		Reason:   "too many failures (2): timeout",
		Hidden:   true,
		Failures: 2,
	})
	st := ns.HealthState()
	assert.True(t, st.Disabled)
	assert.True(t, ns.IsHidden())
	assert.Equal(t, 2, ns.Failures())
	assert.Equal(t, []string{"slow"}, ns.Warnings())
	assert.Len(t, st.Checks, 1)

	// An enabled snapshot never re-enables a disabled server.
	ns.Restore(HealthState{Checks: []CheckRecord{{Test: "negative"}}})
	assert.True(t, ns.IsDisabled())
	assert.True(t, ns.IsHidden())
	assert.Equal(t, "too many failures (2): timeout", ns.DisabledReason())

	other, _ := newTestServer(t, "10.0.0.2", "", nil)
	other.Disable("shares cache with 10.0.0.1")
	other.Restore(HealthState{Disabled: true, Reason: "timeout", Hidden: true})
	assert.Equal(t, "shares cache with 10.0.0.1", other.DisabledReason())
	assert.False(t, other.IsHidden())
}

func TestAddWarning(t *testing.T) {
	ns, _ := newTestServer(t, "10.0.0.1", "", nil)
	ns.AddWarning("a")
	ns.AddWarning("a")
	assert.Equal(t, []string{"a"}, ns.Warnings())

	for i := 1; i < MaxWarnings; i++ {
		ns.AddWarning(fmt.Sprintf("w%d", i))
	}
	assert.Len(t, ns.Warnings(), MaxWarnings)
	assert.False(t, ns.IsDisabled())

	ns.AddWarning("one too many")
	assert.True(t, ns.IsDisabled())
	assert.Contains(t, ns.DisabledReason(), "too many warnings (11)")

	ns.RemoveWarning("a")
	assert.NotContains(t, ns.Warnings(), "a")
}

func TestDerivedDurations(t *testing.T) {
	ns, _ := newTestServer(t, "10.0.0.1", "", nil)
	assert.Zero(t, ns.CheckAverage())
	assert.Zero(t, ns.FastestCheckDuration())

	ns.AddCheck(CheckRecord{Test: "bootstrap", Duration: 100 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, ns.CheckAverage())

	ns.AddCheck(CheckRecord{Test: "b", Duration: 10 * time.Millisecond})
	ns.AddCheck(CheckRecord{Test: "c", Duration: 30 * time.Millisecond})
	assert.Equal(t, 20*time.Millisecond, ns.CheckAverage())
	assert.Equal(t, 10*time.Millisecond, ns.FastestCheckDuration())
	assert.InDelta(t, 20.0, Ms(ns.CheckAverage()), 0.001)
}

func TestTimedRequestCountsFailures(t *testing.T) {
	ns, mock := newTestServer(t, "10.0.0.1", "", mockdns.Healthy("10.0.0.1"))
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		_, err := ns.TimedRequest(ctx, dns.TypeA, "example.com", time.Second)
		require.NoError(t, err)
	}
	mock.Err = mockdns.ErrTimeout
	_, err := ns.TimedRequest(ctx, dns.TypeA, "example.com", time.Second)
	require.NoError(t, err)

	sent, failed := ns.Requests()
	assert.Equal(t, 10, sent)
	assert.Equal(t, 1, failed)
	assert.InDelta(t, 10.0, ns.FailureRate(), 0.001)
	assert.True(t, ns.IsFailureProne())
}

func TestPriority(t *testing.T) {
	tests := []struct {
		tags []Tag
		want int
	}{
		{[]Tag{TagSystem, TagPrimary}, 4},
		{[]Tag{TagCustom}, 3},
		{[]Tag{TagSystem}, 2},
		{[]Tag{TagPreferred, TagGlobal}, 1},
		{[]Tag{TagRegional}, 0},
	}
	for _, tt := range tests {
		ns, _ := newTestServer(t, "10.0.0.1", "", nil, tt.tags...)
		assert.Equal(t, tt.want, ns.Priority(), "%v", tt.tags)
	}
}

func TestSharedWith(t *testing.T) {
	a, _ := newTestServer(t, "10.0.0.2", "", nil)
	b, _ := newTestServer(t, "10.0.0.1", "", nil)
	c, _ := newTestServer(t, "10.0.0.3", "", nil)
	a.MarkSharedWith(c)
	a.MarkSharedWith(b)
	got := a.SharedWith()
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.1", got[0].IP())
	assert.Equal(t, "10.0.0.3", got[1].IP())
}
