// Package nameserver holds the per-resolver state the benchmark engine reads
// and writes: identity, role tags, health check records, warnings and the
// disabled flag, plus the probes that fill them.
package nameserver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/montanaflynn/stats"

	"github.com/taihen/nsbench/pkg/clock"
	"github.com/taihen/nsbench/pkg/config"
	"github.com/taihen/nsbench/pkg/dnsquery"
)

// Failure and warning thresholds.
const (
	MaxNormalFailures = 2
	MaxKeeperFailures = 8
	MaxWarnings       = 10
)

// FailureProneRate is the request failure percentage at which a server is
// considered failure prone.
const FailureProneRate = 10.0

// Tag is a semantic label attached to a NameServer.
type Tag string

const (
	TagSystem    Tag = "system"
	TagPrimary   Tag = "primary" // first configured system resolver
	TagPreferred Tag = "preferred"
	TagGlobal    Tag = "global"
	TagRegional  Tag = "regional"
	TagIPv6      Tag = "ipv6"
	TagCustom    Tag = "custom"
)

// CheckRecord is the immutable outcome of one probe.
type CheckRecord struct {
	Test     string
	Broken   bool
	Warning  string
	Duration time.Duration
}

// WildcardProbe is an answer stored for a cache-sharing comparison.
type WildcardProbe struct {
	Name     string
	Response *dns.Msg
	StoredAt time.Time
}

// HealthCheckable is the health-qualification capability of a nameserver.
type HealthCheckable interface {
	CheckHealth(ctx context.Context, mode Mode) (bool, error)
	StoreWildcardCache(ctx context.Context) error
	ResetTestStatus()
	IsDisabled() bool
}

var _ HealthCheckable = (*NameServer)(nil)

// NameServer is a candidate resolver under test.
//
// The timeout fields and SanityChecks are configured between dispatch
// batches and only read while probes run. Everything else is guarded by mu.
type NameServer struct {
	ip       string
	address  string
	protocol config.ProtocolType
	client   *dnsquery.Client

	Timeout       time.Duration
	HealthTimeout time.Duration
	PingTimeout   time.Duration
	SanityChecks  []SanityCheck
	Hostnames     *HostnameResolver // optional

	mu             sync.Mutex
	name           string
	tags           map[Tag]bool
	checks         []CheckRecord
	warnings       []string
	disabled       bool
	disabledReason string
	hidden         bool
	failures       int
	wildcards      []WildcardProbe
	sharedWith     map[string]*NameServer
	requests       int
	requestErrors  int
	version        string
	nodeID         string
}

// New creates a NameServer for info. The IP in info is the identity.
func New(info config.ServerInfo, client *dnsquery.Client, tags ...Tag) (*NameServer, error) {
	ip := net.ParseIP(info.IP())
	if ip == nil {
		return nil, fmt.Errorf("invalid nameserver IP %q", info.IP())
	}
	if client == nil {
		return nil, fmt.Errorf("nameserver %s: nil client", info.IP())
	}
	if client.Clock == nil {
		client.Clock = clock.Monotonic()
	}
	address := info.Address
	if address == "" {
		address = net.JoinHostPort(ip.String(), "53")
	}
	ns := &NameServer{
		ip:            ip.String(),
		address:       address,
		protocol:      info.Protocol,
		client:        client,
		name:          info.Name,
		tags:          make(map[Tag]bool),
		sharedWith:    make(map[string]*NameServer),
		Timeout:       3500 * time.Millisecond,
		HealthTimeout: 4 * time.Second,
		PingTimeout:   time.Second,
	}
	if ip.To4() == nil {
		ns.tags[TagIPv6] = true
	}
	for _, t := range tags {
		ns.tags[t] = true
	}
	return ns, nil
}

// IP returns the server's IP address.
func (ns *NameServer) IP() string { return ns.ip }

// ID implements the scheduler item interface.
func (ns *NameServer) ID() string { return ns.ip }

// Address returns the IP:port queries are sent to.
func (ns *NameServer) Address() string { return ns.address }

// Protocol returns the transport used to reach the server.
func (ns *NameServer) Protocol() config.ProtocolType { return ns.protocol }

// Clock returns the clock used for this server's measurements.
func (ns *NameServer) Clock() clock.Clock { return ns.client.Clock }

// Name returns the display name, falling back to the IP.
func (ns *NameServer) Name() string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.name == "" {
		return ns.ip
	}
	return ns.name
}

// HasName reports whether a display name was set.
func (ns *NameServer) HasName() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.name != ""
}

// SetNameIfEmpty sets the display name only if none is set yet.
func (ns *NameServer) SetNameIfEmpty(name string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.name != "" || name == "" {
		return false
	}
	ns.name = name
	return true
}

func (ns *NameServer) String() string {
	name := ns.Name()
	if name == ns.ip {
		return ns.ip
	}
	return fmt.Sprintf("%s [%s]", name, ns.ip)
}

// HasTag reports whether t is set.
func (ns *NameServer) HasTag(t Tag) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.tags[t]
}

// AddTags sets tags.
func (ns *NameServer) AddTags(tags ...Tag) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, t := range tags {
		ns.tags[t] = true
	}
}

// RemoveTag clears t.
func (ns *NameServer) RemoveTag(t Tag) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.tags, t)
}

// Tags returns the sorted tag list.
func (ns *NameServer) Tags() []Tag {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]Tag, 0, len(ns.tags))
	for t := range ns.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsIPv6 reports whether the server is reached over IPv6.
func (ns *NameServer) IsIPv6() bool { return ns.HasTag(TagIPv6) }

// IsPreferred reports whether the server belongs to the always-kept partition.
func (ns *NameServer) IsPreferred() bool { return ns.HasTag(TagPreferred) }

// IsSystem reports whether the server is one of the host's own resolvers.
func (ns *NameServer) IsSystem() bool { return ns.HasTag(TagSystem) }

// IsKeeper reports whether the server gets the lenient failure policy.
func (ns *NameServer) IsKeeper() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.isKeeperLocked()
}

func (ns *NameServer) isKeeperLocked() bool {
	return ns.tags[TagSystem] || ns.tags[TagPreferred] || ns.tags[TagCustom]
}

// Priority orders servers when a cache-sharing pair has to lose one member.
func (ns *NameServer) Priority() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	switch {
	case ns.tags[TagSystem] && ns.tags[TagPrimary]:
		return 4
	case ns.tags[TagCustom]:
		return 3
	case ns.tags[TagSystem]:
		return 2
	case ns.tags[TagPreferred]:
		return 1
	}
	return 0
}

// TimedRequest sends an IN query and updates the request counters.
func (ns *NameServer) TimedRequest(ctx context.Context, qtype uint16, name string, timeout time.Duration) (dnsquery.Result, error) {
	return ns.Exchange(ctx, dnsquery.NewQuery(dns.ClassINET, qtype, name), timeout)
}

// Exchange sends msg and updates the request counters.
func (ns *NameServer) Exchange(ctx context.Context, msg *dns.Msg, timeout time.Duration) (dnsquery.Result, error) {
	res, err := ns.client.Exchange(ctx, ns.address, msg, timeout)
	if err != nil {
		return res, err
	}
	ns.mu.Lock()
	ns.requests++
	if res.Class != dnsquery.None {
		ns.requestErrors++
	}
	ns.mu.Unlock()
	return res, nil
}

// AddCheck appends a check record.
func (ns *NameServer) AddCheck(rec CheckRecord) {
	ns.mu.Lock()
	ns.checks = append(ns.checks, rec)
	ns.mu.Unlock()
}

// Checks returns a copy of the check records.
func (ns *NameServer) Checks() []CheckRecord {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([]CheckRecord(nil), ns.checks...)
}

// AddWarning records msg once. Going past MaxWarnings is a fatal failure.
func (ns *NameServer) AddWarning(msg string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, w := range ns.warnings {
		if w == msg {
			return
		}
	}
	if len(ns.warnings) >= MaxWarnings {
		ns.addFailureLocked(fmt.Sprintf("too many warnings (%d), probably broken", len(ns.warnings)+1), true)
		return
	}
	ns.warnings = append(ns.warnings, msg)
}

// Warnings returns the warnings in insertion order.
func (ns *NameServer) Warnings() []string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([]string(nil), ns.warnings...)
}

// WarningsString joins the warnings for display.
func (ns *NameServer) WarningsString() string {
	return strings.Join(ns.Warnings(), ", ")
}

// RemoveWarning drops msg if present.
func (ns *NameServer) RemoveWarning(msg string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := ns.warnings[:0]
	for _, w := range ns.warnings {
		if w != msg {
			out = append(out, w)
		}
	}
	ns.warnings = out
}

// AddFailure counts a failed critical probe and disables the server once the
// failure policy says so.
func (ns *NameServer) AddFailure(msg string, fatal bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.addFailureLocked(msg, fatal)
}

func (ns *NameServer) addFailureLocked(msg string, fatal bool) {
	ns.failures++
	if ns.disabled {
		return
	}
	keeper := ns.isKeeperLocked()
	max := MaxNormalFailures
	if keeper {
		max = MaxKeeperFailures
	}
	switch {
	case fatal && !keeper:
		ns.disableLocked(msg)
	case ns.failures >= max:
		if ns.tags[TagIPv6] && keeper && len(ns.checks) <= 1 {
			ns.hidden = true
		}
		ns.disableLocked(fmt.Sprintf("too many failures (%d): %s", ns.failures, msg))
	}
}

// Failures returns the health failure count.
func (ns *NameServer) Failures() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.failures
}

// Disable excludes the server from further probing until ResetTestStatus.
// The first reason wins.
func (ns *NameServer) Disable(reason string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.disableLocked(reason)
}

func (ns *NameServer) disableLocked(reason string) {
	if ns.disabled {
		return
	}
	ns.disabled = true
	ns.disabledReason = reason
}

// IsDisabled reports whether the server is excluded from probing.
func (ns *NameServer) IsDisabled() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.disabled
}

// DisabledReason returns why the server was disabled.
func (ns *NameServer) DisabledReason() string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.disabledReason
}

// IsHidden reports whether the server was disabled silently.
func (ns *NameServer) IsHidden() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.hidden
}

// ResetTestStatus clears all state gathered during a test cycle.
func (ns *NameServer) ResetTestStatus() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.checks = nil
	ns.warnings = nil
	ns.disabled = false
	ns.disabledReason = ""
	ns.hidden = false
	ns.failures = 0
	ns.wildcards = nil
	ns.sharedWith = make(map[string]*NameServer)
	ns.requests = 0
	ns.requestErrors = 0
	ns.version = ""
	ns.nodeID = ""
}

// HealthState is the cacheable outcome of a health pass.
type HealthState struct {
	Checks   []CheckRecord
	Warnings []string
	Disabled bool
	Reason   string
	Hidden   bool
	Failures int
}

// HealthState returns a copy of the current health outcome.
func (ns *NameServer) HealthState() HealthState {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return HealthState{
		Checks:   append([]CheckRecord(nil), ns.checks...),
		Warnings: append([]string(nil), ns.warnings...),
		Disabled: ns.disabled,
		Reason:   ns.disabledReason,
		Hidden:   ns.hidden,
		Failures: ns.failures,
	}
}

// Restore loads previously cached health state. A server that is already
// disabled stays disabled with its original reason.
func (ns *NameServer) Restore(st HealthState) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.checks = append([]CheckRecord(nil), st.Checks...)
	ns.warnings = append([]string(nil), st.Warnings...)
	ns.failures = max(ns.failures, st.Failures)
	if st.Disabled && !ns.disabled {
		ns.disableLocked(st.Reason)
		ns.hidden = st.Hidden
	}
}

func (ns *NameServer) MarkSharedWith(other *NameServer) {
	ns.mu.Lock()
	ns.sharedWith[other.ip] = other
	ns.mu.Unlock()
}

// SharedWith returns the servers ns shares its cache with, sorted by IP.
func (ns *NameServer) SharedWith() []*NameServer {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]*NameServer, 0, len(ns.sharedWith))
	for _, o := range ns.sharedWith {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ip < out[j].ip })
	return out
}

// Version returns the version string reported by the identification probe.
func (ns *NameServer) Version() string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.version
}

// NodeID returns the node identity found by the final health pass.
func (ns *NameServer) NodeID() string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.nodeID
}

// CheckAverage is the mean duration of the non-bootstrap checks, or the only
// check's duration when there is just one.
func (ns *NameServer) CheckAverage() time.Duration {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	switch len(ns.checks) {
	case 0:
		return 0
	case 1:
		return ns.checks[0].Duration
	}
	data := make(stats.Float64Data, 0, len(ns.checks)-1)
	for _, c := range ns.checks[1:] {
		data = append(data, float64(c.Duration))
	}
	mean, err := data.Mean()
	if err != nil {
		return 0
	}
	return time.Duration(mean)
}

// FastestCheckDuration is the shortest check duration, 0 without checks.
func (ns *NameServer) FastestCheckDuration() time.Duration {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if len(ns.checks) == 0 {
		return 0
	}
	data := make(stats.Float64Data, 0, len(ns.checks))
	for _, c := range ns.checks {
		data = append(data, float64(c.Duration))
	}
	min, err := data.Min()
	if err != nil {
		return 0
	}
	return time.Duration(min)
}

// FailureRate is the percentage of requests that failed at the transport level.
func (ns *NameServer) FailureRate() float64 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.requests == 0 {
		return 0
	}
	return float64(ns.requestErrors) / float64(ns.requests) * 100
}

// IsFailureProne reports whether FailureRate reached FailureProneRate.
func (ns *NameServer) IsFailureProne() bool {
	return ns.FailureRate() >= FailureProneRate
}

// Requests returns (requests sent, requests failed).
func (ns *NameServer) Requests() (int, int) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.requests, ns.requestErrors
}

// Ms converts a duration to fractional milliseconds.
func Ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
