// Package roster manages the candidate nameservers of a benchmark and runs
// the multi-phase health pipeline that narrows them down to the set worth
// benchmarking.
package roster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/taihen/nsbench/pkg/clock"
	"github.com/taihen/nsbench/pkg/config"
	"github.com/taihen/nsbench/pkg/dnsquery"
	"github.com/taihen/nsbench/pkg/kvstore"
	"github.com/taihen/nsbench/pkg/nameserver"
	"github.com/taihen/nsbench/pkg/scheduler"
)

var (
	// ErrOutgoingInterception means DNS traffic leaving this host is answered
	// by someone other than the server it was sent to.
	ErrOutgoingInterception = errors.New("outgoing DNS requests are being intercepted")
	// ErrTooFewNameservers means no nameserver survived the health checks.
	ErrTooFewNameservers = errors.New("no nameservers left to benchmark")
)

// Pipeline tuning.
const (
	MinPingSuccessRatio     = 0.20
	MinHealthSuccessRatio   = 0.10
	PingCutRatio            = 0.10
	SecondarySlack          = 1.5
	KeeperTimeoutMultiplier = 2
	CongestionThreshold     = 150 * time.Millisecond
	MaxCongestionMultiplier = 5.0
	DefaultSettleDelay      = 5 * time.Second
	DefaultCacheMaxAge      = 24 * time.Hour
)

// Category says where a server came from.
type Category string

const (
	Supplied Category = "supplied"
	Global   Category = "global"
	Regional Category = "regional"
	System   Category = "system"
)

// DefaultControlServer is the resolver used for interception and congestion
// checks.
var DefaultControlServer = config.ServerInfo{
	Address:  "208.67.222.222:53",
	Protocol: config.UDP,
	Hostname: "208.67.222.222",
	Name:     "OpenDNS",
}

// ClientFactory builds the query client for a server.
type ClientFactory func(info config.ServerInfo) (*dnsquery.Client, error)

// Config holds the roster settings.
type Config struct {
	Concurrency   int
	Timeout       time.Duration
	HealthTimeout time.Duration
	PingTimeout   time.Duration
	TargetCount   int
	NearestRatio  float64
	SkipCollusion bool
	IPv6Only      bool

	SanityChecks     []nameserver.SanityCheck
	CensorshipChecks []nameserver.SanityCheck

	ControlServer config.ServerInfo
	SettleDelay   time.Duration
	Store         kvstore.KeyValueStore // nil disables the health cache
	CacheMaxAge   time.Duration
	Limiter       *rate.Limiter
	Hostnames     *nameserver.HostnameResolver

	NewClient ClientFactory
	Clock     clock.Clock
	Sleep     func(ctx context.Context, d time.Duration) error
	Status    scheduler.StatusFunc
	Logger    logrus.FieldLogger
	NewPool   scheduler.PoolFactory
}

// Roster is an ordered, deduplicated list of nameservers.
type Roster struct {
	cfg       Config
	sched     *scheduler.Scheduler
	log       logrus.FieldLogger
	servers   []*nameserver.NameServer
	byIP      map[string]*nameserver.NameServer
	timeScale float64
}

// New returns an empty roster.
func New(cfg Config) *Roster {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Monotonic()
	}
	if cfg.NearestRatio <= 0 || cfg.NearestRatio > 1 {
		cfg.NearestRatio = 0.5
	}
	if cfg.TargetCount <= 0 {
		cfg.TargetCount = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = scheduler.SafeConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3500 * time.Millisecond
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 4 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = time.Second
	}
	if cfg.ControlServer.Address == "" {
		cfg.ControlServer = DefaultControlServer
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = DefaultCacheMaxAge
	}
	if cfg.NewClient == nil {
		limiter := cfg.Limiter
		cfg.NewClient = func(info config.ServerInfo) (*dnsquery.Client, error) {
			ex, err := dnsquery.NewExchanger(info)
			if err != nil {
				return nil, err
			}
			c := dnsquery.NewClient(ex)
			c.Limiter = limiter
			return c, nil
		}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	sched := scheduler.New(cfg.Logger)
	sched.Status = cfg.Status
	if cfg.NewPool != nil {
		sched.NewPool = cfg.NewPool
	}
	return &Roster{
		cfg:       cfg,
		sched:     sched,
		log:       cfg.Logger,
		byIP:      make(map[string]*nameserver.NameServer),
		timeScale: 1,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AddServer inserts a server. Adding a known IP again only fills in a missing
// display name; tags stay as first inserted and the existing server is
// returned with added=false.
// Servers filtered out by the IPv6-only setting return (nil, false, nil).
func (r *Roster) AddServer(info config.ServerInfo, tags ...nameserver.Tag) (ns *nameserver.NameServer, added bool, err error) {
	ip := info.IP()
	if existing, ok := r.byIP[ip]; ok {
		existing.SetNameIfEmpty(info.Name)
		return existing, false, nil
	}
	if parsed := net.ParseIP(ip); r.cfg.IPv6Only && parsed != nil && parsed.To4() != nil {
		return nil, false, nil
	}
	client, err := r.cfg.NewClient(info)
	if err != nil {
		return nil, false, fmt.Errorf("creating client for %s: %w", info, err)
	}
	ns, err = nameserver.New(info, client, tags...)
	if err != nil {
		return nil, false, err
	}
	ns.SanityChecks = r.cfg.SanityChecks
	ns.Hostnames = r.cfg.Hostnames
	r.servers = append(r.servers, ns)
	r.byIP[ns.IP()] = ns
	return ns, true, nil
}

// AddServers inserts a list of servers tagged for category. Invalid entries
// are logged and skipped.
func (r *Roster) AddServers(category Category, infos []config.ServerInfo) int {
	added := 0
	for i, info := range infos {
		tags := categoryTags(category)
		if category == System && i == 0 {
			tags = append(tags, nameserver.TagPrimary)
		}
		_, ok, err := r.AddServer(info, tags...)
		if err != nil {
			r.log.WithError(err).WithField("server", info.String()).Warn("skipping server")
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

func categoryTags(c Category) []nameserver.Tag {
	switch c {
	case Supplied:
		return []nameserver.Tag{nameserver.TagCustom, nameserver.TagPreferred}
	case Global:
		return []nameserver.Tag{nameserver.TagGlobal, nameserver.TagPreferred}
	case System:
		return []nameserver.Tag{nameserver.TagSystem, nameserver.TagPreferred}
	}
	return []nameserver.Tag{nameserver.TagRegional}
}

// Len returns the number of members, enabled or not.
func (r *Roster) Len() int { return len(r.servers) }

// Get returns the member with the given IP.
func (r *Roster) Get(ip string) (*nameserver.NameServer, bool) {
	ns, ok := r.byIP[ip]
	return ns, ok
}

// All returns every member in insertion order.
func (r *Roster) All() []*nameserver.NameServer {
	return append([]*nameserver.NameServer(nil), r.servers...)
}

// Enabled returns the enabled members in insertion order.
func (r *Roster) Enabled() []*nameserver.NameServer {
	return filter(r.servers, func(ns *nameserver.NameServer) bool { return !ns.IsDisabled() })
}

// SortedByFastest returns the enabled members ordered by check average.
func (r *Roster) SortedByFastest() []*nameserver.NameServer {
	out := r.Enabled()
	sortByCheckAverage(out)
	return out
}

// SortedByNearest returns the enabled members ordered by fastest check.
func (r *Roster) SortedByNearest() []*nameserver.NameServer {
	out := r.Enabled()
	sortByFastestCheck(out)
	return out
}

// ResetTestStatus clears the test state of every member.
func (r *Roster) ResetTestStatus() {
	for _, ns := range r.servers {
		ns.ResetTestStatus()
	}
}

// TimeScale is the congestion multiplier applied to all timeouts.
func (r *Roster) TimeScale() float64 { return r.timeScale }

// setMembers replaces the member list. Only called between batches.
func (r *Roster) setMembers(servers []*nameserver.NameServer) {
	r.servers = servers
	r.byIP = make(map[string]*nameserver.NameServer, len(servers))
	for _, ns := range servers {
		r.byIP[ns.IP()] = ns
	}
}

// applyTimeouts sets per-server timeouts from the configuration, the
// congestion multiplier and the keeper allowance.
func (r *Roster) applyTimeouts() {
	scale := func(d time.Duration) time.Duration { return time.Duration(float64(d) * r.timeScale) }
	for _, ns := range r.servers {
		ns.Timeout = scale(r.cfg.Timeout)
		ns.PingTimeout = scale(r.cfg.PingTimeout)
		ns.HealthTimeout = scale(r.cfg.HealthTimeout)
		if ns.IsKeeper() {
			ns.HealthTimeout *= KeeperTimeoutMultiplier
		}
	}
}

func filter(in []*nameserver.NameServer, keep func(*nameserver.NameServer) bool) []*nameserver.NameServer {
	out := make([]*nameserver.NameServer, 0, len(in))
	for _, ns := range in {
		if keep(ns) {
			out = append(out, ns)
		}
	}
	return out
}

func sortByCheckAverage(s []*nameserver.NameServer) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].CheckAverage() < s[j].CheckAverage() })
}

func sortByFastestCheck(s []*nameserver.NameServer) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].FastestCheckDuration() < s[j].FastestCheckDuration() })
}
