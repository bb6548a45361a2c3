package nameserver

import (
	"context"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"

	"github.com/taihen/nsbench/pkg/dnsquery"
)

// ProviderLookup identifies which provider and node answers for a server.
type ProviderLookup interface {
	NodeName(ctx context.Context) (string, error)
	Hostname(ctx context.Context) string
	ProviderKey() string
}

var _ ProviderLookup = (*NameServer)(nil)

type nodeQuery struct {
	class uint16
	name  string
}

var (
	openDNSNodeQuery = nodeQuery{dns.ClassINET, "which.opendns.com."}
	googleNodeQuery  = nodeQuery{dns.ClassINET, "o-o.myaddr.l.google.com."}
	chaosNodeQueries = []nodeQuery{
		{dns.ClassCHAOS, "hostname.bind."},
		{dns.ClassCHAOS, "id.server."},
	}
)

func (ns *NameServer) nodeQueries() []nodeQuery {
	name := strings.ToLower(ns.Name())
	switch {
	case strings.Contains(name, "opendns"):
		return []nodeQuery{openDNSNodeQuery}
	case strings.Contains(name, "google"):
		return []nodeQuery{googleNodeQuery}
	}
	return chaosNodeQueries
}

// NodeName asks the server which node answered, using the provider specific
// query where one is known and hostname.bind or id.server otherwise. An empty
// string means the server did not say.
func (ns *NameServer) NodeName(ctx context.Context) (string, error) {
	name, _, err := ns.lookupNodeName(ctx)
	return name, err
}

func (ns *NameServer) lookupNodeName(ctx context.Context) (string, dnsquery.Result, error) {
	var last dnsquery.Result
	for _, q := range ns.nodeQueries() {
		res, err := ns.Exchange(ctx, dnsquery.NewQuery(q.class, dns.TypeTXT, q.name), ns.HealthTimeout)
		if err != nil {
			return "", res, err
		}
		last = res
		if txt := firstTXT(res.Response); txt != "" {
			return txt, res, nil
		}
	}
	return "", last, nil
}

// testNodeID is best effort and never marks the server broken.
func (ns *NameServer) testNodeID(ctx context.Context) (probeOutcome, error) {
	node, res, err := ns.lookupNodeName(ctx)
	if err != nil {
		return probeOutcome{}, err
	}
	if node != "" {
		ns.mu.Lock()
		ns.nodeID = node
		ns.mu.Unlock()
	}
	return probeOutcome{result: res}, nil
}

// Hostname returns the reverse DNS name of the server, resolved once through
// the shared HostnameResolver. It is empty when no resolver is attached or the
// lookup fails.
func (ns *NameServer) Hostname(ctx context.Context) string {
	if ns.Hostnames == nil {
		return ""
	}
	return ns.Hostnames.Lookup(ctx, ns.ip)
}

var replicaSuffix = regexp.MustCompile(`[-_ ]+\d+$`)

// ProviderKey groups servers run by the same provider: the display name with
// any trailing replica number ("-2", " 3") removed. Unnamed servers are their
// own provider.
func (ns *NameServer) ProviderKey() string {
	if !ns.HasName() {
		return ns.ip
	}
	return strings.ToLower(strings.TrimSpace(replicaSuffix.ReplaceAllString(ns.Name(), "")))
}

// HostnameResolver caches reverse lookups.
type HostnameResolver struct {
	cache  *cache.Cache
	lookup func(ctx context.Context, addr string) ([]string, error)
}

// NewHostnameResolver returns a resolver whose entries live for ttl.
func NewHostnameResolver(ttl time.Duration) *HostnameResolver {
	return &HostnameResolver{
		cache:  cache.New(ttl, 2*ttl),
		lookup: net.DefaultResolver.LookupAddr,
	}
}

// Lookup returns the first PTR name for ip without its trailing dot. Failed
// lookups are cached as empty names.
func (h *HostnameResolver) Lookup(ctx context.Context, ip string) string {
	if v, ok := h.cache.Get(ip); ok {
		return v.(string)
	}
	var name string
	if names, err := h.lookup(ctx, ip); err == nil && len(names) > 0 {
		name = strings.TrimSuffix(names[0], ".")
	}
	h.cache.SetDefault(ip, name)
	return name
}
