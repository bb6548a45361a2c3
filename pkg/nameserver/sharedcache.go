package nameserver

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/miekg/dns"
)

// Wildcard cache probe settings.
const (
	MaxStoreAttempts   = 4
	WildcardProbeCount = 3
)

// sharedCacheTolerance is how far the TTL drift may be from the probe age
// for two servers to be considered cache sharers.
const sharedCacheTolerance = 2 * time.Second

// WildcardDomains answer any label, so a random label is always a cache miss
// the first time it is asked.
var WildcardDomains = []string{
	"blogspot.com.",
	"wordpress.com.",
	"typepad.com.",
	"tumblr.com.",
}

// StoreWildcardCache primes the server's cache with random wildcard labels
// and keeps the answers for later comparison by TestSharedCache.
func (ns *NameServer) StoreWildcardCache(ctx context.Context) error {
	for attempt := 0; attempt < MaxStoreAttempts; attempt++ {
		if len(ns.WildcardProbes()) >= WildcardProbeCount || ns.IsDisabled() {
			break
		}
		domain := WildcardDomains[rand.IntN(len(WildcardDomains))]
		name := generateUniqueDomain("wildcard-", "."+domain)
		res, err := ns.TimedRequest(ctx, dns.TypeA, name, ns.HealthTimeout)
		if err != nil {
			return fmt.Errorf("wildcard probe on %s: %w", ns.ip, err)
		}
		if res.Failed() || len(res.Response.Answer) == 0 {
			continue
		}
		ns.mu.Lock()
		ns.wildcards = append(ns.wildcards, WildcardProbe{
			Name:     name,
			Response: res.Response,
			StoredAt: ns.client.Clock.Now(),
		})
		ns.mu.Unlock()
	}
	if len(ns.WildcardProbes()) < WildcardProbeCount {
		ns.Disable("unable to get uncached results for wildcard domains")
	}
	return nil
}

// WildcardProbes returns the stored wildcard answers.
func (ns *NameServer) WildcardProbes() []WildcardProbe {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([]WildcardProbe(nil), ns.wildcards...)
}

// TestSharedCache asks ns for the names other has cached. If a TTL on ns has
// decayed by as much time as has passed since other stored the answer, both
// servers answer from the same cache. The first matching probe decides.
//
// Nothing is claimed when either server is disabled or other has no probes.
func (ns *NameServer) TestSharedCache(ctx context.Context, other *NameServer) (bool, error) {
	if ns.IsDisabled() || other.IsDisabled() {
		return false, nil
	}
	for _, p := range other.WildcardProbes() {
		refTTL, ok := firstTTL(p.Response)
		if !ok {
			continue
		}
		observed, found, err := ns.observeTTL(ctx, p.Name)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		delta := math.Abs(float64(refTTL) - float64(observed))
		age := ns.client.Clock.Since(p.StoredAt).Seconds()
		if delta > 0 && math.Abs(age-delta) < sharedCacheTolerance.Seconds() {
			return true, nil
		}
	}
	return false, nil
}

// observeTTL queries name, retrying once on an empty answer.
func (ns *NameServer) observeTTL(ctx context.Context, name string) (uint32, bool, error) {
	for try := 0; try < 2; try++ {
		res, err := ns.TimedRequest(ctx, dns.TypeA, name, ns.HealthTimeout)
		if err != nil {
			return 0, false, fmt.Errorf("shared cache probe on %s: %w", ns.ip, err)
		}
		if res.Failed() {
			return 0, false, nil
		}
		if ttl, ok := firstTTL(res.Response); ok {
			return ttl, true, nil
		}
	}
	return 0, false, nil
}

func firstTTL(m *dns.Msg) (uint32, bool) {
	if m == nil || len(m.Answer) == 0 {
		return 0, false
	}
	return m.Answer[0].Header().Ttl, true
}
