package roster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/taihen/nsbench/pkg/dnsquery"
	"github.com/taihen/nsbench/pkg/nameserver"
	"github.com/taihen/nsbench/pkg/scheduler"
)

const (
	interceptionProbe  = "which.opendns.com."
	interceptionMarker = "I am not an OpenDNS resolver"
	congestionProbe    = "www.google.com."
	congestionAttempts = 3
)

// PrepareForBenchmark runs the health pipeline and leaves only the members
// worth benchmarking enabled:
//
//  1. interception and congestion checks against the control server
//  2. health cache reuse, which skips straight to step 5
//  3. a ping pass when the candidate list is much larger than needed
//  4. the standard health pass, anycast demotion and secondary trimming
//  5. the shared cache pass and the final trim to TargetCount
//  6. the final health pass
//  7. censorship checks, or removal of warnings every member shares
func (r *Roster) PrepareForBenchmark(ctx context.Context) error {
	if len(r.servers) == 0 {
		return ErrTooFewNameservers
	}
	r.ResetTestStatus()

	if len(r.servers) > 1 {
		if err := r.checkNetwork(ctx); err != nil {
			return err
		}
	}
	r.applyTimeouts()

	key := r.cacheKey()
	reused := r.loadHealthCache(key)
	if !reused {
		if err := r.runPingCut(ctx); err != nil {
			return err
		}
		if err := r.runHealthPass(ctx, "standard health checks", nameserver.ModeStandard, MinHealthSuccessRatio); err != nil {
			return err
		}
		r.demoteAnycastDuplicates()
		r.trimSecondaries(int(math.Ceil(float64(r.cfg.TargetCount) * SecondarySlack)))
		r.saveHealthCache(key)
	}

	if !r.cfg.SkipCollusion && len(r.Enabled()) > 1 {
		if err := r.runSharedCachePass(ctx); err != nil {
			return err
		}
	}
	r.trimSecondaries(r.cfg.TargetCount)

	if err := r.runHealthPass(ctx, "final health checks", nameserver.ModeFinal, 0); err != nil {
		return err
	}

	if len(r.cfg.CensorshipChecks) > 0 {
		if err := r.runCensorshipChecks(ctx); err != nil {
			return err
		}
	} else {
		r.stripCommonWarnings()
	}

	enabled := r.Enabled()
	if len(enabled) == 0 {
		return ErrTooFewNameservers
	}
	r.log.WithField("enabled", len(enabled)).Info("nameservers ready for benchmark")
	return nil
}

// checkNetwork makes sure queries reach the servers they are addressed to and
// scales timeouts when the local link is slow.
func (r *Roster) checkNetwork(ctx context.Context) error {
	client, err := r.cfg.NewClient(r.cfg.ControlServer)
	if err != nil {
		return fmt.Errorf("creating control client: %w", err)
	}
	control := r.cfg.ControlServer.Address
	log := r.log.WithField("control", r.cfg.ControlServer.String())

	res, err := client.TimedRequest(ctx, control, dns.TypeTXT, interceptionProbe, r.cfg.HealthTimeout)
	if err != nil {
		return err
	}
	if !res.Failed() && strings.Contains(dnsquery.Summarize(res), interceptionMarker) {
		return fmt.Errorf("%w: a query sent to %s was answered by a different resolver. "+
			"Your router, ISP or security software is redirecting DNS traffic, so no benchmark "+
			"result would reflect the servers being tested. Disable the redirection and run again",
			ErrOutgoingInterception, r.cfg.ControlServer.Name)
	}

	var best time.Duration
	for i := 0; i < congestionAttempts; i++ {
		res, err := client.TimedRequest(ctx, control, dns.TypeA, congestionProbe, r.cfg.HealthTimeout)
		if err != nil {
			return err
		}
		if res.Failed() {
			continue
		}
		if best == 0 || res.Duration < best {
			best = res.Duration
		}
	}
	if best == 0 {
		log.Warn("congestion check failed, keeping default timeouts")
		return nil
	}
	r.timeScale = congestionMultiplier(best)
	if r.timeScale > 1 {
		log.WithFields(logrus.Fields{
			"latency":    best,
			"multiplier": r.timeScale,
		}).Warn("slow network detected, increasing timeouts")
	}
	return nil
}

func congestionMultiplier(baseline time.Duration) float64 {
	if baseline <= CongestionThreshold {
		return 1
	}
	return math.Min(float64(baseline)/float64(CongestionThreshold), MaxCongestionMultiplier)
}

func (r *Roster) runPingCut(ctx context.Context) error {
	limit := int(float64(r.cfg.TargetCount) / PingCutRatio)
	if len(r.servers) <= limit {
		return nil
	}
	if err := r.runHealthPass(ctx, "ping checks", nameserver.ModePing, MinPingSuccessRatio); err != nil {
		return err
	}
	survivors := r.Enabled()
	if len(survivors) > limit {
		keep := make(map[*nameserver.NameServer]bool, limit)
		var secondaries []*nameserver.NameServer
		for _, ns := range survivors {
			if ns.IsPreferred() {
				keep[ns] = true
			} else {
				secondaries = append(secondaries, ns)
			}
		}
		sortByFastestCheck(secondaries)
		for _, ns := range secondaries {
			if len(keep) >= limit {
				break
			}
			keep[ns] = true
		}
		survivors = filter(survivors, func(ns *nameserver.NameServer) bool { return keep[ns] })
	}
	r.log.WithFields(logrus.Fields{"before": len(r.servers), "after": len(survivors)}).Info("ping cut done")
	r.setMembers(survivors)
	return nil
}

func (r *Roster) runHealthPass(ctx context.Context, name string, mode nameserver.Mode, minRatio float64) error {
	r.applyTimeouts()
	_, err := scheduler.Dispatch(ctx, r.sched, scheduler.Batch[*nameserver.NameServer, bool]{
		Name:            name,
		Items:           r.All(),
		Concurrency:     r.cfg.Concurrency,
		MinSuccessRatio: minRatio,
		Action: func(ctx context.Context, ns *nameserver.NameServer) (bool, error) {
			return ns.CheckHealth(ctx, mode)
		},
	})
	if errors.Is(err, scheduler.ErrTooFewSurvivors) {
		return fmt.Errorf("%w: %v", ErrTooFewNameservers, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	r.log.WithFields(logrus.Fields{"mode": mode, "enabled": len(r.Enabled())}).Info(name + " done")
	return nil
}

// demoteAnycastDuplicates keeps only the fastest global server per provider
// as preferred. The rest compete as secondaries.
func (r *Roster) demoteAnycastDuplicates() {
	fastest := make(map[string]*nameserver.NameServer)
	for _, ns := range r.SortedByFastest() {
		if !ns.HasTag(nameserver.TagGlobal) || ns.IsSystem() || ns.HasTag(nameserver.TagCustom) {
			continue
		}
		key := ns.ProviderKey()
		if winner, ok := fastest[key]; ok {
			ns.RemoveTag(nameserver.TagPreferred)
			r.log.WithFields(logrus.Fields{"server": ns.String(), "faster": winner.String()}).Debug("demoted anycast duplicate")
			continue
		}
		fastest[key] = ns
	}
}

// trimSecondaries keeps every preferred member and fills what is left of
// slots with secondaries, picked partly by nearest and partly by fastest.
// Disabled preferred members are kept for reporting.
func (r *Roster) trimSecondaries(slots int) {
	var secondary []*nameserver.NameServer
	keep := make(map[*nameserver.NameServer]bool)
	for _, ns := range r.Enabled() {
		if ns.IsPreferred() {
			keep[ns] = true
		} else {
			secondary = append(secondary, ns)
		}
	}
	for _, ns := range selectSecondaries(secondary, slots-len(keep), r.cfg.NearestRatio) {
		keep[ns] = true
	}

	before := len(r.servers)
	r.setMembers(filter(r.servers, func(ns *nameserver.NameServer) bool {
		return keep[ns] || (ns.IsDisabled() && ns.IsPreferred())
	}))
	if before != len(r.servers) {
		r.log.WithFields(logrus.Fields{"slots": slots, "before": before, "after": len(r.servers)}).Info("trimmed nameservers")
	}
}

// selectSecondaries picks n servers: round(n*nearestRatio) with the lowest
// fastest check, then the rest by lowest check average.
func selectSecondaries(candidates []*nameserver.NameServer, n int, nearestRatio float64) []*nameserver.NameServer {
	if n <= 0 {
		return nil
	}
	if len(candidates) <= n {
		return append([]*nameserver.NameServer(nil), candidates...)
	}
	nearest := append([]*nameserver.NameServer(nil), candidates...)
	sortByFastestCheck(nearest)
	fastest := append([]*nameserver.NameServer(nil), candidates...)
	sortByCheckAverage(fastest)

	picked := make(map[*nameserver.NameServer]bool, n)
	var out []*nameserver.NameServer
	take := func(ns *nameserver.NameServer) {
		if !picked[ns] {
			picked[ns] = true
			out = append(out, ns)
		}
	}
	nearestCount := int(math.Round(float64(n) * nearestRatio))
	for _, ns := range nearest {
		if len(out) >= nearestCount {
			break
		}
		take(ns)
	}
	for _, ns := range fastest {
		if len(out) >= n {
			break
		}
		take(ns)
	}
	return out
}

func (r *Roster) runSharedCachePass(ctx context.Context) error {
	r.applyTimeouts()
	_, err := scheduler.Dispatch(ctx, r.sched, scheduler.Batch[*nameserver.NameServer, struct{}]{
		Name:        "storing wildcard cache",
		Items:       r.All(),
		Concurrency: r.cfg.Concurrency,
		Action: func(ctx context.Context, ns *nameserver.NameServer) (struct{}, error) {
			return struct{}{}, ns.StoreWildcardCache(ctx)
		},
	})
	if errors.Is(err, scheduler.ErrTooFewSurvivors) {
		return fmt.Errorf("%w: %v", ErrTooFewNameservers, err)
	}
	if err != nil {
		return fmt.Errorf("storing wildcard cache: %w", err)
	}

	r.log.WithField("delay", r.cfg.SettleDelay).Info("waiting for cache TTLs to decay")
	if err := r.cfg.Sleep(ctx, r.cfg.SettleDelay); err != nil {
		return err
	}

	candidates := r.Enabled()
	outs, err := scheduler.Dispatch(ctx, r.sched, scheduler.Batch[*nameserver.NameServer, []*nameserver.NameServer]{
		Name:        "checking for shared caches",
		Items:       candidates,
		Concurrency: r.cfg.Concurrency,
		Action: func(ctx context.Context, ns *nameserver.NameServer) ([]*nameserver.NameServer, error) {
			var shared []*nameserver.NameServer
			for _, other := range candidates {
				if other == ns {
					continue
				}
				ok, err := ns.TestSharedCache(ctx, other)
				if err != nil {
					return nil, err
				}
				if ok {
					shared = append(shared, other)
				}
			}
			return shared, nil
		},
	})
	if err != nil && !errors.Is(err, scheduler.ErrTooFewSurvivors) {
		return fmt.Errorf("checking for shared caches: %w", err)
	}

	seen := make(map[[2]string]bool)
	for _, o := range outs {
		for _, other := range o.Result {
			pair := [2]string{o.Item.IP(), other.IP()}
			if pair[0] > pair[1] {
				pair[0], pair[1] = pair[1], pair[0]
			}
			if seen[pair] {
				continue
			}
			seen[pair] = true
			ResolveSharedCache(o.Item, other, r.log)
		}
	}
	return nil
}

// ResolveSharedCache records that a and b share a cache and disables one of
// them: normally the slower, unless the slower has the higher priority, in
// which case the faster is disabled and both are marked as replicas. If
// either is already disabled nothing more is disabled.
func ResolveSharedCache(a, b *nameserver.NameServer, log logrus.FieldLogger) {
	a.MarkSharedWith(b)
	b.MarkSharedWith(a)
	if a.IsDisabled() || b.IsDisabled() {
		return
	}
	slower, faster := a, b
	if a.CheckAverage() < b.CheckAverage() {
		slower, faster = b, a
	}
	loser, winner := slower, faster
	if slower.Priority() > faster.Priority() {
		loser, winner = faster, slower
		winner.AddWarning(fmt.Sprintf("Replica of %s", loser.IP()))
		loser.AddWarning(fmt.Sprintf("Replica of %s", winner.IP()))
	}
	loser.Disable(fmt.Sprintf("shares cache with %s", winner.IP()))
	if log != nil {
		log.WithFields(logrus.Fields{"disabled": loser.String(), "kept": winner.String()}).Info("shared cache detected")
	}
}

func (r *Roster) runCensorshipChecks(ctx context.Context) error {
	r.applyTimeouts()
	_, err := scheduler.Dispatch(ctx, r.sched, scheduler.Batch[*nameserver.NameServer, struct{}]{
		Name:        "censorship checks",
		Items:       r.All(),
		Concurrency: r.cfg.Concurrency,
		Action: func(ctx context.Context, ns *nameserver.NameServer) (struct{}, error) {
			return struct{}{}, ns.CheckCensorship(ctx, r.cfg.CensorshipChecks)
		},
	})
	if errors.Is(err, scheduler.ErrTooFewSurvivors) {
		return fmt.Errorf("%w: %v", ErrTooFewNameservers, err)
	}
	if err != nil {
		return fmt.Errorf("censorship checks: %w", err)
	}
	return nil
}

// stripCommonWarnings drops warnings every enabled member has. Something all
// servers do is a property of the network path, not of a server.
func (r *Roster) stripCommonWarnings() {
	enabled := r.Enabled()
	if len(enabled) < 2 {
		return
	}
	counts := make(map[string]int)
	for _, ns := range enabled {
		for _, w := range ns.Warnings() {
			counts[w]++
		}
	}
	for w, n := range counts {
		if n != len(enabled) {
			continue
		}
		r.log.WithField("warning", w).Debug("ignoring warning shared by all nameservers")
		for _, ns := range enabled {
			ns.RemoveWarning(w)
		}
	}
}
