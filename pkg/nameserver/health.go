package nameserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/taihen/nsbench/pkg/dnsquery"
)

// Mode selects which probes CheckHealth runs.
type Mode int

const (
	ModePing Mode = iota
	ModeStandard
	ModeFinal
)

func (m Mode) String() string {
	switch m {
	case ModePing:
		return "ping"
	case ModeStandard:
		return "standard"
	case ModeFinal:
		return "final"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

const (
	rootProbeName       = "a.root-servers.net."
	negativeProbeDomain = ".google.com."
	negativePrefix      = "dnsbench-"
	finalNegativePrefix = "dnsbench-final-"
)

// SanityCheck is a lookup whose answer must match one of Expected. An
// expected value may be an IP, a CIDR or a substring of the answer data.
type SanityCheck struct {
	Type      uint16
	Name      string
	Expected  []string
	Sensitive bool
}

type probeOutcome struct {
	broken  bool
	reason  string
	warning string
	result  dnsquery.Result
}

type probe struct {
	name  string
	fatal bool
	run   func(ctx context.Context) (probeOutcome, error)
}

// CheckHealth runs the probes for mode in order, stopping early once the
// server is disabled. It returns whether the server is still enabled. The
// error is only set for conditions that must abort the whole run.
func (ns *NameServer) CheckHealth(ctx context.Context, mode Mode) (bool, error) {
	var probes []probe
	switch mode {
	case ModePing:
		probes = []probe{{name: "root", fatal: true, run: ns.testRootServerResponse}}
	case ModeStandard:
		probes = []probe{
			{name: "negative", run: ns.negativeResponseProbe(negativePrefix)},
			{name: "version", run: ns.testVersion},
		}
		for _, sc := range ns.SanityChecks {
			sc := sc
			probes = append(probes, probe{
				name: "sanity " + strings.TrimSuffix(sc.Name, "."),
				run: func(ctx context.Context) (probeOutcome, error) {
					return ns.runSanityCheck(ctx, sc)
				},
			})
		}
	case ModeFinal:
		probes = []probe{
			{name: "final negative", run: ns.negativeResponseProbe(finalNegativePrefix)},
			{name: "node", run: ns.testNodeID},
		}
	default:
		return false, fmt.Errorf("unknown health mode %v", mode)
	}

	for _, p := range probes {
		if ns.IsDisabled() {
			break
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		out, err := p.run(ctx)
		if err != nil {
			return false, fmt.Errorf("%s probe on %s: %w", p.name, ns.ip, err)
		}
		ns.AddCheck(CheckRecord{
			Test:     p.name,
			Broken:   out.broken,
			Warning:  out.warning,
			Duration: out.result.Duration,
		})
		if out.warning != "" {
			ns.AddWarning(out.warning)
		}
		if out.broken {
			ns.AddFailure(fmt.Sprintf("%s: %s", p.name, out.reason), p.fatal)
		}
	}
	return !ns.IsDisabled(), nil
}

func (ns *NameServer) testRootServerResponse(ctx context.Context) (probeOutcome, error) {
	res, err := ns.TimedRequest(ctx, dns.TypeA, rootProbeName, ns.PingTimeout)
	if err != nil {
		return probeOutcome{}, err
	}
	out := probeOutcome{result: res}
	switch {
	case res.Failed():
		out.broken, out.reason = true, dnsquery.Summarize(res)
	case res.Response.Rcode == dns.RcodeRefused:
		out.broken, out.reason = true, "REFUSED"
	case len(res.Response.Answer) == 0:
		out.broken, out.reason = true, "no answer for "+rootProbeName
	}
	return out, nil
}

func (ns *NameServer) negativeResponseProbe(prefix string) func(ctx context.Context) (probeOutcome, error) {
	return func(ctx context.Context) (probeOutcome, error) {
		name := generateUniqueDomain(prefix, negativeProbeDomain)
		res, err := ns.TimedRequest(ctx, dns.TypeA, name, ns.HealthTimeout)
		if err != nil {
			return probeOutcome{}, err
		}
		out := probeOutcome{result: res}
		switch {
		case res.Failed():
			out.broken, out.reason = true, dnsquery.Summarize(res)
		case res.Response.Rcode == dns.RcodeRefused:
			out.broken, out.reason = true, "REFUSED"
		case len(res.Response.Answer) > 0:
			out.warning = fmt.Sprintf("NXDOMAIN Hijacking (%s)", dnsquery.Summarize(res))
		}
		return out, nil
	}
}

func (ns *NameServer) testVersion(ctx context.Context) (probeOutcome, error) {
	res, err := ns.Exchange(ctx, dnsquery.NewQuery(dns.ClassCHAOS, dns.TypeTXT, "version.bind."), ns.HealthTimeout)
	if err != nil {
		return probeOutcome{}, err
	}
	out := probeOutcome{result: res}
	if res.Class == dnsquery.Timeout {
		out.broken, out.reason = true, "version request timed out"
		return out, nil
	}
	if txt := firstTXT(res.Response); txt != "" {
		ns.mu.Lock()
		ns.version = txt
		ns.mu.Unlock()
	}
	return out, nil
}

func (ns *NameServer) runSanityCheck(ctx context.Context, sc SanityCheck) (probeOutcome, error) {
	res, err := ns.TimedRequest(ctx, sc.Type, sc.Name, ns.HealthTimeout)
	if err != nil {
		return probeOutcome{}, err
	}
	out := probeOutcome{result: res}
	if res.Failed() {
		out.broken, out.reason = true, dnsquery.Summarize(res)
		return out, nil
	}
	if !matchesExpected(res.Response, sc.Expected) {
		out.warning = mismatchWarning(sc, dnsquery.Summarize(res))
	}
	return out, nil
}

// CheckCensorship runs checks and records a warning for each mismatch. It
// never counts failures.
func (ns *NameServer) CheckCensorship(ctx context.Context, checks []SanityCheck) error {
	for _, sc := range checks {
		if ns.IsDisabled() {
			return nil
		}
		res, err := ns.TimedRequest(ctx, sc.Type, sc.Name, ns.HealthTimeout)
		if err != nil {
			return fmt.Errorf("censorship probe %s on %s: %w", sc.Name, ns.ip, err)
		}
		if res.Failed() {
			continue
		}
		if !matchesExpected(res.Response, sc.Expected) {
			ns.AddWarning(mismatchWarning(sc, dnsquery.Summarize(res)))
		}
	}
	return nil
}

func mismatchWarning(sc SanityCheck, got string) string {
	name := strings.TrimSuffix(sc.Name, ".")
	if sc.Sensitive {
		return fmt.Sprintf("%s may be hijacked (%s)", name, got)
	}
	return fmt.Sprintf("%s is %s", name, got)
}

// matchesExpected reports whether any answer in resp matches any expected
// value. An empty expectation list accepts any non-empty answer.
func matchesExpected(resp *dns.Msg, expected []string) bool {
	if resp == nil || len(resp.Answer) == 0 {
		return false
	}
	if len(expected) == 0 {
		return true
	}
	for _, rr := range resp.Answer {
		value := strings.ToLower(strings.TrimSuffix(dnsquery.AnswerValue(rr), "."))
		ip := net.ParseIP(value)
		for _, want := range expected {
			want = strings.ToLower(want)
			if ip != nil {
				if _, cidr, err := net.ParseCIDR(want); err == nil {
					if cidr.Contains(ip) {
						return true
					}
					continue
				}
				if wantIP := net.ParseIP(want); wantIP != nil {
					if wantIP.Equal(ip) {
						return true
					}
					continue
				}
			}
			if strings.Contains(value, want) {
				return true
			}
		}
	}
	return false
}

func firstTXT(resp *dns.Msg) string {
	if resp == nil {
		return ""
	}
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok && len(txt.Txt) > 0 {
			return strings.Join(txt.Txt, " ")
		}
	}
	return ""
}

// generateUniqueDomain creates a unique domain name for cache-busting probes.
func generateUniqueDomain(prefix, suffix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return prefix + hex.EncodeToString(b) + suffix
}
