// Package benchmark times test records against the nameservers that survived
// the health checks and ranks them.
package benchmark

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/taihen/nsbench/pkg/analysis"
	"github.com/taihen/nsbench/pkg/dnsquery"
	"github.com/taihen/nsbench/pkg/nameserver"
	"github.com/taihen/nsbench/pkg/scheduler"
)

// TestRecord is a single query issued during a run.
type TestRecord struct {
	Type uint16
	Name string
}

func (r TestRecord) String() string {
	return fmt.Sprintf("%s %s", dns.TypeToString[r.Type], r.Name)
}

// Result is the outcome of one test record against one nameserver.
type Result struct {
	Record   TestRecord
	Duration time.Duration
	Response *dns.Msg // nil on failure
	Class    dnsquery.ErrorClass
	Err      error
}

// Failed reports whether the query went unanswered.
func (r Result) Failed() bool {
	return r.Class != dnsquery.None || r.Response == nil
}

// ServerResults holds every result of a nameserver, one slice per run in
// record order.
type ServerResults struct {
	Server *nameserver.NameServer
	Runs   [][]Result
}

// Source provides the nameservers to benchmark.
type Source interface {
	Enabled() []*nameserver.NameServer
}

// Config holds the runner settings.
type Config struct {
	Concurrency int
	Status      scheduler.StatusFunc
	Logger      logrus.FieldLogger
}

// Runner issues test records against nameservers and keeps the results.
type Runner struct {
	src     Source
	cfg     Config
	log     logrus.FieldLogger
	results []ServerResults
}

// NewRunner returns a Runner for the enabled members of src.
func NewRunner(src Source, cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = scheduler.SafeConcurrency
	}
	if cfg.Concurrency > scheduler.MaxConcurrency {
		cfg.Concurrency = scheduler.MaxConcurrency
	}
	return &Runner{src: src, cfg: cfg, log: cfg.Logger}
}

// Run issues every record against every enabled nameserver, runCount times.
// Each record goes to all servers before the next one is sent, so transient
// congestion hits every candidate alike. The server list is taken once, when
// Run starts. Previous results are discarded.
//
// Transport failures are recorded as results. Only a fatal measurement error
// or a cancelled context aborts the run.
func (r *Runner) Run(ctx context.Context, records []TestRecord, runCount int) error {
	servers := r.src.Enabled()
	r.results = make([]ServerResults, len(servers))
	for i, ns := range servers {
		r.results[i] = ServerResults{Server: ns}
	}
	if len(servers) == 0 || len(records) == 0 {
		return nil
	}

	total := runCount * len(records)
	for run := 0; run < runCount; run++ {
		batch := make([][]Result, len(servers))
		for i := range batch {
			batch[i] = make([]Result, len(records))
		}
		for i, rec := range records {
			if err := r.runRecord(ctx, servers, rec, i, batch); err != nil {
				return fmt.Errorf("run %d, %s: %w", run+1, rec, err)
			}
			r.status(fmt.Sprintf("Run %d/%d", run+1, runCount), run*len(records)+i+1, total)
		}
		for i := range servers {
			r.results[i].Runs = append(r.results[i].Runs, batch[i])
		}
		r.log.WithFields(logrus.Fields{"run": run + 1, "records": len(records), "servers": len(servers)}).Info("benchmark run complete")
	}
	return nil
}

// runRecord sends rec to every server and stores the outcome at column idx.
func (r *Runner) runRecord(ctx context.Context, servers []*nameserver.NameServer, rec TestRecord, idx int, batch [][]Result) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, ns := range servers {
		g.Go(func() error {
			res, err := ns.TimedRequest(gctx, rec.Type, rec.Name, ns.Timeout)
			if err != nil {
				return fmt.Errorf("%s: %w", ns, err)
			}
			batch[i][idx] = Result{
				Record:   rec,
				Duration: res.Duration,
				Response: res.Response,
				Class:    res.Class,
				Err:      res.Err,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runner) status(msg string, count, total int) {
	if r.cfg.Status != nil {
		r.cfg.Status(msg, count, total)
		return
	}
	r.log.WithFields(logrus.Fields{"count": count, "total": total}).Debug(msg)
}

// Results returns the raw results of the last Run, in server order.
func (r *Runner) Results() []ServerResults {
	return append([]ServerResults(nil), r.results...)
}

// ComputeAverages aggregates the results of every server, ordered from the
// lowest average to the highest.
func (r *Runner) ComputeAverages() []analysis.Average {
	out := make([]analysis.Average, 0, len(r.results))
	for _, sr := range r.results {
		runs := make([][]analysis.Sample, len(sr.Runs))
		for i, run := range sr.Runs {
			runs[i] = make([]analysis.Sample, len(run))
			for j, res := range run {
				runs[i][j] = analysis.Sample{
					Duration: res.Duration,
					Failed:   res.Failed(),
					NXDomain: !res.Failed() && res.Response.Rcode == dns.RcodeNameError,
				}
			}
		}
		out = append(out, analysis.Summarize(sr.Server.IP(), sr.Server.Name(), runs))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AverageMs != out[j].AverageMs {
			return out[i].AverageMs < out[j].AverageMs
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// FastestNameServers returns up to n servers with the lowest average.
func (r *Runner) FastestNameServers(n int) []*nameserver.NameServer {
	return r.servers(r.ComputeAverages(), n)
}

// NearestNameServers returns up to n servers with the lowest fastest
// response. This favours servers that are close by, whatever their cache
// hit rate.
func (r *Runner) NearestNameServers(n int) []*nameserver.NameServer {
	avgs := r.ComputeAverages()
	sort.SliceStable(avgs, func(i, j int) bool { return avgs[i].FastestMs < avgs[j].FastestMs })
	return r.servers(avgs, n)
}

// BestOverallNameServer returns the server with the lowest average that is
// not failure prone. When every server is failure prone the one with the
// lowest average is returned. It returns nil without results.
func (r *Runner) BestOverallNameServer() *nameserver.NameServer {
	ranked := r.servers(r.ComputeAverages(), -1)
	for _, ns := range ranked {
		if !ns.IsFailureProne() {
			return ns
		}
	}
	if len(ranked) == 0 {
		return nil
	}
	r.log.WithField("server", ranked[0].String()).Warn("every nameserver is failure prone")
	return ranked[0]
}

// servers maps averages back to their nameservers, keeping at most n
// (all when n < 0).
func (r *Runner) servers(avgs []analysis.Average, n int) []*nameserver.NameServer {
	byIP := make(map[string]*nameserver.NameServer, len(r.results))
	for _, sr := range r.results {
		byIP[sr.Server.IP()] = sr.Server
	}
	if n < 0 || n > len(avgs) {
		n = len(avgs)
	}
	out := make([]*nameserver.NameServer, 0, n)
	for _, a := range avgs[:n] {
		out = append(out, byIP[a.IP])
	}
	return out
}
