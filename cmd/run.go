package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/taihen/nsbench/pkg/benchmark"
	"github.com/taihen/nsbench/pkg/config"
	"github.com/taihen/nsbench/pkg/kvstore"
	"github.com/taihen/nsbench/pkg/nameserver"
	"github.com/taihen/nsbench/pkg/output"
	"github.com/taihen/nsbench/pkg/roster"
	"github.com/taihen/nsbench/pkg/scheduler"
)

// nearestShown is how many nearest servers the report lists.
const nearestShown = 3

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.ShowVersion {
		fmt.Fprintf(stdout, "nsbench version %s\n", version)
		return 0
	}

	logger := newLogger(cfg, stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintln(stdout, "nsbench", version)
	status := progress(stderr)
	r := newRoster(cfg, logger, status)
	if r.Len() == 0 {
		fmt.Fprintln(stderr, "Error: no usable nameservers")
		return 1
	}

	fmt.Fprintf(stdout, "Checking the health of %d nameservers...\n", r.Len())
	if err := r.PrepareForBenchmark(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	records, err := benchmark.SelectRecords(
		benchmark.RecordsFromNames(cfg.RecordType(), cfg.Domains),
		cfg.NumQueries, benchmark.SelectMode(cfg.SelectMode), rng)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	fmt.Fprintf(stdout, "Benchmarking %d nameservers with %d records, %d run(s)...\n", len(r.Enabled()), len(records), cfg.NumRuns)
	runner := benchmark.NewRunner(r, benchmark.Config{Concurrency: cfg.Concurrency, Status: status, Logger: logger})
	if err := runner.Run(ctx, records, cfg.NumRuns); err != nil {
		fmt.Fprintf(stderr, "Error: benchmark aborted: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Benchmark finished.")
	fmt.Fprintln(stdout, "---")

	w, cleanup, err := output.GetWriter(cfg.OutputFile, stdout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()
	if cfg.OutputFile != "" {
		fmt.Fprintf(stdout, "Writing results to %s...\n", cfg.OutputFile)
	}

	rep := output.BuildReport(ctx, runner, r.All(), nearestShown)
	if err := output.WriteResults(w, rep, cfg.OutputFormat); err != nil {
		fmt.Fprintf(stderr, "Error writing results: %v\n", err)
		return 1
	}
	if cfg.OutputFile != "" {
		fmt.Fprintln(stdout, "Done.")
	}
	return 0
}

func newLogger(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// newRoster builds the candidate list. System resolvers go first so the
// primary one keeps its tag when it also appears in another list.
func newRoster(cfg *config.Config, logger *logrus.Logger, status scheduler.StatusFunc) *roster.Roster {
	rc := roster.Config{
		Concurrency:      cfg.Concurrency,
		Timeout:          cfg.Timeout,
		HealthTimeout:    cfg.HealthTimeout,
		PingTimeout:      cfg.PingTimeout,
		TargetCount:      cfg.TargetCount,
		NearestRatio:     cfg.NearestRatio,
		SkipCollusion:    cfg.SkipCollusion,
		IPv6Only:         cfg.IPv6Only,
		SanityChecks:     sanityChecks(cfg.SanityChecks),
		CensorshipChecks: sanityChecks(cfg.CensorshipChecks),
		Hostnames:        nameserver.NewHostnameResolver(time.Hour),
		Status:           status,
		Logger:           logger,
	}
	if cfg.RateLimit > 0 {
		rc.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	if cfg.CacheDir != "" {
		store, err := kvstore.NewFS(cfg.CacheDir)
		if err != nil {
			logger.WithError(err).Warn("health cache disabled")
		} else {
			rc.Store = store
		}
	}

	r := roster.New(rc)
	r.AddServers(roster.System, cfg.SystemServers)
	r.AddServers(roster.Supplied, cfg.Servers)
	r.AddServers(roster.Global, cfg.GlobalServers)
	r.AddServers(roster.Regional, cfg.RegionalServers)
	return r
}

// progress rewrites a single status line on w and ends it once a batch is
// complete.
func progress(w io.Writer) scheduler.StatusFunc {
	var mu sync.Mutex
	return func(msg string, count, total int) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "\r%s: %d/%d", msg, count, total)
		if count >= total {
			fmt.Fprintln(w)
		}
	}
}

func sanityChecks(specs []config.CheckSpec) []nameserver.SanityCheck {
	out := make([]nameserver.SanityCheck, len(specs))
	for i, s := range specs {
		out[i] = nameserver.SanityCheck{Type: s.Type, Name: s.Name, Expected: s.Expected, Sensitive: s.Sensitive}
	}
	return out
}
