package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/taihen/nsbench/pkg/analysis"
	"github.com/taihen/nsbench/pkg/benchmark"
	"github.com/taihen/nsbench/pkg/nameserver"
)

// ServerEntry is one ranked nameserver in a report.
type ServerEntry struct {
	analysis.Average
	Address    string   `json:"address"`
	Hostname   string   `json:"hostname,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	SharedWith []string `json:"shared_with,omitempty"`
	Version    string   `json:"version,omitempty"`
	NodeID     string   `json:"node_id,omitempty"`
}

// DisabledEntry is a nameserver that was excluded from the benchmark.
type DisabledEntry struct {
	IP     string `json:"ip"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Report is everything the writers need, detached from the engine types.
type Report struct {
	Best     string          `json:"best,omitempty"`
	Nearest  []string        `json:"nearest,omitempty"`
	Results  []ServerEntry   `json:"results"`
	Disabled []DisabledEntry `json:"disabled,omitempty"`
}

// BuildReport collects the ranking of runner and the state of every roster
// member in servers. Hidden servers are left out of the disabled list.
func BuildReport(ctx context.Context, runner *benchmark.Runner, servers []*nameserver.NameServer, nearest int) Report {
	var rep Report
	byIP := make(map[string]*nameserver.NameServer, len(servers))
	for _, ns := range servers {
		byIP[ns.IP()] = ns
	}
	for _, avg := range runner.ComputeAverages() {
		entry := ServerEntry{Average: avg}
		if ns, ok := byIP[avg.IP]; ok {
			entry.Address = ns.Address()
			entry.Hostname = ns.Hostname(ctx)
			entry.Warnings = ns.Warnings()
			entry.Version = ns.Version()
			entry.NodeID = ns.NodeID()
			for _, tag := range ns.Tags() {
				entry.Tags = append(entry.Tags, string(tag))
			}
			for _, other := range ns.SharedWith() {
				entry.SharedWith = append(entry.SharedWith, other.IP())
			}
		}
		rep.Results = append(rep.Results, entry)
	}
	if best := runner.BestOverallNameServer(); best != nil {
		rep.Best = best.IP()
	}
	for _, ns := range runner.NearestNameServers(nearest) {
		rep.Nearest = append(rep.Nearest, ns.IP())
	}
	for _, ns := range servers {
		if ns.IsDisabled() && !ns.IsHidden() {
			rep.Disabled = append(rep.Disabled, DisabledEntry{IP: ns.IP(), Name: ns.Name(), Reason: ns.DisabledReason()})
		}
	}
	return rep
}

// GetWriter returns the file at path, or fallback when path is empty. The
// returned cleanup func closes the file.
func GetWriter(path string, fallback io.Writer) (io.Writer, func(), error) {
	if path == "" {
		return fallback, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// WriteResults writes rep in the given format.
func WriteResults(w io.Writer, rep Report, format string) error {
	switch strings.ToLower(format) {
	case "", "console":
		PrintConsoleResults(w, rep)
		return nil
	case "json":
		return WriteJSONResults(w, rep)
	}
	return fmt.Errorf("unknown output format %q", format)
}

// PrintConsoleResults prints the ranking as a table followed by a short
// conclusion.
func PrintConsoleResults(writer io.Writer, rep Report) {
	w := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)

	header := []string{"Nameserver", "IP", "Avg", "StdDev", "Fastest", "Slowest", "Reliability", "NXDOMAIN", "Notes"}
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))
	_, _ = fmt.Fprintln(w, strings.Repeat("-\t", len(header)))
	for _, res := range rep.Results {
		_, _ = fmt.Fprintln(w, strings.Join(buildRow(res), "\t"))
	}
	_ = w.Flush()

	printSummary(writer, rep)
}

// buildRow formats one ranked server for the console table.
func buildRow(res ServerEntry) []string {
	answered := res.Succeeded() > 0
	return []string{
		res.Name,
		res.IP,
		formatLatency(res.AverageMs, res.Queries > 0),
		formatStdDev(res.StdDevMs, res.Queries > 1),
		formatLatency(res.FastestMs, answered),
		formatLatency(res.SlowestMs, res.Queries > 0),
		fmt.Sprintf("%.1f%%", res.Reliability()),
		fmt.Sprintf("%d", res.NXDomains),
		strings.Join(res.Warnings, ", "),
	}
}

// printSummary adds the recommendation and the list of excluded servers.
func printSummary(writer io.Writer, rep Report) {
	if len(rep.Results) == 0 {
		_, _ = fmt.Fprintln(writer, "\nNo nameservers were benchmarked.")
		return
	}

	_, _ = fmt.Fprintln(writer, "\n--- Conclusion ---")
	if best, ok := rep.find(rep.Best); ok {
		_, _ = fmt.Fprintf(writer, "Fastest reliable nameserver: %s [%s]\n", best.Name, best.IP)
		_, _ = fmt.Fprintf(writer, "  Avg Latency: %s (StdDev: %s)\n",
			formatLatency(best.AverageMs, best.Queries > 0),
			formatStdDev(best.StdDevMs, best.Queries > 1))
		_, _ = fmt.Fprintf(writer, "  Reliability: %.1f%%\n", best.Reliability())
	} else {
		_, _ = fmt.Fprintln(writer, "Could not determine a best nameserver.")
	}
	if len(rep.Nearest) > 0 {
		_, _ = fmt.Fprintf(writer, "Nearest nameservers: %s\n", strings.Join(rep.Nearest, ", "))
	}

	for _, d := range rep.Disabled {
		_, _ = fmt.Fprintf(writer, "Excluded (%s [%s]): %s\n", d.Name, d.IP, d.Reason)
	}
	_, _ = fmt.Fprintln(writer, "Note: Results are based on a snapshot in time and your current network conditions.")
}

func (rep Report) find(ip string) (ServerEntry, bool) {
	for _, r := range rep.Results {
		if r.IP == ip && ip != "" {
			return r, true
		}
	}
	return ServerEntry{}, false
}

// WriteJSONResults writes rep as indented JSON.
func WriteJSONResults(writer io.Writer, rep Report) error {
	if rep.Results == nil {
		rep.Results = []ServerEntry{}
	}
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(rep); err != nil {
		return fmt.Errorf("failed to encode JSON results: %w", err)
	}
	return nil
}

// formatLatency returns "N/A" when there is nothing to show, or the latency
// in milliseconds with one decimal place.
func formatLatency(ms float64, hasData bool) string {
	if !hasData {
		return "N/A"
	}
	return fmt.Sprintf("%.1f ms", ms)
}

// formatStdDev needs at least two data points.
func formatStdDev(ms float64, hasEnoughData bool) string {
	if !hasEnoughData {
		return "N/A"
	}
	return fmt.Sprintf("%.1f ms", ms)
}
