package output

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taihen/nsbench/pkg/analysis"
	"github.com/taihen/nsbench/pkg/benchmark"
	"github.com/taihen/nsbench/pkg/clock"
	"github.com/taihen/nsbench/pkg/config"
	"github.com/taihen/nsbench/pkg/dnsquery"
	"github.com/taihen/nsbench/pkg/dnsquery/mockdns"
	"github.com/taihen/nsbench/pkg/nameserver"
)

func TestFormatLatency(t *testing.T) {
	tests := []struct {
		name    string
		ms      float64
		hasData bool
		want    string
	}{
		{"zero with data", 0, true, "0.0 ms"},
		{"zero without data", 0, false, "N/A"},
		{"positive rounds", 123.456, true, "123.5 ms"},
		{"positive without data", 123, false, "N/A"},
		{"sub-millisecond", 0.5, true, "0.5 ms"},
		{"large", 2000, true, "2000.0 ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatLatency(tt.ms, tt.hasData); got != tt.want {
				t.Errorf("formatLatency() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatStdDev(t *testing.T) {
	tests := []struct {
		name          string
		ms            float64
		hasEnoughData bool
		want          string
	}{
		{"zero enough data", 0, true, "0.0 ms"},
		{"zero not enough data", 0, false, "N/A"},
		{"positive enough data", 56.789, true, "56.8 ms"},
		{"sub-millisecond", 0.75, true, "0.8 ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatStdDev(tt.ms, tt.hasEnoughData); got != tt.want {
				t.Errorf("formatStdDev() = %v, want %v", got, tt.want)
			}
		})
	}
}

func createSampleReport() Report {
	return Report{
		Best:    "1.1.1.1",
		Nearest: []string{"1.1.1.1", "8.8.8.8"},
		Results: []ServerEntry{
			{
				Average: analysis.Average{IP: "1.1.1.1", Name: "Cloudflare", AverageMs: 11, FastestMs: 10, SlowestMs: 12, StdDevMs: 1.414, Runs: 1, Queries: 2},
				Address: "1.1.1.1:53",
				Tags:    []string{"global", "preferred"},
			},
			{
				Average:  analysis.Average{IP: "8.8.8.8", Name: "Google", AverageMs: 35, FastestMs: 15, SlowestMs: 55, StdDevMs: 20, Failures: 1, NXDomains: 2, Runs: 1, Queries: 3},
				Address:  "8.8.8.8:53",
				Warnings: []string{"NXDOMAIN Hijacking (192.0.2.1)"},
			},
		},
		Disabled: []DisabledEntry{{IP: "10.0.0.9", Name: "Local", Reason: "shares cache with 1.1.1.1"}},
	}
}

func TestPrintConsoleResults(t *testing.T) {
	var buf bytes.Buffer
	PrintConsoleResults(&buf, createSampleReport())
	output := buf.String()

	for _, col := range []string{"Nameserver", "Avg", "StdDev", "Fastest", "Slowest", "Reliability", "NXDOMAIN", "Notes"} {
		assert.Contains(t, output, col)
	}
	assert.Regexp(t, `Cloudflare.*1\.1\.1\.1.*Google.*8\.8\.8\.8`, strings.ReplaceAll(output, "\n", " "))
	assert.Contains(t, output, "11.0 ms")
	assert.Contains(t, output, "1.4 ms")
	assert.Contains(t, output, "100.0%")
	assert.Contains(t, output, "66.7%")
	assert.Contains(t, output, "NXDOMAIN Hijacking (192.0.2.1)")

	assert.Contains(t, output, "--- Conclusion ---")
	assert.Contains(t, output, "Fastest reliable nameserver: Cloudflare [1.1.1.1]")
	assert.Contains(t, output, "Nearest nameservers: 1.1.1.1, 8.8.8.8")
	assert.Contains(t, output, "Excluded (Local [10.0.0.9]): shares cache with 1.1.1.1")
}

func TestPrintConsoleResults_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintConsoleResults(&buf, Report{})
	assert.Contains(t, buf.String(), "No nameservers were benchmarked.")
	assert.NotContains(t, buf.String(), "--- Conclusion ---")
}

func TestWriteJSONResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONResults(&buf, createSampleReport()))

	var got Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, createSampleReport(), got)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	first := raw["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "1.1.1.1", first["ip"])
	assert.InDelta(t, 11.0, first["average_ms"], 0.001)
	assert.Equal(t, "1.1.1.1:53", first["address"])
}

func TestWriteJSONResults_EmptyResultsIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONResults(&buf, Report{}))
	assert.Contains(t, buf.String(), `"results": []`)
}

func TestWriteResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResults(&buf, createSampleReport(), "JSON"))
	assert.True(t, json.Valid(buf.Bytes()))

	buf.Reset()
	require.NoError(t, WriteResults(&buf, createSampleReport(), "console"))
	assert.Contains(t, buf.String(), "--- Conclusion ---")

	assert.Error(t, WriteResults(&buf, createSampleReport(), "csv"))
}

func TestGetWriter(t *testing.T) {
	var fallback bytes.Buffer
	w, cleanup, err := GetWriter("", &fallback)
	require.NoError(t, err)
	assert.Same(t, &fallback, w)
	cleanup()

	path := filepath.Join(t.TempDir(), "out.json")
	w, cleanup, err = GetWriter(path, &fallback)
	require.NoError(t, err)
	require.NoError(t, WriteJSONResults(w, createSampleReport()))
	cleanup()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))

	_, _, err = GetWriter(filepath.Join(t.TempDir(), "missing", "out.json"), &fallback)
	assert.Error(t, err)
}

type servers []*nameserver.NameServer

func (s servers) Enabled() []*nameserver.NameServer {
	var out []*nameserver.NameServer
	for _, ns := range s {
		if !ns.IsDisabled() {
			out = append(out, ns)
		}
	}
	return out
}

func newServer(t *testing.T, ip, name string, latency time.Duration, tags ...nameserver.Tag) *nameserver.NameServer {
	t.Helper()
	fake := clock.NewFake(time.Unix(1000, 0))
	mock := &mockdns.Server{Clock: fake, Latencies: []time.Duration{latency}, Handler: mockdns.Healthy(ip)}
	info := config.ServerInfo{Address: net.JoinHostPort(ip, "53"), Protocol: config.UDP, Hostname: ip, Name: name}
	ns, err := nameserver.New(info, &dnsquery.Client{Exchanger: mock, Clock: fake}, tags...)
	require.NoError(t, err)
	return ns
}

func TestBuildReport(t *testing.T) {
	fast := newServer(t, "192.0.2.1", "fast", 2*time.Millisecond, nameserver.TagGlobal)
	slow := newServer(t, "192.0.2.2", "slow", 9*time.Millisecond)
	slow.AddWarning("name is 192.0.2.99")
	off := newServer(t, "192.0.2.3", "off", time.Millisecond)
	off.Disable("shares cache with 192.0.2.1")
	fast.MarkSharedWith(off)

	all := []*nameserver.NameServer{slow, fast, off}
	logger, _ := test.NewNullLogger()
	runner := benchmark.NewRunner(servers(all), benchmark.Config{Concurrency: 1, Logger: logger})
	records := []benchmark.TestRecord{{Type: dns.TypeA, Name: "www.example.org."}}
	require.NoError(t, runner.Run(context.Background(), records, 2))

	rep := BuildReport(context.Background(), runner, all, 1)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "192.0.2.1", rep.Best)
	assert.Equal(t, []string{"192.0.2.1"}, rep.Nearest)

	first := rep.Results[0]
	assert.Equal(t, "fast", first.Name)
	assert.Equal(t, "192.0.2.1:53", first.Address)
	assert.Equal(t, []string{"global"}, first.Tags)
	assert.Equal(t, []string{"192.0.2.3"}, first.SharedWith)
	assert.InDelta(t, 2.0, first.AverageMs, 0.001)
	assert.Equal(t, []string{"name is 192.0.2.99"}, rep.Results[1].Warnings)

	assert.Equal(t, []DisabledEntry{{IP: "192.0.2.3", Name: "off", Reason: "shares cache with 192.0.2.1"}}, rep.Disabled)
}
