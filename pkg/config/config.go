package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ProtocolType defines the DNS protocol.
type ProtocolType string

const (
	UDP ProtocolType = "udp"
	TCP ProtocolType = "tcp"
	DOT ProtocolType = "dot" // DNS over TLS
	DOQ ProtocolType = "doq" // DNS over QUIC
)

// ServerInfo holds details about a DNS server endpoint.
type ServerInfo struct {
	Address  string // IP:Port
	Protocol ProtocolType
	Hostname string // IP without port, also used for TLS SNI
	Name     string // optional display name
}

// IP returns the server's IP address, the identity used throughout the engine.
func (si ServerInfo) IP() string {
	return si.Hostname
}

// String representation for ServerInfo, used for display and deduplication keys.
func (si ServerInfo) String() string {
	switch si.Protocol {
	case DOT:
		return fmt.Sprintf("tls://%s", si.Address)
	case DOQ:
		return fmt.Sprintf("quic://%s", si.Address)
	case TCP:
		return fmt.Sprintf("tcp://%s", si.Address)
	default: // UDP
		return si.Address
	}
}

// CheckSpec is an expected-answer assertion for one record.
type CheckSpec struct {
	Type      uint16
	Name      string   // FQDN
	Expected  []string // IPs, CIDRs or substrings of the record data
	Sensitive bool     // mismatches are reported as possible hijacking
}

var resolvConfNameserverRegex = regexp.MustCompile(`^\s*nameserver\s+([^\s]+)\s*$`)

// Config holds the application configuration derived from flags, environment and files.
type Config struct {
	ServersFile      string
	RegionalFile     string
	Servers          []ServerInfo // supplied by the user
	GlobalServers    []ServerInfo
	RegionalServers  []ServerInfo
	SystemServers    []ServerInfo
	NumRuns          int
	NumQueries       int
	Timeout          time.Duration // benchmark query timeout
	HealthTimeout    time.Duration
	PingTimeout      time.Duration
	Concurrency      int
	RateLimit        int
	Domains          []string
	QueryType        string
	SelectMode       string
	TargetCount      int
	NearestRatio     float64
	IncludeSystemDNS bool
	IncludeGlobal    bool
	SkipCollusion    bool
	IPv6Only         bool
	SanityFile       string
	SanityChecks     []CheckSpec
	CensorshipFile   string
	CensorshipChecks []CheckSpec
	CacheDir         string
	Verbose          bool
	OutputFile       string
	OutputFormat     string
	ShowVersion      bool
}

// DefaultGlobalServers lists well known public resolvers, one "IP name" per entry.
var DefaultGlobalServers = []string{
	"1.1.1.1 Cloudflare",
	"1.0.0.1 Cloudflare-2",
	"8.8.8.8 Google Public DNS",
	"8.8.4.4 Google Public DNS-2",
	"9.9.9.9 Quad9",
	"149.112.112.112 Quad9-2",
	"208.67.222.222 OpenDNS",
	"208.67.220.220 OpenDNS-2",
	"94.140.14.14 AdGuard DNS",
	"94.140.15.15 AdGuard DNS-2",
	"2606:4700:4700::1111 Cloudflare IPv6",
	"2001:4860:4860::8888 Google Public DNS IPv6",
}

// DefaultDomains are the names queried during benchmark runs.
var DefaultDomains = []string{
	"google.com", "facebook.com", "youtube.com", "wikipedia.org", "amazon.com",
	"github.com", "netflix.com", "microsoft.com", "apple.com", "cloudflare.com",
	"reddit.com", "instagram.com", "linkedin.com", "yahoo.com", "twitch.tv",
}

// DefaultSanityChecks are applied when no sanity file is given.
var DefaultSanityChecks = []CheckSpec{
	{Type: dns.TypeA, Name: "a.root-servers.net.", Expected: []string{"198.41.0.4"}},
	{Type: dns.TypeA, Name: "www.paypal.com.", Expected: []string{"paypal"}, Sensitive: true},
}

// LoadConfig parses args, merges environment and an optional config file, reads
// server lists and returns the final configuration.
func LoadConfig(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("nsbench", pflag.ContinueOnError)
	fs.StringP("config", "C", "", "Path to a config file (yaml, toml or json)")
	fs.StringP("servers-file", "f", "", "Path to file with DNS server endpoints (one per line: IP [name], tcp://IP, tls://IP, quic://IP)")
	fs.String("regional-file", "", "Path to file with regional DNS server endpoints")
	fs.IntP("runs", "r", 1, "Number of benchmark runs")
	fs.IntP("queries", "n", 10, "Number of test records queried per run")
	fs.DurationP("timeout", "t", 3500*time.Millisecond, "Benchmark query timeout")
	fs.Duration("health-timeout", 4*time.Second, "Health check timeout")
	fs.Duration("ping-timeout", time.Second, "Ping check timeout")
	fs.IntP("concurrency", "c", 40, "Max concurrent health checks and queries")
	fs.Int("rate", 0, "Max queries per second (0 for unlimited)")
	fs.StringSlice("domains", DefaultDomains, "Domains used as benchmark test records")
	fs.String("type", "A", "DNS record type for benchmark queries")
	fs.String("select", "random", "Test record selection mode (random, weighted, chunk)")
	fs.IntP("target", "T", 8, "Number of nameservers kept for benchmarking")
	fs.Float64("nearest-ratio", 0.5, "Share of secondary slots given to the nearest servers")
	fs.Bool("system", true, "Include system DNS servers")
	fs.Bool("global", true, "Include well known global DNS servers")
	fs.Bool("skip-collusion", false, "Skip shared-cache collusion checks")
	fs.Bool("ipv6-only", false, "Only benchmark IPv6 nameservers")
	fs.String("sanity-file", "", "Path to sanity check file ([TYPE] [!]domain expected...)")
	fs.String("censorship-file", "", "Path to censorship check file, same format as the sanity file")
	fs.String("cache-dir", defaultCacheDir(), "Directory for cached health check results (empty to disable)")
	fs.BoolP("verbose", "v", false, "Enable verbose output")
	fs.StringP("output", "o", "", "Path to output file")
	fs.String("format", "console", "Output format (console, json)")
	fs.Bool("version", false, "Show version")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("NSBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		ServersFile:      v.GetString("servers-file"),
		RegionalFile:     v.GetString("regional-file"),
		NumRuns:          v.GetInt("runs"),
		NumQueries:       v.GetInt("queries"),
		Timeout:          v.GetDuration("timeout"),
		HealthTimeout:    v.GetDuration("health-timeout"),
		PingTimeout:      v.GetDuration("ping-timeout"),
		Concurrency:      v.GetInt("concurrency"),
		RateLimit:        v.GetInt("rate"),
		Domains:          v.GetStringSlice("domains"),
		QueryType:        strings.ToUpper(v.GetString("type")),
		SelectMode:       v.GetString("select"),
		TargetCount:      v.GetInt("target"),
		NearestRatio:     v.GetFloat64("nearest-ratio"),
		IncludeSystemDNS: v.GetBool("system"),
		IncludeGlobal:    v.GetBool("global"),
		SkipCollusion:    v.GetBool("skip-collusion"),
		IPv6Only:         v.GetBool("ipv6-only"),
		SanityFile:       v.GetString("sanity-file"),
		CensorshipFile:   v.GetString("censorship-file"),
		CacheDir:         v.GetString("cache-dir"),
		Verbose:          v.GetBool("verbose"),
		OutputFile:       v.GetString("output"),
		OutputFormat:     v.GetString("format"),
		ShowVersion:      v.GetBool("version"),
	}
	if cfg.ShowVersion {
		return cfg, nil
	}
	if err := cfg.load(); err != nil {
		return nil, err
	}
	if cfg.Verbose {
		printVerboseConfig(cfg)
	}
	return cfg, nil
}

// load reads server lists and check files and validates the result.
func (cfg *Config) load() error {
	if _, ok := dns.StringToType[cfg.QueryType]; !ok {
		return fmt.Errorf("unknown query type %q", cfg.QueryType)
	}
	if cfg.NumRuns < 1 || cfg.NumQueries < 1 {
		return fmt.Errorf("runs and queries must be positive")
	}
	if cfg.TargetCount < 1 {
		return fmt.Errorf("target must be positive")
	}
	if cfg.NearestRatio < 0 || cfg.NearestRatio > 1 {
		return fmt.Errorf("nearest-ratio must be between 0 and 1")
	}

	if cfg.ServersFile != "" {
		servers, err := readServerStringsFromFile(cfg.ServersFile)
		if err != nil {
			return fmt.Errorf("reading servers file %s: %w", cfg.ServersFile, err)
		}
		cfg.Servers = parseAndDeduplicateServers(servers)
	}
	if cfg.RegionalFile != "" {
		servers, err := readServerStringsFromFile(cfg.RegionalFile)
		if err != nil {
			return fmt.Errorf("reading regional file %s: %w", cfg.RegionalFile, err)
		}
		cfg.RegionalServers = parseAndDeduplicateServers(servers)
	}
	if cfg.IncludeGlobal {
		cfg.GlobalServers = parseAndDeduplicateServers(DefaultGlobalServers)
	}
	if cfg.IncludeSystemDNS {
		systemServers, err := getSystemDNSServers(resolvConfPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not detect system DNS servers: %v\n", err)
		} else {
			cfg.SystemServers = parseAndDeduplicateServers(systemServers)
		}
	}
	if len(cfg.Servers)+len(cfg.GlobalServers)+len(cfg.RegionalServers)+len(cfg.SystemServers) == 0 {
		return fmt.Errorf("no valid DNS servers specified or found")
	}

	cfg.SanityChecks = DefaultSanityChecks
	if cfg.SanityFile != "" {
		checks, err := loadCheckFile(cfg.SanityFile)
		if err != nil {
			return fmt.Errorf("loading sanity checks: %w", err)
		}
		cfg.SanityChecks = checks
	}
	if cfg.CensorshipFile != "" {
		checks, err := loadCheckFile(cfg.CensorshipFile)
		if err != nil {
			return fmt.Errorf("loading censorship checks: %w", err)
		}
		cfg.CensorshipChecks = checks
	}
	return nil
}

// RecordType returns the numeric DNS type for QueryType.
func (cfg *Config) RecordType() uint16 {
	return dns.StringToType[cfg.QueryType]
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + string(os.PathSeparator) + "nsbench"
}

// printVerboseConfig prints the configuration details.
func printVerboseConfig(cfg *Config) {
	fmt.Println("--- Configuration ---")
	fmt.Printf("Servers File:      %s\n", cfg.ServersFile)
	fmt.Printf("Supplied Servers:  %v\n", cfg.Servers)
	fmt.Printf("Global Servers:    %d\n", len(cfg.GlobalServers))
	fmt.Printf("Regional Servers:  %d\n", len(cfg.RegionalServers))
	fmt.Printf("System Servers:    %v\n", cfg.SystemServers)
	fmt.Printf("Runs x Queries:    %d x %d\n", cfg.NumRuns, cfg.NumQueries)
	fmt.Printf("Timeout:           %v (health %v, ping %v)\n", cfg.Timeout, cfg.HealthTimeout, cfg.PingTimeout)
	fmt.Printf("Concurrency:       %d\n", cfg.Concurrency)
	fmt.Printf("Rate Limit:        %d qps\n", cfg.RateLimit)
	fmt.Printf("Query Type:        %s\n", cfg.QueryType)
	fmt.Printf("Selection:         %s\n", cfg.SelectMode)
	fmt.Printf("Target Count:      %d\n", cfg.TargetCount)
	fmt.Printf("Skip Collusion:    %t\n", cfg.SkipCollusion)
	fmt.Printf("IPv6 Only:         %t\n", cfg.IPv6Only)
	fmt.Printf("Sanity Checks:     %d\n", len(cfg.SanityChecks))
	fmt.Printf("Censorship Checks: %d\n", len(cfg.CensorshipChecks))
	fmt.Printf("Cache Dir:         %s\n", cfg.CacheDir)
	fmt.Printf("Output Format:     %s\n", cfg.OutputFormat)
	if cfg.OutputFile != "" {
		fmt.Printf("Output File:       %s\n", cfg.OutputFile)
	}
	fmt.Println("---------------------")
}

// readServerStringsFromFile reads server endpoints from a file.
func readServerStringsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var servers []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		servers = append(servers, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no server endpoints found in file: %s", filePath)
	}
	return servers, nil
}

// splitHostPortDefault splits addr, falling back to the whole string as host.
func splitHostPortDefault(addr, defaultPort string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]"), defaultPort
	}
	if _, err := strconv.Atoi(port); err != nil {
		port = defaultPort
	}
	return host, port
}

// parseServerString parses "endpoint [display name]" into a ServerInfo.
// Endpoints must use an IP address, which is the server's identity.
func parseServerString(serverStr string) (ServerInfo, error) {
	fields := strings.Fields(serverStr)
	if len(fields) == 0 {
		return ServerInfo{}, fmt.Errorf("empty server endpoint")
	}
	endpoint := fields[0]
	name := strings.Join(fields[1:], " ")

	protocol, defaultPort := UDP, "53"
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return ServerInfo{}, fmt.Errorf("DNS-over-HTTPS endpoint '%s' is not supported", endpoint)
	case strings.HasPrefix(endpoint, "tls://"):
		protocol, defaultPort = DOT, "853"
		endpoint = strings.TrimPrefix(endpoint, "tls://")
	case strings.HasPrefix(endpoint, "quic://"):
		protocol, defaultPort = DOQ, "853"
		endpoint = strings.TrimPrefix(endpoint, "quic://")
	case strings.HasPrefix(endpoint, "tcp://"):
		protocol = TCP
		endpoint = strings.TrimPrefix(endpoint, "tcp://")
	case strings.HasPrefix(endpoint, "udp://"):
		endpoint = strings.TrimPrefix(endpoint, "udp://")
	}

	host, port := splitHostPortDefault(endpoint, defaultPort)
	ip := net.ParseIP(host)
	if ip == nil {
		return ServerInfo{}, fmt.Errorf("'%s' is not an IP address", host)
	}
	return ServerInfo{
		Address:  net.JoinHostPort(ip.String(), port),
		Protocol: protocol,
		Hostname: ip.String(),
		Name:     name,
	}, nil
}

// parseAndDeduplicateServers parses string endpoints and removes duplicates.
func parseAndDeduplicateServers(serverStrings []string) []ServerInfo {
	seen := make(map[string]struct{})
	var result []ServerInfo
	for _, s := range serverStrings {
		info, err := parseServerString(s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Skipping invalid server endpoint '%s': %v\n", s, err)
			continue
		}
		key := info.String()
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			result = append(result, info)
		}
	}
	return result
}

const resolvConfPath = "/etc/resolv.conf"

// getSystemDNSServers reads the nameservers configured in a resolv.conf file.
func getSystemDNSServers(path string) ([]string, error) {
	// TODO: Implement system DNS detection for Windows (e.g., using registry or PowerShell).
	if runtime.GOOS == "windows" {
		return nil, fmt.Errorf("system DNS detection not implemented for Windows")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer file.Close()

	var servers []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		match := resolvConfNameserverRegex.FindStringSubmatch(scanner.Text())
		if len(match) == 2 {
			ip := net.ParseIP(match[1])
			if ip != nil {
				servers = append(servers, match[1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no nameservers found in %s", path)
	}
	return servers, nil
}

// loadCheckFile reads "[TYPE] [!]domain expected..." lines. A leading '!' marks
// the domain as sensitive.
func loadCheckFile(filePath string) ([]CheckSpec, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var checks []CheckSpec
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		check, err := parseCheckLine(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Skipping %s (line %d): %v\n", filePath, lineNumber, err)
			continue
		}
		checks = append(checks, check)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(checks) == 0 {
		return nil, fmt.Errorf("no valid checks found in %s", filePath)
	}
	return checks, nil
}

func parseCheckLine(line string) (CheckSpec, error) {
	parts := strings.Fields(line)
	check := CheckSpec{Type: dns.TypeA}
	if len(parts) >= 3 {
		if t, ok := dns.StringToType[strings.ToUpper(parts[0])]; ok {
			check.Type = t
			parts = parts[1:]
		}
	}
	if len(parts) < 2 {
		return CheckSpec{}, fmt.Errorf("expected 'domain expected...', got %q", line)
	}
	name := parts[0]
	if strings.HasPrefix(name, "!") {
		check.Sensitive = true
		name = strings.TrimPrefix(name, "!")
	}
	if !strings.Contains(strings.TrimSuffix(name, "."), ".") {
		return CheckSpec{}, fmt.Errorf("invalid domain %q", name)
	}
	check.Name = dns.Fqdn(name)
	check.Expected = parts[1:]
	return check, nil
}
