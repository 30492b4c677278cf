package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultStream is the only stream the node connects to.
const DefaultStream uint32 = 1

// HostPort is a host with a TCP port.
type HostPort struct {
	Host string
	Port uint16
}

func (h HostPort) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port)))
}

// Seed is a hardcoded bootstrap node.
type Seed struct {
	Host   string
	Port   uint16
	Stream uint32
}

var (
	defaultTCPSeeds = "5.45.99.75:8444,75.167.159.54:8444,95.165.168.168:8444,85.180.139.241:8444," +
		"158.222.211.81:8080,178.62.12.187:8448,24.188.198.204:8111,109.147.204.113:1195,178.11.46.221:8444"
	defaultDNSSeeds = "bootstrap8444.bitmessage.org:8444,bootstrap8080.bitmessage.org:8080"
)

// Config is the read-only configuration surface of the node.
type Config struct {
	TCPHost     string
	TCPPort     int
	WSHost      string
	WSPort      int
	TrustedPeer *HostPort
	TCPSeeds    []Seed
	DNSSeeds    []HostPort
	DNSServer   string

	ConsulAddr    string
	ConsulService string

	Storage    string
	SQLitePath string
	MySQLDSN   string

	MetricsAddr string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
}

// Load parses args. Precedence from highest: flags, environment (including
// an optional .env in the working directory), the YAML config file, built-in
// defaults.
func Load(args []string) (Config, error) {
	_ = loadDotEnv()

	path := configPath(args)
	fc, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}

	var (
		cfg         Config
		trustedPeer string
		tcpSeeds    string
		dnsSeeds    string
		ignored     string
	)
	fs := flag.NewFlagSet("bitchand", flag.ContinueOnError)
	fs.StringVar(&ignored, "c", path, "YAML config file")
	fs.StringVar(&ignored, "config", path, "YAML config file")
	fs.StringVar(&cfg.TCPHost, "tcp-host", getenv("TCP_HOST", or(fc.TCPHost, "0.0.0.0")), "TCP listen host")
	fs.IntVar(&cfg.TCPPort, "tcp-port", getenvInt("TCP_PORT", orInt(fc.TCPPort, 8444)), "TCP listen port")
	fs.StringVar(&cfg.WSHost, "ws-host", getenv("WS_HOST", or(fc.WSHost, "0.0.0.0")), "WebSocket listen host")
	fs.IntVar(&cfg.WSPort, "ws-port", getenvInt("WS_PORT", orInt(fc.WSPort, 18444)), "WebSocket listen port (0 disables)")
	fs.StringVar(&trustedPeer, "trusted-peer", getenv("TCP_TRUSTED_PEER", fc.TrustedPeer), "only connect to this host:port")
	fs.StringVar(&tcpSeeds, "tcp-seeds", getenv("TCP_SEEDS", orList(fc.TCPSeeds, defaultTCPSeeds)), "comma separated host:port[:stream] bootstrap nodes")
	fs.StringVar(&dnsSeeds, "dns-seeds", getenv("TCP_DNS_SEEDS", orList(fc.DNSSeeds, defaultDNSSeeds)), "comma separated host:port DNS seeds")
	fs.StringVar(&cfg.DNSServer, "dns-server", getenv("DNS_SERVER", fc.DNSServer), "DNS server for seed lookups (default from resolv.conf)")
	fs.StringVar(&cfg.ConsulAddr, "consul-addr", getenv("CONSUL_ADDR", fc.ConsulAddr), "consul address for catalog seeds (requires build tag consul)")
	fs.StringVar(&cfg.ConsulService, "consul-service", getenv("CONSUL_SERVICE", or(fc.ConsulService, "bitchan")), "consul service name of peer nodes")
	fs.StringVar(&cfg.Storage, "storage", getenv("STORAGE_BACKEND", or(fc.StorageBackend, "sqlite")), "storage backend: sqlite|mysql|memory")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", getenv("SQLITE_DB_PATH", or(fc.SQLiteDBPath, "/var/lib/bitchan/bitchan.db")), "sqlite database path")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", fc.MetricsAddr), "serve prometheus metrics on this address (optional)")
	fs.StringVar(&cfg.LogLevel, "log-level", getenv("LOG_LEVEL", or(fc.LogLevel, "info")), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", getenv("LOG_FORMAT", or(fc.LogFormat, "text")), "log format: text|json")
	fs.BoolVar(&cfg.Debug, "debug", os.Getenv("DEBUG") != "", "debug logging")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.MySQLDSN = getenv("MYSQL_DSN", fc.MySQLDSN)

	if trustedPeer != "" {
		hp, err := parseHostPort(trustedPeer)
		if err != nil {
			return Config{}, fmt.Errorf("trusted-peer: %w", err)
		}
		cfg.TrustedPeer = &hp
	}
	if cfg.TCPSeeds, err = parseSeeds(tcpSeeds); err != nil {
		return Config{}, fmt.Errorf("tcp-seeds: %w", err)
	}
	if cfg.DNSSeeds, err = parseHostPorts(dnsSeeds); err != nil {
		return Config{}, fmt.Errorf("dns-seeds: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp-port %d out of range", c.TCPPort)
	}
	if c.WSPort < 0 || c.WSPort > 65535 {
		return fmt.Errorf("ws-port %d out of range", c.WSPort)
	}
	switch c.Storage {
	case "sqlite", "mysql", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// OutgoingLimit is the number of outgoing connections to maintain.
func (c Config) OutgoingLimit() int {
	if c.TrustedPeer != nil {
		return 1
	}
	return 8
}

// TCPAddr is the listen address of the TCP server.
func (c Config) TCPAddr() string {
	return net.JoinHostPort(c.TCPHost, strconv.Itoa(c.TCPPort))
}

// WSAddr is the listen address of the WebSocket server, empty when disabled.
func (c Config) WSAddr() string {
	if c.WSPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.WSHost, strconv.Itoa(c.WSPort))
}

func parseHostPort(s string) (HostPort, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return HostPort{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return HostPort{}, fmt.Errorf("bad port in %q", s)
	}
	if host == "" {
		return HostPort{}, errors.New("empty host")
	}
	return HostPort{Host: host, Port: uint16(p)}, nil
}

func parseHostPorts(s string) ([]HostPort, error) {
	out := []HostPort{}
	for _, part := range splitAndTrim(s) {
		hp, err := parseHostPort(part)
		if err != nil {
			return nil, err
		}
		out = append(out, hp)
	}
	return out, nil
}

// parseSeeds accepts host:port or host:port:stream; IPv6 hosts are bracketed.
func parseSeeds(s string) ([]Seed, error) {
	out := []Seed{}
	for _, part := range splitAndTrim(s) {
		stream := DefaultStream
		tail := part[strings.LastIndex(part, "]")+1:]
		if strings.Count(tail, ":") == 2 {
			i := strings.LastIndex(part, ":")
			v, err := strconv.ParseUint(part[i+1:], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad stream in %q", part)
			}
			stream = uint32(v)
			part = part[:i]
		}
		hp, err := parseHostPort(part)
		if err != nil {
			return nil, err
		}
		out = append(out, Seed{Host: hp.Host, Port: hp.Port, Stream: stream})
	}
	return out, nil
}

func splitAndTrim(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
